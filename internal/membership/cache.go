package membership

import (
	"context"
	"sync"
	"time"

	"github.com/compresr/chat-gateway/internal/access"
)

type cacheKey struct {
	user, channel string
}

type cacheEntry struct {
	member  bool
	expires time.Time
}

// CachedChecker memoizes answers of another checker for ttl.
// Errors are never cached.
type CachedChecker struct {
	next access.MembershipChecker
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// NewCachedChecker wraps next with a ttl cache.
func NewCachedChecker(next access.MembershipChecker, ttl time.Duration) *CachedChecker {
	return &CachedChecker{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// IsMember implements access.MembershipChecker.
func (c *CachedChecker) IsMember(ctx context.Context, userID, channelID string) (bool, error) {
	key := cacheKey{user: userID, channel: channelID}

	c.mu.Lock()
	e, ok := c.entries[key]
	now := c.now()
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.member, nil
	}

	member, err := c.next.IsMember(ctx, userID, channelID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{member: member, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return member, nil
}

// Forget drops the cached answer for a user in every channel.
func (c *CachedChecker) Forget(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.user == userID {
			delete(c.entries, k)
		}
	}
}
