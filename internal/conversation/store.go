package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-gateway/internal/keylock"
	"github.com/compresr/chat-gateway/internal/kvstore"
)

const (
	keyPrefix = "conversation:"
	// Extra KV lifetime past MaxAge; the idle check in GetContext is authoritative.
	ttlSlack = time.Minute
)

// Store manages per-user sessions on top of a key-value store.
type Store struct {
	kv      kvstore.Store
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
	locks   *keylock.Striped
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockStripes sets the number of per-user lock stripes.
func WithLockStripes(n int) Option {
	return func(s *Store) { s.locks = keylock.New(n) }
}

// New creates a Store holding at most maxSize entries per user, each session
// expiring after maxAge of inactivity.
func New(kv kvstore.Store, maxSize int, maxAge time.Duration, opts ...Option) *Store {
	s := &Store{
		kv:      kv,
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
		locks:   keylock.New(keylock.DefaultStripes),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxHistorySize returns the configured entry limit.
func (s *Store) MaxHistorySize() int { return s.maxSize }

// GetContext returns a copy of the user's live history. An expired session is
// deleted first and an empty history returned.
func (s *Store) GetContext(ctx context.Context, userID string) ([]Entry, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	sess, err := s.loadLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	out := make([]Entry, len(sess.Entries))
	copy(out, sess.Entries)
	return out, nil
}

// BuildContext returns the persona as a system entry followed by the history.
func (s *Store) BuildContext(ctx context.Context, userID, persona string) ([]Entry, error) {
	history, err := s.GetContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	return WithPersona(persona, history), nil
}

// WithPersona prepends a system entry for persona. An empty persona adds nothing.
func WithPersona(persona string, history []Entry) []Entry {
	if persona == "" {
		return history
	}
	out := make([]Entry, 0, len(history)+1)
	out = append(out, Entry{Role: RoleSystem, Content: persona})
	return append(out, history...)
}

// Append adds entries in order, updates the activity time and evicts the
// oldest entries beyond the size limit. An expired session starts fresh.
func (s *Store) Append(ctx context.Context, userID string, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	sess, err := s.loadLocked(ctx, userID)
	if err != nil {
		return err
	}
	now := s.now()
	if sess == nil {
		sess = &Session{UserID: userID}
	}
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		sess.Entries = append(sess.Entries, e)
	}
	sess.evict(s.maxSize)
	sess.LastActivity = now

	return s.save(ctx, sess)
}

// Reset clears the user's history.
func (s *Store) Reset(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.kv.Delete(ctx, keyPrefix+userID); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStoreUnavailable, userID, err)
	}
	return nil
}

// loadLocked reads the session and applies expiry. Caller holds the user's lock.
func (s *Store) loadLocked(ctx context.Context, userID string) (*Session, error) {
	data, err := s.kv.Get(ctx, keyPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStoreUnavailable, userID, err)
	}
	if data == nil {
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("conversation: dropping unreadable session")
		_ = s.kv.Delete(ctx, keyPrefix+userID)
		return nil, nil
	}

	if sess.expired(s.now(), s.maxAge) {
		log.Debug().
			Str("user_id", userID).
			Time("last_activity", sess.LastActivity).
			Msg("conversation: session expired")
		if err := s.kv.Delete(ctx, keyPrefix+userID); err != nil {
			return nil, fmt.Errorf("%w: delete %s: %v", ErrStoreUnavailable, userID, err)
		}
		return nil, nil
	}
	return &sess, nil
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	var ttl time.Duration
	if s.maxAge > 0 {
		ttl = s.maxAge + ttlSlack
	}
	if err := s.kv.Set(ctx, keyPrefix+sess.UserID, data, ttl); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStoreUnavailable, sess.UserID, err)
	}
	return nil
}
