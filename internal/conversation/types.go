// Package conversation keeps a bounded, aging message history per user.
//
// Sessions are JSON documents in a kvstore.Store under "conversation:<user>".
// A session holds at most MaxHistorySize entries (oldest evicted first) and is
// discarded once it has been idle for longer than MaxAge. The assistant persona
// is never stored; BuildContext prepends it when the backend context is assembled.
package conversation

import (
	"errors"
	"time"
)

// ErrStoreUnavailable wraps failures of the underlying key-value store.
var ErrStoreUnavailable = errors.New("conversation store unavailable")

// Role identifies who authored an entry.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single conversation turn.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the persisted per-user history.
type Session struct {
	UserID       string    `json:"user_id"`
	Entries      []Entry   `json:"entries"`
	LastActivity time.Time `json:"last_activity"`
}

// expired reports whether the session has been idle longer than maxAge.
// A non-positive maxAge disables expiry.
func (s *Session) expired(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(s.LastActivity) > maxAge
}

// evict drops the oldest entries until at most max remain.
func (s *Session) evict(max int) {
	if max < 0 {
		max = 0
	}
	if over := len(s.Entries) - max; over > 0 {
		s.Entries = append([]Entry(nil), s.Entries[over:]...)
	}
}

// UserEntry builds a user turn.
func UserEntry(content string) Entry { return Entry{Role: RoleUser, Content: content} }

// AssistantEntry builds an assistant turn.
func AssistantEntry(content string) Entry { return Entry{Role: RoleAssistant, Content: content} }
