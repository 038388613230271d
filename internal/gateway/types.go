// Package gateway - types.go defines the request lifecycle types.
//
// DESIGN: A request moves through a fixed state machine:
//
//	Idle → Authorizing → ContextLoaded → Dispatching → Streaming → Committing → Done
//
// with Aborted reachable from Authorizing, Dispatching and Streaming. Exactly one
// terminal state (Done or Aborted) is reported per request in Outcome.State.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/compresr/chat-gateway/internal/backend"
)

// State is a step of the request lifecycle.
type State string

const (
	StateIdle          State = "idle"
	StateAuthorizing   State = "authorizing"
	StateContextLoaded State = "context_loaded"
	StateDispatching   State = "dispatching"
	StateStreaming     State = "streaming"
	StateCommitting    State = "committing"
	StateDone          State = "done"
	StateAborted       State = "aborted"
)

// transitions lists the legal successors of each non-terminal state.
var transitions = map[State][]State{
	StateIdle:          {StateAuthorizing},
	StateAuthorizing:   {StateContextLoaded, StateAborted},
	StateContextLoaded: {StateDispatching},
	StateDispatching:   {StateStreaming, StateAborted},
	StateStreaming:     {StateCommitting, StateAborted},
	StateCommitting:    {StateDone},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends a request.
func (s State) Terminal() bool { return s == StateDone || s == StateAborted }

// Reason explains why a request ended where it did.
type Reason string

const (
	ReasonCompleted          Reason = "completed"
	ReasonNotAllowed         Reason = "not_allowed"
	ReasonMembershipRequired Reason = "membership_required"
	ReasonNotTriggered       Reason = "not_triggered"
	ReasonIgnored            Reason = "ignored"
	ReasonFeatureDisabled    Reason = "feature_disabled"
	ReasonInvalidRequest     Reason = "invalid_request"
	ReasonBudgetExceeded     Reason = "budget_exceeded"
	ReasonBackendError       Reason = "backend_error"
	ReasonCancelled          Reason = "cancelled"
)

// Request is one inbound message from an end user.
type Request struct {
	ID      string // Generated when empty
	UserID  string
	ChatID  string
	IsGroup bool
	Kind    backend.Kind // Defaults to chat

	Text string // Chat prompt, image prompt, or voice caption

	Audio         []byte
	AudioFilename string
	AudioDuration time.Duration // Caller's hint; estimated from size when zero

	ImageSize string // Overrides the configured size
	Stream    *bool  // Overrides the configured streaming mode for chat
}

// Reply is one outbound message part. Deltas arrive in order; the final reply
// has Done set and carries the full text.
type Reply struct {
	ChatID     string `json:"chat_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Full       string `json:"full,omitempty"`
	ImageURL   string `json:"image_url,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Notice     bool   `json:"notice,omitempty"` // Full is a gateway notice, not model output
	Done       bool   `json:"done"`
}

// Sink delivers replies to the caller. An error means the caller is gone and
// is treated as cancellation.
type Sink interface {
	Send(ctx context.Context, reply Reply) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, reply Reply) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, reply Reply) error { return f(ctx, reply) }

type discardSink struct{}

func (discardSink) Send(context.Context, Reply) error { return nil }

// Outcome describes how a request ended.
type Outcome struct {
	RequestID  string
	State      State
	Reason     Reason
	Err        error
	Notice     string // User-facing explanation for aborted requests
	InviteLink string

	Reply      string
	ImageURL   string
	Transcript string

	Cost     decimal.Decimal // Total settled for this request
	Usage    backend.Usage
	Degraded bool // History could not be read or written

	Path []State // States visited, in order
}
