package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/chat-gateway/internal/access"
	"github.com/compresr/chat-gateway/internal/backend"
	"github.com/compresr/chat-gateway/internal/config"
	"github.com/compresr/chat-gateway/internal/conversation"
	"github.com/compresr/chat-gateway/internal/costcontrol"
	"github.com/compresr/chat-gateway/internal/gateway"
	"github.com/compresr/chat-gateway/internal/kvstore"
	"github.com/compresr/chat-gateway/internal/monitoring"
)

// =============================================================================
// FAKES
// =============================================================================

type script func(ctx context.Context, req backend.Request, out chan<- backend.Chunk)

type fakeBackend struct {
	mu      sync.Mutex
	calls   []backend.Request
	scripts map[backend.Kind]script
	err     error
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Generate(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(chan backend.Chunk)
	go func() {
		defer close(out)
		if s := f.scripts[req.Kind]; s != nil {
			s(ctx, req, out)
		}
	}()
	return out, nil
}

func (f *fakeBackend) Calls() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.calls...)
}

func emit(ctx context.Context, out chan<- backend.Chunk, chunks ...backend.Chunk) bool {
	for _, c := range chunks {
		select {
		case out <- c:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func replyWith(usage backend.Usage, deltas ...string) script {
	return func(ctx context.Context, _ backend.Request, out chan<- backend.Chunk) {
		for _, d := range deltas {
			if !emit(ctx, out, backend.Chunk{TextDelta: d}) {
				return
			}
		}
		emit(ctx, out, backend.Chunk{Usage: &usage})
	}
}

type fakeMembers struct{ members map[string]bool }

func (f fakeMembers) IsMember(_ context.Context, userID, _ string) (bool, error) {
	return f.members[userID], nil
}

type recordingSink struct {
	mu      sync.Mutex
	replies []gateway.Reply
	onSend  func(gateway.Reply) error
}

func (s *recordingSink) Send(_ context.Context, r gateway.Reply) error {
	s.mu.Lock()
	s.replies = append(s.replies, r)
	s.mu.Unlock()
	if s.onSend != nil {
		return s.onSend(r)
	}
	return nil
}

func (s *recordingSink) Replies() []gateway.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gateway.Reply(nil), s.replies...)
}

type brokenKV struct{ kvstore.Store }

func (brokenKV) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (brokenKV) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}

// wordCounter makes token estimates predictable: one token per word.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	orch    *gateway.Orchestrator
	ledger  *costcontrol.Ledger
	history *conversation.Store
	backend *fakeBackend
	metrics *monitoring.MetricsCollector
	kv      kvstore.Store
}

type harnessOptions struct {
	policy      access.Policy
	members     access.MembershipChecker
	guestBudget string
	kv          kvstore.Store
	opts        gateway.Options
}

func newHarness(t *testing.T, mutate ...func(*harnessOptions)) *harness {
	t.Helper()
	ho := &harnessOptions{
		policy: access.Policy{
			AllowedUsers:        access.AllIDs(),
			Admins:              access.IDs("root"),
			GroupTriggerKeyword: "@bot",
		},
		guestBudget: "100",
		kv:          kvstore.NewMemoryStore(),
		opts: gateway.Options{
			Persona:          "be brief",
			Stream:           true,
			BillPartialUsage: true,
			ImageSize:        "512x512",
			Features: config.FeaturesConfig{
				EnableImageGeneration:     true,
				EnableTranscription:       true,
				IgnoreGroupTranscriptions: true,
			},
		},
	}
	for _, m := range mutate {
		m(ho)
	}

	ledger := costcontrol.NewLedger(
		costcontrol.NewLimitPolicy(costcontrol.LimitOf(decimal.RequireFromString(ho.guestBudget)), nil, "root"),
		costcontrol.PeriodMonthly,
	)
	history := conversation.New(ho.kv, 15, 3*time.Hour)
	fb := &fakeBackend{scripts: map[backend.Kind]script{}}
	metrics := monitoring.NewMetricsCollector()

	orch := gateway.NewOrchestrator(gateway.Deps{
		Gate:    access.NewGate(ho.policy, ho.members),
		History: history,
		Ledger:  ledger,
		Prices: costcontrol.NewPriceSchedule(costcontrol.PricingConfig{
			TokenPrice:         0.002,
			ImagePrices:        []float64{0.016, 0.018, 0.02},
			TranscriptionPrice: 0.006,
		}),
		Backend: fb,
		Tokens:  wordCounter{},
		Metrics: metrics,
	}, ho.opts)

	return &harness{orch: orch, ledger: ledger, history: history, backend: fb, metrics: metrics, kv: ho.kv}
}

func (h *harness) spent(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	return h.ledger.Usage(context.Background(), userID).Spent
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s, got %s", want, got)
}

func chatRequest(userID, text string) gateway.Request {
	return gateway.Request{UserID: userID, ChatID: "chat-" + userID, Text: text}
}

// =============================================================================
// TESTS
// =============================================================================

func TestHandle_CommitAppendsHistoryAndSettlesExactCost(t *testing.T) {
	h := newHarness(t)
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 10, CompletionTokens: 5}, "Hello", " world")
	sink := &recordingSink{}

	out, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello there"), sink)
	require.NoError(t, err)

	assert.Equal(t, gateway.StateDone, out.State)
	assert.Equal(t, gateway.ReasonCompleted, out.Reason)
	assert.Equal(t, []gateway.State{
		gateway.StateAuthorizing, gateway.StateContextLoaded, gateway.StateDispatching,
		gateway.StateStreaming, gateway.StateCommitting, gateway.StateDone,
	}, out.Path)
	assert.Equal(t, "Hello world", out.Reply)
	assertMoney(t, "0.03", out.Cost)
	assertMoney(t, "0.03", h.spent(t, "alice"))

	replies := sink.Replies()
	require.Len(t, replies, 3)
	assert.Equal(t, "Hello", replies[0].Delta)
	assert.Equal(t, " world", replies[1].Delta)
	assert.True(t, replies[2].Done)
	assert.Equal(t, "Hello world", replies[2].Full)

	history, err := h.history.GetContext(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, "hello there", history[0].Content)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello world", history[1].Content)

	calls := h.backend.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].Messages, 2)
	assert.Equal(t, "system", calls[0].Messages[0].Role)
	assert.Equal(t, "be brief", calls[0].Messages[0].Content)
	assert.True(t, calls[0].Stream)
}

func TestHandle_StreamOverride(t *testing.T) {
	for _, tc := range []struct {
		name       string
		configured bool
		override   bool
	}{
		{"enabled per request", false, true},
		{"disabled per request", true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(ho *harnessOptions) { ho.opts.Stream = tc.configured })
			h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 1}, "Hel", "lo")
			sink := &recordingSink{}

			req := chatRequest("alice", "hi")
			req.Stream = &tc.override
			out, err := h.orch.Handle(context.Background(), req, sink)
			require.NoError(t, err)
			assert.Equal(t, "Hello", out.Reply)

			calls := h.backend.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tc.override, calls[0].Stream)

			var deltas []string
			for _, r := range sink.Replies() {
				if r.Delta != "" {
					deltas = append(deltas, r.Delta)
				}
			}
			if tc.override {
				assert.Equal(t, []string{"Hel", "lo"}, deltas)
			} else {
				assert.Empty(t, deltas)
			}
		})
	}
}

func TestHandle_HistoryIsSentOnNextTurn(t *testing.T) {
	h := newHarness(t)
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 1, CompletionTokens: 1}, "ok")

	_, err := h.orch.Handle(context.Background(), chatRequest("alice", "first"), nil)
	require.NoError(t, err)
	_, err = h.orch.Handle(context.Background(), chatRequest("alice", "second"), nil)
	require.NoError(t, err)

	calls := h.backend.Calls()
	require.Len(t, calls, 2)
	var contents []string
	for _, m := range calls[1].Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"be brief", "first", "ok", "second"}, contents)
}

func TestHandle_FallsBackToCountedUsage(t *testing.T) {
	h := newHarness(t)
	h.backend.scripts[backend.KindChat] = func(ctx context.Context, _ backend.Request, out chan<- backend.Chunk) {
		emit(ctx, out, backend.Chunk{TextDelta: "three word reply"})
	}

	out, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello there"), nil)
	require.NoError(t, err)
	// Prompt: (2+4) + (2+4) = 12, completion 3.
	assert.Equal(t, 12, out.Usage.PromptTokens)
	assert.Equal(t, 3, out.Usage.CompletionTokens)
	assertMoney(t, "0.03", h.spent(t, "alice"))
}

func TestHandle_MembershipRequired(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) {
		ho.policy.MandatoryChannelID = "!news:example.org"
		ho.policy.MandatoryChannelLink = "https://matrix.to/#/#news:example.org"
		ho.members = fakeMembers{members: map[string]bool{"member": true}}
	})
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 1}, "hi")
	sink := &recordingSink{}

	out, err := h.orch.Handle(context.Background(), chatRequest("stranger", "hello"), sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrMembershipRequired)
	assert.Equal(t, gateway.StateAborted, out.State)
	assert.Equal(t, gateway.ReasonMembershipRequired, out.Reason)
	assert.Equal(t, "https://matrix.to/#/#news:example.org", out.InviteLink)
	assert.Empty(t, h.backend.Calls())
	assert.True(t, h.spent(t, "stranger").IsZero())

	replies := sink.Replies()
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Notice)
	assert.Contains(t, replies[0].Full, "https://matrix.to/#/#news:example.org")

	_, err = h.orch.Handle(context.Background(), chatRequest("member", "hello"), nil)
	require.NoError(t, err)
	assert.Len(t, h.backend.Calls(), 1)
}

func TestHandle_NotAllowed(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) {
		ho.policy.AllowedUsers = access.IDs("alice")
	})
	sink := &recordingSink{}

	out, err := h.orch.Handle(context.Background(), chatRequest("mallory", "hello"), sink)
	assert.ErrorIs(t, err, gateway.ErrAccessDenied)
	assert.Equal(t, gateway.ReasonNotAllowed, out.Reason)
	assert.Equal(t, []gateway.State{gateway.StateAuthorizing, gateway.StateAborted}, out.Path)
	assert.Len(t, sink.Replies(), 1)
	assert.Empty(t, h.backend.Calls())
}

func TestHandle_GroupWithoutTriggerIsSilent(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}

	req := chatRequest("alice", "just chatting")
	req.IsGroup = true
	out, err := h.orch.Handle(context.Background(), req, sink)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateAborted, out.State)
	assert.Equal(t, gateway.ReasonNotTriggered, out.Reason)
	assert.Empty(t, sink.Replies())
	assert.Empty(t, h.backend.Calls())

	history, err := h.history.GetContext(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Zero(t, h.ledger.Usage(context.Background(), "alice").TotalRequests())
}

func TestHandle_GroupTriggerIsStripped(t *testing.T) {
	h := newHarness(t)
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 1}, "hi")

	req := chatRequest("alice", "@bot what time is it")
	req.IsGroup = true
	out, err := h.orch.Handle(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateDone, out.State)

	calls := h.backend.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "what time is it", calls[0].Messages[len(calls[0].Messages)-1].Content)
}

func TestHandle_BudgetExceededSkipsBackend(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) { ho.guestBudget = "0.01" })
	sink := &recordingSink{}

	// Estimate is 12 tokens = 0.024 > 0.01.
	out, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello there"), sink)
	assert.ErrorIs(t, err, gateway.ErrBudgetExceeded)
	assert.Equal(t, gateway.ReasonBudgetExceeded, out.Reason)
	assert.Empty(t, h.backend.Calls())
	assert.True(t, h.spent(t, "alice").IsZero())
	require.Len(t, sink.Replies(), 1)
	assert.Contains(t, sink.Replies()[0].Full, "usage limit")
	assert.Equal(t, int64(1), h.metrics.FullStats().Requests.BudgetDenials)
}

func TestHandle_AdminIsNeverLimited(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) { ho.guestBudget = "0" })
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 10}, "ok")

	out, err := h.orch.Handle(context.Background(), chatRequest("root", "hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateDone, out.State)
}

func TestHandle_CancelMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t)
	h.backend.scripts[backend.KindChat] = func(bctx context.Context, _ backend.Request, out chan<- backend.Chunk) {
		if !emit(bctx, out,
			backend.Chunk{Usage: &backend.Usage{PromptTokens: 10, CompletionTokens: 1}},
			backend.Chunk{TextDelta: "par"}) {
			return
		}
		<-bctx.Done()
	}
	sink := &recordingSink{onSend: func(gateway.Reply) error {
		cancel()
		return nil
	}}

	out, err := h.orch.Handle(ctx, chatRequest("alice", "hello there"), sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gateway.StateAborted, out.State)
	assert.Equal(t, gateway.ReasonCancelled, out.Reason)
	assert.Contains(t, out.Path, gateway.StateStreaming)
	assert.NotContains(t, out.Path, gateway.StateCommitting)

	history, err := h.history.GetContext(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
	// Only the reported partial usage stays booked: 11 tokens.
	assertMoney(t, "0.022", h.spent(t, "alice"))
}

func TestHandle_SinkErrorCancelsWithoutPartialBilling(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) { ho.opts.BillPartialUsage = false })
	gone := errors.New("client went away")
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 10}, "a", "b", "c")
	sink := &recordingSink{onSend: func(gateway.Reply) error { return gone }}

	out, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello"), sink)
	assert.ErrorIs(t, err, gateway.ErrCancelled)
	assert.ErrorIs(t, err, gone)
	assert.Equal(t, gateway.ReasonCancelled, out.Reason)
	assert.True(t, h.spent(t, "alice").IsZero())
	assert.Len(t, sink.Replies(), 1)
}

func TestHandle_BackendErrors(t *testing.T) {
	t.Run("dispatch fails", func(t *testing.T) {
		h := newHarness(t)
		h.backend.err = fmt.Errorf("%w: status 500", backend.ErrUpstream)
		sink := &recordingSink{}

		out, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello"), sink)
		assert.ErrorIs(t, err, gateway.ErrBackend)
		assert.ErrorIs(t, err, backend.ErrUpstream)
		assert.Equal(t, gateway.ReasonBackendError, out.Reason)
		assert.Equal(t, []gateway.State{
			gateway.StateAuthorizing, gateway.StateContextLoaded, gateway.StateDispatching, gateway.StateAborted,
		}, out.Path)
		assert.True(t, h.spent(t, "alice").IsZero())
		require.Len(t, sink.Replies(), 1)
		assert.True(t, sink.Replies()[0].Notice)
	})

	t.Run("stream fails after usage", func(t *testing.T) {
		h := newHarness(t)
		h.backend.scripts[backend.KindChat] = func(ctx context.Context, _ backend.Request, out chan<- backend.Chunk) {
			emit(ctx, out,
				backend.Chunk{TextDelta: "a"},
				backend.Chunk{Usage: &backend.Usage{PromptTokens: 10, CompletionTokens: 2}},
				backend.Chunk{Err: errors.New("overloaded")})
		}

		out, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello"), nil)
		assert.ErrorIs(t, err, gateway.ErrBackend)
		assert.Equal(t, gateway.ReasonBackendError, out.Reason)
		assertMoney(t, "0.024", h.spent(t, "alice"))

		history, err := h.history.GetContext(context.Background(), "alice")
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestHandle_StoreFailureDegrades(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) { ho.kv = brokenKV{kvstore.NewMemoryStore()} })
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 5, CompletionTokens: 1}, "ok")

	out, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateDone, out.State)
	assert.True(t, out.Degraded)
	assert.Equal(t, "ok", out.Reply)
	assertMoney(t, "0.012", h.spent(t, "alice"))

	calls := h.backend.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Messages, 2)
}

func TestHandle_ShowUsageFooter(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) { ho.opts.ShowUsage = true })
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 10, CompletionTokens: 5}, "Hi")
	sink := &recordingSink{}

	out, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello"), sink)
	require.NoError(t, err)
	assert.Equal(t, "Hi", out.Reply)

	replies := sink.Replies()
	final := replies[len(replies)-1]
	assert.True(t, strings.HasPrefix(final.Full, "Hi\n\n---\n"))
	assert.Contains(t, final.Full, "Tokens used: 15 (10 prompt, 5 completion)")
	assert.Contains(t, final.Full, "of $100.00")
}

func TestHandle_Image(t *testing.T) {
	h := newHarness(t)
	h.backend.scripts[backend.KindImage] = func(ctx context.Context, req backend.Request, out chan<- backend.Chunk) {
		emit(ctx, out, backend.Chunk{ImageURL: "https://img.example.org/cat.png"}, backend.Chunk{Usage: &backend.Usage{Images: 1}})
	}
	sink := &recordingSink{}

	req := chatRequest("alice", "a cat")
	req.Kind = backend.KindImage
	req.ImageSize = "1024x1024"
	out, err := h.orch.Handle(context.Background(), req, sink)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.org/cat.png", out.ImageURL)
	assertMoney(t, "0.02", h.spent(t, "alice"))
	assert.Equal(t, "1024x1024", h.backend.Calls()[0].ImageSize)
	assert.Equal(t, "a cat", h.backend.Calls()[0].Prompt)

	history, err := h.history.GetContext(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestHandle_FeatureDisabled(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) { ho.opts.Features.EnableImageGeneration = false })

	req := chatRequest("alice", "a cat")
	req.Kind = backend.KindImage
	out, err := h.orch.Handle(context.Background(), req, nil)
	assert.ErrorIs(t, err, gateway.ErrFeatureDisabled)
	assert.Equal(t, gateway.ReasonFeatureDisabled, out.Reason)
	assert.Empty(t, h.backend.Calls())
}

func transcribeAs(text string, d time.Duration) script {
	return func(ctx context.Context, _ backend.Request, out chan<- backend.Chunk) {
		emit(ctx, out, backend.Chunk{Transcript: text}, backend.Chunk{Usage: &backend.Usage{AudioDuration: d}})
	}
}

func voiceRequest(userID string) gateway.Request {
	return gateway.Request{
		UserID:        userID,
		ChatID:        "chat-" + userID,
		Kind:          backend.KindTranscription,
		Audio:         []byte("OggS"),
		AudioFilename: "voice.ogg",
	}
}

func TestHandle_VoiceTranscribesThenChats(t *testing.T) {
	h := newHarness(t)
	h.backend.scripts[backend.KindTranscription] = transcribeAs("what is go", 30*time.Second)
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 20, CompletionTokens: 3}, "A language")
	sink := &recordingSink{}

	out, err := h.orch.Handle(context.Background(), voiceRequest("alice"), sink)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateDone, out.State)
	assert.Equal(t, "what is go", out.Transcript)
	assert.Equal(t, "A language", out.Reply)
	// 30s of audio at 0.006/min + 23 tokens at 0.002.
	assertMoney(t, "0.049", out.Cost)
	assertMoney(t, "0.049", h.spent(t, "alice"))

	calls := h.backend.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, backend.KindTranscription, calls[0].Kind)
	assert.Equal(t, "what is go", calls[1].Messages[len(calls[1].Messages)-1].Content)

	final := sink.Replies()[len(sink.Replies())-1]
	assert.Equal(t, "what is go", final.Transcript)

	history, err := h.history.GetContext(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "what is go", history[0].Content)
}

func TestHandle_VoiceTranscriptOnly(t *testing.T) {
	newVoiceHarness := func(t *testing.T, transcript string) *harness {
		h := newHarness(t, func(ho *harnessOptions) {
			ho.opts.Features.VoiceReplyTranscriptOnly = true
			ho.opts.Features.VoiceReplyPrompts = config.PromptList{"hey bot"}
		})
		h.backend.scripts[backend.KindTranscription] = transcribeAs(transcript, 30*time.Second)
		h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 1}, "answer")
		return h
	}

	t.Run("no prompt prefix", func(t *testing.T) {
		h := newVoiceHarness(t, "what is go")
		sink := &recordingSink{}
		out, err := h.orch.Handle(context.Background(), voiceRequest("alice"), sink)
		require.NoError(t, err)
		assert.Equal(t, gateway.StateDone, out.State)
		assert.Empty(t, out.Reply)
		assert.Len(t, h.backend.Calls(), 1)
		assertMoney(t, "0.003", h.spent(t, "alice"))
		require.Len(t, sink.Replies(), 1)
		assert.Equal(t, "what is go", sink.Replies()[0].Transcript)

		history, err := h.history.GetContext(context.Background(), "alice")
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("prompt prefix", func(t *testing.T) {
		h := newVoiceHarness(t, "Hey bot, what is go")
		out, err := h.orch.Handle(context.Background(), voiceRequest("alice"), nil)
		require.NoError(t, err)
		assert.Equal(t, "answer", out.Reply)
		assert.Len(t, h.backend.Calls(), 2)
	})
}

func TestHandle_GroupTranscriptionsIgnored(t *testing.T) {
	h := newHarness(t)
	req := voiceRequest("alice")
	req.IsGroup = true

	out, err := h.orch.Handle(context.Background(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, gateway.ReasonIgnored, out.Reason)
	assert.Empty(t, h.backend.Calls())
}

func TestHandle_MetricsCountTerminalStates(t *testing.T) {
	h := newHarness(t)
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 1}, "ok")

	_, _ = h.orch.Handle(context.Background(), chatRequest("alice", "hello"), nil)
	group := chatRequest("alice", "no trigger")
	group.IsGroup = true
	_, _ = h.orch.Handle(context.Background(), group, nil)

	stats := h.metrics.FullStats()
	assert.Equal(t, int64(2), stats.Requests.Total)
	assert.Equal(t, int64(1), stats.Requests.Committed)
	assert.Equal(t, int64(1), stats.Requests.Aborted)
}

func TestReset(t *testing.T) {
	h := newHarness(t, func(ho *harnessOptions) { ho.policy.AllowedUsers = access.IDs("alice") })
	h.backend.scripts[backend.KindChat] = replyWith(backend.Usage{PromptTokens: 1}, "ok")

	_, err := h.orch.Handle(context.Background(), chatRequest("alice", "hello"), nil)
	require.NoError(t, err)

	require.NoError(t, h.orch.Reset(context.Background(), "alice", "chat-alice"))
	history, err := h.history.GetContext(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.ErrorIs(t, h.orch.Reset(context.Background(), "mallory", "chat-mallory"), gateway.ErrAccessDenied)
}
