// Package gateway - orchestrator.go drives one request through its lifecycle.
//
// DESIGN: Handle is the only code path that mutates conversation history and
// user budgets. Budget is reserved before the backend is called and settled to
// the measured cost afterwards, on every path out of Dispatching and Streaming,
// so a failed or cancelled request never leaves its estimate booked. History is
// appended only after the backend signalled completion.
//
// FLOW:
//  1. Authorizing:   access gate, feature flags, request validation
//  2. ContextLoaded: persona + history (store failure degrades to single turn)
//  3. Dispatching:   estimate, CheckAndReserve, backend call (voice: transcribe first)
//  4. Streaming:     forward deltas to the Sink until the backend finishes
//  5. Committing:    Settle exact cost, append user + assistant entries
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/compresr/chat-gateway/internal/access"
	"github.com/compresr/chat-gateway/internal/backend"
	"github.com/compresr/chat-gateway/internal/config"
	"github.com/compresr/chat-gateway/internal/conversation"
	"github.com/compresr/chat-gateway/internal/costcontrol"
	"github.com/compresr/chat-gateway/internal/monitoring"
	"github.com/compresr/chat-gateway/internal/tokenizer"
)

// assumedAudioBytesPerSecond converts an upload size into a duration when the
// caller gives no hint. 32 kbit/s overestimates typical voice notes.
const assumedAudioBytesPerSecond = 4000

// Deps are the collaborators of an Orchestrator. Metrics and Telemetry may be nil.
type Deps struct {
	Gate      *access.Gate
	History   *conversation.Store
	Ledger    *costcontrol.Ledger
	Prices    costcontrol.PriceSchedule
	Backend   backend.Backend
	Tokens    tokenizer.Counter
	Metrics   *monitoring.MetricsCollector
	Telemetry *monitoring.Tracker
}

// Options are the request-handling settings resolved from configuration.
type Options struct {
	Persona                 string
	Stream                  bool
	ShowUsage               bool
	BillPartialUsage        bool
	CompletionReserveTokens int
	ImageSize               string
	BackendTimeout          time.Duration
	Features                config.FeaturesConfig
}

// OptionsFromConfig extracts Options from the resolved configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Persona:                 cfg.Assistant.Prompt,
		Stream:                  cfg.Assistant.Stream,
		ShowUsage:               cfg.Assistant.ShowUsage,
		BillPartialUsage:        cfg.Billing.BillPartialUsage,
		CompletionReserveTokens: cfg.Billing.CompletionReserveTokens,
		ImageSize:               cfg.Model.ImageSize,
		BackendTimeout:          cfg.Model.Timeout,
		Features:                cfg.Features,
	}
}

// Orchestrator coordinates the gate, history, ledger and backend.
type Orchestrator struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Tokens == nil {
		deps.Tokens = tokenizer.NewHeuristic()
	}
	return &Orchestrator{deps: deps, opts: opts, now: time.Now}
}

// streaming reports whether a chat reply for req is streamed.
func (o *Orchestrator) streaming(req Request) bool {
	if req.Stream != nil {
		return *req.Stream
	}
	return o.opts.Stream
}

// Handle runs req to a terminal state. The returned error mirrors Outcome.Err:
// nil for Done and for silently dropped requests, a wrapped sentinel otherwise.
func (o *Orchestrator) Handle(ctx context.Context, req Request, sink Sink) (*Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Kind == "" {
		req.Kind = backend.KindChat
	}
	if sink == nil {
		sink = discardSink{}
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRequest()
	}

	r := &run{req: req, state: StateIdle, started: o.now(), sink: sink}
	r.out = &Outcome{RequestID: req.ID, Cost: decimal.Zero}
	r.to(StateAuthorizing)

	o.handle(ctx, r)
	o.finish(r)
	return r.out, r.out.Err
}

func (o *Orchestrator) handle(ctx context.Context, r *run) {
	if !o.authorize(ctx, r) {
		return
	}

	r.to(StateContextLoaded)
	history := o.loadHistory(ctx, r)

	r.to(StateDispatching)
	switch r.req.Kind {
	case backend.KindImage:
		o.generateImage(ctx, r)
	case backend.KindTranscription:
		o.transcribe(ctx, r, history)
	default:
		o.chat(ctx, r, history, r.prompt)
	}
}

// =============================================================================
// AUTHORIZING
// =============================================================================

// authorize runs the gate and request checks. It returns false after moving
// the request to Aborted.
func (o *Orchestrator) authorize(ctx context.Context, r *run) bool {
	req := r.req
	if req.Kind == backend.KindTranscription && req.IsGroup && o.opts.Features.IgnoreGroupTranscriptions {
		r.abort(ReasonIgnored, nil, "")
		return false
	}

	decision := o.deps.Gate.IsAuthorized(ctx, access.Request{
		UserID:  req.UserID,
		ChatID:  req.ChatID,
		IsGroup: req.IsGroup,
		Text:    req.Text,
	})
	if !decision.Allowed {
		o.deny(ctx, r, decision)
		return false
	}

	switch req.Kind {
	case backend.KindChat:
		r.prompt = o.deps.Gate.StripTrigger(req.Text)
		if r.prompt == "" {
			r.abort(ReasonInvalidRequest, fmt.Errorf("%w: empty message", ErrInvalidRequest), "")
			return false
		}
	case backend.KindImage:
		if !o.opts.Features.EnableImageGeneration {
			r.abort(ReasonFeatureDisabled, fmt.Errorf("%w: image generation", ErrFeatureDisabled), "")
			return false
		}
		r.prompt = o.deps.Gate.StripTrigger(req.Text)
		if r.prompt == "" {
			r.abort(ReasonInvalidRequest, fmt.Errorf("%w: empty image prompt", ErrInvalidRequest), "")
			return false
		}
	case backend.KindTranscription:
		if !o.opts.Features.EnableTranscription {
			r.abort(ReasonFeatureDisabled, fmt.Errorf("%w: transcription", ErrFeatureDisabled), "")
			return false
		}
		if len(req.Audio) == 0 {
			r.abort(ReasonInvalidRequest, fmt.Errorf("%w: no audio", ErrInvalidRequest), "")
			return false
		}
	default:
		r.abort(ReasonInvalidRequest, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind), "")
		return false
	}
	return true
}

func (o *Orchestrator) deny(ctx context.Context, r *run, d access.Decision) {
	switch d.Reason {
	case access.ReasonNotTriggered:
		// Not addressed to us: no notice, no state touched.
		r.abort(ReasonNotTriggered, nil, "")
	case access.ReasonMembershipRequired:
		r.out.InviteLink = d.InviteLink
		notice := "Please join the channel to use this bot."
		if d.InviteLink != "" {
			notice = fmt.Sprintf("Please join %s to use this bot.", d.InviteLink)
		}
		r.abort(ReasonMembershipRequired, ErrMembershipRequired, notice)
		o.notify(ctx, r)
	default:
		r.abort(ReasonNotAllowed, ErrAccessDenied, "Sorry, you are not allowed to use this bot.")
		o.notify(ctx, r)
	}
}

// =============================================================================
// CONTEXT
// =============================================================================

func (o *Orchestrator) loadHistory(ctx context.Context, r *run) []conversation.Entry {
	history, err := o.deps.History.GetContext(ctx, r.req.UserID)
	if err != nil {
		r.logger().Warn().Err(err).Msg("gateway: history unavailable, continuing without context")
		r.out.Degraded = true
		return nil
	}
	return history
}

func (o *Orchestrator) messages(history []conversation.Entry, prompt string) []backend.Message {
	entries := conversation.WithPersona(o.opts.Persona, history)
	msgs := make([]backend.Message, 0, len(entries)+1)
	for _, e := range entries {
		msgs = append(msgs, backend.Message{Role: string(e.Role), Content: e.Content})
	}
	return append(msgs, backend.Message{Role: string(conversation.RoleUser), Content: prompt})
}

// =============================================================================
// CHAT
// =============================================================================

func (o *Orchestrator) chat(ctx context.Context, r *run, history []conversation.Entry, prompt string) {
	msgs := o.messages(history, prompt)
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	promptTokens := tokenizer.CountMessages(o.deps.Tokens, texts...)
	estimate := o.deps.Prices.TextCost(promptTokens + o.opts.CompletionReserveTokens)

	check, ok := o.reserve(ctx, r, costcontrol.OpText, estimate)
	if !ok {
		return
	}

	bctx, cancel := o.backendContext(ctx)
	defer cancel()

	ch, err := o.deps.Backend.Generate(bctx, backend.Request{
		Kind:     backend.KindChat,
		Messages: msgs,
		Stream:   o.streaming(r.req),
	})
	if err != nil {
		o.fail(ctx, r, check.Reservation, &streamResult{err: err})
		return
	}

	r.to(StateStreaming)
	res := o.consume(ctx, bctx, r, ch, o.streaming(r.req))
	if res.failed() {
		o.fail(ctx, r, check.Reservation, res)
		return
	}

	r.to(StateCommitting)
	usage := backend.Usage{PromptTokens: promptTokens, CompletionTokens: o.deps.Tokens.Count(res.text.String())}
	if res.usage != nil {
		usage = *res.usage
	}
	cost := o.deps.Prices.TextCost(usage.TotalTokens())
	spent := o.settle(ctx, r, check.Reservation, cost, usage)

	reply := res.text.String()
	// Persist against a detached context: the reply is complete even if the
	// caller leaves now.
	if err := o.deps.History.Append(context.WithoutCancel(ctx), r.req.UserID,
		conversation.UserEntry(prompt), conversation.AssistantEntry(reply)); err != nil {
		r.logger().Error().Err(err).Msg("gateway: failed to append history")
		r.out.Degraded = true
	}

	r.out.Reply = reply
	full := reply
	if o.opts.ShowUsage {
		full += usageFooter(usage, cost, spent, check.Limit)
	}
	o.deliver(ctx, r, Reply{ChatID: r.req.ChatID, Full: full, Transcript: r.out.Transcript, Done: true})
	r.done()
}

// =============================================================================
// IMAGES
// =============================================================================

func (o *Orchestrator) generateImage(ctx context.Context, r *run) {
	size := r.req.ImageSize
	if size == "" {
		size = o.opts.ImageSize
	}
	tier := costcontrol.ImageTierForSize(size)
	check, ok := o.reserve(ctx, r, costcontrol.OpImage, o.deps.Prices.ImageCost(tier))
	if !ok {
		return
	}

	bctx, cancel := o.backendContext(ctx)
	defer cancel()

	ch, err := o.deps.Backend.Generate(bctx, backend.Request{
		Kind:      backend.KindImage,
		Prompt:    r.prompt,
		ImageSize: size,
	})
	if err != nil {
		o.fail(ctx, r, check.Reservation, &streamResult{err: err})
		return
	}

	r.to(StateStreaming)
	res := o.consume(ctx, bctx, r, ch, false)
	if res.failed() {
		o.fail(ctx, r, check.Reservation, res)
		return
	}
	if res.imageURL == "" {
		o.fail(ctx, r, check.Reservation, &streamResult{err: fmt.Errorf("no image returned")})
		return
	}

	r.to(StateCommitting)
	usage := backend.Usage{Images: 1}
	if res.usage != nil && res.usage.Images > 0 {
		usage = *res.usage
	}
	cost := o.deps.Prices.ImageCost(tier).Mul(decimal.NewFromInt(int64(usage.Images)))
	o.settle(ctx, r, check.Reservation, cost, usage)

	r.out.ImageURL = res.imageURL
	o.deliver(ctx, r, Reply{ChatID: r.req.ChatID, ImageURL: res.imageURL, Done: true})
	r.done()
}

// =============================================================================
// VOICE
// =============================================================================

// transcribe bills and runs the transcription inside Dispatching, then either
// replies with the transcript alone or continues with a chat on it.
func (o *Orchestrator) transcribe(ctx context.Context, r *run, history []conversation.Entry) {
	duration := r.req.AudioDuration
	if duration <= 0 {
		duration = estimateAudioDuration(len(r.req.Audio))
	}
	check, ok := o.reserve(ctx, r, costcontrol.OpTranscription, o.deps.Prices.TranscriptionCost(duration))
	if !ok {
		return
	}

	bctx, cancel := o.backendContext(ctx)
	defer cancel()

	ch, err := o.deps.Backend.Generate(bctx, backend.Request{
		Kind:          backend.KindTranscription,
		Audio:         r.req.Audio,
		AudioFilename: r.req.AudioFilename,
	})
	if err != nil {
		o.fail(ctx, r, check.Reservation, &streamResult{err: err})
		return
	}
	res := o.consume(ctx, bctx, r, ch, false)
	if res.failed() {
		o.fail(ctx, r, check.Reservation, res)
		return
	}

	usage := backend.Usage{AudioDuration: duration}
	if res.usage != nil && res.usage.AudioDuration > 0 {
		usage = *res.usage
	}
	o.settle(ctx, r, check.Reservation, o.deps.Prices.TranscriptionCost(usage.AudioDuration), usage)

	transcript := strings.TrimSpace(res.transcript.String())
	r.out.Transcript = transcript

	if transcript == "" || !o.replyToTranscript(transcript) {
		r.to(StateStreaming)
		r.to(StateCommitting)
		o.deliver(ctx, r, Reply{ChatID: r.req.ChatID, Transcript: transcript, Full: transcript, Done: true})
		r.done()
		return
	}
	o.chat(ctx, r, history, transcript)
}

// replyToTranscript decides whether a transcript is answered by the model.
// In transcript-only mode only transcripts starting with a voice-reply prompt are.
func (o *Orchestrator) replyToTranscript(transcript string) bool {
	if !o.opts.Features.VoiceReplyTranscriptOnly {
		return true
	}
	lower := strings.ToLower(transcript)
	for _, prefix := range o.opts.Features.VoiceReplyPrompts {
		if prefix != "" && strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

func estimateAudioDuration(size int) time.Duration {
	seconds := (size + assumedAudioBytesPerSecond - 1) / assumedAudioBytesPerSecond
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// =============================================================================
// BUDGET
// =============================================================================

// reserve books estimate or aborts the request with BudgetExceeded.
func (o *Orchestrator) reserve(ctx context.Context, r *run, kind costcontrol.OpKind, estimate decimal.Decimal) (costcontrol.BudgetCheckResult, bool) {
	check := o.deps.Ledger.CheckAndReserve(ctx, r.req.UserID, kind, estimate)
	if check.Allowed {
		r.logger().Debug().
			Str("kind", string(kind)).
			Str("estimate", estimate.String()).
			Str("spent", check.Spent.String()).
			Msg("gateway: budget reserved")
		return check, true
	}

	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordBudgetDenied()
	}
	r.abort(ReasonBudgetExceeded, ErrBudgetExceeded, fmt.Sprintf(
		"Sorry, you have reached your usage limit of %s for this %s period (spent %s).",
		formatMoney(check.Limit.Amount), o.deps.Ledger.Period(), formatMoney(check.Spent)))
	o.notify(ctx, r)
	return check, false
}

// settle reconciles a reservation and records the cost on the outcome.
func (o *Orchestrator) settle(ctx context.Context, r *run, res costcontrol.Reservation, cost decimal.Decimal, usage backend.Usage) decimal.Decimal {
	spent := o.deps.Ledger.Settle(context.WithoutCancel(ctx), res, cost)
	r.out.Cost = r.out.Cost.Add(cost)
	r.out.Usage = addUsage(r.out.Usage, usage)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordSpend(cost)
		o.deps.Metrics.RecordUsage(usage.PromptTokens, usage.CompletionTokens, usage.Images, usage.AudioDuration)
	}
	return spent
}

// fail settles a reservation to the partial cost and aborts. Cancellation by
// the caller is silent; backend failures get a notice.
func (o *Orchestrator) fail(ctx context.Context, r *run, res costcontrol.Reservation, result *streamResult) {
	if result.cancelled == nil && ctx.Err() != nil {
		result.cancelled = ctx.Err()
	}
	partial := decimal.Zero
	var usage backend.Usage
	if o.opts.BillPartialUsage && result.usage != nil {
		usage = *result.usage
		partial = o.costOf(r, res.Kind, usage)
	}
	o.settle(ctx, r, res, partial, usage)

	if result.cancelled != nil {
		r.abort(ReasonCancelled, fmt.Errorf("%w: %w", ErrCancelled, result.cancelled), "")
		return
	}
	r.abort(ReasonBackendError, fmt.Errorf("%w: %w", ErrBackend, result.err),
		"Failed to get a response. Please try again later.")
	o.notify(ctx, r)
}

func (o *Orchestrator) costOf(r *run, kind costcontrol.OpKind, u backend.Usage) decimal.Decimal {
	switch kind {
	case costcontrol.OpImage:
		size := r.req.ImageSize
		if size == "" {
			size = o.opts.ImageSize
		}
		return o.deps.Prices.ImageCost(costcontrol.ImageTierForSize(size)).Mul(decimal.NewFromInt(int64(u.Images)))
	case costcontrol.OpTranscription:
		return o.deps.Prices.TranscriptionCost(u.AudioDuration)
	}
	return o.deps.Prices.TextCost(u.TotalTokens())
}

// =============================================================================
// STREAMING
// =============================================================================

type streamResult struct {
	text       strings.Builder
	transcript strings.Builder
	imageURL   string
	usage      *backend.Usage
	err        error // Backend failure or timeout
	cancelled  error // Caller went away: ctx error or Sink error
}

func (s *streamResult) failed() bool { return s.err != nil || s.cancelled != nil }

// interrupted records why bctx ended: the caller's ctx, or the backend timeout.
func (s *streamResult) interrupted(ctx, bctx context.Context) {
	if err := ctx.Err(); err != nil {
		s.cancelled = err
		return
	}
	s.err = fmt.Errorf("backend timeout: %w", bctx.Err())
}

// consume reads chunks until the channel closes, forwarding text deltas when
// forward is set. Cancellation is observed between chunks.
func (o *Orchestrator) consume(ctx, bctx context.Context, r *run, ch <-chan backend.Chunk, forward bool) *streamResult {
	res := &streamResult{}
	for {
		select {
		case <-bctx.Done():
			res.interrupted(ctx, bctx)
			return res
		case c, ok := <-ch:
			// A producer stops early when its context ends, so a closed or
			// late channel is checked against the context first.
			if bctx.Err() != nil {
				res.interrupted(ctx, bctx)
				return res
			}
			if !ok {
				return res
			}
			switch {
			case c.Err != nil:
				res.err = c.Err
				return res
			case c.Usage != nil:
				u := *c.Usage
				res.usage = &u
			case c.TextDelta != "":
				res.text.WriteString(c.TextDelta)
				if forward {
					if err := r.sink.Send(ctx, Reply{ChatID: r.req.ChatID, Delta: c.TextDelta}); err != nil {
						res.cancelled = err
						return res
					}
				}
			case c.ImageURL != "":
				res.imageURL = c.ImageURL
			case c.Transcript != "":
				res.transcript.WriteString(c.Transcript)
			}
		}
	}
}

func (o *Orchestrator) backendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.BackendTimeout > 0 {
		return context.WithTimeout(ctx, o.opts.BackendTimeout)
	}
	return context.WithCancel(ctx)
}

// =============================================================================
// DELIVERY
// =============================================================================

// deliver sends the final reply. The request is already committed, so a
// failure is only logged.
func (o *Orchestrator) deliver(ctx context.Context, r *run, reply Reply) {
	if err := r.sink.Send(ctx, reply); err != nil {
		r.logger().Warn().Err(err).Msg("gateway: failed to deliver final reply")
	}
}

// notify sends the outcome's notice, if any.
func (o *Orchestrator) notify(ctx context.Context, r *run) {
	if r.out.Notice == "" {
		return
	}
	if err := r.sink.Send(ctx, Reply{ChatID: r.req.ChatID, Full: r.out.Notice, Notice: true, Done: true}); err != nil {
		r.logger().Debug().Err(err).Msg("gateway: failed to deliver notice")
	}
}

func usageFooter(u backend.Usage, cost, spent decimal.Decimal, limit costcontrol.Limit) string {
	limitText := "unlimited"
	if !limit.Unlimited {
		limitText = formatMoney(limit.Amount)
	}
	return fmt.Sprintf("\n\n---\nTokens used: %d (%d prompt, %d completion)\nCost: %s, spent this period: %s of %s",
		u.TotalTokens(), u.PromptTokens, u.CompletionTokens, formatMoney(cost), formatMoney(spent), limitText)
}

func formatMoney(d decimal.Decimal) string {
	if d.Abs().LessThan(decimal.NewFromInt(1)) && !d.IsZero() {
		return "$" + d.StringFixed(4)
	}
	return "$" + d.StringFixed(2)
}

func addUsage(a, b backend.Usage) backend.Usage {
	return backend.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		Images:           a.Images + b.Images,
		AudioDuration:    a.AudioDuration + b.AudioDuration,
	}
}

// =============================================================================
// RESET AND USAGE
// =============================================================================

// Reset clears a user's conversation after the same access checks as a
// direct message.
func (o *Orchestrator) Reset(ctx context.Context, userID, chatID string) error {
	decision := o.deps.Gate.IsAuthorized(ctx, access.Request{UserID: userID, ChatID: chatID})
	if !decision.Allowed {
		if decision.Reason == access.ReasonMembershipRequired {
			return ErrMembershipRequired
		}
		return ErrAccessDenied
	}
	if err := o.deps.History.Reset(ctx, userID); err != nil {
		return err
	}
	log.Info().Str("user_id", userID).Msg("gateway: conversation reset")
	return nil
}

// Usage returns the user's spend in the current period.
func (o *Orchestrator) Usage(ctx context.Context, userID string) costcontrol.UsageSnapshot {
	return o.deps.Ledger.Usage(ctx, userID)
}

// =============================================================================
// RUN STATE
// =============================================================================

// run is the per-request state. It is owned by the goroutine running Handle.
type run struct {
	req     Request
	state   State
	started time.Time
	sink    Sink
	prompt  string
	out     *Outcome
}

func (r *run) to(next State) {
	if !canTransition(r.state, next) {
		r.logger().Error().Str("from", string(r.state)).Str("to", string(next)).Msg("gateway: illegal state transition")
	}
	r.state = next
	r.out.State = next
	r.out.Path = append(r.out.Path, next)
}

func (r *run) abort(reason Reason, err error, notice string) {
	r.out.Reason = reason
	r.out.Err = err
	r.out.Notice = notice
	r.to(StateAborted)
}

func (r *run) done() {
	r.out.Reason = ReasonCompleted
	r.to(StateDone)
}

func (r *run) logger() *zerolog.Logger {
	l := log.With().
		Str("request_id", r.req.ID).
		Str("user_id", r.req.UserID).
		Str("state", string(r.state)).
		Logger()
	return &l
}

// finish logs the terminal state and records metrics and telemetry.
func (o *Orchestrator) finish(r *run) {
	out := r.out
	latency := o.now().Sub(r.started)

	var ev *zerolog.Event
	switch {
	case out.State == StateDone:
		ev = log.Info()
	case errors.Is(out.Err, ErrBackend):
		ev = log.Error().Err(out.Err)
	case out.Err != nil:
		ev = log.Warn().Err(out.Err)
	default:
		ev = log.Debug()
	}
	ev.Str("request_id", r.req.ID).
		Str("user_id", r.req.UserID).
		Str("kind", string(r.req.Kind)).
		Str("state", string(out.State)).
		Str("reason", string(out.Reason)).
		Str("cost", out.Cost.String()).
		Bool("degraded", out.Degraded).
		Dur("latency", latency).
		Msg("gateway: request finished")

	if o.deps.Metrics != nil {
		if out.State == StateDone {
			o.deps.Metrics.RecordCommitted(out.Degraded)
		} else {
			o.deps.Metrics.RecordAborted(string(out.Reason))
		}
	}

	if o.deps.Telemetry != nil {
		event := &monitoring.RequestEvent{
			RequestID:        r.req.ID,
			Timestamp:        r.started,
			UserID:           r.req.UserID,
			ChatID:           r.req.ChatID,
			Kind:             string(r.req.Kind),
			State:            string(out.State),
			Reason:           string(out.Reason),
			Degraded:         out.Degraded,
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			Images:           out.Usage.Images,
			AudioSeconds:     out.Usage.AudioDuration.Seconds(),
			Cost:             out.Cost.String(),
			TotalLatencyMs:   latency.Milliseconds(),
		}
		if out.Err != nil {
			event.Error = out.Err.Error()
		}
		o.deps.Telemetry.RecordRequest(event)
	}
}
