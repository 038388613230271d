// Package gateway - server.go exposes the orchestrator over HTTP.
//
// ROUTES:
//
//	POST /v1/messages  one request; SSE stream or a JSON body
//	POST /v1/reset     clear the caller's conversation
//	GET  /v1/usage     the caller's spend in the current period
//	GET  /v1/ws        websocket session (websocket.go)
//	GET  /health       liveness plus a store probe
//	GET  /stats        operational counters (loopback only)
//	GET  /costs        per-user cost dashboard (loopback only)
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-gateway/internal/backend"
	"github.com/compresr/chat-gateway/internal/config"
	"github.com/compresr/chat-gateway/internal/conversation"
	"github.com/compresr/chat-gateway/internal/costcontrol"
	"github.com/compresr/chat-gateway/internal/kvstore"
	"github.com/compresr/chat-gateway/internal/monitoring"
)

// Headers read or written by the gateway.
const (
	HeaderRequestID      = "X-Request-ID"
	HeaderUserID         = "X-User-ID"
	HeaderBudgetExceeded = "X-Budget-Exceeded"
)

const healthProbeTimeout = 2 * time.Second

// Services are the components the HTTP layer serves.
type Services struct {
	Orchestrator *Orchestrator
	Ledger       *costcontrol.Ledger
	Store        kvstore.Store
	Metrics      *monitoring.MetricsCollector
	Tracker      *monitoring.Tracker
}

// Gateway is the HTTP front end.
type Gateway struct {
	cfg       *config.Config
	orch      *Orchestrator
	ledger    *costcontrol.Ledger
	store     kvstore.Store
	metrics   *monitoring.MetricsCollector
	tracker   *monitoring.Tracker
	jwtSecret []byte
	server    *http.Server
}

// New creates the HTTP gateway.
func New(cfg *config.Config, svc Services) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		orch:    svc.Orchestrator,
		ledger:  svc.Ledger,
		store:   svc.Store,
		metrics: svc.Metrics,
		tracker: svc.Tracker,
	}
	if cfg.Server.JWTSecret != "" {
		g.jwtSecret = []byte(cfg.Server.JWTSecret)
	}
	g.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           g.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}
	return g
}

// Handler returns the routed handler.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", g.handleMessages)
	mux.HandleFunc("POST /v1/reset", g.handleReset)
	mux.HandleFunc("GET /v1/usage", g.handleUsage)
	mux.HandleFunc("GET /v1/ws", g.handleWebSocket)
	mux.HandleFunc("GET /health", g.handleHealth)
	if g.cfg.Monitoring.StatsEnabled {
		mux.HandleFunc("GET /stats", g.handleStats)
		mux.HandleFunc("GET /costs", g.handleCostDashboard)
		mux.HandleFunc("GET /api/dashboard", g.handleDashboardAPI)
	}
	return mux
}

// Start listens until Shutdown. It returns nil after a graceful shutdown.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("gateway listening")
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// =============================================================================
// MESSAGES
// =============================================================================

type messageRequest struct {
	UserID               string  `json:"user_id"`
	ChatID               string  `json:"chat_id"`
	IsGroup              bool    `json:"is_group"`
	Kind                 string  `json:"kind"` // chat | image | transcription
	Text                 string  `json:"text"`
	ImageSize            string  `json:"image_size,omitempty"`
	Audio                []byte  `json:"audio,omitempty"` // base64 in JSON
	AudioFilename        string  `json:"audio_filename,omitempty"`
	AudioDurationSeconds float64 `json:"audio_duration_seconds,omitempty"`
	Stream               *bool   `json:"stream,omitempty"`
}

func (m *messageRequest) toRequest(id, userID string) Request {
	return Request{
		ID:            id,
		UserID:        userID,
		ChatID:        m.ChatID,
		IsGroup:       m.IsGroup,
		Kind:          backend.Kind(m.Kind),
		Text:          m.Text,
		Audio:         m.Audio,
		AudioFilename: m.AudioFilename,
		AudioDuration: time.Duration(m.AudioDurationSeconds * float64(time.Second)),
		ImageSize:     m.ImageSize,
		Stream:        m.Stream,
	}
}

type usageJSON struct {
	PromptTokens     int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int     `json:"completion_tokens,omitempty"`
	Images           int     `json:"images,omitempty"`
	AudioSeconds     float64 `json:"audio_seconds,omitempty"`
}

type messageResponse struct {
	RequestID  string    `json:"request_id"`
	State      State     `json:"state"`
	Reason     Reason    `json:"reason"`
	Notice     string    `json:"notice,omitempty"`
	InviteLink string    `json:"invite_link,omitempty"`
	Reply      string    `json:"reply,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Cost       string    `json:"cost"`
	Usage      usageJSON `json:"usage"`
	Degraded   bool      `json:"degraded,omitempty"`
}

func newMessageResponse(out *Outcome) messageResponse {
	return messageResponse{
		RequestID:  out.RequestID,
		State:      out.State,
		Reason:     out.Reason,
		Notice:     out.Notice,
		InviteLink: out.InviteLink,
		Reply:      out.Reply,
		ImageURL:   out.ImageURL,
		Transcript: out.Transcript,
		Cost:       out.Cost.String(),
		Usage: usageJSON{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			Images:           out.Usage.Images,
			AudioSeconds:     out.Usage.AudioDuration.Seconds(),
		},
		Degraded: out.Degraded,
	}
}

// statusFor maps an outcome to an HTTP status. Budget exhaustion returns 200
// with a header so clients display the notice rather than retry.
func statusFor(out *Outcome) int {
	switch out.Reason {
	case ReasonNotAllowed, ReasonMembershipRequired, ReasonFeatureDisabled:
		return http.StatusForbidden
	case ReasonInvalidRequest:
		return http.StatusBadRequest
	case ReasonBackendError:
		return http.StatusBadGateway
	case ReasonCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusOK
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)

	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	userID, err := g.callerID(r, body.UserID)
	if err != nil {
		g.writeAuthError(w, err)
		return
	}

	req := body.toRequest(g.getRequestID(r), userID)
	w.Header().Set(HeaderRequestID, req.ID)

	if g.orch.streaming(req) && (req.Kind == "" || req.Kind == backend.KindChat || req.Kind == backend.KindTranscription) {
		g.streamMessage(w, r, req)
		return
	}

	out, _ := g.orch.Handle(r.Context(), req, nil)
	if out.Reason == ReasonBudgetExceeded {
		w.Header().Set(HeaderBudgetExceeded, "true")
	}
	writeJSON(w, statusFor(out), newMessageResponse(out))
}

// streamMessage writes replies as server-sent events: "delta" for each text
// delta, "reply" for the final reply or notice, then "done" with the outcome.
func (g *Gateway) streamMessage(w http.ResponseWriter, r *http.Request, req Request) {
	sink, ok := newSSESink(w)
	if !ok {
		g.writeError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	out, _ := g.orch.Handle(r.Context(), req, sink)
	if out.Reason == ReasonCancelled {
		return
	}
	if err := sink.event("done", newMessageResponse(out)); err != nil {
		log.Debug().Err(err).Str("request_id", req.ID).Msg("client disconnected before done event")
	}
}

// =============================================================================
// RESET AND USAGE
// =============================================================================

func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 4096)

	var body struct {
		UserID string `json:"user_id"`
		ChatID string `json:"chat_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			g.writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	userID, err := g.callerID(r, body.UserID)
	if err != nil {
		g.writeAuthError(w, err)
		return
	}

	switch err := g.orch.Reset(r.Context(), userID, body.ChatID); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrMembershipRequired):
		g.writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, conversation.ErrStoreUnavailable):
		g.writeError(w, "conversation store unavailable", http.StatusServiceUnavailable)
	default:
		g.writeError(w, err.Error(), http.StatusInternalServerError)
	}
}

type usageResponse struct {
	UserID      string         `json:"user_id"`
	Period      string         `json:"period"`
	PeriodStart time.Time      `json:"period_start"`
	Limit       string         `json:"limit"`
	Spent       string         `json:"spent"`
	Remaining   string         `json:"remaining,omitempty"`
	Requests    map[string]int `json:"requests"`
}

func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID, err := g.callerID(r, r.URL.Query().Get("user_id"))
	if err != nil {
		g.writeAuthError(w, err)
		return
	}

	snap := g.orch.Usage(r.Context(), userID)
	resp := usageResponse{
		UserID:      userID,
		Period:      string(g.ledger.Period()),
		PeriodStart: snap.PeriodStart,
		Limit:       snap.Limit.String(),
		Spent:       snap.Spent.StringFixed(4),
		Requests:    make(map[string]int, len(snap.Requests)),
	}
	if !snap.Limit.Unlimited {
		resp.Remaining = snap.Remaining.StringFixed(4)
	}
	for kind, n := range snap.Requests {
		resp.Requests[string(kind)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HEALTH
// =============================================================================

// handleHealth returns gateway health status.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}

	if g.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()
		if err := g.store.Set(ctx, "_health_", []byte("ok"), time.Minute); err != nil {
			health["status"] = "degraded"
			health["store"] = err.Error()
		} else {
			_ = g.store.Delete(ctx, "_health_")
		}
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeError writes a JSON error response.
func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "gateway_error"},
	})
}

func (g *Gateway) writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, errMissingUser) {
		g.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	g.writeError(w, err.Error(), http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// getRequestID gets or generates a request ID.
func (g *Gateway) getRequestID(r *http.Request) string {
	if id := r.Header.Get(HeaderRequestID); id != "" && len(id) <= 64 {
		return id
	}
	return uuid.New().String()
}

// isLoopback reports whether remoteAddr is a loopback address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
