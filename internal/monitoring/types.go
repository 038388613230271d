// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid circular imports.
//
// TYPES:
//   - RequestEvent:    Telemetry data for each finished request
//   - InitEvent:       Startup configuration summary
//   - TelemetryConfig: Where events are written
package monitoring

import "time"

// =============================================================================
// EVENT TYPES - Structured data for telemetry recording
// =============================================================================

// RequestEvent captures one request's terminal outcome.
type RequestEvent struct {
	RequestID        string    `json:"request_id"`
	Timestamp        time.Time `json:"timestamp"`
	UserID           string    `json:"user_id"`
	ChatID           string    `json:"chat_id,omitempty"`
	Kind             string    `json:"kind"`
	Transport        string    `json:"transport,omitempty"` // http, sse, websocket
	State            string    `json:"state"`               // done | aborted
	Reason           string    `json:"reason,omitempty"`
	Degraded         bool      `json:"degraded,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	Images           int       `json:"images,omitempty"`
	AudioSeconds     float64   `json:"audio_seconds,omitempty"`
	Cost             string    `json:"cost"`
	Error            string    `json:"error,omitempty"`
	TotalLatencyMs   int64     `json:"total_latency_ms"`
}

// Succeeded reports whether the request reached the Done state.
func (e *RequestEvent) Succeeded() bool { return e.State == "done" }

// InitEvent captures gateway startup configuration.
type InitEvent struct {
	Timestamp            time.Time      `json:"timestamp"`
	Event                string         `json:"event"`
	ServerPort           int            `json:"server_port"`
	ServerReadTimeoutMs  int64          `json:"server_read_timeout_ms"`
	ServerWriteTimeoutMs int64          `json:"server_write_timeout_ms"`
	JWTEnabled           bool           `json:"jwt_enabled"`
	Backend              InitBackend    `json:"backend"`
	StoreDriver          string         `json:"store_driver"`
	PersistBudgets       bool           `json:"persist_budgets"`
	BudgetPeriod         string         `json:"budget_period"`
	GuestBudget          float64        `json:"guest_budget"`
	MaxHistorySize       int            `json:"max_history_size"`
	MaxAgeMinutes        int            `json:"max_age_minutes"`
	MembershipEnabled    bool           `json:"membership_enabled"`
	Features             []string       `json:"features,omitempty"`
	TelemetryPath        string         `json:"telemetry_path,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

// InitBackend summarizes the backend config without leaking secrets.
type InitBackend struct {
	Provider      string `json:"provider"`
	Model         string `json:"model,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	HasAPIKey     bool   `json:"has_api_key"`
	APIKeyEnvLike bool   `json:"api_key_env_like,omitempty"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// TelemetryConfig contains telemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}
