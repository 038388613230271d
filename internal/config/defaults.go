// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: Every recognized option has its default defined here. Default()
// enumerates them into a single Config value that Load overlays the YAML on,
// so no component ever falls back to a default on its own at request time.
package config

import "time"

// =============================================================================
// CONVERSATION HISTORY
// =============================================================================

// DefaultMaxHistorySize is the number of user/assistant entries kept per user.
const DefaultMaxHistorySize = 15

// DefaultMaxConversationAgeMinutes is the inactivity window after which a
// user's conversation is discarded.
const DefaultMaxConversationAgeMinutes = 180

// DefaultAssistantPrompt is the persona prepended to every context.
const DefaultAssistantPrompt = "You are a helpful assistant."

// =============================================================================
// MODEL BACKEND
// =============================================================================

// DefaultProvider is the backend used when model.provider is unset.
const DefaultProvider = "openai"

// DefaultModel is the chat model requested from the backend.
const DefaultModel = "gpt-3.5-turbo"

// DefaultMaxTokens caps the completion length.
const DefaultMaxTokens = 1200

// DefaultTemperature is the sampling temperature.
const DefaultTemperature = 1.0

// DefaultImageSize is the requested image resolution.
const DefaultImageSize = "512x512"

// DefaultTranscriptionModel is the speech-to-text model.
const DefaultTranscriptionModel = "whisper-1"

// DefaultBackendTimeout bounds a single backend call, streaming included.
const DefaultBackendTimeout = 5 * time.Minute

// =============================================================================
// BUDGET AND PRICING
// =============================================================================

// DefaultBudgetPeriod is the window over which spend accumulates.
const DefaultBudgetPeriod = "monthly"

// DefaultGuestBudget is the limit for users without an explicit budget.
const DefaultGuestBudget = 100.0

// DefaultTokenPrice is the price of a single text token.
const DefaultTokenPrice = 0.002

// DefaultTranscriptionPrice is the price of one minute of audio.
const DefaultTranscriptionPrice = 0.006

// DefaultImagePrices are the per-image prices for the 256, 512 and 1024 tiers.
var DefaultImagePrices = []float64{0.016, 0.018, 0.02}

// DefaultCompletionReserveTokens is added to the prompt estimate when reserving
// budget for a chat request.
const DefaultCompletionReserveTokens = 256

// =============================================================================
// STORE
// =============================================================================

// DefaultStoreDriver keeps conversations in process memory.
const DefaultStoreDriver = "memory"

// DefaultSQLitePath is used by the sqlite driver when no path is configured.
const DefaultSQLitePath = "chat-gateway.db"

// DefaultMembershipCacheTTL is how long a membership answer is reused.
const DefaultMembershipCacheTTL = 5 * time.Minute

// =============================================================================
// HTTP AND NETWORKING
// =============================================================================

// DefaultPort is the HTTP listen port.
const DefaultPort = 18080

// DefaultServerReadTimeout for inbound requests.
const DefaultServerReadTimeout = 30 * time.Second

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (25MB, voice uploads).
const MaxRequestBodySize = 25 * 1024 * 1024

// =============================================================================
// MONITORING
// =============================================================================

// DefaultLedgerPruneInterval is how often idle budget records are dropped from memory.
const DefaultLedgerPruneInterval = 10 * time.Minute

// DefaultLedgerIdleTTL is how long an untouched budget record stays in memory.
const DefaultLedgerIdleTTL = 24 * time.Hour
