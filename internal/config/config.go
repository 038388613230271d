// Package config loads the gateway configuration.
//
// DESIGN: Load resolves configuration exactly once: Default() enumerates every
// option, the YAML file (after ${VAR:-default} expansion) is decoded on top of
// it, and Validate checks every section. The result is treated as immutable and
// passed down explicitly; no package reads configuration on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/compresr/chat-gateway/internal/access"
	"github.com/compresr/chat-gateway/internal/monitoring"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	History    HistoryConfig    `yaml:"history"`
	Assistant  AssistantConfig  `yaml:"assistant"`
	Model      ModelConfig      `yaml:"model"`
	Budget     BudgetConfig     `yaml:"budget"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Billing    BillingConfig    `yaml:"billing"`
	Access     AccessConfig     `yaml:"access"`
	Features   FeaturesConfig   `yaml:"features"`
	Store      StoreConfig      `yaml:"store"`
	Matrix     MatrixConfig     `yaml:"matrix"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	JWTSecret    string        `yaml:"jwt_secret"` // When set, callers authenticate with an HS256 bearer token
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// HistoryConfig bounds per-user conversation history.
type HistoryConfig struct {
	MaxSize       int `yaml:"max_size"`
	MaxAgeMinutes int `yaml:"max_age_minutes"`
}

// MaxAge returns the inactivity window as a duration.
func (c HistoryConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMinutes) * time.Minute
}

// AssistantConfig holds reply settings.
type AssistantConfig struct {
	Prompt    string `yaml:"prompt"`     // Persona prepended to every context
	ShowUsage bool   `yaml:"show_usage"` // Append a usage footer to replies
	Stream    bool   `yaml:"stream"`
}

// BillingConfig controls how reservations are reconciled.
type BillingConfig struct {
	BillPartialUsage        bool `yaml:"bill_partial_usage"`        // Charge usage reported before a failure or cancel
	CompletionReserveTokens int  `yaml:"completion_reserve_tokens"` // Added to the prompt estimate for chat
}

// FeaturesConfig toggles request kinds and voice handling.
type FeaturesConfig struct {
	EnableImageGeneration     bool       `yaml:"enable_image_generation"`
	EnableTranscription       bool       `yaml:"enable_transcription"`
	IgnoreGroupTranscriptions bool       `yaml:"ignore_group_transcriptions"`
	VoiceReplyTranscriptOnly  bool       `yaml:"voice_reply_transcript_only"`
	VoiceReplyPrompts         PromptList `yaml:"voice_reply_prompts"`
}

// MonitoringConfig holds operational endpoints and telemetry.
type MonitoringConfig struct {
	StatsEnabled        bool                       `yaml:"stats_enabled"` // Serve /stats and /costs on loopback
	LedgerPruneInterval time.Duration              `yaml:"ledger_prune_interval"`
	LedgerIdleTTL       time.Duration              `yaml:"ledger_idle_ttl"`
	Telemetry           monitoring.TelemetryConfig `yaml:"telemetry"`
}

// PromptList is a list of voice-reply prefixes. In YAML it is either a
// sequence or a single string separated by ';'.
type PromptList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PromptList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = nil
		for _, s := range strings.Split(node.Value, ";") {
			if s = strings.TrimSpace(s); s != "" {
				*p = append(*p, s)
			}
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	}
	return fmt.Errorf("voice_reply_prompts: unsupported YAML node at line %d", node.Line)
}

// Default returns a Config with every option set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         DefaultPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		History: HistoryConfig{
			MaxSize:       DefaultMaxHistorySize,
			MaxAgeMinutes: DefaultMaxConversationAgeMinutes,
		},
		Assistant: AssistantConfig{
			Prompt: DefaultAssistantPrompt,
			Stream: true,
		},
		Model: ModelConfig{
			Provider:           DefaultProvider,
			Name:               DefaultModel,
			MaxTokens:          DefaultMaxTokens,
			NChoices:           1,
			Temperature:        DefaultTemperature,
			ImageSize:          DefaultImageSize,
			TranscriptionModel: DefaultTranscriptionModel,
			Timeout:            DefaultBackendTimeout,
		},
		Budget: BudgetConfig{
			Period:      DefaultBudgetPeriod,
			GuestBudget: DefaultGuestBudget,
			Timezone:    "Local",
		},
		Pricing: PricingConfig{
			TokenPrice:         DefaultTokenPrice,
			ImagePrices:        append([]float64(nil), DefaultImagePrices...),
			TranscriptionPrice: DefaultTranscriptionPrice,
		},
		Billing: BillingConfig{
			BillPartialUsage:        true,
			CompletionReserveTokens: DefaultCompletionReserveTokens,
		},
		Access: AccessConfig{
			AllowedUserIDs: access.AllIDs(),
		},
		Features: FeaturesConfig{
			EnableImageGeneration:     true,
			EnableTranscription:       true,
			IgnoreGroupTranscriptions: true,
		},
		Store: StoreConfig{
			Driver:     DefaultStoreDriver,
			SQLitePath: DefaultSQLitePath,
		},
		Matrix: MatrixConfig{
			CacheTTL: DefaultMembershipCacheTTL,
		},
		Monitoring: MonitoringConfig{
			StatsEnabled:        true,
			LedgerPruneInterval: DefaultLedgerPruneInterval,
			LedgerIdleTTL:       DefaultLedgerIdleTTL,
		},
	}
}

// Load reads and validates the YAML file at path. A missing path yields the
// defaults, which still have to validate (model.api_key in particular).
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes decodes YAML over the defaults, expanding environment
// references first, and validates the result.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := Default()
	expanded := ExpandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("%w: logging.format %q: want console or json", ErrInvalidConfig, c.Logging.Format)
	}
	if c.History.MaxSize <= 0 {
		return fmt.Errorf("%w: history.max_size must be > 0, got %d", ErrInvalidConfig, c.History.MaxSize)
	}
	if c.History.MaxAgeMinutes <= 0 {
		return fmt.Errorf("%w: history.max_age_minutes must be > 0, got %d", ErrInvalidConfig, c.History.MaxAgeMinutes)
	}
	if c.Billing.CompletionReserveTokens < 0 {
		return fmt.Errorf("%w: billing.completion_reserve_tokens must be >= 0", ErrInvalidConfig)
	}

	checks := []func() error{
		c.Model.Validate,
		c.Budget.Validate,
		c.Pricing.Validate,
		c.Access.Validate,
		c.Store.Validate,
		c.Matrix.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.Access.MandatoryChannelID != "" && !c.Matrix.Enabled() {
		return fmt.Errorf("%w: access.mandatory_channel_id needs the matrix section for membership checks", ErrInvalidConfig)
	}
	return nil
}
