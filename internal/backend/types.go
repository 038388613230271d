// Package backend talks to generative-model providers.
//
// DESIGN: Every operation is a stream. Generate returns a channel of Chunks
// that carries text deltas, image results or transcripts, then the final usage,
// and is closed when the operation ends. A failure arrives as a Chunk with Err
// set and is always the last chunk. Cancelling ctx stops the producer promptly.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors.
var (
	ErrUnsupported = errors.New("operation not supported by backend")
	ErrUpstream    = errors.New("upstream error")
)

// Kind is the operation requested from the backend.
type Kind string

const (
	KindChat          Kind = "chat"
	KindImage         Kind = "image"
	KindTranscription Kind = "transcription"
)

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Message is one turn of chat context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one backend operation.
type Request struct {
	Kind Kind

	// Chat
	Messages []Message
	Stream   bool

	// Image
	Prompt    string
	ImageSize string

	// Transcription
	Audio         []byte
	AudioFilename string
}

// Usage is what the backend reports as consumed.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Images           int
	AudioDuration    time.Duration
}

// TotalTokens returns prompt + completion tokens.
func (u Usage) TotalTokens() int { return u.PromptTokens + u.CompletionTokens }

// Chunk is one element of a backend stream. Exactly one field is set.
type Chunk struct {
	TextDelta  string
	ImageURL   string
	Transcript string
	Usage      *Usage
	Err        error
}

// Backend is a generative-model provider.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Config holds model settings shared by all providers.
type Config struct {
	Provider           string        `yaml:"provider"` // openai | gemini
	Name               string        `yaml:"name"`
	APIKey             string        `yaml:"api_key"`
	BaseURL            string        `yaml:"base_url"`
	MaxTokens          int           `yaml:"max_tokens"`
	NChoices           int           `yaml:"n_choices"`
	Temperature        float64       `yaml:"temperature"`
	PresencePenalty    float64       `yaml:"presence_penalty"`
	FrequencyPenalty   float64       `yaml:"frequency_penalty"`
	ImageSize          string        `yaml:"image_size"`
	TranscriptionModel string        `yaml:"transcription_model"`
	Timeout            time.Duration `yaml:"timeout"`
}

// Validate checks model configuration.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("model.provider %q: want openai or gemini", c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("model.api_key is required for provider %s", c.Provider)
	}
	if c.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("model.max_tokens must be > 0, got %d", c.MaxTokens)
	}
	if c.NChoices < 0 {
		return fmt.Errorf("model.n_choices must be >= 0, got %d", c.NChoices)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("model.temperature must be within [0, 2], got %f", c.Temperature)
	}
	return nil
}

// New creates the configured backend.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Provider {
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg), nil
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
}

// send delivers c unless ctx is done first.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
