// Package tokenizer estimates prompt sizes for budget reservations.
//
// The tiktoken encoder for the configured model is loaded lazily on first use.
// Loading may need network access to fetch the BPE ranks; when it fails the
// counter falls back to a Unicode-aware heuristic for the life of the process.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

const fallbackEncoding = "cl100k_base"

// perMessageOverhead approximates the chat-format tokens wrapped around each message.
const perMessageOverhead = 4

// Counter counts tokens in text.
type Counter interface {
	Count(text string) int
}

// CountMessages sums the token counts of texts plus per-message overhead.
func CountMessages(c Counter, texts ...string) int {
	n := 0
	for _, t := range texts {
		n += c.Count(t) + perMessageOverhead
	}
	return n
}

// Tiktoken counts tokens with the model's BPE encoding.
type Tiktoken struct {
	model string

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktoken creates a counter for model. The encoding is loaded on first Count.
func NewTiktoken(model string) *Tiktoken {
	return &Tiktoken{model: model}
}

// Count implements Counter.
func (t *Tiktoken) Count(text string) int {
	t.once.Do(t.load)
	if t.enc == nil {
		return EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) load() {
	enc, err := tiktoken.EncodingForModel(t.model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		log.Warn().Err(err).Str("model", t.model).Msg("tokenizer: encoding unavailable, using heuristic estimate")
		return
	}
	t.enc = enc
}

// Heuristic counts tokens without an encoder.
type Heuristic struct{}

// NewHeuristic returns the heuristic counter.
func NewHeuristic() Heuristic { return Heuristic{} }

// Count implements Counter.
func (Heuristic) Count(text string) int { return EstimateTokens(text) }

// EstimateTokens weights ASCII at about four characters per token and any other
// rune at about one token each.
func EstimateTokens(text string) int {
	weight := 0
	for _, r := range text {
		if r <= 127 {
			weight++
		} else {
			weight += 4
		}
	}
	return (weight + 3) / 4
}
