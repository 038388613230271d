package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Gemini is a chat-only backend for Google's Gemini models.
type Gemini struct {
	cfg    Config
	client *genai.Client
}

// NewGemini creates a Gemini backend.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{cfg: cfg, client: client}, nil
}

// Name implements Backend.
func (g *Gemini) Name() string { return ProviderGemini }

// Close releases the client.
func (g *Gemini) Close() error { return g.client.Close() }

// Generate implements Backend. Only chat is supported.
func (g *Gemini) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	if req.Kind != KindChat {
		return nil, fmt.Errorf("%w: gemini %s", ErrUnsupported, req.Kind)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("gemini: empty conversation")
	}

	model := g.client.GenerativeModel(g.cfg.Name)
	model.SetMaxOutputTokens(int32(g.cfg.MaxTokens))
	model.SetTemperature(float32(g.cfg.Temperature))

	system, history, last := splitForGemini(req.Messages)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	session := model.StartChat()
	session.History = history

	iter := session.SendMessageStream(ctx, genai.Text(last))

	out := make(chan Chunk)
	go func() {
		defer close(out)

		var usage *Usage
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				if usage != nil {
					send(ctx, out, Chunk{Usage: usage})
				}
				send(ctx, out, Chunk{Err: fmt.Errorf("%w: gemini: %v", ErrUpstream, err)})
				return
			}
			if resp.UsageMetadata != nil {
				usage = &Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if text := responseText(resp); text != "" {
				if !send(ctx, out, Chunk{TextDelta: text}) {
					return
				}
			}
		}
		if usage != nil {
			send(ctx, out, Chunk{Usage: usage})
		}
	}()
	return out, nil
}

// splitForGemini separates system text, prior turns and the final user message.
// Gemini names the assistant role "model".
func splitForGemini(msgs []Message) (system string, history []*genai.Content, last string) {
	var sys []string
	for i, m := range msgs {
		if i == len(msgs)-1 {
			last = m.Content
			break
		}
		switch m.Role {
		case "system":
			sys = append(sys, m.Content)
		case "assistant":
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	return strings.Join(sys, "\n\n"), history, last
}

func responseText(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
		// Only the first candidate is forwarded.
		break
	}
	return b.String()
}
