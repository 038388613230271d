package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	maxErrorBodySize     = 64 * 1024
)

// OpenAI is a client for OpenAI-compatible chat, image and audio endpoints.
type OpenAI struct {
	cfg     Config
	baseURL string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible backend.
func NewOpenAI(cfg Config) *OpenAI {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	// No client timeout: streams are bounded by the request context instead.
	return &OpenAI{cfg: cfg, baseURL: base, client: &http.Client{}}
}

// Name implements Backend.
func (o *OpenAI) Name() string { return ProviderOpenAI }

// Generate implements Backend.
func (o *OpenAI) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	switch req.Kind {
	case KindChat:
		return o.chat(ctx, req)
	case KindImage:
		return o.image(ctx, req)
	case KindTranscription:
		return o.transcribe(ctx, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, req.Kind)
}

// =============================================================================
// CHAT
// =============================================================================

func (o *OpenAI) chatBody(req Request) ([]byte, error) {
	msgs, err := json.Marshal(req.Messages)
	if err != nil {
		return nil, err
	}
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "model", o.cfg.Name)
	body, _ = sjson.SetRawBytes(body, "messages", msgs)
	body, _ = sjson.SetBytes(body, "max_tokens", o.cfg.MaxTokens)
	body, _ = sjson.SetBytes(body, "temperature", o.cfg.Temperature)
	// A stream carries a single reply; extra choices are only requested
	// for one-shot completions, where every choice is delivered.
	if o.cfg.NChoices > 1 && !req.Stream {
		body, _ = sjson.SetBytes(body, "n", o.cfg.NChoices)
	}
	if o.cfg.PresencePenalty != 0 {
		body, _ = sjson.SetBytes(body, "presence_penalty", o.cfg.PresencePenalty)
	}
	if o.cfg.FrequencyPenalty != 0 {
		body, _ = sjson.SetBytes(body, "frequency_penalty", o.cfg.FrequencyPenalty)
	}
	if req.Stream {
		body, _ = sjson.SetBytes(body, "stream", true)
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}
	return body, nil
}

func (o *OpenAI) chat(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := o.chatBody(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	resp, err := o.post(ctx, "/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		if req.Stream {
			o.streamChat(ctx, resp.Body, out)
			return
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: read response: %v", ErrUpstream, err)})
			return
		}
		if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: %s", ErrUpstream, msg.String())})
			return
		}
		if !send(ctx, out, Chunk{TextDelta: joinChoices(gjson.GetBytes(data, "choices"))}) {
			return
		}
		send(ctx, out, Chunk{Usage: usageFromJSON(gjson.GetBytes(data, "usage"))})
	}()
	return out, nil
}

// streamChat forwards content deltas in order, then the final usage.
func (o *OpenAI) streamChat(ctx context.Context, body io.Reader, out chan<- Chunk) {
	dec := newSSEDecoder(body)
	var usage *Usage
	for {
		data, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Report what was consumed so far; partial billing depends on it.
			if usage != nil {
				send(ctx, out, Chunk{Usage: usage})
			}
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: stream: %v", ErrUpstream, err)})
			return
		}

		if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: %s", ErrUpstream, msg.String())})
			return
		}
		if u := gjson.GetBytes(data, "usage"); u.IsObject() {
			usage = usageFromJSON(u)
		}
		if delta := firstChoiceDelta(gjson.GetBytes(data, "choices")); delta != "" {
			if !send(ctx, out, Chunk{TextDelta: delta}) {
				return
			}
		}
	}
	if usage == nil {
		log.Debug().Msg("openai: stream ended without usage report")
		return
	}
	send(ctx, out, Chunk{Usage: usage})
}

// firstChoiceDelta returns the content delta of choice 0. A missing index
// counts as 0.
func firstChoiceDelta(choices gjson.Result) string {
	var delta string
	choices.ForEach(func(_, c gjson.Result) bool {
		if c.Get("index").Int() != 0 {
			return true
		}
		delta = c.Get("delta.content").String()
		return false
	})
	return delta
}

// joinChoices renders every completion choice in index order. A single
// choice is returned as is; several are numbered.
func joinChoices(choices gjson.Result) string {
	type choice struct {
		index   int64
		content string
	}
	var all []choice
	choices.ForEach(func(_, c gjson.Result) bool {
		all = append(all, choice{index: c.Get("index").Int(), content: c.Get("message.content").String()})
		return true
	})
	if len(all) == 1 {
		return all[0].content
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].index < all[j].index })
	parts := make([]string, len(all))
	for i, c := range all {
		parts[i] = fmt.Sprintf("%d\u20e3\n%s", i+1, strings.TrimSpace(c.content))
	}
	return strings.Join(parts, "\n\n")
}

func usageFromJSON(u gjson.Result) *Usage {
	return &Usage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
	}
}

// =============================================================================
// IMAGES
// =============================================================================

func (o *OpenAI) image(ctx context.Context, req Request) (<-chan Chunk, error) {
	size := req.ImageSize
	if size == "" {
		size = o.cfg.ImageSize
	}
	body := []byte(`{"n":1}`)
	body, _ = sjson.SetBytes(body, "prompt", req.Prompt)
	body, _ = sjson.SetBytes(body, "size", size)

	resp, err := o.post(ctx, "/images/generations", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: read response: %v", ErrUpstream, err)})
			return
		}
		url := gjson.GetBytes(data, "data.0.url").String()
		if url == "" {
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: no image in response", ErrUpstream)})
			return
		}
		if !send(ctx, out, Chunk{ImageURL: url}) {
			return
		}
		send(ctx, out, Chunk{Usage: &Usage{Images: 1}})
	}()
	return out, nil
}

// =============================================================================
// TRANSCRIPTION
// =============================================================================

func (o *OpenAI) transcribe(ctx context.Context, req Request) (<-chan Chunk, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	filename := req.AudioFilename
	if filename == "" {
		filename = "audio.ogg"
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(req.Audio); err != nil {
		return nil, err
	}
	_ = mw.WriteField("model", o.cfg.TranscriptionModel)
	_ = mw.WriteField("response_format", "verbose_json")
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := o.post(ctx, "/audio/transcriptions", mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: read response: %v", ErrUpstream, err)})
			return
		}
		text := gjson.GetBytes(data, "text")
		if !text.Exists() {
			send(ctx, out, Chunk{Err: fmt.Errorf("%w: no transcript in response", ErrUpstream)})
			return
		}
		seconds := gjson.GetBytes(data, "duration").Float()
		if !send(ctx, out, Chunk{Transcript: text.String()}) {
			return
		}
		send(ctx, out, Chunk{Usage: &Usage{AudioDuration: time.Duration(seconds * float64(time.Second))}})
	}()
	return out, nil
}

// =============================================================================
// HTTP
// =============================================================================

// post sends an authenticated request and returns the response when it is 2xx.
func (o *OpenAI) post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if resp.StatusCode/100 != 2 {
		defer func() { _ = resp.Body.Close() }()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, msg)
	}
	return resp, nil
}
