package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// sseSink writes replies to an HTTP response as server-sent events.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseSink{w: w, flusher: flusher}, true
}

// Send implements Sink. Write errors mean the client disconnected.
func (s *sseSink) Send(ctx context.Context, reply Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := "reply"
	if !reply.Done {
		name = "delta"
	}
	return s.event(name, reply)
}

func (s *sseSink) event(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
