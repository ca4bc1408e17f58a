package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("relay: streaming unsupported")

var _ Writer = (*SSE)(nil)

// SSE writes Server-Sent Events: unnamed data events for deltas, then one
// "done" or "error" event.
type SSE struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func NewSSE(w http.ResponseWriter) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &SSE{w: w, flusher: flusher}, nil
}

// Start sends headers and an opening comment so the client sees the stream immediately.
func (s *SSE) Start() error {
	if s.started {
		return nil
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	if _, err := s.w.Write([]byte(": stream started\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *SSE) Delta(text string) error {
	return s.event("", map[string]string{"delta": text})
}

func (s *SSE) Fail(f Frame) error {
	return s.event("error", f)
}

func (s *SSE) Done(sum Summary) error {
	return s.event("done", sum)
}

func (s *SSE) event(name string, v any) error {
	if err := s.Start(); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
