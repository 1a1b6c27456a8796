package orchestrator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/chirino/chat-service/internal/security"
)

// Sink receives the output of one turn. Delta is called once per text fragment in
// order, then exactly one of Done or Fail.
type Sink interface {
	Delta(text string) error
	Done(result *TurnResult) error
	Fail(err error) error
}

// TeeSink forwards deltas to the caller and keeps the concatenation for persistence.
type TeeSink struct {
	next Sink
	buf  strings.Builder
}

// NewTeeSink wraps next.
func NewTeeSink(next Sink) *TeeSink {
	return &TeeSink{next: next}
}

// Delta records text before forwarding it, so the buffer always holds at least what
// the caller saw.
func (t *TeeSink) Delta(text string) error {
	t.buf.WriteString(text)
	security.RecordDelta()
	return t.next.Delta(text)
}

func (t *TeeSink) Done(result *TurnResult) error { return t.next.Done(result) }
func (t *TeeSink) Fail(err error) error          { return t.next.Fail(err) }

// String returns everything received so far.
func (t *TeeSink) String() string { return t.buf.String() }

// SSESink writes a turn as server-sent events:
//
//	data: {"delta":"Hi"}
//	event: done
//	data: {"conversationId":...}
//
// Headers are sent with the first event, so a request that fails before streaming
// can still be answered with an ordinary JSON error.
type SSESink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	started bool
}

// NewSSESink returns a sink writing to w.
func NewSSESink(w http.ResponseWriter) *SSESink {
	return &SSESink{w: w}
}

// Started reports whether any bytes were written.
func (s *SSESink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *SSESink) write(event string, payload any) error {
	data, err := json.Marshal(payload)
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
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *SSESink) Delta(text string) error {
	return s.write("", map[string]string{"delta": text})
}

func (s *SSESink) Done(result *TurnResult) error {
	return s.write("done", result)
}

func (s *SSESink) Fail(err error) error {
	return s.write("error", map[string]string{"error": err.Error()})
}
