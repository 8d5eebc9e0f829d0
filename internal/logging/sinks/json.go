package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/meathill/pvp-games/internal/logging"
)

// JSONSink emits newline-delimited structured events.
type JSONSink struct {
	mu      sync.Mutex
	writer  *bufio.Writer
	encoder *json.Encoder
}

// NewJSONSink constructs a JSON sink writing to the provided io.Writer.
func NewJSONSink(w io.Writer) *JSONSink {
	if w == nil {
		w = io.Discard
	}
	buf := bufio.NewWriter(w)
	return &JSONSink{writer: buf, encoder: json.NewEncoder(buf)}
}

// Write satisfies logging.Sink.
func (s *JSONSink) Write(event logging.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wire := map[string]any{
		"type":     event.Type,
		"time":     event.Time.Format(time.RFC3339Nano),
		"severity": event.Severity,
	}
	if event.Category != "" {
		wire["category"] = event.Category
	}
	if event.Room != "" {
		wire["room"] = event.Room
	}
	if event.Slot != "" {
		wire["slot"] = event.Slot
	}
	if event.Tick > 0 {
		wire["tick"] = event.Tick
	}
	if event.Payload != nil {
		wire["payload"] = event.Payload
	}
	if len(event.Extra) > 0 {
		wire["extra"] = event.Extra
	}
	if err := s.encoder.Encode(wire); err != nil {
		return err
	}
	return s.writer.Flush()
}

// Close flushes any buffered output.
func (s *JSONSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Flush()
}
