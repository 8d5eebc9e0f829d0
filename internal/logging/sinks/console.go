// Package sinks contains the bundled Sink implementations for the logging
// router.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/meathill/pvp-games/internal/logging"
)

// ConsoleSink writes human-readable lines to a writer.
type ConsoleSink struct {
	logger *log.Logger
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{logger: log.New(w, "", log.LstdFlags)}
}

func (s *ConsoleSink) Write(event logging.Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] severity=%s", event.Type, formatSeverity(event.Severity))
	if event.Category != "" {
		fmt.Fprintf(&b, " category=%s", event.Category)
	}
	if event.Room != "" {
		fmt.Fprintf(&b, " room=%s", event.Room)
	}
	if event.Slot != "" {
		fmt.Fprintf(&b, " slot=%s", event.Slot)
	}
	if event.Tick > 0 {
		fmt.Fprintf(&b, " tick=%d", event.Tick)
	}
	if event.Payload != nil {
		if data, err := json.Marshal(event.Payload); err == nil {
			fmt.Fprintf(&b, " payload=%s", data)
		}
	}
	for k, v := range event.Extra {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	s.logger.Print(b.String())
	return nil
}

func (s *ConsoleSink) Close(context.Context) error {
	return nil
}

func formatSeverity(sev logging.Severity) string {
	switch sev {
	case logging.SeverityDebug:
		return "debug"
	case logging.SeverityInfo:
		return "info"
	case logging.SeverityWarn:
		return "warn"
	case logging.SeverityError:
		return "error"
	default:
		return "unknown"
	}
}
