// Package tracing provides a scoped span type for instrumenting operations.
// When tracing is disabled the tracer hands out no-op spans, so call sites
// never branch on configuration.
package tracing

import (
	"time"

	"github.com/rs/zerolog"
)

// Span records one traced operation. End must be called exactly once.
type Span interface {
	SetAttribute(key string, value interface{})
	End()
}

// Tracer creates spans
type Tracer interface {
	Start(name string) Span
}

// noopSpan discards everything
type noopSpan struct{}

func (noopSpan) SetAttribute(string, interface{}) {}
func (noopSpan) End()                             {}

// noopTracer hands out no-op spans
type noopTracer struct{}

func (noopTracer) Start(string) Span { return noopSpan{} }

// NewNoop returns a tracer whose spans discard all input
func NewNoop() Tracer {
	return noopTracer{}
}

// logSpan emits a debug line with the collected attributes when ended
type logSpan struct {
	name  string
	start time.Time
	attrs map[string]interface{}
	log   zerolog.Logger
}

func (s *logSpan) SetAttribute(key string, value interface{}) {
	s.attrs[key] = value
}

func (s *logSpan) End() {
	s.log.Debug().
		Str("span", s.name).
		Dur("duration_ms", time.Since(s.start)).
		Fields(s.attrs).
		Msg("Span completed")
}

// logTracer writes span completions to the logger
type logTracer struct {
	log zerolog.Logger
}

func (t *logTracer) Start(name string) Span {
	return &logSpan{
		name:  name,
		start: time.Now(),
		attrs: make(map[string]interface{}),
		log:   t.log,
	}
}

// New returns a log-backed tracer when enabled, otherwise a no-op tracer
func New(enabled bool, log zerolog.Logger) Tracer {
	if !enabled {
		return NewNoop()
	}
	return &logTracer{log: log.With().Str("component", "tracing").Logger()}
}
