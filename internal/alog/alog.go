// Package alog provides the component-scoped, trace-scoped structured
// logger used across the ingest pipeline, storage engine, and watcher.
//
// WithComponent and WithTraceID return a derived logger rather than
// mutating the receiver, and the Debug/Info/Warn/Error convenience
// methods compose a single structured record. Line formatting and level
// filtering are delegated to zerolog.
package alog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Logger is a component- and trace-scoped structured logger.
type Logger struct {
	z         zerolog.Logger
	component string
	traceID   string
}

// Default is the package-level logger, writing to stderr at info level.
var Default = New(os.Stderr)

// New builds a Logger writing JSON records to w at info level.
func New(w io.Writer) *Logger {
	z := zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	return &Logger{z: z}
}

// SetLevel parses and applies a minimum level ("debug", "info", "warn", "error").
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return
	}
	l.z = l.z.Level(lvl)
}

// WithComponent returns a derived logger tagging all records with component.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		z:         l.z.With().Str("component", component).Logger(),
		component: component,
		traceID:   l.traceID,
	}
}

// WithTraceID returns a derived logger tagging all records with a trace ID
// (typically a file path or ingest run ID).
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{
		z:         l.z.With().Str("trace_id", traceID).Logger(),
		component: l.component,
		traceID:   traceID,
	}
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.log(l.z.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.log(l.z.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.log(l.z.Warn(), msg, fields) }

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	ev := l.z.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.log(ev, msg, fields)
}

func (l *Logger) log(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// LLMCall logs a single LLM invocation summary (model, duration, token
// counts).
func (l *Logger) LLMCall(model string, durationMS int64, promptTokens, completionTokens int, err error) {
	fields := map[string]any{
		"model":              model,
		"duration_ms":        durationMS,
		"prompt_tokens":      promptTokens,
		"completion_tokens":  completionTokens,
	}
	if err != nil {
		l.Error("llm_call", err, fields)
		return
	}
	l.Info("llm_call", fields)
}
