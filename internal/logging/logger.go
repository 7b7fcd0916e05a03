// Package logging adapts zerolog to the small Logger contract the engine
// depends on, so presence/metadata packages never import zerolog directly.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the contract every engine package depends on (spec §9: "model
// as small, explicit interfaces"). Implementations must be safe for
// concurrent use.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
}

type zlog struct {
	l zerolog.Logger
}

// New builds a Logger writing JSON to w (os.Stdout in production, a
// zerolog.ConsoleWriter for local development). Mirrors the package-level
// `var log = zerolog.New(...)` pattern used throughout the corpus.
func New(w io.Writer, component string) Logger {
	l := zerolog.New(w).With().Timestamp().Str("component", component).Logger()
	return &zlog{l: l}
}

// NewConsole builds a human-readable logger, matching the
// zerolog.ConsoleWriter setup used for local/dev runs.
func NewConsole(component string) Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	l := zerolog.New(cw).With().Timestamp().Str("component", component).Logger()
	return &zlog{l: l}
}

func (z *zlog) Debug(msg string, kv ...any) { z.event(z.l.Debug(), kv).Msg(msg) }
func (z *zlog) Info(msg string, kv ...any)  { z.event(z.l.Info(), kv).Msg(msg) }
func (z *zlog) Warn(msg string, kv ...any)  { z.event(z.l.Warn(), kv).Msg(msg) }

func (z *zlog) Error(msg string, err error, kv ...any) {
	e := z.l.Error()
	if err != nil {
		e = e.Err(err)
	}
	z.event(e, kv).Msg(msg)
}

// event folds alternating key/value pairs onto a zerolog.Event. Odd trailing
// keys are dropped rather than panicking — a malformed call site shouldn't
// crash a background task.
func (z *zlog) event(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

// Noop is a Logger that discards everything, useful in tests that don't
// want to assert on log output.
func Noop() Logger { return &zlog{l: zerolog.New(io.Discard)} }
