// Package obs implements structured logging (C13): a thin wrapper around
// logiface.Logger[*stumpy.Event], grounded on the pack's own
// logiface-stumpy factory (WithStumpy) and the Logger.Debug()/Info()/
// Warning()/Err() builder idiom used throughout sql/export's runner
// types. The Lunatic-specific process address is added by the named
// Process helper method on top of the generic builder rather than as
// ad-hoc Str/Int calls scattered through the caller packages.
package obs

import (
	"io"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the C13 structured logger: every component that needs to log
// holds one of these rather than talking to logiface/stumpy directly.
type Logger struct {
	base *logiface.Logger[*stumpy.Event]
}

// Option configures a Logger at construction.
type Option func(*config)

type config struct {
	writer io.Writer
	level  logiface.Level
}

// WithWriter directs log output somewhere other than stderr.
func WithWriter(w io.Writer) Option { return func(c *config) { c.writer = w } }

// WithLevel sets the minimum enabled level (default LevelInformational).
func WithLevel(l logiface.Level) Option { return func(c *config) { c.level = l } }

// New constructs a Logger backed by stumpy's JSON writer.
func New(opts ...Option) *Logger {
	c := config{level: logiface.LevelInformational}
	for _, o := range opts {
		o(&c)
	}

	var stumpyOpts []stumpy.Option
	if c.writer != nil {
		stumpyOpts = append(stumpyOpts, stumpy.WithWriter(c.writer))
	}

	base := logiface.New[*stumpy.Event](
		stumpy.WithStumpy(stumpyOpts...),
		logiface.WithLevel[*stumpy.Event](c.level),
	)
	return &Logger{base: base}
}

// Named returns a child Logger whose every event carries component=name,
// for per-package scoping (e.g. obs.New().Named("scheduler")).
func (l *Logger) Named(name string) *Logger {
	return &Logger{base: l.base.Clone().Modifier(logiface.NewModifierFunc(func(e *stumpy.Event) error {
		e.Str("component", name)
		return nil
	})).Logger()}
}

// Process starts a debug-level event tagged with a process's wire address,
// the common case for driver/scheduler log lines.
func (l *Logger) Process(node uint64, short uint64) *logiface.Builder[*stumpy.Event] {
	return l.base.Debug().Uint64("node", node).Uint64("short", short)
}

// Debug, Info, Warn, and Err pass straight through to the underlying
// logiface builder levels, so callers unfamiliar with logiface's naming
// (Warning, not Warn) get the conventional short forms.
func (l *Logger) Debug() *logiface.Builder[*stumpy.Event] { return l.base.Debug() }
func (l *Logger) Info() *logiface.Builder[*stumpy.Event]  { return l.base.Info() }
func (l *Logger) Warn() *logiface.Builder[*stumpy.Event]  { return l.base.Warning() }
func (l *Logger) Err() *logiface.Builder[*stumpy.Event]   { return l.base.Err() }
