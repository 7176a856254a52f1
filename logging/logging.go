// Package logging is a thin facade over github.com/joeycumines/logiface,
// generified to the package-agnostic logiface.Event interface so that a
// subsystem that logs depends on *logiface.Logger[logiface.Event] rather
// than on a concrete backend. In this repository only conn logs; shmem,
// slabs and reactor report failures through returned errors alone.
//
// The concrete backend wired in by New is github.com/joeycumines/stumpy, a
// zero-copy-ish JSON event/writer implementation - the "model" logger for
// logiface, per its own package doc. Callers that want a different backend
// (logiface-slog, logiface-zerolog, ...) can construct their own
// *logiface.Logger[logiface.Event] and pass it directly; nothing in this
// repository requires stumpy specifically.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the type every subsystem accepts. It is a type alias (not a
// wrapper) so that a *Logger here is interchangeable with any other
// logiface.Logger[logiface.Event] a caller might already have.
type Logger = logiface.Logger[logiface.Event]

// New builds a Logger writing JSON-encoded events to w at the given minimum
// level. The original C logs through fast_log_error at severities emerg
// through debug; those map directly onto logiface's syslog-style Level.
func New(w io.Writer, level logiface.Level) *Logger {
	l := stumpy.L.New(
		stumpy.L.WithStumpy(),
		stumpy.L.WithWriter(w),
		stumpy.L.WithLevel(level),
	)
	return l.Logger()
}

// Default builds a Logger writing to os.Stderr at LevelNotice, matching the
// original's default runtime verbosity (startup/shutdown notices and above,
// without routine debug chatter).
func Default() *Logger {
	return New(os.Stderr, logiface.LevelNotice)
}

// Nop returns a Logger with logging fully disabled: every subsystem can
// unconditionally hold a *Logger without a nil check, and the disabled
// level short-circuits to zero allocation on the hot path per logiface's own
// design goal.
func Nop() *Logger {
	return New(io.Discard, logiface.LevelDisabled)
}
