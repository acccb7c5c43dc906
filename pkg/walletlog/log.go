// Package walletlog provides a small leveled wrapper over the standard
// logger, used for operational warnings at call sites that must not
// fail the caller's request. It is never a substitute for returning an
// error — anything that can fail returns error to its caller.
package walletlog

import (
	"log"
	"os"
)

// Logger emits leveled, non-fatal operational messages.
type Logger struct {
	std *log.Logger
}

// New returns a Logger writing to os.Stderr with a standard timestamp
// prefix.
func New() *Logger {
	return &Logger{std: log.New(os.Stderr, "", log.LstdFlags)}
}

// Warnf logs a best-effort warning, matching the "[WARN] ..." shape
// used for non-fatal failures elsewhere in this codebase (e.g. a
// best-effort audit write that failed after the primary outcome was
// already decided).
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf("[WARN] "+format, args...)
}

// Infof logs a routine operational event.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.std.Printf("[INFO] "+format, args...)
}
