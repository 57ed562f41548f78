// Package logging provides the small named-prefix logger used throughout
// the bridge: stdlib log.Printf calls prefixed with the owning component's
// name, e.g. "[selector] " or "[supervisor:I1] ".
package logging

import (
	"log"
	"os"
)

// Logger wraps the standard library logger with a component prefix and a
// verbose gate. Debug-level calls are dropped entirely unless verbose is on.
type Logger struct {
	std     *log.Logger
	prefix  string
	verbose bool
}

// New builds a Logger with the given component prefix, e.g. "[selector] ".
func New(prefix string, verbose bool) *Logger {
	return &Logger{
		std:     log.New(os.Stderr, "", log.LstdFlags),
		prefix:  prefix,
		verbose: verbose,
	}
}

// SetVerbose toggles debug-level output after construction.
func (l *Logger) SetVerbose(v bool) { l.verbose = v }

func (l *Logger) Info(format string, args ...any) {
	l.std.Printf(l.prefix+format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.std.Printf(l.prefix+"WARN: "+format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.std.Printf(l.prefix+"ERROR: "+format, args...)
}

// Debug logs only when verbose is enabled: decode errors, per-attempt
// transient-network retries, and other high-volume diagnostics.
func (l *Logger) Debug(format string, args ...any) {
	if !l.verbose {
		return
	}
	l.std.Printf(l.prefix+"debug: "+format, args...)
}
