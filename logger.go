package rdpmitm

import (
	"fmt"
	"log"
)

// ProxyLogger is the leveled logging interface every orchestrator,
// extractor, and tamper-engine component logs through, so callers can plug
// in their own logging backend without the library committing to one.
type ProxyLogger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// Capture writes a captured credential/keystroke line to the
	// operator's terminal in ANSI-red text. It is kept separate from
	// Error/Info so a caller can redirect captured material (e.g. to a
	// file) independently of operational logging.
	Capture(line string)
}

// DefaultLogger wraps the standard log package.
type DefaultLogger struct {
	debug bool
}

// NewDefaultLogger creates a logger. When debug is false, Debug() calls
// are discarded.
func NewDefaultLogger(debug bool) *DefaultLogger {
	return &DefaultLogger{debug: debug}
}

func (l *DefaultLogger) Debug(msg string, args ...interface{}) {
	if l.debug {
		log.Printf("[DEBUG] "+msg, args...)
	}
}

func (l *DefaultLogger) Info(msg string, args ...interface{}) {
	log.Printf("[INFO] "+msg, args...)
}

func (l *DefaultLogger) Warn(msg string, args ...interface{}) {
	log.Printf("[WARN] "+msg, args...)
}

func (l *DefaultLogger) Error(msg string, args ...interface{}) {
	log.Printf("[ERROR] "+msg, args...)
}

func (l *DefaultLogger) Capture(line string) {
	fmt.Printf("\033[31m%s\033[0m\n", line)
}

// NullLogger discards everything, for tests that don't want log noise.
type NullLogger struct{}

func (NullLogger) Debug(msg string, args ...interface{}) {}
func (NullLogger) Info(msg string, args ...interface{})  {}
func (NullLogger) Warn(msg string, args ...interface{})  {}
func (NullLogger) Error(msg string, args ...interface{}) {}
func (NullLogger) Capture(line string)                   {}
