// Package logging provides the leveled key-value logger used across the
// service.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Logger writes leveled messages with alternating key/value pairs appended
// as key=value fields.
type Logger struct {
	l     *log.Logger
	debug bool
}

// NewLogger creates a Logger writing to stdout.
func NewLogger() *Logger {
	return &Logger{l: log.New(os.Stdout, "", log.LstdFlags)}
}

// NewDebugLogger creates a Logger that also emits Debug messages.
func NewDebugLogger() *Logger {
	return &Logger{l: log.New(os.Stdout, "", log.LstdFlags), debug: true}
}

// Nop returns a Logger that discards everything; used in tests.
func Nop() *Logger {
	return &Logger{l: log.New(io.Discard, "", 0)}
}

func (l *Logger) emit(level, msg string, args []any) {
	if len(args) == 0 {
		l.l.Printf("%s: %s", level, msg)
		return
	}
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	if len(args)%2 != 0 {
		fmt.Fprintf(&b, " %v", args[len(args)-1])
	}
	l.l.Printf("%s: %s%s", level, msg, b.String())
}

// Debug logs a debug message when debug logging is enabled.
func (l *Logger) Debug(msg string, args ...any) {
	if l.debug {
		l.emit("DEBUG", msg, args)
	}
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	l.emit("INFO", msg, args)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...any) {
	l.emit("WARN", msg, args)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.emit("ERROR", msg, args)
}
