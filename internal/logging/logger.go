// Package logging wraps the standard library logger with the
// component-tag style the teacher used ("[relay %s] ...",
// "[xfer %s] ...") so every subsystem logs consistently.
package logging

import (
	"log"
	"os"
)

// Logger tags every line with a fixed prefix, the way relay.Forwarder
// tagged its lines with "[relay %s]".
type Logger struct {
	std    *log.Logger
	prefix string
}

// New creates a root logger writing to stderr.
func New(prefix string) *Logger {
	return &Logger{
		std:    log.New(os.Stderr, "", log.LstdFlags),
		prefix: prefix,
	}
}

// With returns a child logger with an additional tag appended to the prefix,
// e.g. base.With("xfer "+id).With("file "+fid).
func (l *Logger) With(tag string) *Logger {
	p := l.prefix
	if p != "" {
		p += " "
	}
	p += "[" + tag + "]"
	return &Logger{std: l.std, prefix: p}
}

func (l *Logger) Infof(format string, args ...any) {
	l.std.Printf(l.prefix+" "+format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.std.Printf(l.prefix+" WARN "+format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.std.Printf(l.prefix+" ERROR "+format, args...)
}

func (l *Logger) Debugf(format string, args ...any) {
	l.std.Printf(l.prefix+" DEBUG "+format, args...)
}
