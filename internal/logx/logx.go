// File: internal/logx/logx.go
// Package logx is a thin leveled wrapper around the standard library
// log package, matching the teacher's direct use of "log" (no
// zerolog/zap/logrus anywhere in the example pack) while keeping the
// call-site density the original kuma KUMA_INFOXTRACE/KUMA_ERRXTRACE
// macros had at every state transition.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package logx

import (
	"fmt"
	"log"
	"os"
)

// Logger is a tagged leveled logger. The zero value is usable and logs
// through the standard logger with no tag.
type Logger struct {
	tag string
	out *log.Logger
}

var std = log.New(os.Stderr, "", log.LstdFlags)

// New returns a Logger tagged with component, e.g. "tcpsocket".
func New(component string) *Logger {
	return &Logger{tag: component, out: std}
}

func (l *Logger) prefix() string {
	if l == nil || l.tag == "" {
		return ""
	}
	return "[" + l.tag + "] "
}

func (l *Logger) Debugf(format string, args ...any) {
	l.emit("DEBUG", format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.emit("INFO", format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.emit("WARN", format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.emit("ERROR", format, args...)
}

func (l *Logger) emit(level, format string, args ...any) {
	out := l.out
	if out == nil {
		out = std
	}
	out.Output(3, fmt.Sprintf("%s%s %s", l.prefix(), level, fmt.Sprintf(format, args...)))
}
