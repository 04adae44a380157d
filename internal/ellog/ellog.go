// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package ellog is a minimal logging facade reconstructed from the call
// sites of github.com/saferwall/pe/log in file.go (Logger through
// Options.Logger, wrapped in a Helper, filtered with NewFilter(logger,
// LevelError)). The real subpackage's source isn't available, so this
// package reproduces the shape file.go depends on: a leveled Logger
// interface, a Helper wrapper exposing Infof/Errorf, and a level filter.
package ellog

import (
	"fmt"
	"log"
	"os"
)

// Level is a logging severity, ordered least to most severe.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal interface a caller-supplied logger must satisfy.
// It has a single leveled Log method; the Infof/Errorf-style formatting
// helpers that file.go and this module's components call live on Helper.
type Logger interface {
	Log(level Level, msg string)
}

// stdLogger adapts the standard library's log.Logger to Logger, the same
// role log.NewStdLogger(os.Stdout) plays in file.go.
type stdLogger struct {
	l *log.Logger
}

// NewStdLogger returns a Logger that writes to w via the standard library
// logger, prefixed with the severity level.
func NewStdLogger(w *os.File) Logger {
	return &stdLogger{l: log.New(w, "", log.LstdFlags)}
}

func (s *stdLogger) Log(level Level, msg string) {
	s.l.Printf("[%s] %s", level, msg)
}

// filter wraps a Logger and drops any record below its configured level,
// the same role log.NewFilter(logger, log.FilterLevel(log.LevelError))
// plays in file.go.
type filter struct {
	next  Logger
	level Level
}

// FilterOption configures a filter returned by NewFilter.
type FilterOption func(*filter)

// FilterLevel sets the minimum level a filter passes through.
func FilterLevel(level Level) FilterOption {
	return func(f *filter) { f.level = level }
}

// NewFilter returns a Logger that forwards to next only records at or
// above the configured level.
func NewFilter(next Logger, opts ...FilterOption) Logger {
	f := &filter{next: next, level: LevelInfo}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *filter) Log(level Level, msg string) {
	if level < f.level {
		return
	}
	f.next.Log(level, msg)
}

// Helper wraps a Logger with printf-style convenience methods, mirroring
// log.Helper's Infof/Errorf used throughout file.go.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger in a Helper. A nil logger is valid and silently
// discards every record, so components never need a nil check before
// logging.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, format string, args ...interface{}) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Log(level, fmt.Sprintf(format, args...))
}

// Debugf logs at LevelDebug.
func (h *Helper) Debugf(format string, args ...interface{}) { h.log(LevelDebug, format, args...) }

// Infof logs at LevelInfo.
func (h *Helper) Infof(format string, args ...interface{}) { h.log(LevelInfo, format, args...) }

// Warnf logs at LevelWarn.
func (h *Helper) Warnf(format string, args ...interface{}) { h.log(LevelWarn, format, args...) }

// Errorf logs at LevelError.
func (h *Helper) Errorf(format string, args ...interface{}) { h.log(LevelError, format, args...) }
