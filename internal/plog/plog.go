// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package plog is a minimal leveled logger, shaped after the
// github.com/saferwall/pe/log helper the upstream parser wires through its
// anomaly-reporting paths. It exists only so this module has somewhere to
// send non-fatal observations without pulling in an external logging stack
// for a handful of Warnf/Errorf calls.
package plog

import (
	"fmt"
	"io"
	"log"
)

// Level is a logging severity, ordered from most to least verbose.
type Level int

// Severity levels, most to least verbose.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Logger is the interface the core library logs through. Callers may supply
// their own implementation via Options.Logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stdLogger writes to an io.Writer through the standard library logger,
// filtering out anything below its configured level.
type stdLogger struct {
	level Level
	l     *log.Logger
}

// NewStdLogger returns a Logger writing to w, filtered to level and above.
// The zero Level (LevelDebug) logs everything.
func NewStdLogger(w io.Writer, level Level) Logger {
	return &stdLogger{level: level, l: log.New(w, "", log.LstdFlags)}
}

func (s *stdLogger) log(level Level, tag, format string, args ...interface{}) {
	if level < s.level {
		return
	}
	s.l.Output(3, tag+" "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Debugf(format string, args ...interface{}) { s.log(LevelDebug, "[DEBUG]", format, args...) }
func (s *stdLogger) Infof(format string, args ...interface{})  { s.log(LevelInfo, "[INFO]", format, args...) }
func (s *stdLogger) Warnf(format string, args ...interface{})  { s.log(LevelWarn, "[WARN]", format, args...) }
func (s *stdLogger) Errorf(format string, args ...interface{}) { s.log(LevelError, "[ERROR]", format, args...) }

// nopLogger discards everything; callers that want no output at all pass
// Nop() as their Logger.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Nop returns a Logger that discards all output.
func Nop() Logger { return nopLogger{} }
