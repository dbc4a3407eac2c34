// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

// logging functions

import (
	"fmt"

	"github.com/intuitivelabs/slog"
)

// internal constants
const (
	pDBG   = "DBG: " + NAME + ": "
	pWARN  = "WARNING: " + NAME + ": "
	pBUG   = "BUG: " + NAME + ": "
	pPANIC = NAME + ": "
)

// Log is the generic log
var Log slog.Log = slog.New(slog.LDBG, slog.LbackTraceS|slog.LlocInfoS,
	slog.LStdErr)

// DBGon() is a shorthand for checking if logging at LDBG level is enabled.
func DBGon() bool {
	return Log.L(slog.LDBG)
}

// WARN is a shorthand for logging a warning message.
func WARN(f string, a ...interface{}) {
	Log.LLog(slog.LWARN, 1, pWARN, f, a...)
}

// BUG is a shorthand for logging a bug message.
func BUG(f string, a ...interface{}) {
	Log.LLog(slog.LBUG, 1, pBUG, f, a...)
}

// PANIC is a shorthand for log + panic.
func PANIC(f string, a ...interface{}) {
	s := fmt.Sprintf(pPANIC+f, a...)
	Log.LLog(slog.LBUG, 1, "", "%s", s)
	panic(s)
}

// Logger is the diagnostic sink the allocator traces all its activity to
// (pool creation, every malloc and free attempt).
// The allocator calls it unconditionally, it is up to the implementation
// to decide if something gets written.
type Logger interface {
	Logf(f string, a ...interface{})
}

// LoggerFunc adapts a plain function to the Logger interface.
type LoggerFunc func(f string, a ...interface{})

// Logf calls fn(f, a...).
func (fn LoggerFunc) Logf(f string, a ...interface{}) {
	fn(f, a...)
}

// NopLogger discards everything.
var NopLogger Logger = LoggerFunc(func(string, ...interface{}) {})

// slogLogger is the default Logger: it writes to Log at debug level.
type slogLogger struct{}

func (slogLogger) Logf(f string, a ...interface{}) {
	if DBGon() {
		Log.LLog(slog.LDBG, 1, pDBG, f, a...)
	}
}

// DefaultLogger returns the Logger used when none is configured.
func DefaultLogger() Logger {
	return slogLogger{}
}
