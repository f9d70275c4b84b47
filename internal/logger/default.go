// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"github.com/juju/loggo/v2"

	corelogger "github.com/killstream/killstream/core/logger"
)

// GetLogger returns a logger with the given name and labels, backed by
// the default loggo context.
func GetLogger(name string, labels ...string) corelogger.Logger {
	return WrapLoggo(loggo.GetLoggerWithTags(name, labels...))
}

// DefaultContext returns the default loggo context, wrapped as a core
// logger context.
func DefaultContext() corelogger.LoggerContext {
	return WrapLoggoContext(loggo.DefaultContext())
}

// LoggerContext returns a logger context with the given level, for use
// where an isolated logging configuration is wanted.
func LoggerContext(level corelogger.Level) corelogger.LoggerContext {
	return WrapLoggoContext(loggo.NewContext(loggo.Level(level)))
}
