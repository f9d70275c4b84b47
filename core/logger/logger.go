// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"
)

// HTTP is the label given to loggers that trace outbound HTTP traffic.
const HTTP = "http"

// Logger is an interface that provides logging methods.
type Logger interface {
	// Criticalf logs a message at the critical level.
	Criticalf(ctx context.Context, msg string, args ...any)

	// Errorf logs a message at the error level.
	Errorf(ctx context.Context, msg string, args ...any)

	// Warningf logs a message at the warning level.
	Warningf(ctx context.Context, msg string, args ...any)

	// Infof logs a message at the info level.
	Infof(ctx context.Context, msg string, args ...any)

	// Debugf logs a message at the debug level.
	Debugf(ctx context.Context, msg string, args ...any)

	// Tracef logs a message at the trace level.
	Tracef(ctx context.Context, msg string, args ...any)

	// Logf logs some information at the given level. The provided arguments
	// are assembled together into a string with fmt.Sprintf.
	Logf(ctx context.Context, level Level, format string, args ...any)

	// IsLevelEnabled returns true if the given level is enabled for the
	// logger.
	IsLevelEnabled(Level) bool

	// Child returns a new logger with the given name, with the labels
	// of the parent logger and the given labels.
	Child(name string, labels ...string) Logger
}

// LoggerContext is an interface that provides a method to get loggers.
type LoggerContext interface {
	// GetLogger returns a logger with the given name and labels.
	GetLogger(name string, labels ...string) Logger

	// ConfigureLoggers configures loggers according to the given string
	// specification, which specifies a set of modules and their associated
	// logging levels.
	ConfigureLoggers(specification string) error

	// ResetLoggerLevels iterates through the known logging modules and
	// sets the levels of all to UNSPECIFIED, except for <root> which is
	// set to WARNING.
	ResetLoggerLevels()

	// Config returns the current configuration of the loggers.
	Config() Config
}

// Config is a mapping of logger module names to logging severity levels.
type Config map[string]Level
