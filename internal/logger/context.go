// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"github.com/juju/loggo/v2"

	corelogger "github.com/killstream/killstream/core/logger"
)

type loggoLoggerContext struct {
	context *loggo.Context
}

// WrapLoggoContext wraps a loggo context as a core logger context.
func WrapLoggoContext(context *loggo.Context) corelogger.LoggerContext {
	return loggoLoggerContext{context: context}
}

// GetLogger returns a logger with the given name and labels.
func (c loggoLoggerContext) GetLogger(name string, labels ...string) corelogger.Logger {
	return WrapLoggo(c.context.GetLogger(name, labels...))
}

// ConfigureLoggers configures loggers on the context according to the
// given string specification, which specifies a set of modules and their
// associated logging levels.
//
// An example specification:
//
//	<root>=ERROR; foo.bar=WARNING
func (c loggoLoggerContext) ConfigureLoggers(specification string) error {
	return c.context.ConfigureLoggers(specification)
}

// ResetLoggerLevels iterates through the known logging modules and sets
// the levels of all to UNSPECIFIED, except for <root> which is set to
// WARNING.
func (c loggoLoggerContext) ResetLoggerLevels() {
	c.context.ResetLoggerLevels()
}

// Config returns the current configuration of the loggers.
func (c loggoLoggerContext) Config() corelogger.Config {
	config := make(corelogger.Config)
	for name, level := range c.context.Config() {
		config[name] = corelogger.Level(level)
	}
	return config
}
