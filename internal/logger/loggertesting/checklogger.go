// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package loggertesting

import (
	"context"
	"fmt"

	"github.com/killstream/killstream/core/logger"
)

// CheckLog is the logging surface offered by the test frameworks, both
// *gc.C and *testing.T satisfy it.
type CheckLog interface {
	Logf(string, ...any)
}

// WrapCheckLog returns a logger that logs to the given CheckLog at trace
// level, so everything a component says surfaces in test output.
func WrapCheckLog(log CheckLog) logger.Logger {
	return WrapCheckLogWithLevel(log, logger.TRACE)
}

// WrapCheckLogWithLevel returns a logger that logs to the given CheckLog
// at the given level.
func WrapCheckLogWithLevel(log CheckLog, level logger.Level) logger.Logger {
	return checkLogger{
		log:   log,
		level: level,
	}
}

type checkLogger struct {
	log   CheckLog
	name  string
	level logger.Level
}

func (c checkLogger) logf(severity, msg string, args ...any) {
	if c.name == "" {
		c.log.Logf(severity+": "+msg, args...)
		return
	}
	c.log.Logf(fmt.Sprintf("%s: %s: %s", severity, c.name, msg), args...)
}

func (c checkLogger) Criticalf(ctx context.Context, msg string, args ...any) {
	c.logf("CRITICAL", msg, args...)
}

func (c checkLogger) Errorf(ctx context.Context, msg string, args ...any) {
	c.logf("ERROR", msg, args...)
}

func (c checkLogger) Warningf(ctx context.Context, msg string, args ...any) {
	c.logf("WARNING", msg, args...)
}

func (c checkLogger) Infof(ctx context.Context, msg string, args ...any) {
	c.logf("INFO", msg, args...)
}

func (c checkLogger) Debugf(ctx context.Context, msg string, args ...any) {
	c.logf("DEBUG", msg, args...)
}

func (c checkLogger) Tracef(ctx context.Context, msg string, args ...any) {
	c.logf("TRACE", msg, args...)
}

func (c checkLogger) Logf(ctx context.Context, level logger.Level, format string, args ...any) {
	c.logf(level.String(), format, args...)
}

func (c checkLogger) IsLevelEnabled(level logger.Level) bool {
	return level >= c.level
}

func (c checkLogger) Child(name string, labels ...string) logger.Logger {
	childName := name
	if c.name != "" {
		childName = c.name + "." + name
	}
	return checkLogger{log: c.log, name: childName, level: c.level}
}
