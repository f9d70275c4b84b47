// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package worker

import (
	"context"

	"github.com/killstream/killstream/core/logger"
)

// WrapLogger adapts a context-taking logger for libraries that expect
// the plain formatter methods, the worker runner among them.
func WrapLogger(log logger.Logger) wrapLogger {
	return wrapLogger{log: log}
}

type wrapLogger struct {
	log logger.Logger
}

func (l wrapLogger) Criticalf(format string, args ...any) {
	l.log.Criticalf(context.Background(), format, args...)
}

func (l wrapLogger) Errorf(format string, args ...any) {
	l.log.Errorf(context.Background(), format, args...)
}

func (l wrapLogger) Warningf(format string, args ...any) {
	l.log.Warningf(context.Background(), format, args...)
}

func (l wrapLogger) Infof(format string, args ...any) {
	l.log.Infof(context.Background(), format, args...)
}

func (l wrapLogger) Debugf(format string, args ...any) {
	l.log.Debugf(context.Background(), format, args...)
}

func (l wrapLogger) Tracef(format string, args ...any) {
	l.log.Tracef(context.Background(), format, args...)
}
