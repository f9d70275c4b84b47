// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package simplesignalhandler turns OS signals into worker errors, so
// a runner can treat a termination request like any other fatal
// failure and unwind every worker it supervises.
package simplesignalhandler

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/killstream/killstream/core/logger"
)

// SignalHandlerFunc maps a received signal to the error the watcher
// dies with.
type SignalHandlerFunc func(os.Signal) error

// SignalHandler returns a handler that looks the signal up in
// signalMap and falls back to defaultErr for signals not listed.
func SignalHandler(defaultErr error, signalMap map[os.Signal]error) SignalHandlerFunc {
	return func(sig os.Signal) error {
		if signalMap == nil {
			return defaultErr
		}
		if err, ok := signalMap[sig]; ok {
			return err
		}
		return defaultErr
	}
}

// SignalWatcher waits for one signal on its channel and dies with the
// handler's error for it.
type SignalWatcher struct {
	catacomb catacomb.Catacomb
	handler  SignalHandlerFunc
	logger   logger.Logger
	sigCh    <-chan os.Signal
}

// NewSignalWatcher returns a watcher consuming the given signal
// channel. The caller owns the channel and its signal.Notify
// registration.
func NewSignalWatcher(
	log logger.Logger,
	sig <-chan os.Signal,
	handler SignalHandlerFunc,
) (*SignalWatcher, error) {
	w := &SignalWatcher{
		handler: handler,
		logger:  log,
		sigCh:   sig,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "signal-watcher",
		Site: &w.catacomb,
		Work: w.watch,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *SignalWatcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *SignalWatcher) Wait() error {
	return w.catacomb.Wait()
}

func (w *SignalWatcher) watch() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	select {
	case sig, ok := <-w.sigCh:
		if !ok {
			return errors.New("signal channel closed unexpectedly")
		}
		w.logger.Infof(ctx, "caught %v signal", sig)
		return w.handler(sig)
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	}
}

func (w *SignalWatcher) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
