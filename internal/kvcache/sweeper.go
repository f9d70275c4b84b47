// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kvcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/telemetry"
)

// SweeperConfig encapsulates the configuration options for the cache
// sweeper.
type SweeperConfig struct {
	Cache    *Cache
	Emitter  *telemetry.Emitter
	Clock    clock.Clock
	Interval time.Duration
	Logger   logger.Logger
}

// Validate ensures that the config values are valid.
func (c SweeperConfig) Validate() error {
	if c.Cache == nil {
		return errors.NotValidf("missing cache")
	}
	if c.Emitter == nil {
		return errors.NotValidf("missing emitter")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("interval %v", c.Interval)
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	return nil
}

// Sweeper periodically removes expired cache entries, so a cache that
// goes quiet gives its memory back.
type Sweeper struct {
	tomb tomb.Tomb

	cfg SweeperConfig

	runs    atomic.Uint64
	evicted atomic.Uint64
}

// NewSweeper starts a sweeper over the given cache.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Sweeper{cfg: cfg}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Sweeper) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Sweeper) Wait() error {
	return w.tomb.Wait()
}

// Report returns sweep state for the engine report.
func (w *Sweeper) Report() map[string]any {
	return map[string]any{
		"runs":            w.runs.Load(),
		"entries-evicted": w.evicted.Load(),
	}
}

func (w *Sweeper) loop() error {
	ctx := w.tomb.Context(context.Background())
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-w.cfg.Clock.After(w.cfg.Interval):
		}

		removed := w.cfg.Cache.Sweep()
		w.runs.Add(1)
		if removed > 0 {
			w.evicted.Add(uint64(removed))
			w.cfg.Logger.Debugf(ctx, "swept %d expired cache entries", removed)
		}
		w.cfg.Emitter.Emit(telemetry.CacheSweep, map[string]int64{
			"evicted": int64(removed),
		}, nil)
	}
}
