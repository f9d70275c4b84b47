// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pruner periodically compacts the event store, dropping
// events every client has already consumed and truncating per-system
// backlogs to their cap.
package pruner

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

// Store is the event log being compacted.
type Store interface {
	// GC removes consumed and over-cap events, returning how many went.
	GC() int
}

// Config holds everything a Pruner needs.
type Config struct {
	Store    Store
	Emitter  *telemetry.Emitter
	Clock    clock.Clock
	Logger   logger.Logger
	Interval time.Duration
}

// Validate returns an error if the config cannot back a pruner.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Emitter == nil {
		return errors.NotValidf("nil Emitter")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("interval %v", c.Interval)
	}
	return nil
}

// Pruner runs the store's garbage collection on a fixed cadence.
type Pruner struct {
	tomb   tomb.Tomb
	config Config

	runs    atomic.Uint64
	removed atomic.Uint64
}

// NewPruner returns a started pruner.
func NewPruner(config Config) (*Pruner, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &Pruner{config: config}
	p.tomb.Go(p.loop)
	return p, nil
}

// Kill is part of the worker.Worker interface.
func (p *Pruner) Kill() {
	p.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (p *Pruner) Wait() error {
	return p.tomb.Wait()
}

// Report returns pruning state for the engine report.
func (p *Pruner) Report() map[string]any {
	return map[string]any{
		"runs":           p.runs.Load(),
		"events-removed": p.removed.Load(),
	}
}

func (p *Pruner) loop() error {
	ctx := p.tomb.Context(context.Background())
	for {
		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case <-p.config.Clock.After(p.config.Interval):
		}

		removed := p.config.Store.GC()
		p.runs.Add(1)
		if removed > 0 {
			p.removed.Add(uint64(removed))
			p.config.Logger.Debugf(ctx, "event store gc removed %d events", removed)
		}
		p.config.Emitter.Emit(telemetry.StoreGC, map[string]int64{
			"removed": int64(removed),
		}, nil)
	}
}
