// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package statusmonitor folds the telemetry stream into counters and
// periodically assembles the aggregated health snapshot served by the
// status endpoint. Producers never talk to the monitor; everything it
// knows arrives over the bus or is read from the components it was
// handed at construction.
package statusmonitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/breaker"
	"github.com/killstream/killstream/internal/eventstore"
	"github.com/killstream/killstream/internal/kvcache"
	"github.com/killstream/killstream/internal/ratelimit"
	"github.com/killstream/killstream/internal/telemetry"
)

// Store reports event log occupancy.
type Store interface {
	Stats() eventstore.Stats
}

// Cache reports enrichment cache occupancy and effectiveness.
type Cache interface {
	Stats() kvcache.Stats
}

// Subscriptions reports the live subscription population.
type Subscriptions interface {
	Len() int
	CountsByKind() (channels, webhooks int)
}

// RateLimits reports token bucket levels per guarded service.
type RateLimits interface {
	States() []ratelimit.Snapshot
}

// Breakers reports circuit state per guarded service.
type Breakers interface {
	States() []breaker.Snapshot
}

// Config holds the dependencies and tunables of the status monitor.
type Config struct {
	Hub           *pubsub.SimpleHub
	Store         Store
	Cache         Cache
	Subscriptions Subscriptions
	RateLimits    RateLimits
	Breakers      Breakers
	Clock         clock.Clock
	Logger        logger.Logger

	// Interval is the cadence of periodic snapshots.
	Interval time.Duration
	// StartedAt anchors the uptime figure, normally process start.
	StartedAt time.Time
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("missing hub")
	}
	if c.Store == nil {
		return errors.NotValidf("missing store")
	}
	if c.Cache == nil {
		return errors.NotValidf("missing cache")
	}
	if c.Subscriptions == nil {
		return errors.NotValidf("missing subscriptions")
	}
	if c.RateLimits == nil {
		return errors.NotValidf("missing rate limits")
	}
	if c.Breakers == nil {
		return errors.NotValidf("missing breakers")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("interval %v", c.Interval)
	}
	if c.StartedAt.IsZero() {
		return errors.NotValidf("zero start time")
	}
	return nil
}

// Worker is the status aggregator.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	proc     *process.Process

	received atomic.Uint64
	skipped  atomic.Uint64
	older    atomic.Uint64
	noKills  atomic.Uint64
	errored  atomic.Uint64

	snapshots atomic.Uint64

	mu     sync.Mutex
	latest *params.StatusSnapshot
}

// NewWorker starts the status monitor.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	// Process introspection is best effort; a snapshot without an RSS
	// figure is still a snapshot.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		w.proc = proc
	}
	// Subscribing before the loop starts means no event published after
	// construction is missed.
	unsubscribe := config.Hub.SubscribeMatch(telemetry.MatchTelemetry, w.fold)
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "status-monitor",
		Site: &w.catacomb,
		Work: func() error {
			defer unsubscribe()
			return w.loop()
		},
	}); err != nil {
		unsubscribe()
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Report is shown in the engine report.
func (w *Worker) Report() map[string]any {
	report := map[string]any{
		"snapshots":     w.snapshots.Load(),
		"feed-received": w.received.Load(),
		"feed-errors":   w.errored.Load(),
	}
	w.mu.Lock()
	if w.latest != nil {
		report["last-snapshot"] = w.latest.SnapshotAt.Format(time.RFC3339)
	}
	w.mu.Unlock()
	return report
}

// Latest returns the newest snapshot, assembling one on the spot if no
// periodic tick has run yet.
func (w *Worker) Latest() params.StatusSnapshot {
	w.mu.Lock()
	if w.latest != nil {
		snap := *w.latest
		w.mu.Unlock()
		return snap
	}
	w.mu.Unlock()
	return w.assemble()
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(w.config.Interval):
		}

		snap := w.assemble()
		w.mu.Lock()
		w.latest = &snap
		w.mu.Unlock()
		w.snapshots.Add(1)
		w.config.Logger.Debugf(ctx, "status %s: %d events stored, %d subscriptions, %d kills received",
			snap.Status, snap.Store.Events, snap.Subscriptions.Total, snap.Feed.Received)
	}
}

// fold counts telemetry as it happens. Handlers run on the hub's
// delivery goroutine, so only atomics are touched here.
func (w *Worker) fold(topic string, data interface{}) {
	ev, ok := data.(telemetry.Event)
	if !ok {
		return
	}
	switch ev.Name {
	case telemetry.FeedKillReceived:
		w.received.Add(1)
	case telemetry.FeedKillSkipped:
		w.skipped.Add(1)
	case telemetry.FeedKillOlder:
		w.older.Add(1)
	case telemetry.FeedNoKills:
		w.noKills.Add(1)
	case telemetry.FeedError:
		w.errored.Add(1)
	}
}

// assemble reads every component's stats into one snapshot. Any circuit
// away from closed marks the whole service degraded.
func (w *Worker) assemble() params.StatusSnapshot {
	now := w.config.Clock.Now()
	snap := params.StatusSnapshot{
		Status:        "ok",
		StartedAt:     w.config.StartedAt,
		SnapshotAt:    now,
		UptimeSeconds: int64(now.Sub(w.config.StartedAt) / time.Second),
		Feed: params.FeedStatus{
			Received: w.received.Load(),
			Skipped:  w.skipped.Load(),
			Older:    w.older.Load(),
			NoKills:  w.noKills.Load(),
			Errors:   w.errored.Load(),
		},
		RateLimits: make(map[string]params.RateLimitStatus),
		Breakers:   make(map[string]params.BreakerStatus),
	}

	cache := w.config.Cache.Stats()
	snap.Cache = params.CacheStatus{
		Size:     cache.Size,
		Hits:     cache.Hits,
		Misses:   cache.Misses,
		HitRatio: cache.HitRatio,
	}

	store := w.config.Store.Stats()
	snap.Store = params.StoreStatus{
		Events:  store.Events,
		MinSeq:  store.MinSeq,
		MaxSeq:  store.MaxSeq,
		Systems: store.Systems,
		Clients: store.Clients,
	}

	channels, webhooks := w.config.Subscriptions.CountsByKind()
	snap.Subscriptions = params.SubscriptionStatus{
		Total:    w.config.Subscriptions.Len(),
		Channels: channels,
		Webhooks: webhooks,
	}

	for _, s := range w.config.RateLimits.States() {
		snap.RateLimits[s.Service] = params.RateLimitStatus{
			Available: s.Available,
			Capacity:  s.Capacity,
		}
	}
	for _, s := range w.config.Breakers.States() {
		snap.Breakers[s.Service] = params.BreakerStatus{
			State:    s.State.String(),
			Failures: s.Failures,
		}
		if s.State != breaker.Closed {
			snap.Status = "degraded"
		}
	}

	snap.Memory = w.sampleMemory()
	return snap
}

func (w *Worker) sampleMemory() params.MemoryStatus {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memory := params.MemoryStatus{
		AllocBytes:   ms.Alloc,
		SysBytes:     ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if w.proc != nil {
		if info, err := w.proc.MemoryInfo(); err == nil {
			memory.RSSBytes = info.RSS
		}
	}
	return memory
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
