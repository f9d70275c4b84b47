// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics bridges the telemetry stream onto the prometheus
// collector. Counters advance as events arrive; gauges are refreshed
// from the pipeline's stat sources on a fixed interval.
package metrics

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/breaker"
	"github.com/killstream/killstream/internal/eventstore"
	"github.com/killstream/killstream/internal/kvcache"
	"github.com/killstream/killstream/internal/observability"
	"github.com/killstream/killstream/internal/ratelimit"
	"github.com/killstream/killstream/internal/telemetry"
)

// Store supplies event store statistics.
type Store interface {
	Stats() eventstore.Stats
}

// Cache supplies cache statistics.
type Cache interface {
	Stats() kvcache.Stats
}

// Subscriptions counts registered subscriptions by delivery kind.
type Subscriptions interface {
	CountsByKind() (channels, webhooks int)
}

// RateLimits supplies per-service token bucket states.
type RateLimits interface {
	States() []ratelimit.Snapshot
}

// Breakers supplies per-service circuit states.
type Breakers interface {
	States() []breaker.Snapshot
}

// Config holds the dependencies and tunables of the metrics worker.
type Config struct {
	Hub           *pubsub.SimpleHub
	Collector     *observability.Collector
	Store         Store
	Cache         Cache
	Subscriptions Subscriptions
	RateLimits    RateLimits
	Breakers      Breakers
	Clock         clock.Clock
	Logger        logger.Logger

	// Interval is how often the gauges are refreshed.
	Interval time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("missing hub")
	}
	if c.Collector == nil {
		return errors.NotValidf("missing collector")
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
	return nil
}

// Worker folds telemetry into the collector's counters and keeps its
// gauges current.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	folded    atomic.Uint64
	refreshes atomic.Uint64
}

// NewWorker starts the metrics bridge.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{config: config}
	// Subscribing before the loop starts means no event published after
	// construction is missed.
	unsubscribe := config.Hub.SubscribeMatch(telemetry.MatchTelemetry, w.fold)
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "metrics",
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
	return map[string]any{
		"events-folded": w.folded.Load(),
		"refreshes":     w.refreshes.Load(),
	}
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	w.refresh()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(w.config.Interval):
		}

		w.refresh()
		w.config.Logger.Tracef(ctx, "refreshed metric gauges")
	}
}

func (w *Worker) fold(topic string, data interface{}) {
	ev, ok := data.(telemetry.Event)
	if !ok {
		return
	}
	collector := w.config.Collector
	switch ev.Name {
	case telemetry.FeedKillReceived:
		collector.FeedOutcome("received")
	case telemetry.FeedKillSkipped:
		collector.FeedOutcome("skipped")
	case telemetry.FeedKillOlder:
		collector.FeedOutcome("older")
	case telemetry.FeedNoKills:
		collector.FeedOutcome("no_kills")
	case telemetry.FeedError:
		collector.FeedOutcome("error")
	case telemetry.HTTPRequestStop:
		host := hostOf(ev.Metadata["url"])
		collector.ObserveRequest(host, time.Duration(ev.Measurements["duration_ns"]))
		if status := ev.Measurements["status"]; status >= 500 {
			collector.RequestError(host, "5xx")
		} else if status >= 400 {
			collector.RequestError(host, "4xx")
		}
	case telemetry.HTTPRequestError:
		collector.RequestError(hostOf(ev.Metadata["url"]), "transport")
	case telemetry.BroadcastDispatched:
		switch ev.Metadata["transport"] {
		case "both":
			collector.Dispatch("channel", true)
			collector.Dispatch("webhook", true)
		case "webhook":
			collector.Dispatch("webhook", true)
		default:
			collector.Dispatch("channel", true)
		}
	case telemetry.BroadcastDropped:
		collector.BroadcastDropped(1)
	case telemetry.BackfillComplete:
		collector.BackfillTask("complete")
	case telemetry.BackfillFailed:
		collector.BackfillTask("failed")
	default:
		return
	}
	w.folded.Add(1)
}

func (w *Worker) refresh() {
	collector := w.config.Collector

	stats := w.config.Store.Stats()
	collector.SetStoreStats(stats.Events, stats.MaxSeq, stats.Systems)

	cacheStats := w.config.Cache.Stats()
	collector.SetCacheStats(cacheStats.Size, cacheStats.HitRatio)

	channels, webhooks := w.config.Subscriptions.CountsByKind()
	collector.SetSubscriptions(channels, webhooks)

	for _, s := range w.config.RateLimits.States() {
		collector.SetLimiterAvailable(s.Service, s.Available)
	}
	for _, b := range w.config.Breakers.States() {
		collector.SetBreakerState(b.Service, int(b.State))
	}
	w.refreshes.Add(1)
}

// hostOf reduces a request URL to its host, the cardinality prometheus
// labels can afford.
func hostOf(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	return parsed.Host
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
