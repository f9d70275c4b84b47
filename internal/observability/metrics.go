// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package observability exposes the pipeline's counters and gauges as a
// prometheus collector.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "killstream"

// Collector is a prometheus.Collector covering the whole pipeline. The
// pipeline components increment the counters as they work; the status
// monitor refreshes the gauges when it snapshots.
type Collector struct {
	feedOutcomes     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestErrors    *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	broadcastDropped prometheus.Counter
	backfillTasks    *prometheus.CounterVec

	storeEvents      prometheus.Gauge
	storeMaxSeq      prometheus.Gauge
	storeSystems     prometheus.Gauge
	cacheEntries     prometheus.Gauge
	cacheHitRatio    prometheus.Gauge
	subscriptions    *prometheus.GaugeVec
	limiterAvailable *prometheus.GaugeVec
	breakerState     *prometheus.GaugeVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		feedOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "feed_outcomes_total",
				Help:      "Feed poll outcomes by classification.",
			}, []string{"outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "Outbound HTTP request durations by service.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			}, []string{"service"},
		),
		requestErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_errors_total",
				Help:      "Outbound HTTP request failures by service and kind.",
			}, []string{"service", "kind"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatches_total",
				Help:      "Broadcast deliveries by transport and result.",
			}, []string{"transport", "result"},
		),
		broadcastDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "broadcast_dropped_total",
				Help:      "Messages dropped from saturated subscriber queues.",
			},
		),
		backfillTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backfill_tasks_total",
				Help:      "Backfill task completions by result.",
			}, []string{"result"},
		),
		storeEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "store_events",
				Help:      "Events currently held by the event store.",
			},
		),
		storeMaxSeq: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "store_max_seq",
				Help:      "Highest sequence number assigned so far.",
			},
		),
		storeSystems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "store_systems",
				Help:      "Systems with at least one stored event.",
			},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cache_entries",
				Help:      "Live entries across all cache namespaces.",
			},
		),
		cacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cache_hit_ratio",
				Help:      "Cache hits over lookups since start.",
			},
		),
		subscriptions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subscriptions",
				Help:      "Registered subscriptions by delivery kind.",
			}, []string{"kind"},
		),
		limiterAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "ratelimit_tokens_available",
				Help:      "Tokens currently available per service bucket.",
			}, []string{"service"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "breaker_state",
				Help:      "Breaker state per service: 0 closed, 1 open, 2 half-open.",
			}, []string{"service"},
		),
	}
}

// FeedOutcome counts one classified poll outcome.
func (c *Collector) FeedOutcome(outcome string) {
	c.feedOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one outbound HTTP request.
func (c *Collector) ObserveRequest(service string, d time.Duration) {
	c.requestDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RequestError counts one outbound HTTP failure.
func (c *Collector) RequestError(service, kind string) {
	c.requestErrors.WithLabelValues(service, kind).Inc()
}

// Dispatch counts one broadcast delivery attempt.
func (c *Collector) Dispatch(transport string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.dispatches.WithLabelValues(transport, result).Inc()
}

// BroadcastDropped counts messages dropped from a saturated subscriber
// queue.
func (c *Collector) BroadcastDropped(n int) {
	c.broadcastDropped.Add(float64(n))
}

// BackfillTask counts one finished backfill task.
func (c *Collector) BackfillTask(result string) {
	c.backfillTasks.WithLabelValues(result).Inc()
}

// SetStoreStats refreshes the event store gauges.
func (c *Collector) SetStoreStats(events int, maxSeq uint64, systems int) {
	c.storeEvents.Set(float64(events))
	c.storeMaxSeq.Set(float64(maxSeq))
	c.storeSystems.Set(float64(systems))
}

// SetCacheStats refreshes the cache gauges.
func (c *Collector) SetCacheStats(entries int, hitRatio float64) {
	c.cacheEntries.Set(float64(entries))
	c.cacheHitRatio.Set(hitRatio)
}

// SetSubscriptions refreshes the subscription gauges.
func (c *Collector) SetSubscriptions(channels, webhooks int) {
	c.subscriptions.WithLabelValues("channel").Set(float64(channels))
	c.subscriptions.WithLabelValues("webhook").Set(float64(webhooks))
}

// SetLimiterAvailable refreshes a service's token gauge.
func (c *Collector) SetLimiterAvailable(service string, tokens int64) {
	c.limiterAvailable.WithLabelValues(service).Set(float64(tokens))
}

// SetBreakerState refreshes a service's breaker gauge.
func (c *Collector) SetBreakerState(service string, state int) {
	c.breakerState.WithLabelValues(service).Set(float64(state))
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.feedOutcomes.Describe(ch)
	c.requestDuration.Describe(ch)
	c.requestErrors.Describe(ch)
	c.dispatches.Describe(ch)
	c.broadcastDropped.Describe(ch)
	c.backfillTasks.Describe(ch)
	c.storeEvents.Describe(ch)
	c.storeMaxSeq.Describe(ch)
	c.storeSystems.Describe(ch)
	c.cacheEntries.Describe(ch)
	c.cacheHitRatio.Describe(ch)
	c.subscriptions.Describe(ch)
	c.limiterAvailable.Describe(ch)
	c.breakerState.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.feedOutcomes.Collect(ch)
	c.requestDuration.Collect(ch)
	c.requestErrors.Collect(ch)
	c.dispatches.Collect(ch)
	c.broadcastDropped.Collect(ch)
	c.backfillTasks.Collect(ch)
	c.storeEvents.Collect(ch)
	c.storeMaxSeq.Collect(ch)
	c.storeSystems.Collect(ch)
	c.cacheEntries.Collect(ch)
	c.cacheHitRatio.Collect(ch)
	c.subscriptions.Collect(ch)
	c.limiterAvailable.Collect(ch)
	c.breakerState.Collect(ch)
}
