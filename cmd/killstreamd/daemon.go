// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	loggov1 "github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/killstream/killstream/apiserver"
	"github.com/killstream/killstream/apiserver/params"
	corelogger "github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/breaker"
	"github.com/killstream/killstream/internal/config"
	"github.com/killstream/killstream/internal/enricher"
	"github.com/killstream/killstream/internal/esi"
	"github.com/killstream/killstream/internal/eventstore"
	"github.com/killstream/killstream/internal/httpclient"
	"github.com/killstream/killstream/internal/kvcache"
	internallogger "github.com/killstream/killstream/internal/logger"
	"github.com/killstream/killstream/internal/observability"
	"github.com/killstream/killstream/internal/ratelimit"
	"github.com/killstream/killstream/internal/subscriptions"
	"github.com/killstream/killstream/internal/telemetry"
	"github.com/killstream/killstream/internal/webhook"
	internalworker "github.com/killstream/killstream/internal/worker"
	"github.com/killstream/killstream/internal/worker/backfill"
	"github.com/killstream/killstream/internal/worker/broadcaster"
	"github.com/killstream/killstream/internal/worker/ingest"
	"github.com/killstream/killstream/internal/worker/metrics"
	"github.com/killstream/killstream/internal/worker/pruner"
	"github.com/killstream/killstream/internal/worker/simplesignalhandler"
	"github.com/killstream/killstream/internal/worker/statusmonitor"
	"github.com/killstream/killstream/internal/zkb"
)

// httpRetryAttempts is the total number of tries per outbound request.
const httpRetryAttempts = 3

// errTerminated is what the signal watcher dies with. The runner
// treats it as fatal, which unwinds every other worker.
var errTerminated = errors.New("terminated")

type daemon struct {
	config config.Config
	clock  clock.Clock
	logger corelogger.Logger
}

func newDaemon(cfg config.Config) *daemon {
	return &daemon{
		config: cfg,
		clock:  clock.WallClock,
		logger: internallogger.GetLogger("killstream"),
	}
}

// run builds the shared components, hands each worker to a restarting
// runner and blocks until a signal or a fatal error brings the runner
// down.
func (d *daemon) run(ctx context.Context) error {
	cfg := d.config
	log := d.logger
	started := d.clock.Now()

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggov1.GetLogger("killstream.hub"),
	})
	emitter := telemetry.NewEmitter(hub, log.Child("telemetry"))

	limiter, err := ratelimit.NewLimiter(d.clock, ratelimit.DefaultSpecs(
		ratelimit.BucketSpec{
			Capacity:        cfg.FeedRLCapacity(),
			RefillPerMinute: cfg.FeedRLRefillPerMinute(),
		},
		ratelimit.BucketSpec{
			Capacity:        cfg.EnrichRLCapacity(),
			RefillPerMinute: cfg.EnrichRLRefillPerMinute(),
		},
	))
	if err != nil {
		return errors.Trace(err)
	}
	circuits, err := breaker.New(breaker.Config{
		Clock:        d.clock,
		Threshold:    cfg.BreakerThreshold(),
		Cooldown:     cfg.BreakerCooldown(),
		ProbeTimeout: cfg.BreakerHalfOpenTimeout(),
	}, ratelimit.FeedSource, ratelimit.EnrichmentSource)
	if err != nil {
		return errors.Trace(err)
	}

	transport := httpclient.TimeoutTransport(
		httpclient.DefaultTransport(emitter), cfg.HTTPTimeout())
	apiClient, err := httpclient.NewClient(httpclient.Config{
		Transport: transport,
		Limiter:   limiter,
		Breaker:   circuits,
		Emitter:   emitter,
		Clock:     d.clock,
		Logger:    log.Child("http"),
		UserAgent: cfg.UserAgent(),
		Retry: httpclient.RetrySpec{
			Attempts:      httpRetryAttempts,
			Delay:         cfg.FastInterval(),
			MaxDelay:      cfg.MaxBackoff(),
			BackoffFactor: cfg.BackoffFactor(),
		},
	})
	if err != nil {
		return errors.Trace(err)
	}

	feed, err := zkb.NewFeedClient(zkb.FeedConfig{
		Caller:        apiClient,
		FeedURL:       cfg.FeedURL(),
		QueueIDPrefix: cfg.QueueIDPrefix(),
		Logger:        log.Child("feed"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	history, err := zkb.NewHistoryClient(zkb.HistoryConfig{
		Caller:  apiClient,
		BaseURL: cfg.HistoryBaseURL(),
		Logger:  log.Child("history"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	esiClient, err := esi.NewClient(esi.Config{
		Caller:  apiClient,
		BaseURL: cfg.ESIBaseURL(),
		Logger:  log.Child("esi"),
	})
	if err != nil {
		return errors.Trace(err)
	}

	cache, err := kvcache.New(d.clock, cfg.RecentKillmailsPerSystem())
	if err != nil {
		return errors.Trace(err)
	}
	enrich, err := enricher.New(enricher.Config{
		Source:            esiClient,
		Cache:             cache,
		Logger:            log.Child("enricher"),
		MaxConcurrency:    cfg.EnricherMaxConcurrency(),
		ParallelThreshold: cfg.EnricherMinAttackersParallel(),
		TaskTimeout:       cfg.EnricherTaskTimeout(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	store, err := eventstore.NewStore(eventstore.Config{
		Hub:                hub,
		Clock:              d.clock,
		MaxEventsPerSystem: cfg.MaxEventsPerSystem(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	registry, err := subscriptions.NewRegistry(subscriptions.Config{
		Hub:        hub,
		Clock:      d.clock,
		Logger:     log.Child("subscriptions"),
		MaxSystems: cfg.MaxSubscribedSystems(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	notifier, err := webhook.NewNotifier(webhook.Config{
		Transport:     transport,
		Logger:        log.Child("webhook"),
		Timeout:       cfg.WebhookTimeout(),
		MaxConcurrent: cfg.BroadcastWorkers(),
		UserAgent:     cfg.UserAgent(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer notifier.Close()

	collector := observability.NewMetricsCollector()
	promRegistry, err := newPrometheusRegistry(collector)
	if err != nil {
		return errors.Trace(err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runner, err := worker.NewRunner(worker.RunnerParams{
		Name: "killstream",
		IsFatal: func(err error) bool {
			return errors.Is(err, errTerminated)
		},
		ShouldRestart: func(err error) bool {
			return !errors.Is(err, errTerminated)
		},
		Clock:  d.clock,
		Logger: internalworker.WrapLogger(log.Child("runner")),
	})
	if err != nil {
		return errors.Trace(err)
	}

	status := &statusRelay{}
	type workerStart struct {
		name  string
		start func(context.Context) (worker.Worker, error)
	}
	starters := []workerStart{{
		"signal-watcher", func(ctx context.Context) (worker.Worker, error) {
			return simplesignalhandler.NewSignalWatcher(
				log.Child("signals"), sigCh,
				simplesignalhandler.SignalHandler(errTerminated, nil))
		},
	}, {
		"cache-sweeper", func(ctx context.Context) (worker.Worker, error) {
			return kvcache.NewSweeper(kvcache.SweeperConfig{
				Cache:    cache,
				Emitter:  emitter,
				Clock:    d.clock,
				Interval: cfg.CacheSweepInterval(),
				Logger:   log.Child("sweeper"),
			})
		},
	}, {
		"ingest", func(ctx context.Context) (worker.Worker, error) {
			return ingest.NewWorker(ingest.Config{
				Feed:          feed,
				Killmails:     esiClient,
				Enricher:      enrich,
				Store:         store,
				Cache:         cache,
				Emitter:       emitter,
				Clock:         d.clock,
				Logger:        log.Child("ingest"),
				Cutoff:        cfg.Cutoff(),
				FastInterval:  cfg.FastInterval(),
				IdleInterval:  cfg.IdleInterval(),
				MaxBackoff:    cfg.MaxBackoff(),
				BackoffFactor: cfg.BackoffFactor(),
			})
		},
	}, {
		"broadcaster", func(ctx context.Context) (worker.Worker, error) {
			return broadcaster.NewWorker(broadcaster.Config{
				Hub:      hub,
				Registry: registry,
				Store:    store,
				Notifier: notifier,
				Emitter:  emitter,
				Clock:    d.clock,
				Logger:   log.Child("broadcaster"),
				Workers:  cfg.BroadcastWorkers(),
			})
		},
	}, {
		"store-pruner", func(ctx context.Context) (worker.Worker, error) {
			return pruner.NewPruner(pruner.Config{
				Store:    store,
				Emitter:  emitter,
				Clock:    d.clock,
				Logger:   log.Child("pruner"),
				Interval: cfg.GCInterval(),
			})
		},
	}, {
		"status-monitor", func(ctx context.Context) (worker.Worker, error) {
			w, err := statusmonitor.NewWorker(statusmonitor.Config{
				Hub:           hub,
				Store:         store,
				Cache:         cache,
				Subscriptions: registry,
				RateLimits:    limiter,
				Breakers:      circuits,
				Clock:         d.clock,
				Logger:        log.Child("status"),
				Interval:      cfg.StatusInterval(),
				StartedAt:     started,
			})
			if err != nil {
				return nil, errors.Trace(err)
			}
			status.set(w)
			return w, nil
		},
	}, {
		"metrics", func(ctx context.Context) (worker.Worker, error) {
			return metrics.NewWorker(metrics.Config{
				Hub:           hub,
				Collector:     collector,
				Store:         store,
				Cache:         cache,
				Subscriptions: registry,
				RateLimits:    limiter,
				Breakers:      circuits,
				Clock:         d.clock,
				Logger:        log.Child("metrics"),
				Interval:      cfg.StatusInterval(),
			})
		},
	}, {
		"http-server", func(ctx context.Context) (worker.Worker, error) {
			listener, err := net.Listen("tcp", cfg.HTTPAddr())
			if err != nil {
				return nil, errors.Trace(err)
			}
			server, err := apiserver.NewServer(apiserver.Config{
				Listener: listener,
				Cache:    cache,
				Store:    store,
				Status:   status,
				Registry: registry,
				Logger:   log.Child("api"),
				Clock:    d.clock,
				Metrics: promhttp.HandlerFor(
					promRegistry, promhttp.HandlerOpts{}),
				Reporter:        runner,
				ShutdownTimeout: cfg.ShutdownGrace(),
			})
			if err != nil {
				_ = listener.Close()
				return nil, errors.Trace(err)
			}
			return server, nil
		},
	}}
	if cfg.BackfillEnabled() {
		starters = append(starters, workerStart{
			"backfill", func(ctx context.Context) (worker.Worker, error) {
				return backfill.NewWorker(backfill.Config{
					Hub:              hub,
					Registry:         registry,
					Store:            store,
					History:          history,
					Killmails:        esiClient,
					Enricher:         enrich,
					Notifier:         notifier,
					Emitter:          emitter,
					Clock:            d.clock,
					Logger:           log.Child("backfill"),
					MaxConcurrent:    cfg.BackfillMaxConcurrent(),
					LimitPerSystem:   cfg.BackfillLimitPerSystem(),
					Since:            cfg.BackfillSince(),
					BatchSize:        cfg.BackfillBatchSize(),
					DeliveryInterval: cfg.BackfillInterval(),
					RateLimitedDelay: cfg.IdleInterval(),
				})
			},
		})
	}
	for _, s := range starters {
		if err := runner.StartWorker(ctx, s.name, s.start); err != nil {
			runner.Kill()
			_ = runner.Wait()
			return errors.Annotatef(err, "starting %s", s.name)
		}
	}

	err = runner.Wait()
	if errors.Is(err, errTerminated) {
		log.Infof(ctx, "shutting down on signal")
		return nil
	}
	return errors.Trace(err)
}

// newPrometheusRegistry returns a registry carrying the process and Go
// runtime collectors next to the daemon's own.
func newPrometheusRegistry(collector *observability.Collector) (*prometheus.Registry, error) {
	r := prometheus.NewRegistry()
	if err := r.Register(prometheus.NewGoCollector()); err != nil {
		return nil, errors.Trace(err)
	}
	if err := r.Register(prometheus.NewProcessCollector(
		prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, errors.Trace(err)
	}
	if err := r.Register(collector); err != nil {
		return nil, errors.Trace(err)
	}
	return r, nil
}

// statusRelay hands the live status monitor to the HTTP server. The
// monitor is owned by the runner and may be restarted, so readers go
// through here instead of holding an instance that can go stale.
type statusRelay struct {
	mu      sync.Mutex
	monitor *statusmonitor.Worker
}

func (r *statusRelay) set(w *statusmonitor.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitor = w
}

// Latest returns the current status snapshot, or a placeholder when
// the monitor has not started yet.
func (r *statusRelay) Latest() params.StatusSnapshot {
	r.mu.Lock()
	monitor := r.monitor
	r.mu.Unlock()
	if monitor == nil {
		return params.StatusSnapshot{Status: "starting"}
	}
	return monitor.Latest()
}
