// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backfill preloads recent historical kills for newly created
// subscriptions. Admission is bounded: a fixed number of preload tasks
// run at once and the rest wait in arrival order, so a burst of new
// subscribers cannot exhaust the feed source's request budget.
package backfill

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"gopkg.in/tomb.v2"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/event"
	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/core/subscription"
	"github.com/killstream/killstream/internal/subscriptions"
	"github.com/killstream/killstream/internal/telemetry"
	internalworker "github.com/killstream/killstream/internal/worker"
	"github.com/killstream/killstream/internal/zkb"
)

// Registry resolves the channel session attached to a subscription, if
// any.
type Registry interface {
	Sender(subID string) (subscriptions.Sender, bool)
}

// Store serves the in-process event log under per-client offsets. A
// finishing preload drains it so kills the live fan-out could not
// deliver during the preload still reach the subscriber.
type Store interface {
	Fetch(clientID string, systemIDs []uint32) []event.Event
}

// History pages the per-system historical kill listing.
type History interface {
	SystemPage(ctx context.Context, systemID uint32, page int) ([]zkb.Reference, error)
}

// KillmailSource fetches killmail bodies from the auxiliary API.
type KillmailSource interface {
	Killmail(ctx context.Context, killmailID uint64, hash string) (*killmail.Killmail, error)
}

// Enricher resolves the entity references on a raw killmail.
type Enricher interface {
	Enrich(ctx context.Context, raw *killmail.Killmail) (*killmail.Enriched, error)
}

// Notifier posts payloads to webhook endpoints.
type Notifier interface {
	Notify(ctx context.Context, url string, payload any) error
}

// Config holds everything the backfill scheduler needs.
type Config struct {
	// Hub carries subscription lifecycle announcements.
	Hub *pubsub.SimpleHub
	// Registry resolves channel sessions for delivery.
	Registry Registry
	// Store is drained at the end of a preload for events the live
	// path left undelivered.
	Store Store
	// History lists historical kills per system.
	History History
	// Killmails fetches killmail bodies.
	Killmails KillmailSource
	// Enricher resolves entity names.
	Enricher Enricher
	// Notifier delivers to webhook subscriptions.
	Notifier Notifier
	// Emitter publishes telemetry events.
	Emitter *telemetry.Emitter
	// Clock paces batch delivery and rate-limit pauses.
	Clock clock.Clock
	// Logger is used to log the scheduler's progress.
	Logger logger.Logger

	// MaxConcurrent bounds how many preload tasks run at once.
	MaxConcurrent int
	// LimitPerSystem is the default cap on kills preloaded per system.
	LimitPerSystem int
	// Since is the default age bound on preloaded kills.
	Since time.Duration
	// BatchSize is the default number of kills per delivered batch.
	BatchSize int
	// DeliveryInterval is the default pause between delivered batches.
	DeliveryInterval time.Duration
	// RateLimitedDelay is how long a task pauses when the feed source's
	// request budget is exhausted.
	RateLimitedDelay time.Duration
}

// Validate returns an error if the config cannot back a scheduler.
func (c Config) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.History == nil {
		return errors.NotValidf("nil History")
	}
	if c.Killmails == nil {
		return errors.NotValidf("nil Killmails")
	}
	if c.Enricher == nil {
		return errors.NotValidf("nil Enricher")
	}
	if c.Notifier == nil {
		return errors.NotValidf("nil Notifier")
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
	if c.MaxConcurrent < 1 {
		return errors.NotValidf("max concurrent %d", c.MaxConcurrent)
	}
	if c.LimitPerSystem < 1 {
		return errors.NotValidf("limit per system %d", c.LimitPerSystem)
	}
	if c.Since <= 0 {
		return errors.NotValidf("since %v", c.Since)
	}
	if c.BatchSize < 1 {
		return errors.NotValidf("batch size %d", c.BatchSize)
	}
	if c.DeliveryInterval <= 0 {
		return errors.NotValidf("delivery interval %v", c.DeliveryInterval)
	}
	if c.RateLimitedDelay <= 0 {
		return errors.NotValidf("rate limited delay %v", c.RateLimitedDelay)
	}
	return nil
}

// plan is one subscription's preload parameters after applying its
// requested overrides to the configured defaults.
type plan struct {
	limit    int
	since    time.Duration
	batch    int
	interval time.Duration
}

type pendingTask struct {
	sub  subscription.Subscription
	plan plan
}

type taskResult struct {
	subID     string
	delivered int
	err       error
}

// Worker admits preload tasks for new subscriptions, a bounded number
// at a time.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	runner   *worker.Runner

	created chan subscriptions.CreatedEvent
	removed chan subscriptions.RemovedEvent
	done    chan taskResult

	// pending and active are owned by the loop goroutine.
	pending []pendingTask
	active  set.Strings

	queuedCount atomic.Int64
	activeCount atomic.Int64
	completed   atomic.Uint64
	failed      atomic.Uint64
	cancelled   atomic.Uint64
}

// NewWorker returns a backfill scheduler listening for new
// subscriptions on the hub.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	// Preload tasks run to completion exactly once. A task failure is
	// reported on the subscription's own channel, never propagated to
	// the scheduler.
	runner, err := worker.NewRunner(worker.RunnerParams{
		Name:          "backfill-tasks",
		IsFatal:       func(error) bool { return false },
		ShouldRestart: func(error) bool { return false },
		Clock:         config.Clock,
		Logger:        internalworker.WrapLogger(config.Logger),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:  config,
		runner:  runner,
		created: make(chan subscriptions.CreatedEvent),
		removed: make(chan subscriptions.RemovedEvent),
		done:    make(chan taskResult, config.MaxConcurrent),
		active:  set.NewStrings(),
	}
	// Subscribing before the loop starts means no subscription
	// registered after construction is missed.
	unsubCreated := config.Hub.Subscribe(subscription.CreatedTopic, w.onCreated)
	unsubRemoved := config.Hub.Subscribe(subscription.RemovedTopic, w.onRemoved)
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "backfill",
		Site: &w.catacomb,
		Work: func() error {
			defer unsubCreated()
			defer unsubRemoved()
			return w.loop()
		},
		Init: []worker.Worker{w.runner},
	}); err != nil {
		unsubCreated()
		unsubRemoved()
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

// Report returns scheduler state for the engine report.
func (w *Worker) Report() map[string]any {
	return map[string]any{
		"active":    int(w.activeCount.Load()),
		"queued":    int(w.queuedCount.Load()),
		"completed": w.completed.Load(),
		"failed":    w.failed.Load(),
		"cancelled": w.cancelled.Load(),
	}
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	w.config.Logger.Infof(ctx, "backfill scheduler running with %d slots", w.config.MaxConcurrent)

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case ev := <-w.created:
			w.enqueue(ctx, ev)
		case ev := <-w.removed:
			w.cancel(ctx, ev.SubscriptionID)
		case res := <-w.done:
			w.settle(ctx, res)
		}
	}
}

func (w *Worker) onCreated(topic string, data interface{}) {
	ev, ok := data.(subscriptions.CreatedEvent)
	if !ok {
		return
	}
	select {
	case w.created <- ev:
	case <-w.catacomb.Dying():
	}
}

func (w *Worker) onRemoved(topic string, data interface{}) {
	ev, ok := data.(subscriptions.RemovedEvent)
	if !ok {
		return
	}
	select {
	case w.removed <- ev:
	case <-w.catacomb.Dying():
	}
}

// enqueue normalises the subscription's preload request and queues it
// for admission.
func (w *Worker) enqueue(ctx context.Context, ev subscriptions.CreatedEvent) {
	p, enabled := w.planFor(ev.Preload)
	if !enabled {
		w.config.Logger.Debugf(ctx, "preload disabled for %s", ev.Subscription.ID)
		return
	}
	w.pending = append(w.pending, pendingTask{sub: ev.Subscription, plan: p})
	w.queuedCount.Store(int64(len(w.pending)))
	w.admit(ctx)
}

// planFor applies a subscription's requested overrides to the
// configured defaults. An absent config, or an absent enabled flag,
// means preload with the defaults.
func (w *Worker) planFor(p *params.PreloadConfig) (plan, bool) {
	out := plan{
		limit:    w.config.LimitPerSystem,
		since:    w.config.Since,
		batch:    w.config.BatchSize,
		interval: w.config.DeliveryInterval,
	}
	if p == nil {
		return out, true
	}
	if p.Enabled != nil && !*p.Enabled {
		return plan{}, false
	}
	if p.LimitPerSystem > 0 {
		out.limit = p.LimitPerSystem
	}
	if p.SinceHours > 0 {
		out.since = time.Duration(p.SinceHours) * time.Hour
	}
	if p.DeliveryBatchSize > 0 {
		out.batch = p.DeliveryBatchSize
	}
	if p.DeliveryIntervalMS > 0 {
		out.interval = time.Duration(p.DeliveryIntervalMS) * time.Millisecond
	}
	return out, true
}

// admit starts queued tasks while free slots remain.
func (w *Worker) admit(ctx context.Context) {
	for len(w.pending) > 0 && w.active.Size() < w.config.MaxConcurrent {
		next := w.pending[0]
		w.pending = w.pending[1:]
		w.queuedCount.Store(int64(len(w.pending)))

		err := w.runner.StartWorker(ctx, next.sub.ID, func(ctx context.Context) (worker.Worker, error) {
			return newTask(taskConfig{
				sub:              next.sub,
				plan:             next.plan,
				registry:         w.config.Registry,
				store:            w.config.Store,
				history:          w.config.History,
				killmails:        w.config.Killmails,
				enricher:         w.config.Enricher,
				notifier:         w.config.Notifier,
				emitter:          w.config.Emitter,
				clock:            w.config.Clock,
				logger:           w.config.Logger,
				rateLimitedDelay: w.config.RateLimitedDelay,
				done:             w.done,
				abort:            w.catacomb.Dying(),
			}), nil
		})
		if err != nil {
			w.config.Logger.Errorf(ctx, "starting backfill for %s: %v", next.sub.ID, err)
			w.failed.Add(1)
			continue
		}
		w.active.Add(next.sub.ID)
		w.activeCount.Store(int64(w.active.Size()))
		w.config.Logger.Debugf(ctx, "backfill started for %s covering %d systems", next.sub.ID, next.sub.Systems.Size())
	}
}

// cancel withdraws a removed subscription's preload, wherever it is.
// An active task is killed; its completion settles the slot.
func (w *Worker) cancel(ctx context.Context, subID string) {
	for i, p := range w.pending {
		if p.sub.ID != subID {
			continue
		}
		w.pending = append(w.pending[:i:i], w.pending[i+1:]...)
		w.queuedCount.Store(int64(len(w.pending)))
		w.config.Logger.Debugf(ctx, "dropped queued backfill for %s", subID)
		return
	}
	if !w.active.Contains(subID) {
		return
	}
	// The task may have just finished on its own, leaving nothing for
	// the runner to stop.
	if err := w.runner.StopAndRemoveWorker(subID, w.catacomb.Dying()); err != nil && !errors.Is(err, errors.NotFound) {
		w.config.Logger.Warningf(ctx, "stopping backfill for %s: %v", subID, err)
	}
}

// settle frees a finished task's slot and admits the queue head.
func (w *Worker) settle(ctx context.Context, res taskResult) {
	// Reap the runner entry so nothing holds the dead task.
	if err := w.runner.StopAndRemoveWorker(res.subID, w.catacomb.Dying()); err != nil && !errors.Is(err, errors.NotFound) {
		w.config.Logger.Debugf(ctx, "reaping backfill task %s: %v", res.subID, err)
	}
	w.active.Remove(res.subID)
	w.activeCount.Store(int64(w.active.Size()))

	switch {
	case res.err == nil:
		w.completed.Add(1)
		w.config.Logger.Infof(ctx, "backfill complete for %s, delivered %d kills", res.subID, res.delivered)
	case errors.Is(res.err, tomb.ErrDying) || errors.Is(res.err, context.Canceled):
		w.cancelled.Add(1)
		w.config.Logger.Debugf(ctx, "backfill cancelled for %s after %d kills", res.subID, res.delivered)
	default:
		w.failed.Add(1)
		w.config.Logger.Errorf(ctx, "backfill failed for %s: %v", res.subID, res.err)
	}
	w.admit(ctx)
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
