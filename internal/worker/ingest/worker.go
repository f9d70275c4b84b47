// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ingest drives the long-poll loop against the killmail feed.
// Each cycle polls once, classifies the payload, resolves legacy
// references, enriches and stages the result, then sleeps according to
// the outcome: a short interval while kills are flowing, a longer one
// when the feed is quiet, multiplicative backoff on errors.
package ingest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/kvcache"
	"github.com/killstream/killstream/internal/telemetry"
	"github.com/killstream/killstream/internal/zkb"
)

// States reported by the worker.
const (
	statePolling    = "polling"
	stateProcessing = "processing"
	stateBackoff    = "backoff"
)

// Feed is the long-poll source of killmail packages.
type Feed interface {
	// QueueID returns the per-process feed queue identity.
	QueueID() string
	// PollOnce performs one long poll and returns the package, which is
	// nil when the feed had nothing to say.
	PollOnce(ctx context.Context) (*zkb.Package, error)
}

// KillmailSource fetches full killmails named by legacy feed packages.
type KillmailSource interface {
	Killmail(ctx context.Context, killmailID uint64, hash string) (*killmail.Killmail, error)
}

// Enricher resolves entity names on a raw killmail.
type Enricher interface {
	Enrich(ctx context.Context, raw *killmail.Killmail) (*killmail.Enriched, error)
}

// Store stages enriched killmails for delivery.
type Store interface {
	Insert(systemID uint32, km *killmail.Enriched) (uint64, error)
}

// Config holds the dependencies and tunables of the ingest worker.
type Config struct {
	Feed      Feed
	Killmails KillmailSource
	Enricher  Enricher
	Store     Store
	Cache     *kvcache.Cache
	Emitter   *telemetry.Emitter
	Clock     clock.Clock
	Logger    logger.Logger

	// Cutoff bounds how old an event may be and still be staged. The
	// boundary is inclusive: an event aged exactly Cutoff still passes.
	Cutoff time.Duration
	// FastInterval is the delay after a kill was received.
	FastInterval time.Duration
	// IdleInterval is the delay after a no-op poll.
	IdleInterval time.Duration
	// MaxBackoff caps the error delay.
	MaxBackoff time.Duration
	// BackoffFactor is the multiplicative error delay growth.
	BackoffFactor float64
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Feed == nil {
		return errors.NotValidf("missing feed")
	}
	if c.Killmails == nil {
		return errors.NotValidf("missing killmail source")
	}
	if c.Enricher == nil {
		return errors.NotValidf("missing enricher")
	}
	if c.Store == nil {
		return errors.NotValidf("missing store")
	}
	if c.Cache == nil {
		return errors.NotValidf("missing cache")
	}
	if c.Emitter == nil {
		return errors.NotValidf("missing telemetry emitter")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	if c.Cutoff <= 0 {
		return errors.NotValidf("cutoff %v", c.Cutoff)
	}
	if c.FastInterval <= 0 {
		return errors.NotValidf("fast interval %v", c.FastInterval)
	}
	if c.IdleInterval <= 0 {
		return errors.NotValidf("idle interval %v", c.IdleInterval)
	}
	if c.MaxBackoff < c.IdleInterval {
		return errors.NotValidf("max backoff %v below idle interval", c.MaxBackoff)
	}
	if c.BackoffFactor <= 1 {
		return errors.NotValidf("backoff factor %v", c.BackoffFactor)
	}
	return nil
}

// outcome classifies one poll cycle for pacing and accounting.
type outcome int

const (
	outcomeReceived outcome = iota
	outcomeNoKills
	outcomeOlder
	outcomeSkipped
	outcomeError
)

// Worker is the ingest loop.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	mu       sync.Mutex
	state    string
	delay    time.Duration
	received uint64
	noKills  uint64
	older    uint64
	skipped  uint64
	failures uint64
	errRun   int

	// seen de-duplicates killmail ids within the cutoff window. The
	// value is the event time, which drives eviction.
	seen map[uint64]time.Time
}

// NewWorker starts the ingest loop.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config: config,
		state:  statePolling,
		delay:  config.FastInterval,
		seen:   make(map[uint64]time.Time),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "ingest",
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
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
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]any{
		"state":              w.state,
		"queue-id":           w.config.Feed.QueueID(),
		"received":           w.received,
		"no-kills":           w.noKills,
		"older":              w.older,
		"skipped":            w.skipped,
		"errors":             w.failures,
		"consecutive-errors": w.errRun,
		"next-delay":         w.delay.String(),
		"dedup-entries":      len(w.seen),
	}
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	w.config.Logger.Infof(ctx, "ingest started, feed queue id %q", w.config.Feed.QueueID())

	for {
		next := w.noteOutcome(w.cycle(ctx))
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-w.config.Clock.After(next):
		}
	}
}

// cycle performs one poll and runs the package through the pipeline.
func (w *Worker) cycle(ctx context.Context) outcome {
	w.setState(statePolling)
	pkg, err := w.config.Feed.PollOnce(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeError
		}
		w.config.Logger.Warningf(ctx, "feed poll: %v", err)
		w.emitError("poll")
		return outcomeError
	}

	w.setState(stateProcessing)
	defer w.setState(statePolling)

	var km *killmail.Killmail
	switch class := zkb.Classify(pkg); class {
	case zkb.NoKills:
		w.config.Emitter.Emit(telemetry.FeedNoKills, nil, nil)
		return outcomeNoKills
	case zkb.NewFormat:
		km = pkg.Killmail
	case zkb.Legacy:
		km, err = w.config.Killmails.Killmail(ctx, pkg.KillID, pkg.Hash())
		if err != nil {
			if ctx.Err() != nil {
				return outcomeError
			}
			w.config.Logger.Warningf(ctx, "fetching legacy killmail %d: %v", pkg.KillID, err)
			w.emitError("fetch")
			return outcomeError
		}
	default:
		w.config.Logger.Warningf(ctx, "feed payload in unexpected shape, ignoring")
		w.emitError("classify")
		return outcomeError
	}

	// The zkb metadata block rides alongside the killmail in the feed
	// package; fold it in so the hash and value travel with the record.
	km.ZKB = pkg.ZKB

	ts, ok := km.EventTime()
	if !ok {
		w.config.Logger.Debugf(ctx, "killmail %d has no parseable event time, skipping", km.KillmailID)
		w.emitSkip(km.KillmailID, "malformed-time")
		return outcomeSkipped
	}
	if km.KillmailID == 0 || km.SolarSystemID == 0 {
		w.config.Logger.Debugf(ctx, "killmail missing identity (id %d, system %d), skipping",
			km.KillmailID, km.SolarSystemID)
		w.emitSkip(km.KillmailID, "missing-identity")
		return outcomeSkipped
	}

	now := w.config.Clock.Now()
	if ts.Before(now.Add(-w.config.Cutoff)) {
		w.config.Logger.Debugf(ctx, "killmail %d is %v old, not broadcasting", km.KillmailID, now.Sub(ts))
		w.config.Emitter.Emit(telemetry.FeedKillOlder, nil, map[string]string{
			"killmail_id": strconv.FormatUint(km.KillmailID, 10),
		})
		return outcomeOlder
	}
	if w.isDuplicate(km.KillmailID, now) {
		w.config.Logger.Debugf(ctx, "killmail %d already processed, skipping", km.KillmailID)
		w.emitSkip(km.KillmailID, "duplicate")
		return outcomeSkipped
	}

	enriched, err := w.config.Enricher.Enrich(ctx, km)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeError
		}
		w.config.Logger.Errorf(ctx, "enriching killmail %d: %v", km.KillmailID, err)
		w.emitError("enrich")
		return outcomeError
	}
	seq, err := w.config.Store.Insert(km.SolarSystemID, enriched)
	if err != nil {
		w.config.Logger.Errorf(ctx, "staging killmail %d: %v", km.KillmailID, err)
		w.emitError("insert")
		return outcomeError
	}
	w.markSeen(km.KillmailID, ts)

	id := strconv.FormatUint(km.KillmailID, 10)
	if err := w.config.Cache.Put(kvcache.Killmails, id, enriched); err != nil {
		w.config.Logger.Warningf(ctx, "caching killmail %d: %v", km.KillmailID, err)
	}
	w.config.Cache.PushSystemKillmail(km.SolarSystemID, km.KillmailID)
	w.config.Cache.AddActiveSystem(km.SolarSystemID)

	w.config.Emitter.Emit(telemetry.FeedKillReceived,
		map[string]int64{"seq": int64(seq)},
		map[string]string{
			"killmail_id": id,
			"system_id":   strconv.FormatUint(uint64(km.SolarSystemID), 10),
		})
	w.config.Logger.Debugf(ctx, "killmail %d staged for system %d at seq %d", km.KillmailID, km.SolarSystemID, seq)
	return outcomeReceived
}

// noteOutcome folds the cycle outcome into the counters and returns the
// delay before the next poll. Any non-error outcome resets the error
// backoff; each consecutive error multiplies the previous delay.
func (w *Worker) noteOutcome(o outcome) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch o {
	case outcomeReceived:
		w.received++
		w.errRun = 0
		w.delay = w.config.FastInterval
	case outcomeNoKills:
		w.noKills++
		w.errRun = 0
		w.delay = w.config.IdleInterval
	case outcomeOlder:
		w.older++
		w.errRun = 0
		w.delay = w.config.IdleInterval
	case outcomeSkipped:
		w.skipped++
		w.errRun = 0
		w.delay = w.config.IdleInterval
	case outcomeError:
		w.failures++
		w.errRun++
		w.state = stateBackoff
		next := time.Duration(float64(w.delay) * w.config.BackoffFactor)
		if next > w.config.MaxBackoff {
			next = w.config.MaxBackoff
		}
		w.delay = next
	}
	return w.delay
}

// isDuplicate reports whether the killmail id was already processed
// within the cutoff window, evicting entries that have aged out.
func (w *Worker) isDuplicate(killmailID uint64, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	horizon := now.Add(-w.config.Cutoff)
	for id, ts := range w.seen {
		if ts.Before(horizon) {
			delete(w.seen, id)
		}
	}
	_, dup := w.seen[killmailID]
	return dup
}

func (w *Worker) markSeen(killmailID uint64, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[killmailID] = ts
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}

func (w *Worker) emitError(stage string) {
	w.config.Emitter.Emit(telemetry.FeedError, nil, map[string]string{"stage": stage})
}

func (w *Worker) emitSkip(killmailID uint64, reason string) {
	w.config.Emitter.Emit(telemetry.FeedKillSkipped, nil, map[string]string{
		"killmail_id": strconv.FormatUint(killmailID, 10),
		"reason":      reason,
	})
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
