// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/core/subscription"
	"github.com/killstream/killstream/internal/ratelimit"
	"github.com/killstream/killstream/internal/telemetry"
	"github.com/killstream/killstream/internal/zkb"
)

// taskConfig carries one admitted preload request and its
// dependencies.
type taskConfig struct {
	sub  subscription.Subscription
	plan plan

	registry  Registry
	store     Store
	history   History
	killmails KillmailSource
	enricher  Enricher
	notifier  Notifier
	emitter   *telemetry.Emitter
	clock     clock.Clock
	logger    logger.Logger

	rateLimitedDelay time.Duration
	done             chan<- taskResult
	abort            <-chan struct{}
}

// task preloads one subscription's systems. It pages the historical
// listing newest first, enriches what falls inside the age window and
// delivers batches on the subscription's channel or callback URL,
// finishing with a drain of the in-process log for kills the live
// fan-out left undelivered.
type task struct {
	tomb tomb.Tomb
	taskConfig

	batch     []killmail.Enriched
	batchN    int
	delivered int
}

func newTask(config taskConfig) *task {
	t := &task{taskConfig: config}
	t.tomb.Go(t.run)
	return t
}

// Kill is part of the worker.Worker interface.
func (t *task) Kill() {
	t.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (t *task) Wait() error {
	return t.tomb.Wait()
}

func (t *task) run() (err error) {
	// The scheduler owns the admission slot; it must hear about every
	// exit, including cancellation.
	defer func() {
		select {
		case t.done <- taskResult{subID: t.sub.ID, delivered: t.delivered, err: err}:
		case <-t.abort:
		}
	}()

	ctx := t.tomb.Context(context.Background())
	start := t.clock.Now()

	systems := t.sub.SystemIDs()
	if err := t.deliver(ctx, params.ChannelMessage{
		Type: subscription.KindPreloadStatus,
		Data: params.KillPayload{
			Status:    "fetching",
			Message:   fmt.Sprintf("preloading %d systems", len(systems)),
			Timestamp: t.clock.Now(),
		},
	}); err != nil {
		t.fail(ctx, err)
		return errors.Trace(err)
	}

	for _, systemID := range systems {
		if err := t.checkAlive(); err != nil {
			return err
		}
		if err := t.backfillSystem(ctx, systemID); err != nil {
			t.fail(ctx, err)
			return errors.Trace(err)
		}
	}

	// Kills that arrived while history was paging went through the live
	// fan-out; any it could not deliver are still unseen under this
	// subscription's offsets. Draining the log folds them into the
	// preload.
	if err := t.checkAlive(); err != nil {
		return err
	}
	for _, ev := range t.store.Fetch(t.sub.ID, systems) {
		if err := t.buffer(ctx, ev.Killmail); err != nil {
			t.fail(ctx, err)
			return errors.Trace(err)
		}
	}
	if err := t.flushBatch(ctx); err != nil {
		t.fail(ctx, err)
		return errors.Trace(err)
	}

	if err := t.deliver(ctx, params.ChannelMessage{
		Type: subscription.KindPreloadComplete,
		Data: params.KillPayload{
			Status:    "complete",
			Total:     t.delivered,
			Timestamp: t.clock.Now(),
		},
	}); err != nil {
		t.fail(ctx, err)
		return errors.Trace(err)
	}
	t.emitter.Emit(telemetry.BackfillComplete, map[string]int64{
		"kills":      int64(t.delivered),
		"elapsed-ms": t.clock.Now().Sub(start).Milliseconds(),
	}, map[string]string{
		"subscription": t.sub.ID,
	})
	return nil
}

// backfillSystem pages one system's history until the per-system limit
// is reached, the listing is exhausted or a kill falls outside the age
// window. The listing is newest first, so an out-of-window kill means
// everything after it is older still.
func (t *task) backfillSystem(ctx context.Context, systemID uint32) error {
	cutoff := t.clock.Now().Add(-t.plan.since)
	accepted := 0
	page := 1
	for accepted < t.plan.limit {
		if err := t.checkAlive(); err != nil {
			return err
		}
		refs, err := t.history.SystemPage(ctx, systemID, page)
		if errors.Is(err, ratelimit.ErrRateLimited) {
			t.logger.Debugf(ctx, "feed budget exhausted, pausing backfill for %s", t.sub.ID)
			if err := t.sleep(t.rateLimitedDelay); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return errors.Annotatef(err, "listing system %d page %d", systemID, page)
		}
		if len(refs) == 0 {
			return nil
		}

		for _, ref := range refs {
			if accepted >= t.plan.limit {
				break
			}
			km, err := t.killmails.Killmail(ctx, ref.KillmailID, ref.Hash())
			if err != nil {
				if ctx.Err() != nil {
					return errors.Trace(ctx.Err())
				}
				t.logger.Debugf(ctx, "fetching killmail %d: %v", ref.KillmailID, err)
				continue
			}
			km.ZKB = ref.ZKB
			ts, ok := km.EventTime()
			if !ok {
				t.logger.Debugf(ctx, "killmail %d carries no usable timestamp", ref.KillmailID)
				continue
			}
			if ts.Before(cutoff) {
				return nil
			}
			enriched, err := t.enricher.Enrich(ctx, km)
			if err != nil {
				if ctx.Err() != nil {
					return errors.Trace(ctx.Err())
				}
				t.logger.Debugf(ctx, "enriching killmail %d: %v", ref.KillmailID, err)
				continue
			}
			accepted++
			if err := t.buffer(ctx, enriched); err != nil {
				return errors.Trace(err)
			}
		}
		if len(refs) < zkb.MaxPageSize {
			return nil
		}
		page++
	}
	return nil
}

// buffer queues one enriched kill, flushing when a full batch is
// ready.
func (t *task) buffer(ctx context.Context, km *killmail.Enriched) error {
	t.batch = append(t.batch, *km)
	if len(t.batch) < t.plan.batch {
		return nil
	}
	return errors.Trace(t.flushBatch(ctx))
}

// flushBatch delivers the buffered kills as one batch, then pauses for
// the delivery interval. The batch slice is handed to the subscriber,
// so a fresh one is started rather than reused.
func (t *task) flushBatch(ctx context.Context) error {
	if len(t.batch) == 0 {
		return nil
	}
	t.batchN++
	msg := params.ChannelMessage{
		Type: subscription.KindPreloadBatch,
		Data: params.KillPayload{
			Kills:     t.batch,
			Batch:     t.batchN,
			Timestamp: t.clock.Now(),
		},
	}
	if err := t.deliver(ctx, msg); err != nil {
		return errors.Annotatef(err, "delivering batch %d", t.batchN)
	}
	t.delivered += len(t.batch)
	t.batch = nil
	return errors.Trace(t.sleep(t.plan.interval))
}

// deliver pushes a frame through the subscription's channel session,
// falling back to its callback URL. A subscription with neither leg
// reachable simply misses the frame; preloaded kills remain available
// over the HTTP surface.
func (t *task) deliver(ctx context.Context, msg params.ChannelMessage) error {
	if sender, ok := t.registry.Sender(t.sub.ID); ok {
		return errors.Trace(sender.Send(msg))
	}
	if t.sub.CallbackURL != "" {
		return errors.Trace(t.notifier.Notify(ctx, t.sub.CallbackURL, msg))
	}
	return nil
}

// fail reports the preload as failed on the subscription's own
// channel, best effort, and in telemetry. Cancellation is not
// failure.
func (t *task) fail(ctx context.Context, cause error) {
	if errors.Is(cause, tomb.ErrDying) || errors.Is(cause, context.Canceled) {
		return
	}
	if err := t.deliver(ctx, params.ChannelMessage{
		Type: subscription.KindPreloadFailed,
		Data: params.KillPayload{
			Status:    "failed",
			Message:   cause.Error(),
			Timestamp: t.clock.Now(),
		},
	}); err != nil {
		t.logger.Debugf(ctx, "reporting backfill failure for %s: %v", t.sub.ID, err)
	}
	t.emitter.Emit(telemetry.BackfillFailed, nil, map[string]string{
		"subscription": t.sub.ID,
		"error":        cause.Error(),
	})
}

func (t *task) sleep(d time.Duration) error {
	select {
	case <-t.clock.After(d):
		return nil
	case <-t.tomb.Dying():
		return tomb.ErrDying
	}
}

func (t *task) checkAlive() error {
	select {
	case <-t.tomb.Dying():
		return tomb.ErrDying
	default:
		return nil
	}
}
