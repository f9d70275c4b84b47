// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package broadcaster fans staged killmail events out to the
// subscriptions that cover them. Events arrive over the bus in insert
// order and are dispatched on a fixed pool of workers sharded by
// subscription id, so one slow subscriber delays only the subscribers
// sharing its shard, never the stream, and every subscription sees its
// own events in sequence order.
package broadcaster

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/event"
	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/core/subscription"
	"github.com/killstream/killstream/internal/subscriptions"
	"github.com/killstream/killstream/internal/telemetry"
)

const (
	// queueSize buffers events between the bus and the dispatch loop.
	queueSize = 256
	// shardQueueSize buffers jobs per pool worker. A shard that fills
	// up drops new jobs for its subscriptions and signals the gap.
	shardQueueSize = 64
)

// Registry answers which subscriptions cover a system and holds the
// attached channel senders.
type Registry interface {
	MatchSystem(systemID uint32) []subscription.Subscription
	Sender(subID string) (subscriptions.Sender, bool)
}

// Store tracks per-subscription delivery offsets and running counts.
type Store interface {
	KillCount(systemID uint32) uint64
	Advance(clientID string, systemID uint32, seq uint64)
	DropClient(clientID string)
}

// Notifier delivers payloads to webhook callback URLs.
type Notifier interface {
	Notify(ctx context.Context, url string, payload any) error
}

// Config holds the dependencies and tunables of the broadcaster.
type Config struct {
	Hub      *pubsub.SimpleHub
	Registry Registry
	Store    Store
	Notifier Notifier
	Emitter  *telemetry.Emitter
	Clock    clock.Clock
	Logger   logger.Logger

	// Workers sizes the dispatch pool.
	Workers int
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("missing hub")
	}
	if c.Registry == nil {
		return errors.NotValidf("missing registry")
	}
	if c.Store == nil {
		return errors.NotValidf("missing store")
	}
	if c.Notifier == nil {
		return errors.NotValidf("missing notifier")
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
	if c.Workers < 1 {
		return errors.NotValidf("workers %d", c.Workers)
	}
	return nil
}

type dispatchJob struct {
	sub      subscription.Subscription
	event    event.Event
	detailed params.ChannelMessage
	count    params.ChannelMessage
}

// Worker is the fan-out loop.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config

	queue   chan event.Event
	removed chan subscriptions.RemovedEvent
	shards  []chan dispatchJob

	dispatched atomic.Uint64
	dropped    atomic.Uint64
}

// NewWorker starts the broadcaster.
func NewWorker(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:  config,
		queue:   make(chan event.Event, queueSize),
		removed: make(chan subscriptions.RemovedEvent),
		shards:  make([]chan dispatchJob, config.Workers),
	}
	for i := range w.shards {
		w.shards[i] = make(chan dispatchJob, shardQueueSize)
	}
	// Subscribing before the loop starts means no event published after
	// construction is missed.
	unsubscribe := config.Hub.SubscribeMatch(event.MatchTopics, w.enqueue)
	unsubRemoved := config.Hub.Subscribe(subscription.RemovedTopic, w.onRemoved)
	if err := catacomb.Invoke(catacomb.Plan{
		Name: "broadcaster",
		Site: &w.catacomb,
		Work: func() error {
			defer unsubscribe()
			defer unsubRemoved()
			return w.loop()
		},
	}); err != nil {
		unsubscribe()
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

// Report is shown in the engine report.
func (w *Worker) Report() map[string]any {
	depths := make([]int, len(w.shards))
	for i, shard := range w.shards {
		depths[i] = len(shard)
	}
	return map[string]any{
		"dispatched":   w.dispatched.Load(),
		"dropped":      w.dropped.Load(),
		"queue-depth":  len(w.queue),
		"shard-depths": depths,
		"workers":      w.config.Workers,
	}
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()
	defer func() {
		for _, shard := range w.shards {
			close(shard)
		}
	}()
	for i := 0; i < w.config.Workers; i++ {
		shard := w.shards[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range shard {
				w.deliver(ctx, job)
			}
		}()
	}

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case ev := <-w.queue:
			w.dispatch(ev)
		case ev := <-w.removed:
			// A removed subscription no longer holds delivery offsets, so
			// the store can reclaim everything it was still waiting on.
			w.config.Store.DropClient(ev.SubscriptionID)
			w.config.Logger.Debugf(ctx, "released offsets for removed subscription %s", ev.SubscriptionID)
		}
	}
}

// enqueue receives insert notifications from the bus. Blocking here
// pushes back on the hub's per-subscriber queue, preserving order.
func (w *Worker) enqueue(topic string, data interface{}) {
	ev, ok := data.(event.Event)
	if !ok {
		return
	}
	select {
	case w.queue <- ev:
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

// dispatch routes one event to the shard of every covering
// subscription. A saturated shard drops the job and flags the gap so
// the session can tell its client.
func (w *Worker) dispatch(ev event.Event) {
	matches := w.config.Registry.MatchSystem(ev.SystemID)
	if len(matches) == 0 {
		return
	}

	now := w.config.Clock.Now()
	detailed := params.ChannelMessage{
		Type: subscription.KindDetailedKillUpdate,
		Seq:  ev.Seq,
		Data: params.KillPayload{
			SolarSystemID: ev.SystemID,
			Kills:         []killmail.Enriched{*ev.Killmail},
			Timestamp:     now,
		},
	}
	count := params.ChannelMessage{
		Type: subscription.KindKillCountUpdate,
		Data: params.KillPayload{
			SolarSystemID: ev.SystemID,
			Count:         w.config.Store.KillCount(ev.SystemID),
			Timestamp:     now,
		},
	}

	for _, sub := range matches {
		job := dispatchJob{sub: sub, event: ev, detailed: detailed, count: count}
		select {
		case w.shards[w.shardFor(sub.ID)] <- job:
		default:
			if sender, ok := w.config.Registry.Sender(sub.ID); ok {
				sender.Gap()
			}
			w.config.Emitter.Emit(telemetry.BroadcastDropped, nil, map[string]string{
				"subscription": sub.ID,
			})
			w.dropped.Add(1)
		}
	}
}

// deliver pushes one event down both legs of a subscription. The store
// offset advances as soon as either leg lands, so replay after a
// reconnect resumes past everything the subscriber has seen somewhere.
func (w *Worker) deliver(ctx context.Context, job dispatchJob) {
	sub := job.sub
	var channelOK, webhookOK bool

	if sender, ok := w.config.Registry.Sender(sub.ID); ok {
		if err := sender.Send(job.detailed); err != nil {
			w.config.Logger.Debugf(ctx, "channel send to subscription %s: %v", sub.ID, err)
		} else {
			channelOK = true
			if err := sender.Send(job.count); err != nil {
				w.config.Logger.Debugf(ctx, "count send to subscription %s: %v", sub.ID, err)
			}
		}
	}
	if sub.CallbackURL != "" {
		if err := w.config.Notifier.Notify(ctx, sub.CallbackURL, job.detailed); err != nil {
			w.config.Logger.Debugf(ctx, "webhook delivery for subscription %s: %v", sub.ID, err)
		} else {
			webhookOK = true
		}
	}
	if !channelOK && !webhookOK {
		return
	}
	transport := "channel"
	switch {
	case channelOK && webhookOK:
		transport = "both"
	case webhookOK:
		transport = "webhook"
	}

	w.config.Store.Advance(sub.ID, job.event.SystemID, job.event.Seq)
	w.dispatched.Add(1)
	w.config.Emitter.Emit(telemetry.BroadcastDispatched,
		map[string]int64{"seq": int64(job.event.Seq)},
		map[string]string{
			"subscription": sub.ID,
			"system_id":    strconv.FormatUint(uint64(job.event.SystemID), 10),
			"transport":    transport,
		})
}

func (w *Worker) shardFor(subID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subID))
	return int(h.Sum32() % uint32(len(w.shards)))
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}
