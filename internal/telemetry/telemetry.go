// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package telemetry carries (name, measurements, metadata) events from
// the components that produce them to the observers that fold them,
// over the in-process bus. Emitting is fire-and-forget; a component
// never learns or cares who is listening.
package telemetry

import (
	"context"
	"strings"

	"github.com/juju/pubsub/v2"

	"github.com/killstream/killstream/core/logger"
)

// TopicPrefix namespaces telemetry on the bus, so observers can match
// every event with one subscription.
const TopicPrefix = "telemetry."

// Event names emitted across the pipeline.
const (
	HTTPRequestStart = "http.request.start"
	HTTPRequestStop  = "http.request.stop"
	HTTPRequestError = "http.request.error"

	FeedKillReceived = "feed.kill_received"
	FeedKillSkipped  = "feed.kill_skipped"
	FeedKillOlder    = "feed.kill_older"
	FeedNoKills      = "feed.no_kills"
	FeedError        = "feed.error"

	BroadcastDispatched = "broadcast.dispatched"
	BroadcastDropped    = "broadcast.dropped"

	BackfillComplete = "backfill.complete"
	BackfillFailed   = "backfill.failed"

	StoreGC    = "store.gc"
	CacheSweep = "cache.sweep"
)

// Event is one telemetry sample. Measurements carry numeric facts
// (durations in nanoseconds); metadata carries identifying strings.
type Event struct {
	Name         string
	Measurements map[string]int64
	Metadata     map[string]string
}

// Topic returns the bus topic for the given event name.
func Topic(name string) string {
	return TopicPrefix + name
}

// EventName returns the event name encoded in a bus topic.
func EventName(topic string) string {
	return strings.TrimPrefix(topic, TopicPrefix)
}

// MatchTelemetry matches every telemetry topic; hand it to
// SubscribeMatch to observe the whole stream.
func MatchTelemetry(topic string) bool {
	return strings.HasPrefix(topic, TopicPrefix)
}

// Emitter publishes telemetry events on the bus.
type Emitter struct {
	hub    *pubsub.SimpleHub
	logger logger.Logger
}

// NewEmitter returns an emitter publishing on the given hub.
func NewEmitter(hub *pubsub.SimpleHub, logger logger.Logger) *Emitter {
	return &Emitter{hub: hub, logger: logger}
}

// Emit publishes one event. Delivery to subscribers is asynchronous and
// the emitter never blocks on them.
func (e *Emitter) Emit(name string, measurements map[string]int64, metadata map[string]string) {
	if e.logger.IsLevelEnabled(logger.TRACE) {
		e.logger.Tracef(context.Background(), "telemetry %s %v %v", name, measurements, metadata)
	}
	e.hub.Publish(Topic(name), Event{
		Name:         name,
		Measurements: measurements,
		Metadata:     metadata,
	})
}
