// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package subscription defines a client's registered interest in a set
// of solar systems, and the message kinds delivered against it.
package subscription

import (
	"time"

	"github.com/juju/collections/set"
)

const (
	// MaxSubscribedSystems bounds how many systems a single
	// subscription may cover.
	MaxSubscribedSystems = 100

	// MaxSystemID bounds the solar system id space accepted from
	// clients.
	MaxSystemID uint32 = 32000000
)

// Message kinds pushed to subscribers.
const (
	KindDetailedKillUpdate = "detailed_kill_update"
	KindKillCountUpdate    = "kill_count_update"
	KindPreloadStatus      = "preload_status"
	KindPreloadBatch       = "preload_batch"
	KindPreloadComplete    = "preload_complete"
	KindPreloadFailed      = "preload_failed"
)

// Bus topics announcing subscription lifecycle changes.
const (
	CreatedTopic = "subscriptions.created"
	RemovedTopic = "subscriptions.removed"
)

// ChannelTopic returns the bus topic killmail updates for the given
// subscription are published on.
func ChannelTopic(subID string) string {
	return "killmails:" + subID
}

// Subscription records one client's interest in a set of systems.
// Exactly one delivery leg is expected to be reachable at a time: a
// channel session listening on ChannelTopic(ID), a callback URL, or
// both during a webhook client's reconnect.
type Subscription struct {
	ID           string
	SubscriberID string
	Systems      set.Ints
	CallbackURL  string
	CreatedAt    time.Time
}

// Matches reports whether the subscription covers the given system.
func (s Subscription) Matches(systemID uint32) bool {
	return s.Systems.Contains(int(systemID))
}

// SystemIDs returns the subscribed systems in ascending order.
func (s Subscription) SystemIDs() []uint32 {
	values := s.Systems.SortedValues()
	ids := make([]uint32, len(values))
	for i, v := range values {
		ids[i] = uint32(v)
	}
	return ids
}

// Copy returns a subscription that shares no mutable state with the
// receiver.
func (s Subscription) Copy() Subscription {
	copied := s
	copied.Systems = set.NewInts(s.Systems.Values()...)
	return copied
}
