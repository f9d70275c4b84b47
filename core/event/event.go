// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package event defines the records held by the event store and
// published on the internal bus.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/killstream/killstream/core/killmail"
)

// topicPrefix namespaces store insert notifications on the bus.
const topicPrefix = "system:"

// Event is an enriched killmail staged for delivery. Events are
// immutable once inserted; Seq is unique and strictly increasing for the
// lifetime of the process.
type Event struct {
	Seq        uint64
	SystemID   uint32
	Killmail   *killmail.Enriched
	InsertedAt time.Time
}

// Topic returns the bus topic events for the given system are published
// on.
func Topic(systemID uint32) string {
	return fmt.Sprintf("%s%d", topicPrefix, systemID)
}

// MatchTopics matches every system event topic; hand it to
// SubscribeMatch to observe inserts across all systems.
func MatchTopics(topic string) bool {
	return strings.HasPrefix(topic, topicPrefix)
}
