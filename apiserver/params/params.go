// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire structures exchanged with clients:
// channel frames, webhook payloads and REST response bodies. Types
// here are marshalled with snake_case keys to match the killmail
// records they carry.
package params

import (
	"time"

	"github.com/killstream/killstream/core/killmail"
)

// LobbyTopic is the channel a client joins to receive killmail
// updates.
const LobbyTopic = "killmails:lobby"

// Channel actions a connected client may send after joining.
const (
	ActionUpdateSystems = "update_systems"
	ActionUnsubscribe   = "unsubscribe"
)

// Statuses used in acks and REST bodies.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ChannelJoin is the first frame a channel client sends: the lobby
// topic plus the systems it wants, and optionally a durable subscriber
// identity, a webhook URL and the backfill it would like replayed.
type ChannelJoin struct {
	Topic            string         `json:"topic,omitempty"`
	SystemIDs        []uint32       `json:"system_ids"`
	SubscriberID     string         `json:"subscriber_id,omitempty"`
	CallbackURL      string         `json:"callback_url,omitempty"`
	HistoricalConfig *PreloadConfig `json:"historical_config,omitempty"`
}

// PreloadConfig shapes the historical backfill for a new subscription.
// Zero fields take the server defaults; a nil Enabled reads as true.
type PreloadConfig struct {
	Enabled            *bool `json:"enabled,omitempty"`
	LimitPerSystem     int   `json:"limit_per_system,omitempty"`
	SinceHours         int   `json:"since_hours,omitempty"`
	DeliveryBatchSize  int   `json:"delivery_batch_size,omitempty"`
	DeliveryIntervalMS int   `json:"delivery_interval_ms,omitempty"`
}

// ChannelAction is a frame a client sends on an established session.
type ChannelAction struct {
	Action    string   `json:"action"`
	SystemIDs []uint32 `json:"system_ids,omitempty"`
}

// ChannelAck acknowledges a join or action frame.
type ChannelAck struct {
	Status         string `json:"status"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ChannelMessage is the envelope for every frame pushed to a
// subscriber, over a channel session or a webhook alike. Type is one
// of the subscription message kinds; Seq lets clients de-duplicate
// across backfill and live delivery; Gap marks that older frames were
// dropped before this one because the session could not keep up.
type ChannelMessage struct {
	Type string      `json:"type"`
	Seq  uint64      `json:"seq,omitempty"`
	Gap  bool        `json:"gap,omitempty"`
	Data KillPayload `json:"data"`
}

// KillPayload carries the per-kind body of a channel message.
type KillPayload struct {
	SolarSystemID uint32              `json:"solar_system_id,omitempty"`
	Kills         []killmail.Enriched `json:"kills,omitempty"`
	Count         uint64              `json:"count,omitempty"`
	Timestamp     time.Time           `json:"timestamp,omitempty"`

	// Backfill progress fields.
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Batch   int    `json:"batch,omitempty"`
	Total   int    `json:"total,omitempty"`
}

// ErrorResponse is the REST body for any failed request.
type ErrorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// PingResponse is the body of /ping. Served as plain text.
const PingResponse = "pong"

// KillmailResponse is the body of /killmail/:id.
type KillmailResponse struct {
	Status   string             `json:"status"`
	Killmail *killmail.Enriched `json:"killmail"`
}

// SystemKillmailsResponse is the body of /system_killmails/:system_id.
type SystemKillmailsResponse struct {
	Status        string              `json:"status"`
	SolarSystemID uint32              `json:"solar_system_id"`
	Killmails     []killmail.Enriched `json:"killmails"`
}

// KillCountResponse is the body of /kill_count/:system_id.
type KillCountResponse struct {
	Status        string `json:"status"`
	SolarSystemID uint32 `json:"solar_system_id"`
	Count         uint64 `json:"count"`
}
