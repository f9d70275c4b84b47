// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package params

import (
	"time"
)

// StatusSnapshot is the aggregated health view served by /status and
// assembled periodically by the status monitor.
type StatusSnapshot struct {
	Status        string                     `json:"status"`
	StartedAt     time.Time                  `json:"started_at"`
	SnapshotAt    time.Time                  `json:"snapshot_at"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Feed          FeedStatus                 `json:"feed"`
	Cache         CacheStatus                `json:"cache"`
	Store         StoreStatus                `json:"store"`
	Subscriptions SubscriptionStatus         `json:"subscriptions"`
	RateLimits    map[string]RateLimitStatus `json:"rate_limits"`
	Breakers      map[string]BreakerStatus   `json:"breakers"`
	Memory        MemoryStatus               `json:"memory"`
}

// FeedStatus counts ingest outcomes since process start.
type FeedStatus struct {
	Received uint64 `json:"received"`
	Skipped  uint64 `json:"skipped"`
	Older    uint64 `json:"older"`
	NoKills  uint64 `json:"no_kills"`
	Errors   uint64 `json:"errors"`
}

// CacheStatus reports the enrichment cache.
type CacheStatus struct {
	Size     int     `json:"size"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

// StoreStatus reports the event store.
type StoreStatus struct {
	Events  int    `json:"events"`
	MinSeq  uint64 `json:"min_seq"`
	MaxSeq  uint64 `json:"max_seq"`
	Systems int    `json:"systems"`
	Clients int    `json:"clients"`
}

// SubscriptionStatus counts live subscriptions by delivery kind.
type SubscriptionStatus struct {
	Total    int `json:"total"`
	Channels int `json:"channels"`
	Webhooks int `json:"webhooks"`
}

// RateLimitStatus reports one service's token bucket.
type RateLimitStatus struct {
	Available int64 `json:"available"`
	Capacity  int64 `json:"capacity"`
}

// BreakerStatus reports one service's circuit.
type BreakerStatus struct {
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// MemoryStatus reports process memory and scheduler load.
type MemoryStatus struct {
	AllocBytes   uint64 `json:"alloc_bytes"`
	SysBytes     uint64 `json:"sys_bytes"`
	RSSBytes     uint64 `json:"rss_bytes"`
	NumGoroutine int    `json:"num_goroutine"`
}
