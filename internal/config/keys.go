// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"github.com/juju/schema"
)

// Config keys. Every tunable the daemon understands is named here; the
// checker below supplies defaults for everything that may be omitted.
const (
	// HTTPAddrKey is the address the HTTP surface listens on.
	HTTPAddrKey = "http-addr"

	// FeedURLKey is the long-poll feed endpoint.
	FeedURLKey = "feed-url"

	// ESIBaseURLKey is the base URL of the entity metadata API.
	ESIBaseURLKey = "esi-base-url"

	// HistoryBaseURLKey is the base URL of the historical kill listing.
	HistoryBaseURLKey = "history-base-url"

	// UserAgentKey is sent on every outbound HTTP request.
	UserAgentKey = "user-agent"

	// QueueIDPrefixKey prefixes the per-process feed queue id.
	QueueIDPrefixKey = "queue-id-prefix"

	// LoggingConfigKey is a loggo specification applied at startup.
	LoggingConfigKey = "logging-config"

	// CutoffSecondsKey bounds how old an event may be and still be
	// broadcast.
	CutoffSecondsKey = "cutoff-seconds"

	// FastIntervalMsKey is the poll delay after a kill was received.
	FastIntervalMsKey = "fast-interval-ms"

	// IdleIntervalMsKey is the poll delay after no-op outcomes.
	IdleIntervalMsKey = "idle-interval-ms"

	// MaxBackoffMsKey caps the error backoff delay.
	MaxBackoffMsKey = "max-backoff-ms"

	// BackoffFactorKey is the multiplicative error backoff growth.
	BackoffFactorKey = "backoff-factor"

	// EnricherMaxConcurrencyKey bounds parallel entity fetches per
	// event.
	EnricherMaxConcurrencyKey = "enricher-max-concurrency"

	// EnricherMinAttackersParallelKey is the attacker count above which
	// entity fetches go parallel.
	EnricherMinAttackersParallelKey = "enricher-min-attackers-parallel"

	// EnricherTaskTimeoutMsKey bounds each entity fetch.
	EnricherTaskTimeoutMsKey = "enricher-task-timeout-ms"

	// GCIntervalMsKey is the event store GC period.
	GCIntervalMsKey = "gc-interval-ms"

	// MaxEventsPerSystemKey is the soft per-system cap enforced by GC.
	MaxEventsPerSystemKey = "max-events-per-system"

	// FeedRLCapacityKey and FeedRLRefillPerMinKey shape the feed-source
	// token bucket.
	FeedRLCapacityKey     = "feed-rl-capacity"
	FeedRLRefillPerMinKey = "feed-rl-refill-per-min"

	// EnrichRLCapacityKey and EnrichRLRefillPerMinKey shape the
	// enrichment-source token bucket.
	EnrichRLCapacityKey     = "enrich-rl-capacity"
	EnrichRLRefillPerMinKey = "enrich-rl-refill-per-min"

	// BreakerThresholdKey is the consecutive failure count that opens a
	// breaker.
	BreakerThresholdKey = "breaker-threshold"

	// BreakerCooldownMsKey is how long an open breaker rejects calls.
	BreakerCooldownMsKey = "breaker-cooldown-ms"

	// BreakerHalfOpenTimeoutMsKey bounds the half-open probe call.
	BreakerHalfOpenTimeoutMsKey = "breaker-half-open-timeout-ms"

	// MaxSubscribedSystemsKey bounds systems per subscription.
	MaxSubscribedSystemsKey = "max-subscribed-systems"

	// CacheSweepMsKey is the cache expiry sweep period.
	CacheSweepMsKey = "cache-sweep-ms"

	// RecentKillmailsPerSystemKey caps the per-system recent kill list.
	RecentKillmailsPerSystemKey = "recent-killmails-per-system"

	// StatusIntervalMsKey is the status snapshot period.
	StatusIntervalMsKey = "status-interval-ms"

	// Backfill tunables.
	BackfillEnabledKey        = "backfill-enabled"
	BackfillLimitPerSystemKey = "backfill-limit-per-system"
	BackfillSinceHoursKey     = "backfill-since-hours"
	BackfillBatchSizeKey      = "backfill-batch-size"
	BackfillIntervalMsKey     = "backfill-interval-ms"
	BackfillMaxConcurrentKey  = "backfill-max-concurrent"

	// WebhookTimeoutMsKey bounds each webhook POST.
	WebhookTimeoutMsKey = "webhook-timeout-ms"

	// BroadcastWorkersKey sizes the broadcaster dispatch pool.
	BroadcastWorkersKey = "broadcast-workers"

	// HTTPTimeoutMsKey bounds outbound HTTP calls.
	HTTPTimeoutMsKey = "http-timeout-ms"

	// ShutdownGraceMsKey bounds the flush of pending broadcasts at
	// shutdown.
	ShutdownGraceMsKey = "shutdown-grace-ms"
)

var configChecker = schema.StrictFieldMap(schema.Fields{
	HTTPAddrKey:                     schema.String(),
	FeedURLKey:                      schema.String(),
	ESIBaseURLKey:                   schema.String(),
	HistoryBaseURLKey:               schema.String(),
	UserAgentKey:                    schema.String(),
	QueueIDPrefixKey:                schema.String(),
	LoggingConfigKey:                schema.String(),
	CutoffSecondsKey:                schema.ForceInt(),
	FastIntervalMsKey:               schema.ForceInt(),
	IdleIntervalMsKey:               schema.ForceInt(),
	MaxBackoffMsKey:                 schema.ForceInt(),
	BackoffFactorKey:                schema.ForceInt(),
	EnricherMaxConcurrencyKey:       schema.ForceInt(),
	EnricherMinAttackersParallelKey: schema.ForceInt(),
	EnricherTaskTimeoutMsKey:        schema.ForceInt(),
	GCIntervalMsKey:                 schema.ForceInt(),
	MaxEventsPerSystemKey:           schema.ForceInt(),
	FeedRLCapacityKey:               schema.ForceInt(),
	FeedRLRefillPerMinKey:           schema.ForceInt(),
	EnrichRLCapacityKey:             schema.ForceInt(),
	EnrichRLRefillPerMinKey:         schema.ForceInt(),
	BreakerThresholdKey:             schema.ForceInt(),
	BreakerCooldownMsKey:            schema.ForceInt(),
	BreakerHalfOpenTimeoutMsKey:     schema.ForceInt(),
	MaxSubscribedSystemsKey:         schema.ForceInt(),
	CacheSweepMsKey:                 schema.ForceInt(),
	RecentKillmailsPerSystemKey:     schema.ForceInt(),
	StatusIntervalMsKey:             schema.ForceInt(),
	BackfillEnabledKey:              schema.Bool(),
	BackfillLimitPerSystemKey:       schema.ForceInt(),
	BackfillSinceHoursKey:           schema.ForceInt(),
	BackfillBatchSizeKey:            schema.ForceInt(),
	BackfillIntervalMsKey:           schema.ForceInt(),
	BackfillMaxConcurrentKey:        schema.ForceInt(),
	WebhookTimeoutMsKey:             schema.ForceInt(),
	BroadcastWorkersKey:             schema.ForceInt(),
	HTTPTimeoutMsKey:                schema.ForceInt(),
	ShutdownGraceMsKey:              schema.ForceInt(),
}, schema.Defaults{
	HTTPAddrKey:                     ":8080",
	FeedURLKey:                      "https://zkillredisq.stream/listen.php",
	ESIBaseURLKey:                   "https://esi.evetech.net/latest",
	HistoryBaseURLKey:               "https://zkillboard.com/api",
	UserAgentKey:                    "killstream/1.0",
	QueueIDPrefixKey:                "killstream",
	LoggingConfigKey:                "",
	CutoffSecondsKey:                3600,
	FastIntervalMsKey:               1000,
	IdleIntervalMsKey:               5000,
	MaxBackoffMsKey:                 30000,
	BackoffFactorKey:                2,
	EnricherMaxConcurrencyKey:       10,
	EnricherMinAttackersParallelKey: 3,
	EnricherTaskTimeoutMsKey:        30000,
	GCIntervalMsKey:                 60000,
	MaxEventsPerSystemKey:           10000,
	FeedRLCapacityKey:               10,
	FeedRLRefillPerMinKey:           10,
	EnrichRLCapacityKey:             100,
	EnrichRLRefillPerMinKey:         100,
	BreakerThresholdKey:             5,
	BreakerCooldownMsKey:            30000,
	BreakerHalfOpenTimeoutMsKey:     5000,
	MaxSubscribedSystemsKey:         100,
	CacheSweepMsKey:                 60000,
	RecentKillmailsPerSystemKey:     50,
	StatusIntervalMsKey:             300000,
	BackfillEnabledKey:              true,
	BackfillLimitPerSystemKey:       100,
	BackfillSinceHoursKey:           168,
	BackfillBatchSizeKey:            10,
	BackfillIntervalMsKey:           1000,
	BackfillMaxConcurrentKey:        3,
	WebhookTimeoutMsKey:             10000,
	BroadcastWorkersKey:             8,
	HTTPTimeoutMsKey:                30000,
	ShutdownGraceMsKey:              5000,
})
