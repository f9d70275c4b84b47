// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the daemon's frozen configuration. Attributes
// are schema-checked once at startup and read through typed accessors
// from then on.
package config

import (
	"net/url"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config is a checked attribute map. Values are only ever read after
// New has coerced them, so the accessors do not re-check types.
type Config map[string]any

// New returns a Config built from the given attributes with defaults
// applied. Unknown keys are rejected.
func New(attrs map[string]any) (Config, error) {
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return nil, errors.Annotate(err, "config")
	}
	cfg := Config(coerced.(map[string]any))
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// ReadFile loads configuration attributes from a YAML file and returns
// the checked Config.
func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config file")
	}
	var attrs map[string]any
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return nil, errors.Annotate(err, "parsing config file")
	}
	cfg, err := New(attrs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Validate checks invariants the schema cannot express.
func (c Config) Validate() error {
	for _, key := range []string{FeedURLKey, ESIBaseURLKey, HistoryBaseURLKey} {
		raw := c.mustString(key)
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return errors.NotValidf("%s %q", key, raw)
		}
	}
	for _, key := range []string{
		CutoffSecondsKey, FastIntervalMsKey, IdleIntervalMsKey,
		MaxBackoffMsKey, EnricherMaxConcurrencyKey,
		EnricherTaskTimeoutMsKey, GCIntervalMsKey,
		FeedRLCapacityKey, FeedRLRefillPerMinKey,
		EnrichRLCapacityKey, EnrichRLRefillPerMinKey,
		BreakerThresholdKey, BreakerCooldownMsKey,
		BreakerHalfOpenTimeoutMsKey, MaxSubscribedSystemsKey,
		CacheSweepMsKey, StatusIntervalMsKey,
		BackfillMaxConcurrentKey, BackfillBatchSizeKey,
		WebhookTimeoutMsKey, BroadcastWorkersKey, HTTPTimeoutMsKey,
	} {
		if c.mustInt(key) <= 0 {
			return errors.NotValidf("non-positive %s", key)
		}
	}
	if c.mustInt(BackoffFactorKey) < 2 {
		return errors.NotValidf("backoff-factor below 2")
	}
	if c.mustInt(MaxBackoffMsKey) < c.mustInt(FastIntervalMsKey) {
		return errors.NotValidf("max-backoff-ms below fast-interval-ms")
	}
	return nil
}

func (c Config) mustString(key string) string {
	value, _ := c[key].(string)
	return value
}

func (c Config) mustInt(key string) int {
	value, _ := c[key].(int)
	return value
}

func (c Config) millis(key string) time.Duration {
	return time.Duration(c.mustInt(key)) * time.Millisecond
}

// HTTPAddr returns the address the HTTP surface listens on.
func (c Config) HTTPAddr() string {
	return c.mustString(HTTPAddrKey)
}

// FeedURL returns the long-poll feed endpoint.
func (c Config) FeedURL() string {
	return c.mustString(FeedURLKey)
}

// ESIBaseURL returns the base URL of the entity metadata API.
func (c Config) ESIBaseURL() string {
	return c.mustString(ESIBaseURLKey)
}

// HistoryBaseURL returns the base URL of the historical kill listing.
func (c Config) HistoryBaseURL() string {
	return c.mustString(HistoryBaseURLKey)
}

// UserAgent returns the user agent attached to outbound requests.
func (c Config) UserAgent() string {
	return c.mustString(UserAgentKey)
}

// QueueIDPrefix returns the prefix of the per-process feed queue id.
func (c Config) QueueIDPrefix() string {
	return c.mustString(QueueIDPrefixKey)
}

// LoggingConfig returns the loggo specification applied at startup.
func (c Config) LoggingConfig() string {
	return c.mustString(LoggingConfigKey)
}

// Cutoff returns the age beyond which events are classified too old to
// broadcast.
func (c Config) Cutoff() time.Duration {
	return time.Duration(c.mustInt(CutoffSecondsKey)) * time.Second
}

// FastInterval returns the poll delay after a kill was received.
func (c Config) FastInterval() time.Duration {
	return c.millis(FastIntervalMsKey)
}

// IdleInterval returns the poll delay after no-op outcomes.
func (c Config) IdleInterval() time.Duration {
	return c.millis(IdleIntervalMsKey)
}

// MaxBackoff returns the cap on the error backoff delay.
func (c Config) MaxBackoff() time.Duration {
	return c.millis(MaxBackoffMsKey)
}

// BackoffFactor returns the multiplicative error backoff growth.
func (c Config) BackoffFactor() float64 {
	return float64(c.mustInt(BackoffFactorKey))
}

// EnricherMaxConcurrency bounds parallel entity fetches per event.
func (c Config) EnricherMaxConcurrency() int {
	return c.mustInt(EnricherMaxConcurrencyKey)
}

// EnricherMinAttackersParallel returns the attacker count above which
// entity fetches are dispatched in parallel.
func (c Config) EnricherMinAttackersParallel() int {
	return c.mustInt(EnricherMinAttackersParallelKey)
}

// EnricherTaskTimeout bounds each entity fetch.
func (c Config) EnricherTaskTimeout() time.Duration {
	return c.millis(EnricherTaskTimeoutMsKey)
}

// GCInterval returns the event store GC period.
func (c Config) GCInterval() time.Duration {
	return c.millis(GCIntervalMsKey)
}

// MaxEventsPerSystem returns the soft per-system event cap.
func (c Config) MaxEventsPerSystem() int {
	return c.mustInt(MaxEventsPerSystemKey)
}

// FeedRLCapacity returns the feed-source bucket capacity.
func (c Config) FeedRLCapacity() int {
	return c.mustInt(FeedRLCapacityKey)
}

// FeedRLRefillPerMinute returns the feed-source bucket refill rate.
func (c Config) FeedRLRefillPerMinute() int {
	return c.mustInt(FeedRLRefillPerMinKey)
}

// EnrichRLCapacity returns the enrichment-source bucket capacity.
func (c Config) EnrichRLCapacity() int {
	return c.mustInt(EnrichRLCapacityKey)
}

// EnrichRLRefillPerMinute returns the enrichment-source bucket refill
// rate.
func (c Config) EnrichRLRefillPerMinute() int {
	return c.mustInt(EnrichRLRefillPerMinKey)
}

// BreakerThreshold returns the consecutive failure count that opens a
// breaker.
func (c Config) BreakerThreshold() int {
	return c.mustInt(BreakerThresholdKey)
}

// BreakerCooldown returns how long an open breaker rejects calls.
func (c Config) BreakerCooldown() time.Duration {
	return c.millis(BreakerCooldownMsKey)
}

// BreakerHalfOpenTimeout bounds the half-open probe call.
func (c Config) BreakerHalfOpenTimeout() time.Duration {
	return c.millis(BreakerHalfOpenTimeoutMsKey)
}

// MaxSubscribedSystems bounds systems per subscription.
func (c Config) MaxSubscribedSystems() int {
	return c.mustInt(MaxSubscribedSystemsKey)
}

// CacheSweepInterval returns the cache expiry sweep period.
func (c Config) CacheSweepInterval() time.Duration {
	return c.millis(CacheSweepMsKey)
}

// RecentKillmailsPerSystem caps the per-system recent kill list.
func (c Config) RecentKillmailsPerSystem() int {
	return c.mustInt(RecentKillmailsPerSystemKey)
}

// StatusInterval returns the status snapshot period.
func (c Config) StatusInterval() time.Duration {
	return c.millis(StatusIntervalMsKey)
}

// BackfillEnabled reports whether new subscriptions receive historical
// preloads.
func (c Config) BackfillEnabled() bool {
	value, _ := c[BackfillEnabledKey].(bool)
	return value
}

// BackfillLimitPerSystem caps how many historical kills are fetched per
// system.
func (c Config) BackfillLimitPerSystem() int {
	return c.mustInt(BackfillLimitPerSystemKey)
}

// BackfillSince returns the historical window backfill reaches back
// over.
func (c Config) BackfillSince() time.Duration {
	return time.Duration(c.mustInt(BackfillSinceHoursKey)) * time.Hour
}

// BackfillBatchSize returns the number of kills delivered per preload
// batch.
func (c Config) BackfillBatchSize() int {
	return c.mustInt(BackfillBatchSizeKey)
}

// BackfillInterval returns the pause between preload batches.
func (c Config) BackfillInterval() time.Duration {
	return c.millis(BackfillIntervalMsKey)
}

// BackfillMaxConcurrent bounds globally concurrent backfill tasks.
func (c Config) BackfillMaxConcurrent() int {
	return c.mustInt(BackfillMaxConcurrentKey)
}

// WebhookTimeout bounds each webhook POST.
func (c Config) WebhookTimeout() time.Duration {
	return c.millis(WebhookTimeoutMsKey)
}

// BroadcastWorkers sizes the broadcaster dispatch pool.
func (c Config) BroadcastWorkers() int {
	return c.mustInt(BroadcastWorkersKey)
}

// HTTPTimeout bounds outbound HTTP calls.
func (c Config) HTTPTimeout() time.Duration {
	return c.millis(HTTPTimeoutMsKey)
}

// ShutdownGrace bounds the flush of pending work at shutdown.
func (c Config) ShutdownGrace() time.Duration {
	return c.millis(ShutdownGraceMsKey)
}
