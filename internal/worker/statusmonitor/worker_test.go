// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package statusmonitor

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/internal/breaker"
	"github.com/killstream/killstream/internal/eventstore"
	"github.com/killstream/killstream/internal/kvcache"
	"github.com/killstream/killstream/internal/logger/loggertesting"
	"github.com/killstream/killstream/internal/ratelimit"
	"github.com/killstream/killstream/internal/telemetry"
	"github.com/killstream/killstream/internal/testhelpers"
)

type statusMonitorSuite struct {
	hub   *pubsub.SimpleHub
	clock *testclock.Clock
}

var _ = gc.Suite(&statusMonitorSuite{})

func (s *statusMonitorSuite) SetUpTest(c *gc.C) {
	s.hub = pubsub.NewSimpleHub(nil)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func (s *statusMonitorSuite) newConfig(c *gc.C) Config {
	return Config{
		Hub: s.hub,
		Store: stubStore{stats: eventstore.Stats{
			Events: 5, MinSeq: 1, MaxSeq: 5, Systems: 2, Clients: 1,
		}},
		Cache: stubCache{stats: kvcache.Stats{
			Size: 3, Hits: 9, Misses: 3, HitRatio: 0.75,
		}},
		Subscriptions: stubSubs{total: 3, channels: 2, webhooks: 1},
		RateLimits: stubLimits{states: []ratelimit.Snapshot{
			{Service: "feed", Available: 4, Capacity: 5, RefillPerMinute: 240},
			{Service: "enrichment", Available: 10, Capacity: 10, RefillPerMinute: 600},
		}},
		Breakers: stubBreakers{states: []breaker.Snapshot{
			{Service: "feed", State: breaker.Closed},
			{Service: "enrichment", State: breaker.Closed},
		}},
		Clock:     s.clock,
		Logger:    loggertesting.WrapCheckLog(c),
		Interval:  5 * time.Minute,
		StartedAt: s.clock.Now(),
	}
}

// publish delivers one telemetry event and waits until every subscriber
// has folded it.
func (s *statusMonitorSuite) publish(c *gc.C, name string) {
	done := s.hub.Publish(telemetry.Topic(name), telemetry.Event{Name: name})
	select {
	case <-pubsub.Wait(done):
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out delivering %s", name)
	}
}

func waitSnapshots(c *gc.C, w *Worker, want uint64) {
	deadline := time.Now().Add(testhelpers.LongWait)
	for time.Now().Before(deadline) {
		if w.snapshots.Load() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	c.Fatalf("timed out waiting for snapshot %d", want)
}

func (s *statusMonitorSuite) TestLatestOnDemand(c *gc.C) {
	w, err := NewWorker(s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	snap := w.Latest()
	c.Check(snap.Status, gc.Equals, "ok")
	c.Check(snap.StartedAt.Equal(s.clock.Now()), jc.IsTrue)
	c.Check(snap.SnapshotAt.Equal(s.clock.Now()), jc.IsTrue)
	c.Check(snap.UptimeSeconds, gc.Equals, int64(0))
	c.Check(snap.Feed, jc.DeepEquals, params.FeedStatus{})
	c.Check(snap.Cache, jc.DeepEquals, params.CacheStatus{
		Size: 3, Hits: 9, Misses: 3, HitRatio: 0.75,
	})
	c.Check(snap.Store, jc.DeepEquals, params.StoreStatus{
		Events: 5, MinSeq: 1, MaxSeq: 5, Systems: 2, Clients: 1,
	})
	c.Check(snap.Subscriptions, jc.DeepEquals, params.SubscriptionStatus{
		Total: 3, Channels: 2, Webhooks: 1,
	})
	c.Check(snap.RateLimits, jc.DeepEquals, map[string]params.RateLimitStatus{
		"feed":       {Available: 4, Capacity: 5},
		"enrichment": {Available: 10, Capacity: 10},
	})
	c.Check(snap.Breakers, jc.DeepEquals, map[string]params.BreakerStatus{
		"feed":       {State: "closed"},
		"enrichment": {State: "closed"},
	})
	c.Check(snap.Memory.AllocBytes > 0, jc.IsTrue)
	c.Check(snap.Memory.NumGoroutine > 0, jc.IsTrue)
}

func (s *statusMonitorSuite) TestFoldsFeedCounters(c *gc.C) {
	w, err := NewWorker(s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	s.publish(c, telemetry.FeedKillReceived)
	s.publish(c, telemetry.FeedKillReceived)
	s.publish(c, telemetry.FeedKillSkipped)
	s.publish(c, telemetry.FeedKillOlder)
	s.publish(c, telemetry.FeedNoKills)
	s.publish(c, telemetry.FeedError)

	c.Check(w.Latest().Feed, jc.DeepEquals, params.FeedStatus{
		Received: 2, Skipped: 1, Older: 1, NoKills: 1, Errors: 1,
	})
}

func (s *statusMonitorSuite) TestIgnoresUnrelatedTelemetry(c *gc.C) {
	w, err := NewWorker(s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	s.publish(c, telemetry.BroadcastDispatched)
	s.publish(c, telemetry.StoreGC)

	c.Check(w.Latest().Feed, jc.DeepEquals, params.FeedStatus{})
}

func (s *statusMonitorSuite) TestPeriodicSnapshot(c *gc.C) {
	w, err := NewWorker(s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	s.publish(c, telemetry.FeedKillReceived)

	c.Assert(s.clock.WaitAdvance(5*time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	waitSnapshots(c, w, 1)

	snap := w.Latest()
	c.Check(snap.SnapshotAt.Equal(s.clock.Now()), jc.IsTrue)
	c.Check(snap.UptimeSeconds, gc.Equals, int64(300))
	c.Check(snap.Feed.Received, gc.Equals, uint64(1))

	c.Assert(s.clock.WaitAdvance(5*time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	waitSnapshots(c, w, 2)
	c.Check(w.Latest().UptimeSeconds, gc.Equals, int64(600))
}

func (s *statusMonitorSuite) TestDegradedWhenBreakerOpen(c *gc.C) {
	cfg := s.newConfig(c)
	cfg.Breakers = stubBreakers{states: []breaker.Snapshot{
		{Service: "feed", State: breaker.Closed},
		{Service: "enrichment", State: breaker.Open, Failures: 5},
	}}
	w, err := NewWorker(cfg)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	snap := w.Latest()
	c.Check(snap.Status, gc.Equals, "degraded")
	c.Check(snap.Breakers["enrichment"], jc.DeepEquals, params.BreakerStatus{
		State: "open", Failures: 5,
	})
}

func (s *statusMonitorSuite) TestReport(c *gc.C) {
	w, err := NewWorker(s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	c.Check(w.Report(), jc.DeepEquals, map[string]any{
		"snapshots":     uint64(0),
		"feed-received": uint64(0),
		"feed-errors":   uint64(0),
	})

	c.Assert(s.clock.WaitAdvance(5*time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	waitSnapshots(c, w, 1)
	c.Check(w.Report(), jc.DeepEquals, map[string]any{
		"snapshots":     uint64(1),
		"feed-received": uint64(0),
		"feed-errors":   uint64(0),
		"last-snapshot": "2025-06-01T12:05:00Z",
	})
}

func (s *statusMonitorSuite) TestCleanKill(c *gc.C) {
	w, err := NewWorker(s.newConfig(c))
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, w)
}

func (s *statusMonitorSuite) TestConfigValidate(c *gc.C) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{{
		name:   "missing hub",
		mutate: func(cfg *Config) { cfg.Hub = nil },
	}, {
		name:   "missing store",
		mutate: func(cfg *Config) { cfg.Store = nil },
	}, {
		name:   "missing cache",
		mutate: func(cfg *Config) { cfg.Cache = nil },
	}, {
		name:   "missing subscriptions",
		mutate: func(cfg *Config) { cfg.Subscriptions = nil },
	}, {
		name:   "missing rate limits",
		mutate: func(cfg *Config) { cfg.RateLimits = nil },
	}, {
		name:   "missing breakers",
		mutate: func(cfg *Config) { cfg.Breakers = nil },
	}, {
		name:   "missing clock",
		mutate: func(cfg *Config) { cfg.Clock = nil },
	}, {
		name:   "missing logger",
		mutate: func(cfg *Config) { cfg.Logger = nil },
	}, {
		name:   "zero interval",
		mutate: func(cfg *Config) { cfg.Interval = 0 },
	}, {
		name:   "zero start time",
		mutate: func(cfg *Config) { cfg.StartedAt = time.Time{} },
	}}

	cfg := s.newConfig(c)
	c.Assert(cfg.Validate(), jc.ErrorIsNil)

	for _, test := range tests {
		bad := s.newConfig(c)
		test.mutate(&bad)
		c.Check(bad.Validate(), jc.ErrorIs, errors.NotValid, gc.Commentf("%s", test.name))
	}
}

type stubStore struct {
	stats eventstore.Stats
}

func (s stubStore) Stats() eventstore.Stats { return s.stats }

type stubCache struct {
	stats kvcache.Stats
}

func (s stubCache) Stats() kvcache.Stats { return s.stats }

type stubSubs struct {
	total, channels, webhooks int
}

func (s stubSubs) Len() int                 { return s.total }
func (s stubSubs) CountsByKind() (int, int) { return s.channels, s.webhooks }

type stubLimits struct {
	states []ratelimit.Snapshot
}

func (s stubLimits) States() []ratelimit.Snapshot { return s.states }

type stubBreakers struct {
	states []breaker.Snapshot
}

func (s stubBreakers) States() []breaker.Snapshot { return s.states }
