// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package kvcache_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/killstream/killstream/internal/kvcache"
	"github.com/killstream/killstream/internal/logger/loggertesting"
	"github.com/killstream/killstream/internal/telemetry"
	"github.com/killstream/killstream/internal/testhelpers"
)

type sweeperSuite struct {
	hub   *pubsub.SimpleHub
	clock *testclock.Clock
}

var _ = gc.Suite(&sweeperSuite{})

func (s *sweeperSuite) SetUpTest(c *gc.C) {
	s.hub = pubsub.NewSimpleHub(nil)
	s.clock = testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func (s *sweeperSuite) newConfig(c *gc.C, cache *kvcache.Cache) kvcache.SweeperConfig {
	return kvcache.SweeperConfig{
		Cache:    cache,
		Emitter:  telemetry.NewEmitter(s.hub, loggertesting.WrapCheckLog(c)),
		Clock:    s.clock,
		Interval: time.Minute,
		Logger:   loggertesting.WrapCheckLog(c),
	}
}

// sweepEvents forwards cache.sweep telemetry to a channel the test can
// receive on.
func (s *sweeperSuite) sweepEvents() (<-chan telemetry.Event, func()) {
	events := make(chan telemetry.Event, 16)
	unsub := s.hub.Subscribe(telemetry.Topic(telemetry.CacheSweep), func(_ string, data interface{}) {
		if ev, ok := data.(telemetry.Event); ok {
			events <- ev
		}
	})
	return events, unsub
}

func (s *sweeperSuite) TestSweepsOnInterval(c *gc.C) {
	cache, err := kvcache.New(s.clock, 3)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cache.Put(kvcache.Killmails, "1", "a"), jc.ErrorIsNil)

	events, unsub := s.sweepEvents()
	defer unsub()

	w, err := kvcache.NewSweeper(s.newConfig(c, cache))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	// Ten minutes is past the killmail TTL, so the first sweep evicts
	// the entry.
	c.Assert(s.clock.WaitAdvance(10*time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	ev := recvEvent(c, events, "first sweep")
	c.Check(ev.Measurements["evicted"], gc.Equals, int64(1))

	c.Assert(s.clock.WaitAdvance(time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	ev = recvEvent(c, events, "second sweep")
	c.Check(ev.Measurements["evicted"], gc.Equals, int64(0))

	c.Check(cache.Sweep(), gc.Equals, 0)
}

func (s *sweeperSuite) TestReportAccumulates(c *gc.C) {
	cache, err := kvcache.New(s.clock, 3)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(cache.Put(kvcache.Killmails, "1", "a"), jc.ErrorIsNil)
	c.Assert(cache.Put(kvcache.Killmails, "2", "b"), jc.ErrorIsNil)

	events, unsub := s.sweepEvents()
	defer unsub()

	w, err := kvcache.NewSweeper(s.newConfig(c, cache))
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	c.Assert(s.clock.WaitAdvance(10*time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	recvEvent(c, events, "first sweep")
	c.Assert(s.clock.WaitAdvance(time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	recvEvent(c, events, "second sweep")

	c.Check(w.Report(), jc.DeepEquals, map[string]any{
		"runs":            uint64(2),
		"entries-evicted": uint64(2),
	})
}

func (s *sweeperSuite) TestCleanKill(c *gc.C) {
	cache, err := kvcache.New(s.clock, 3)
	c.Assert(err, jc.ErrorIsNil)

	w, err := kvcache.NewSweeper(s.newConfig(c, cache))
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, w)
}

func (s *sweeperSuite) TestValidate(c *gc.C) {
	cache, err := kvcache.New(s.clock, 3)
	c.Assert(err, jc.ErrorIsNil)

	tests := []struct {
		name   string
		mutate func(*kvcache.SweeperConfig)
	}{{
		name:   "missing cache",
		mutate: func(cfg *kvcache.SweeperConfig) { cfg.Cache = nil },
	}, {
		name:   "missing emitter",
		mutate: func(cfg *kvcache.SweeperConfig) { cfg.Emitter = nil },
	}, {
		name:   "missing clock",
		mutate: func(cfg *kvcache.SweeperConfig) { cfg.Clock = nil },
	}, {
		name:   "zero interval",
		mutate: func(cfg *kvcache.SweeperConfig) { cfg.Interval = 0 },
	}, {
		name:   "missing logger",
		mutate: func(cfg *kvcache.SweeperConfig) { cfg.Logger = nil },
	}}

	cfg := s.newConfig(c, cache)
	c.Assert(cfg.Validate(), jc.ErrorIsNil)

	for _, test := range tests {
		bad := s.newConfig(c, cache)
		test.mutate(&bad)
		c.Check(bad.Validate(), jc.ErrorIs, errors.NotValid, gc.Commentf("%s", test.name))
	}
}

func recvEvent(c *gc.C, ch <-chan telemetry.Event, what string) telemetry.Event {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for %s", what)
	}
	panic("unreachable")
}
