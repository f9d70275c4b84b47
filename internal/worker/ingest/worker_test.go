// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/killstream/killstream/core/event"
	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/internal/eventstore"
	"github.com/killstream/killstream/internal/kvcache"
	"github.com/killstream/killstream/internal/logger/loggertesting"
	"github.com/killstream/killstream/internal/telemetry"
	"github.com/killstream/killstream/internal/testhelpers"
	"github.com/killstream/killstream/internal/zkb"
)

type ingestSuite struct {
	hub    *pubsub.SimpleHub
	clock  *testclock.Clock
	store  *eventstore.Store
	cache  *kvcache.Cache
	unsubs []func()
}

var _ = gc.Suite(&ingestSuite{})

func (s *ingestSuite) SetUpTest(c *gc.C) {
	s.hub = pubsub.NewSimpleHub(nil)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	var err error
	s.store, err = eventstore.NewStore(eventstore.Config{
		Hub:   s.hub,
		Clock: s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.cache, err = kvcache.New(s.clock, 50)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *ingestSuite) TearDownTest(c *gc.C) {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

func (s *ingestSuite) newConfig(c *gc.C, feed Feed, source KillmailSource, enr Enricher) Config {
	return Config{
		Feed:          feed,
		Killmails:     source,
		Enricher:      enr,
		Store:         s.store,
		Cache:         s.cache,
		Emitter:       telemetry.NewEmitter(s.hub, loggertesting.WrapCheckLog(c)),
		Clock:         s.clock,
		Logger:        loggertesting.WrapCheckLog(c),
		Cutoff:        time.Hour,
		FastInterval:  time.Second,
		IdleInterval:  5 * time.Second,
		MaxBackoff:    8 * time.Second,
		BackoffFactor: 2,
	}
}

func (s *ingestSuite) newWorker(c *gc.C, config Config) *Worker {
	w, err := NewWorker(config)
	c.Assert(err, jc.ErrorIsNil)
	return w
}

// watchSystem subscribes to the store's insert notifications for one
// system.
func (s *ingestSuite) watchSystem(systemID uint32) <-chan event.Event {
	ch := make(chan event.Event, 16)
	unsub := s.hub.Subscribe(event.Topic(systemID), func(topic string, data interface{}) {
		if ev, ok := data.(event.Event); ok {
			select {
			case ch <- ev:
			default:
			}
		}
	})
	s.unsubs = append(s.unsubs, unsub)
	return ch
}

func (s *ingestSuite) watchTelemetry(name string) <-chan telemetry.Event {
	ch := make(chan telemetry.Event, 16)
	unsub := s.hub.Subscribe(telemetry.Topic(name), func(topic string, data interface{}) {
		if ev, ok := data.(telemetry.Event); ok {
			select {
			case ch <- ev:
			default:
			}
		}
	})
	s.unsubs = append(s.unsubs, unsub)
	return ch
}

func recv[T any](c *gc.C, ch <-chan T, what string) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

// settle waits for the worker to park on its poll timer without
// advancing the clock, so the state of the completed cycle can be
// inspected race free.
func (s *ingestSuite) settle(c *gc.C) {
	err := s.clock.WaitAdvance(0, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *ingestSuite) advance(c *gc.C, d time.Duration) {
	err := s.clock.WaitAdvance(d, testhelpers.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *ingestSuite) newFormatPackage(id uint64, systemID uint32, ts time.Time) *zkb.Package {
	return &zkb.Package{
		KillID: id,
		Killmail: &killmail.Killmail{
			KillmailID:    id,
			KillmailTime:  killmail.NewTime(ts),
			SolarSystemID: systemID,
		},
		ZKB: map[string]any{"hash": "abc123", "totalValue": float64(150000)},
	}
}

func (s *ingestSuite) TestStagesNewFormatKill(c *gc.C) {
	feed := &stubFeed{responses: []feedResponse{
		{pkg: s.newFormatPackage(1001, 30000142, s.clock.Now())},
		{},
	}}
	events := s.watchSystem(30000142)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	ev := recv(c, events, "staged event")
	c.Check(ev.Seq, gc.Equals, uint64(1))
	c.Check(ev.SystemID, gc.Equals, uint32(30000142))
	c.Check(ev.Killmail.KillmailID, gc.Equals, uint64(1001))
	c.Check(ev.Killmail.SolarSystemName, gc.Equals, "Jita")
	c.Check(ev.Killmail.ZKB["hash"], gc.Equals, "abc123")

	s.settle(c)
	c.Check(s.cache.SystemKillmails(30000142), gc.DeepEquals, []uint64{1001})
	c.Check(s.cache.ActiveSystems(), gc.DeepEquals, []uint32{30000142})
	cached, err := s.cache.Get(kvcache.Killmails, "1001")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(cached.(*killmail.Enriched).KillmailID, gc.Equals, uint64(1001))
	c.Check(s.store.KillCount(30000142), gc.Equals, uint64(1))
}

func (s *ingestSuite) TestLegacyKillFetched(c *gc.C) {
	feed := &stubFeed{responses: []feedResponse{
		{pkg: &zkb.Package{KillID: 2002, ZKB: map[string]any{"hash": "deadbeef"}}},
		{},
	}}
	source := &stubKillmails{km: &killmail.Killmail{
		KillmailID:    2002,
		KillmailTime:  killmail.NewTime(s.clock.Now()),
		SolarSystemID: 30002187,
	}}
	events := s.watchSystem(30002187)

	w := s.newWorker(c, s.newConfig(c, feed, source, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	ev := recv(c, events, "staged event")
	c.Check(ev.Killmail.KillmailID, gc.Equals, uint64(2002))
	// The feed's zkb block is folded into the fetched killmail.
	c.Check(ev.Killmail.ZKB["hash"], gc.Equals, "deadbeef")

	s.settle(c)
	c.Check(source.calls(), gc.DeepEquals, []killmailCall{{killmailID: 2002, hash: "deadbeef"}})
}

func (s *ingestSuite) TestQuietFeedIdles(c *gc.C) {
	feed := &stubFeed{responses: []feedResponse{{}}}
	noKills := s.watchTelemetry(telemetry.FeedNoKills)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	recv(c, noKills, "no-kills event")
	s.advance(c, 5*time.Second)
	recv(c, noKills, "second no-kills event")
	c.Check(feed.pollCount() >= 2, jc.IsTrue)
}

func (s *ingestSuite) TestOldKillNotStaged(c *gc.C) {
	stale := s.clock.Now().Add(-time.Hour - time.Second)
	feed := &stubFeed{responses: []feedResponse{
		{pkg: s.newFormatPackage(1001, 30000142, stale)},
		{},
	}}
	older := s.watchTelemetry(telemetry.FeedKillOlder)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	recv(c, older, "kill-older event")
	s.settle(c)
	c.Check(s.store.Stats().Events, gc.Equals, 0)
	c.Check(s.cache.SystemKillmails(30000142), gc.HasLen, 0)
}

func (s *ingestSuite) TestCutoffBoundaryAccepted(c *gc.C) {
	boundary := s.clock.Now().Add(-time.Hour)
	feed := &stubFeed{responses: []feedResponse{
		{pkg: s.newFormatPackage(1001, 30000142, boundary)},
		{},
	}}
	events := s.watchSystem(30000142)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	ev := recv(c, events, "staged event")
	c.Check(ev.Killmail.KillmailID, gc.Equals, uint64(1001))
}

func (s *ingestSuite) TestDuplicateSkipped(c *gc.C) {
	ts := s.clock.Now()
	feed := &stubFeed{responses: []feedResponse{
		{pkg: s.newFormatPackage(1001, 30000142, ts)},
		{pkg: s.newFormatPackage(1001, 30000142, ts)},
		{},
	}}
	events := s.watchSystem(30000142)
	skips := s.watchTelemetry(telemetry.FeedKillSkipped)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	recv(c, events, "staged event")
	s.advance(c, time.Second)

	skip := recv(c, skips, "skip event")
	c.Check(skip.Metadata["reason"], gc.Equals, "duplicate")
	c.Check(skip.Metadata["killmail_id"], gc.Equals, "1001")
	s.settle(c)
	c.Check(s.store.Stats().Events, gc.Equals, 1)
}

func (s *ingestSuite) TestDedupWindowSlides(c *gc.C) {
	t0 := s.clock.Now()
	feed := &stubFeed{responses: []feedResponse{
		{pkg: s.newFormatPackage(1001, 30000142, t0)},
		{pkg: s.newFormatPackage(1001, 30000142, t0.Add(3601 * time.Second))},
		{},
	}}
	events := s.watchSystem(30000142)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	recv(c, events, "first staged event")
	// Once the first kill ages past the cutoff window its id is
	// forgotten, so the same id arriving fresh is processed again.
	s.advance(c, 3601*time.Second)
	recv(c, events, "second staged event")
	s.settle(c)
	c.Check(s.store.Stats().Events, gc.Equals, 2)
}

func (s *ingestSuite) TestErrorBackoffGrowsAndCaps(c *gc.C) {
	boom := errors.New("feed unreachable")
	feed := &stubFeed{responses: []feedResponse{
		{err: boom}, {err: boom}, {err: boom}, {err: boom}, {},
	}}
	errs := s.watchTelemetry(telemetry.FeedError)
	noKills := s.watchTelemetry(telemetry.FeedNoKills)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	// First error doubles the fast interval to 2s. Advancing just short
	// of that must not trigger the next poll.
	recv(c, errs, "first error")
	s.advance(c, 2*time.Second-time.Millisecond)
	c.Check(feed.pollCount(), gc.Equals, 1)
	s.advance(c, time.Millisecond)

	// 4s, then the 8s cap, which holds.
	recv(c, errs, "second error")
	s.advance(c, 4*time.Second)
	recv(c, errs, "third error")
	s.advance(c, 8*time.Second)
	recv(c, errs, "fourth error")
	s.advance(c, 8*time.Second)

	// A successful poll resets the backoff to the idle interval.
	recv(c, noKills, "recovery poll")
	s.advance(c, 5*time.Second)
	recv(c, noKills, "post-recovery poll")
}

func (s *ingestSuite) TestUnexpectedFormatBacksOff(c *gc.C) {
	feed := &stubFeed{responses: []feedResponse{
		{pkg: &zkb.Package{}},
		{},
	}}
	errs := s.watchTelemetry(telemetry.FeedError)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	ev := recv(c, errs, "classify error")
	c.Check(ev.Metadata["stage"], gc.Equals, "classify")
	s.advance(c, 2*time.Second)
	s.settle(c)
	c.Check(feed.pollCount(), gc.Equals, 2)
}

func (s *ingestSuite) TestLegacyFetchErrorBacksOff(c *gc.C) {
	feed := &stubFeed{responses: []feedResponse{
		{pkg: &zkb.Package{KillID: 2002, ZKB: map[string]any{"hash": "deadbeef"}}},
		{},
	}}
	source := &stubKillmails{err: errors.New("esi down")}
	errs := s.watchTelemetry(telemetry.FeedError)

	w := s.newWorker(c, s.newConfig(c, feed, source, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	ev := recv(c, errs, "fetch error")
	c.Check(ev.Metadata["stage"], gc.Equals, "fetch")
	s.settle(c)
	c.Check(s.store.Stats().Events, gc.Equals, 0)
}

func (s *ingestSuite) TestEnrichErrorDoesNotPoison(c *gc.C) {
	ts := s.clock.Now()
	feed := &stubFeed{responses: []feedResponse{
		{pkg: s.newFormatPackage(1001, 30000142, ts)},
		{pkg: s.newFormatPackage(1001, 30000142, ts.Add(2 * time.Second))},
		{},
	}}
	enr := &stubEnricher{errs: []error{errors.New("resolver broken")}}
	errs := s.watchTelemetry(telemetry.FeedError)
	events := s.watchSystem(30000142)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, enr))
	defer workertest.CleanKill(c, w)

	ev := recv(c, errs, "enrich error")
	c.Check(ev.Metadata["stage"], gc.Equals, "enrich")

	// The failed kill was never marked seen, so the retry on the next
	// poll stages it.
	s.advance(c, 2*time.Second)
	staged := recv(c, events, "staged event")
	c.Check(staged.Killmail.KillmailID, gc.Equals, uint64(1001))
}

func (s *ingestSuite) TestMalformedTimeSkipped(c *gc.C) {
	feed := &stubFeed{responses: []feedResponse{
		{pkg: &zkb.Package{
			Killmail: &killmail.Killmail{KillmailID: 1001, SolarSystemID: 30000142},
			ZKB:      map[string]any{"hash": "abc123"},
		}},
		{},
	}}
	skips := s.watchTelemetry(telemetry.FeedKillSkipped)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	skip := recv(c, skips, "skip event")
	c.Check(skip.Metadata["reason"], gc.Equals, "malformed-time")
	s.settle(c)
	c.Check(s.store.Stats().Events, gc.Equals, 0)
}

func (s *ingestSuite) TestMissingSystemSkipped(c *gc.C) {
	feed := &stubFeed{responses: []feedResponse{
		{pkg: &zkb.Package{
			Killmail: &killmail.Killmail{
				KillmailID:   1001,
				KillmailTime: killmail.NewTime(s.clock.Now()),
			},
			ZKB: map[string]any{"hash": "abc123"},
		}},
		{},
	}}
	skips := s.watchTelemetry(telemetry.FeedKillSkipped)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	skip := recv(c, skips, "skip event")
	c.Check(skip.Metadata["reason"], gc.Equals, "missing-identity")
}

func (s *ingestSuite) TestReport(c *gc.C) {
	feed := &stubFeed{responses: []feedResponse{
		{pkg: s.newFormatPackage(1001, 30000142, s.clock.Now())},
		{},
	}}
	events := s.watchSystem(30000142)

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	defer workertest.CleanKill(c, w)

	recv(c, events, "staged event")
	s.settle(c)

	report := w.Report()
	c.Check(report["state"], gc.Equals, "polling")
	c.Check(report["queue-id"], gc.Equals, "killstreamfeedtest")
	c.Check(report["received"], gc.Equals, uint64(1))
	c.Check(report["errors"], gc.Equals, uint64(0))
	c.Check(report["next-delay"], gc.Equals, "1s")
	c.Check(report["dedup-entries"], gc.Equals, 1)
}

func (s *ingestSuite) TestCleanKillDuringLongPoll(c *gc.C) {
	feed := &blockingFeed{started: make(chan struct{})}

	w := s.newWorker(c, s.newConfig(c, feed, &stubKillmails{}, &stubEnricher{}))
	recv(c, feed.started, "poll start")
	workertest.CleanKill(c, w)
}

func (s *ingestSuite) TestConfigValidate(c *gc.C) {
	base := s.newConfig(c, &stubFeed{}, &stubKillmails{}, &stubEnricher{})
	c.Check(base.Validate(), jc.ErrorIsNil)

	for _, test := range []struct {
		about  string
		mutate func(*Config)
	}{
		{"missing feed", func(cfg *Config) { cfg.Feed = nil }},
		{"missing killmail source", func(cfg *Config) { cfg.Killmails = nil }},
		{"missing enricher", func(cfg *Config) { cfg.Enricher = nil }},
		{"missing store", func(cfg *Config) { cfg.Store = nil }},
		{"missing cache", func(cfg *Config) { cfg.Cache = nil }},
		{"missing emitter", func(cfg *Config) { cfg.Emitter = nil }},
		{"missing clock", func(cfg *Config) { cfg.Clock = nil }},
		{"missing logger", func(cfg *Config) { cfg.Logger = nil }},
		{"zero cutoff", func(cfg *Config) { cfg.Cutoff = 0 }},
		{"zero fast interval", func(cfg *Config) { cfg.FastInterval = 0 }},
		{"zero idle interval", func(cfg *Config) { cfg.IdleInterval = 0 }},
		{"max backoff below idle", func(cfg *Config) { cfg.MaxBackoff = time.Second }},
		{"factor not above one", func(cfg *Config) { cfg.BackoffFactor = 1 }},
	} {
		cfg := base
		test.mutate(&cfg)
		c.Check(cfg.Validate(), jc.ErrorIs, errors.NotValid, gc.Commentf("%s", test.about))
	}
}

type feedResponse struct {
	pkg *zkb.Package
	err error
}

// stubFeed serves canned responses, repeating the last one.
type stubFeed struct {
	mu        sync.Mutex
	responses []feedResponse
	polls     int
}

func (f *stubFeed) QueueID() string { return "killstreamfeedtest" }

func (f *stubFeed) PollOnce(ctx context.Context) (*zkb.Package, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return r.pkg, r.err
}

func (f *stubFeed) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// blockingFeed parks every poll until the context ends.
type blockingFeed struct {
	started   chan struct{}
	startOnce sync.Once
}

func (f *blockingFeed) QueueID() string { return "killstreamfeedtest" }

func (f *blockingFeed) PollOnce(ctx context.Context) (*zkb.Package, error) {
	f.startOnce.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

type killmailCall struct {
	killmailID uint64
	hash       string
}

type stubKillmails struct {
	mu       sync.Mutex
	recorded []killmailCall
	km       *killmail.Killmail
	err      error
}

func (s *stubKillmails) Killmail(ctx context.Context, killmailID uint64, hash string) (*killmail.Killmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, killmailCall{killmailID: killmailID, hash: hash})
	if s.err != nil {
		return nil, s.err
	}
	return s.km, nil
}

func (s *stubKillmails) calls() []killmailCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]killmailCall(nil), s.recorded...)
}

// stubEnricher resolves every killmail to a fixed system name,
// consuming queued errors first.
type stubEnricher struct {
	mu   sync.Mutex
	errs []error
}

func (e *stubEnricher) Enrich(ctx context.Context, raw *killmail.Killmail) (*killmail.Enriched, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return nil, err
	}
	var ts killmail.Time
	if t, ok := raw.EventTime(); ok {
		ts = killmail.NewTime(t)
	}
	return &killmail.Enriched{
		KillmailID:      raw.KillmailID,
		KillmailTime:    ts,
		SolarSystemID:   raw.SolarSystemID,
		SolarSystemName: "Jita",
		TotalValue:      raw.TotalValue(),
		ZKB:             raw.CopyZKB(),
	}, nil
}
