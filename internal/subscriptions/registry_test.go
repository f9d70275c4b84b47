// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package subscriptions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/subscription"
	"github.com/killstream/killstream/internal/logger/loggertesting"
	"github.com/killstream/killstream/internal/testhelpers"
)

type registrySuite struct {
	hub   *pubsub.SimpleHub
	clock *testclock.Clock
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.hub = pubsub.NewSimpleHub(nil)
	s.clock = testclock.NewClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

func (s *registrySuite) newRegistry(c *gc.C) *Registry {
	registry, err := NewRegistry(Config{
		Hub:        s.hub,
		Clock:      s.clock,
		Logger:     loggertesting.WrapCheckLog(c),
		MaxSystems: subscription.MaxSubscribedSystems,
	})
	c.Assert(err, jc.ErrorIsNil)
	return registry
}

func (s *registrySuite) subscribe(c *gc.C, r *Registry, subscriberID string, systems ...uint32) string {
	subID, err := r.Subscribe(context.Background(), Request{
		SubscriberID: subscriberID,
		Systems:      systems,
	})
	c.Assert(err, jc.ErrorIsNil)
	return subID
}

func (s *registrySuite) TestSubscribe(c *gc.C) {
	registry := s.newRegistry(c)

	subID := s.subscribe(c, registry, "alice", 30000142, 30002187)
	c.Check(subID, gc.Matches, "[0-9a-f]{16}")

	sub, err := registry.Get(subID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(sub.SubscriberID, gc.Equals, "alice")
	c.Check(sub.SystemIDs(), gc.DeepEquals, []uint32{30000142, 30002187})
	c.Check(sub.CreatedAt, gc.Equals, s.clock.Now())
	c.Check(registry.Len(), gc.Equals, 1)
}

func (s *registrySuite) TestSubIDDerivation(c *gc.C) {
	registry := s.newRegistry(c)

	subID := s.subscribe(c, registry, "alice", 30000142)
	sum := sha256.Sum256([]byte(fmt.Sprintf("alice:%d", s.clock.Now().UnixMicro())))
	c.Check(subID, gc.Equals, hex.EncodeToString(sum[:])[:16])
}

func (s *registrySuite) TestSubIDCollisionNudged(c *gc.C) {
	registry := s.newRegistry(c)

	// The clock is frozen, so both subscriptions land on the same
	// microsecond.
	first := s.subscribe(c, registry, "alice", 30000142)
	second := s.subscribe(c, registry, "alice", 30002187)
	c.Check(first, gc.Not(gc.Equals), second)
	c.Check(registry.Len(), gc.Equals, 2)
}

func (s *registrySuite) TestSubscribeValidation(c *gc.C) {
	registry := s.newRegistry(c)

	for i, test := range []struct {
		about string
		req   Request
	}{{
		about: "empty subscriber",
		req:   Request{Systems: []uint32{30000142}},
	}, {
		about: "no systems",
		req:   Request{SubscriberID: "alice"},
	}, {
		about: "system id zero",
		req:   Request{SubscriberID: "alice", Systems: []uint32{0}},
	}, {
		about: "system id beyond bound",
		req:   Request{SubscriberID: "alice", Systems: []uint32{subscription.MaxSystemID + 1}},
	}, {
		about: "relative callback URL",
		req:   Request{SubscriberID: "alice", Systems: []uint32{30000142}, CallbackURL: "/hook"},
	}, {
		about: "non-http callback URL",
		req:   Request{SubscriberID: "alice", Systems: []uint32{30000142}, CallbackURL: "ftp://example.com/hook"},
	}} {
		c.Logf("test %d: %s", i, test.about)
		_, err := registry.Subscribe(context.Background(), test.req)
		c.Check(err, jc.ErrorIs, errors.NotValid)
	}
	c.Check(registry.Len(), gc.Equals, 0)
}

func (s *registrySuite) TestSystemCountBoundary(c *gc.C) {
	registry := s.newRegistry(c)

	atLimit := make([]uint32, subscription.MaxSubscribedSystems)
	for i := range atLimit {
		atLimit[i] = uint32(30000000 + i)
	}
	_, err := registry.Subscribe(context.Background(), Request{
		SubscriberID: "alice",
		Systems:      atLimit,
	})
	c.Check(err, jc.ErrorIsNil)

	overLimit := append(atLimit, 31000000)
	_, err = registry.Subscribe(context.Background(), Request{
		SubscriberID: "bob",
		Systems:      overLimit,
	})
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

func (s *registrySuite) TestSubscribePublishesCreated(c *gc.C) {
	registry := s.newRegistry(c)

	created := make(chan CreatedEvent, 1)
	unsub := s.hub.Subscribe(subscription.CreatedTopic, func(topic string, data interface{}) {
		created <- data.(CreatedEvent)
	})
	defer unsub()

	preload := &params.PreloadConfig{LimitPerSystem: 25}
	subID, err := registry.Subscribe(context.Background(), Request{
		SubscriberID: "alice",
		Systems:      []uint32{30000142},
		CallbackURL:  "https://example.com/hook",
		Preload:      preload,
	})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case ev := <-created:
		c.Check(ev.Subscription.ID, gc.Equals, subID)
		c.Check(ev.Subscription.CallbackURL, gc.Equals, "https://example.com/hook")
		c.Check(ev.Preload, gc.DeepEquals, preload)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for created event")
	}
}

func (s *registrySuite) TestUnsubscribeRemovesAll(c *gc.C) {
	registry := s.newRegistry(c)

	removed := make(chan RemovedEvent, 4)
	unsub := s.hub.Subscribe(subscription.RemovedTopic, func(topic string, data interface{}) {
		removed <- data.(RemovedEvent)
	})
	defer unsub()

	first := s.subscribe(c, registry, "alice", 30000142)
	second := s.subscribe(c, registry, "alice", 30002187)
	other := s.subscribe(c, registry, "bob", 30000142)

	registry.Unsubscribe(context.Background(), "alice")
	c.Check(registry.Len(), gc.Equals, 1)
	_, err := registry.Get(first)
	c.Check(err, jc.ErrorIs, errors.NotFound)
	_, err = registry.Get(second)
	c.Check(err, jc.ErrorIs, errors.NotFound)
	_, err = registry.Get(other)
	c.Check(err, jc.ErrorIsNil)

	seen := drainRemoved(c, removed, 2)
	c.Check(seen[first], jc.IsTrue)
	c.Check(seen[second], jc.IsTrue)
}

func (s *registrySuite) TestRemove(c *gc.C) {
	registry := s.newRegistry(c)

	subID := s.subscribe(c, registry, "alice", 30000142)
	c.Assert(registry.Remove(context.Background(), subID), jc.ErrorIsNil)
	c.Check(registry.Len(), gc.Equals, 0)

	c.Check(registry.Remove(context.Background(), subID), jc.ErrorIs, errors.NotFound)
}

func (s *registrySuite) TestUpdateReplacesSystems(c *gc.C) {
	registry := s.newRegistry(c)

	subID := s.subscribe(c, registry, "alice", 30000142)
	c.Assert(registry.Update(subID, []uint32{30002187, 30004759}), jc.ErrorIsNil)

	sub, err := registry.Get(subID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(sub.SystemIDs(), gc.DeepEquals, []uint32{30002187, 30004759})
	c.Check(sub.Matches(30000142), jc.IsFalse)
}

func (s *registrySuite) TestUpdateValidates(c *gc.C) {
	registry := s.newRegistry(c)

	subID := s.subscribe(c, registry, "alice", 30000142)
	c.Check(registry.Update(subID, nil), jc.ErrorIs, errors.NotValid)
	c.Check(registry.Update("0123456789abcdef", []uint32{30000142}), jc.ErrorIs, errors.NotFound)

	sub, err := registry.Get(subID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(sub.SystemIDs(), gc.DeepEquals, []uint32{30000142})
}

func (s *registrySuite) TestMatchSystem(c *gc.C) {
	registry := s.newRegistry(c)

	first := s.subscribe(c, registry, "alice", 30000142, 30002187)
	s.subscribe(c, registry, "bob", 30004759)

	matches := registry.MatchSystem(30000142)
	c.Assert(matches, gc.HasLen, 1)
	c.Check(matches[0].ID, gc.Equals, first)
	c.Check(registry.MatchSystem(31000001), gc.HasLen, 0)
}

func (s *registrySuite) TestSenderIndirection(c *gc.C) {
	registry := s.newRegistry(c)

	subID := s.subscribe(c, registry, "alice", 30000142)
	_, ok := registry.Sender(subID)
	c.Check(ok, jc.IsFalse)

	sender := &recordingSender{}
	c.Assert(registry.AttachSender(subID, sender), jc.ErrorIsNil)
	got, ok := registry.Sender(subID)
	c.Assert(ok, jc.IsTrue)
	c.Check(got, gc.Equals, sender)

	registry.DetachSender(subID)
	_, ok = registry.Sender(subID)
	c.Check(ok, jc.IsFalse)

	// The subscription itself survives the session.
	_, err := registry.Get(subID)
	c.Check(err, jc.ErrorIsNil)
}

func (s *registrySuite) TestAttachSenderUnknownSubscription(c *gc.C) {
	registry := s.newRegistry(c)
	err := registry.AttachSender("0123456789abcdef", &recordingSender{})
	c.Check(err, jc.ErrorIs, errors.NotFound)
}

func (s *registrySuite) TestSubscribeAttachesSender(c *gc.C) {
	registry := s.newRegistry(c)

	// A sender supplied with the request is reachable by the time the
	// subscription is announced.
	attached := make(chan bool, 1)
	unsubscribe := s.hub.Subscribe(subscription.CreatedTopic, func(topic string, data interface{}) {
		ev := data.(CreatedEvent)
		_, ok := registry.Sender(ev.Subscription.ID)
		attached <- ok
	})
	defer unsubscribe()

	sender := &recordingSender{}
	subID, err := registry.Subscribe(context.Background(), Request{
		SubscriberID: "alice",
		Systems:      []uint32{30000142},
		Sender:       sender,
	})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case ok := <-attached:
		c.Check(ok, jc.IsTrue)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("timed out waiting for created event")
	}

	got, ok := registry.Sender(subID)
	c.Assert(ok, jc.IsTrue)
	c.Check(got, gc.Equals, sender)
}

func (s *registrySuite) TestRemoveDropsSender(c *gc.C) {
	registry := s.newRegistry(c)

	subID := s.subscribe(c, registry, "alice", 30000142)
	c.Assert(registry.AttachSender(subID, &recordingSender{}), jc.ErrorIsNil)
	c.Assert(registry.Remove(context.Background(), subID), jc.ErrorIsNil)

	_, ok := registry.Sender(subID)
	c.Check(ok, jc.IsFalse)
}

func (s *registrySuite) TestCountsByKind(c *gc.C) {
	registry := s.newRegistry(c)

	chanSub := s.subscribe(c, registry, "alice", 30000142)
	_, err := registry.Subscribe(context.Background(), Request{
		SubscriberID: "bob",
		Systems:      []uint32{30002187},
		CallbackURL:  "https://example.com/hook",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registry.AttachSender(chanSub, &recordingSender{}), jc.ErrorIsNil)

	channels, webhooks := registry.CountsByKind()
	c.Check(channels, gc.Equals, 1)
	c.Check(webhooks, gc.Equals, 1)
}

func (s *registrySuite) TestListOrdered(c *gc.C) {
	registry := s.newRegistry(c)

	s.subscribe(c, registry, "alice", 30000142)
	s.subscribe(c, registry, "bob", 30002187)

	subs := registry.List()
	c.Assert(subs, gc.HasLen, 2)
	c.Check(subs[0].ID < subs[1].ID, jc.IsTrue)
}

func (s *registrySuite) TestReturnedSubscriptionIsACopy(c *gc.C) {
	registry := s.newRegistry(c)

	subID := s.subscribe(c, registry, "alice", 30000142)
	sub, err := registry.Get(subID)
	c.Assert(err, jc.ErrorIsNil)
	sub.Systems.Add(31000001)

	fresh, err := registry.Get(subID)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(fresh.Matches(31000001), jc.IsFalse)
}

func (s *registrySuite) TestValidateConfig(c *gc.C) {
	cfg := Config{
		Hub:        s.hub,
		Clock:      s.clock,
		Logger:     loggertesting.WrapCheckLog(c),
		MaxSystems: 100,
	}
	c.Check(cfg.Validate(), jc.ErrorIsNil)

	bad := cfg
	bad.Hub = nil
	c.Check(bad.Validate(), jc.ErrorIs, errors.NotValid)

	bad = cfg
	bad.Clock = nil
	c.Check(bad.Validate(), jc.ErrorIs, errors.NotValid)

	bad = cfg
	bad.Logger = nil
	c.Check(bad.Validate(), jc.ErrorIs, errors.NotValid)

	bad = cfg
	bad.MaxSystems = 0
	c.Check(bad.Validate(), jc.ErrorIs, errors.NotValid)
}

// recordingSender remembers what it was asked to deliver.
type recordingSender struct {
	sent []params.ChannelMessage
	gaps int
}

func (r *recordingSender) Send(msg params.ChannelMessage) error {
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingSender) Gap() {
	r.gaps++
}

// drainRemoved collects n removal events into a set of subscription ids.
func drainRemoved(c *gc.C, ch chan RemovedEvent, n int) map[string]bool {
	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			seen[ev.SubscriptionID] = true
		case <-time.After(testhelpers.LongWait):
			c.Fatalf("timed out waiting for removed event %d", i)
		}
	}
	return seen
}
