// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package subscriptions owns the live subscription set: who is
// listening, to which systems, and how to reach them. The registry is
// the only holder of delivery handles; every other component refers to
// a subscription by id and goes through the registry to reach its
// sender, so connections and subscriptions never reference each other
// directly.
package subscriptions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/killstream/killstream/apiserver/params"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/core/subscription"
)

// Sender pushes frames to one subscription's live delivery leg.
// Channel sessions and webhook adapters both implement it.
type Sender interface {
	// Send delivers one frame. An error means the leg is broken and
	// the frame was not delivered.
	Send(msg params.ChannelMessage) error
	// Gap records that frames were dropped before the next Send, so
	// the client knows to re-sync.
	Gap()
}

// CreatedEvent is published on subscription.CreatedTopic for every new
// subscription.
type CreatedEvent struct {
	Subscription subscription.Subscription
	Preload      *params.PreloadConfig
}

// RemovedEvent is published on subscription.RemovedTopic when a
// subscription goes away.
type RemovedEvent struct {
	SubscriptionID string
	SubscriberID   string
}

// Request describes the subscription a client is asking for.
type Request struct {
	// SubscriberID is the client's durable identity.
	SubscriberID string
	// Systems are the solar systems the client wants events for.
	Systems []uint32
	// CallbackURL, when set, is POSTed killmail updates.
	CallbackURL string
	// Preload shapes the historical backfill. Nil takes the defaults.
	Preload *params.PreloadConfig
	// Sender, when set, is attached before the subscription is
	// announced, so the preload scheduler never sees a channel
	// subscription without its session.
	Sender Sender
}

// Config holds everything a Registry needs.
type Config struct {
	Hub        *pubsub.SimpleHub
	Clock      clock.Clock
	Logger     logger.Logger
	MaxSystems int
}

// Validate returns an error if the config cannot back a registry.
func (c Config) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.MaxSystems < 1 {
		return errors.NotValidf("max systems %d", c.MaxSystems)
	}
	return nil
}

// Registry is the authority on live subscriptions.
type Registry struct {
	hub        *pubsub.SimpleHub
	clock      clock.Clock
	logger     logger.Logger
	maxSystems int

	mu           sync.RWMutex
	subs         map[string]subscription.Subscription
	bySubscriber map[string]set.Strings
	senders      map[string]Sender
}

// NewRegistry returns an empty registry.
func NewRegistry(config Config) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Registry{
		hub:          config.Hub,
		clock:        config.Clock,
		logger:       config.Logger,
		maxSystems:   config.MaxSystems,
		subs:         make(map[string]subscription.Subscription),
		bySubscriber: make(map[string]set.Strings),
		senders:      make(map[string]Sender),
	}, nil
}

// Subscribe registers a new subscription and announces it on the hub.
// The returned id is how every other component refers to it.
func (r *Registry) Subscribe(ctx context.Context, req Request) (string, error) {
	if err := r.validateRequest(req); err != nil {
		return "", errors.Trace(err)
	}

	systems := set.NewInts()
	for _, id := range req.Systems {
		systems.Add(int(id))
	}

	r.mu.Lock()
	sub := subscription.Subscription{
		ID:           r.newSubIDLocked(req.SubscriberID),
		SubscriberID: req.SubscriberID,
		Systems:      systems,
		CallbackURL:  req.CallbackURL,
		CreatedAt:    r.clock.Now(),
	}
	r.subs[sub.ID] = sub
	if req.Sender != nil {
		r.senders[sub.ID] = req.Sender
	}
	ids, ok := r.bySubscriber[req.SubscriberID]
	if !ok {
		ids = set.NewStrings()
		r.bySubscriber[req.SubscriberID] = ids
	}
	ids.Add(sub.ID)
	r.mu.Unlock()

	r.logger.Infof(ctx, "subscriber %q registered %s covering %d systems", req.SubscriberID, sub.ID, systems.Size())
	r.hub.Publish(subscription.CreatedTopic, CreatedEvent{
		Subscription: sub.Copy(),
		Preload:      req.Preload,
	})
	return sub.ID, nil
}

// Unsubscribe removes every subscription held by the subscriber,
// announcing each removal.
func (r *Registry) Unsubscribe(ctx context.Context, subscriberID string) {
	r.mu.Lock()
	ids := r.bySubscriber[subscriberID]
	var removed []subscription.Subscription
	for _, id := range ids.SortedValues() {
		removed = append(removed, r.removeLocked(id))
	}
	r.mu.Unlock()

	for _, sub := range removed {
		r.publishRemoved(ctx, sub)
	}
}

// Remove drops a single subscription by id.
func (r *Registry) Remove(ctx context.Context, subID string) error {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if !ok {
		r.mu.Unlock()
		return errors.NotFoundf("subscription %q", subID)
	}
	r.removeLocked(sub.ID)
	r.mu.Unlock()

	r.publishRemoved(ctx, sub)
	return nil
}

// Get returns the subscription with the given id.
func (r *Registry) Get(subID string) (subscription.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[subID]
	if !ok {
		return subscription.Subscription{}, errors.NotFoundf("subscription %q", subID)
	}
	return sub.Copy(), nil
}

// List returns every live subscription, ordered by id.
func (r *Registry) List() []subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	out := make([]subscription.Subscription, 0, len(ids))
	for _, id := range set.NewStrings(ids...).SortedValues() {
		out = append(out, r.subs[id].Copy())
	}
	return out
}

// MatchSystem returns every subscription covering the given system.
func (r *Registry) MatchSystem(systemID uint32) []subscription.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []subscription.Subscription
	for _, sub := range r.subs {
		if sub.Matches(systemID) {
			out = append(out, sub.Copy())
		}
	}
	return out
}

// Update replaces the subscription's system set.
func (r *Registry) Update(subID string, systems []uint32) error {
	if err := r.validateSystems(systems); err != nil {
		return errors.Trace(err)
	}
	updated := set.NewInts()
	for _, id := range systems {
		updated.Add(int(id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subID]
	if !ok {
		return errors.NotFoundf("subscription %q", subID)
	}
	sub.Systems = updated
	r.subs[subID] = sub
	return nil
}

// AttachSender wires a live delivery leg to the subscription.
func (r *Registry) AttachSender(subID string, sender Sender) error {
	if sender == nil {
		return errors.NotValidf("nil sender")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[subID]; !ok {
		return errors.NotFoundf("subscription %q", subID)
	}
	r.senders[subID] = sender
	return nil
}

// DetachSender drops the subscription's delivery leg, if any. The
// subscription itself stays registered; a webhook leg keeps working
// and a channel client may re-attach on reconnect.
func (r *Registry) DetachSender(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.senders, subID)
}

// Sender returns the subscription's live delivery leg.
func (r *Registry) Sender(subID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.senders[subID]
	return sender, ok
}

// CountsByKind reports how many subscriptions have a channel session
// attached and how many deliver by webhook. A subscription mid-
// reconnect can hold both legs, so the counts are independent.
func (r *Registry) CountsByKind() (channels, webhooks int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels = len(r.senders)
	for _, sub := range r.subs {
		if sub.CallbackURL != "" {
			webhooks++
		}
	}
	return channels, webhooks
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// removeLocked unregisters the subscription and returns it. Callers
// hold the write lock and publish the removal after unlocking.
func (r *Registry) removeLocked(subID string) subscription.Subscription {
	sub := r.subs[subID]
	delete(r.subs, subID)
	delete(r.senders, subID)
	if ids, ok := r.bySubscriber[sub.SubscriberID]; ok {
		ids.Remove(subID)
		if ids.IsEmpty() {
			delete(r.bySubscriber, sub.SubscriberID)
		}
	}
	return sub
}

func (r *Registry) publishRemoved(ctx context.Context, sub subscription.Subscription) {
	r.logger.Infof(ctx, "subscription %s for %q removed", sub.ID, sub.SubscriberID)
	r.hub.Publish(subscription.RemovedTopic, RemovedEvent{
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
	})
}

// newSubIDLocked derives a subscription id from the subscriber and the
// current microsecond. Two subscriptions from one subscriber in the
// same microsecond would collide, so the stamp is nudged until the id
// is free.
func (r *Registry) newSubIDLocked(subscriberID string) string {
	micros := r.clock.Now().UnixMicro()
	for {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", subscriberID, micros)))
		id := hex.EncodeToString(sum[:])[:16]
		if _, exists := r.subs[id]; !exists {
			return id
		}
		micros++
	}
}

func (r *Registry) validateRequest(req Request) error {
	if req.SubscriberID == "" {
		return errors.NotValidf("empty subscriber id")
	}
	if err := r.validateSystems(req.Systems); err != nil {
		return errors.Trace(err)
	}
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return errors.NotValidf("callback URL %q", req.CallbackURL)
		}
	}
	return nil
}

func (r *Registry) validateSystems(systems []uint32) error {
	if len(systems) == 0 {
		return errors.NotValidf("empty system list")
	}
	if len(systems) > r.maxSystems {
		return errors.NotValidf("%d systems (limit %d)", len(systems), r.maxSystems)
	}
	for _, id := range systems {
		if id == 0 || id > subscription.MaxSystemID {
			return errors.NotValidf("system id %d", id)
		}
	}
	return nil
}
