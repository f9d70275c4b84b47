// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package eventstore is the staging area between ingestion and
// delivery: an in-memory, append-only log of enriched killmails with a
// per-client offset table. Every client reads at its own pace; garbage
// collection only reclaims what every client has already seen.
package eventstore

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"

	"github.com/killstream/killstream/core/event"
	"github.com/killstream/killstream/core/killmail"
)

// Config holds the dependencies of a Store.
type Config struct {
	// Hub carries insert notifications to whoever subscribes to the
	// per-system topics.
	Hub *pubsub.SimpleHub
	// Clock stamps events as they are inserted.
	Clock clock.Clock
	// MaxEventsPerSystem caps how many events a single system may hold
	// after garbage collection. Zero disables the cap.
	MaxEventsPerSystem int
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("missing hub")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.MaxEventsPerSystem < 0 {
		return errors.NotValidf("max events per system %d", c.MaxEventsPerSystem)
	}
	return nil
}

// Stats is a point-in-time view of the store, for the status
// aggregator.
type Stats struct {
	Events  int
	MinSeq  uint64
	MaxSeq  uint64
	Systems int
	Clients int
}

// Store is the sequence-numbered event log. The events table and the
// offsets table are guarded separately so a slow reader never blocks
// an insert for longer than a map update.
type Store struct {
	hub          *pubsub.SimpleHub
	clock        clock.Clock
	maxPerSystem int

	// mu guards the log and the sequence counter.
	mu         sync.RWMutex
	seq        uint64
	events     []event.Event
	killCounts map[uint32]uint64

	// offMu guards the per-client offset table.
	offMu   sync.Mutex
	offsets map[string]map[uint32]uint64
}

// NewStore returns an empty store.
func NewStore(config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Store{
		hub:          config.Hub,
		clock:        config.Clock,
		maxPerSystem: config.MaxEventsPerSystem,
		killCounts:   make(map[uint32]uint64),
		offsets:      make(map[string]map[uint32]uint64),
	}, nil
}

// Insert appends an enriched killmail to the log and returns its
// sequence number. The insert notification goes out on the system's
// topic only after the store mutation is visible.
func (s *Store) Insert(systemID uint32, km *killmail.Enriched) (uint64, error) {
	if systemID == 0 {
		return 0, errors.NotValidf("system id 0")
	}
	if km == nil {
		return 0, errors.NotValidf("nil killmail")
	}

	s.mu.Lock()
	s.seq++
	ev := event.Event{
		Seq:        s.seq,
		SystemID:   systemID,
		Killmail:   km,
		InsertedAt: s.clock.Now(),
	}
	s.events = append(s.events, ev)
	s.killCounts[systemID]++
	s.mu.Unlock()

	s.hub.Publish(event.Topic(systemID), ev)
	return ev.Seq, nil
}

// Fetch returns every unseen event for the client in the given
// systems, ascending by sequence, and advances the client's offsets to
// the highest sequence delivered per system.
func (s *Store) Fetch(clientID string, systemIDs []uint32) []event.Event {
	out := s.collect(clientID, systemIDs, 0)
	if len(out) > 0 {
		s.advance(clientID, out)
	}
	return out
}

// FetchOne returns the single unseen event with the smallest sequence
// for the client in the given systems, advancing only that system's
// offset.
func (s *Store) FetchOne(clientID string, systemIDs []uint32) (event.Event, bool) {
	out := s.collect(clientID, systemIDs, 1)
	if len(out) == 0 {
		return event.Event{}, false
	}
	s.advance(clientID, out)
	return out[0], true
}

// collect gathers up to limit unseen events (limit 0 means all). The
// log is ascending by construction, so the scan order is delivery
// order.
func (s *Store) collect(clientID string, systemIDs []uint32, limit int) []event.Event {
	if len(systemIDs) == 0 {
		return nil
	}
	wanted := make(map[uint32]bool, len(systemIDs))
	for _, id := range systemIDs {
		wanted[id] = true
	}
	offsets := s.clientOffsets(clientID)

	var out []event.Event
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if !wanted[ev.SystemID] || ev.Seq <= offsets[ev.SystemID] {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// clientOffsets copies the client's offset row.
func (s *Store) clientOffsets(clientID string) map[uint32]uint64 {
	s.offMu.Lock()
	defer s.offMu.Unlock()
	row := s.offsets[clientID]
	out := make(map[uint32]uint64, len(row))
	for sys, seq := range row {
		out[sys] = seq
	}
	return out
}

// advance moves the client's offsets forward to cover the delivered
// events. Offsets never move backwards.
func (s *Store) advance(clientID string, delivered []event.Event) {
	s.offMu.Lock()
	defer s.offMu.Unlock()
	row := s.offsets[clientID]
	if row == nil {
		row = make(map[uint32]uint64)
		s.offsets[clientID] = row
	}
	for _, ev := range delivered {
		if ev.Seq > row[ev.SystemID] {
			row[ev.SystemID] = ev.Seq
		}
	}
}

// Advance records that the client has consumed the given system up to
// and including seq, without fetching. The broadcaster uses this after
// pushing an event it already holds. Offsets never move backwards.
func (s *Store) Advance(clientID string, systemID uint32, seq uint64) {
	s.offMu.Lock()
	defer s.offMu.Unlock()
	row := s.offsets[clientID]
	if row == nil {
		row = make(map[uint32]uint64)
		s.offsets[clientID] = row
	}
	if seq > row[systemID] {
		row[systemID] = seq
	}
}

// DropClient forgets the client's offsets, releasing its hold on the
// garbage collection watermark.
func (s *Store) DropClient(clientID string) {
	s.offMu.Lock()
	defer s.offMu.Unlock()
	delete(s.offsets, clientID)
}

// GC removes every event all clients have consumed, and trims systems
// holding more than the per-system cap down to their newest entries.
// With no clients registered nothing is reclaimed, so events survive
// until the first subscriber has had a chance to see them.
func (s *Store) GC() int {
	watermark, haveClients := s.watermark()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return 0
	}

	var removed int
	var kept []event.Event
	for _, ev := range s.events {
		if haveClients && ev.Seq <= watermark {
			removed++
			continue
		}
		kept = append(kept, ev)
	}

	if s.maxPerSystem > 0 {
		counts := make(map[uint32]int)
		for _, ev := range kept {
			counts[ev.SystemID]++
		}
		drop := make(map[uint32]int)
		for sys, n := range counts {
			if n > s.maxPerSystem {
				drop[sys] = n - s.maxPerSystem
			}
		}
		if len(drop) > 0 {
			capped := make([]event.Event, 0, len(kept))
			for _, ev := range kept {
				if drop[ev.SystemID] > 0 {
					drop[ev.SystemID]--
					removed++
					continue
				}
				capped = append(capped, ev)
			}
			kept = capped
		}
	}

	s.events = kept
	return removed
}

// watermark returns the lowest offset held by any client, and whether
// any client exists at all.
func (s *Store) watermark() (uint64, bool) {
	s.offMu.Lock()
	defer s.offMu.Unlock()
	var (
		min  uint64
		seen bool
	)
	for _, row := range s.offsets {
		for _, seq := range row {
			if !seen || seq < min {
				min = seq
				seen = true
			}
		}
	}
	return min, seen
}

// KillCount returns how many killmails have ever been inserted for the
// system. Garbage collection does not reduce it.
func (s *Store) KillCount(systemID uint32) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.killCounts[systemID]
}

// Stats returns a snapshot of store occupancy.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	stats := Stats{Events: len(s.events)}
	if len(s.events) > 0 {
		stats.MinSeq = s.events[0].Seq
		stats.MaxSeq = s.events[len(s.events)-1].Seq
	}
	systems := make(map[uint32]bool)
	for _, ev := range s.events {
		systems[ev.SystemID] = true
	}
	stats.Systems = len(systems)
	s.mu.RUnlock()

	s.offMu.Lock()
	stats.Clients = len(s.offsets)
	s.offMu.Unlock()
	return stats
}
