// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package enricher resolves the entity references carried by a raw
// killmail (pilots, corporations, alliances, ship and weapon types,
// the solar system) into display names, producing the enriched record
// delivered to subscribers. Lookups go through the entity cache so a
// busy system resolves each entity once, and failures degrade names
// rather than dropping the event.
package enricher

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/killstream/killstream/core/entity"
	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/breaker"
	"github.com/killstream/killstream/internal/kvcache"
)

// unknownName is what a field reads when its entity exists but could
// not be fetched. A rejected circuit leaves names empty instead, so a
// record enriched while the metadata API is down carries no filler.
const unknownName = "unknown"

// EntitySource fetches entity attributes from the metadata API.
type EntitySource interface {
	// Entity resolves one entity reference to its attribute map.
	Entity(ctx context.Context, ref entity.Ref) (entity.Attributes, error)
}

// Config holds everything an Enricher needs.
type Config struct {
	// Source fetches entities missing from the cache.
	Source EntitySource
	// Cache holds resolved entities by (namespace, id).
	Cache *kvcache.Cache
	// Logger is used to log degraded resolutions.
	Logger logger.Logger
	// MaxConcurrency bounds parallel attacker resolution.
	MaxConcurrency int
	// ParallelThreshold is the attacker count above which resolution
	// fans out instead of running inline.
	ParallelThreshold int
	// TaskTimeout bounds each individual entity fetch.
	TaskTimeout time.Duration
}

// Validate returns an error if the config cannot back an enricher.
func (c Config) Validate() error {
	if c.Source == nil {
		return errors.NotValidf("nil Source")
	}
	if c.Cache == nil {
		return errors.NotValidf("nil Cache")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.MaxConcurrency < 1 {
		return errors.NotValidf("max concurrency %d", c.MaxConcurrency)
	}
	if c.ParallelThreshold < 0 {
		return errors.NotValidf("parallel threshold %d", c.ParallelThreshold)
	}
	if c.TaskTimeout <= 0 {
		return errors.NotValidf("task timeout %v", c.TaskTimeout)
	}
	return nil
}

// Enricher turns raw killmails into enriched ones.
type Enricher struct {
	source            EntitySource
	cache             *kvcache.Cache
	logger            logger.Logger
	maxConcurrency    int
	parallelThreshold int
	taskTimeout       time.Duration
}

// New returns an enricher resolving entities through the given source
// and cache.
func New(config Config) (*Enricher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Enricher{
		source:            config.Source,
		cache:             config.Cache,
		logger:            config.Logger,
		maxConcurrency:    config.MaxConcurrency,
		parallelThreshold: config.ParallelThreshold,
		taskTimeout:       config.TaskTimeout,
	}, nil
}

// Enrich resolves every entity the killmail refers to and returns the
// enriched record. The input is never mutated and its zkb metadata is
// carried over verbatim. Resolution failures degrade the affected
// names; Enrich only errors on an unusable input, never because the
// metadata API is unhappy.
func (e *Enricher) Enrich(ctx context.Context, raw *killmail.Killmail) (*killmail.Enriched, error) {
	if raw == nil {
		return nil, errors.NotValidf("nil killmail")
	}

	enriched := &killmail.Enriched{
		KillmailID:    raw.KillmailID,
		SolarSystemID: raw.SolarSystemID,
		TotalValue:    raw.TotalValue(),
		ZKB:           raw.CopyZKB(),
	}
	if ts, ok := raw.EventTime(); ok {
		enriched.KillmailTime = killmail.NewTime(ts)
	}
	if raw.SolarSystemID > 0 {
		systemID := int64(raw.SolarSystemID)
		enriched.SolarSystemName = e.nameFor(ctx, entity.SolarSystem, &systemID)
	}

	enriched.Victim = e.enrichVictim(ctx, raw.Victim)
	enriched.Attackers = e.enrichAttackers(ctx, raw.Attackers)
	return enriched, nil
}

func (e *Enricher) enrichVictim(ctx context.Context, v killmail.Victim) killmail.EnrichedVictim {
	return killmail.EnrichedVictim{
		Victim:          v,
		CharacterName:   e.nameFor(ctx, entity.Character, v.CharacterID),
		CorporationName: e.nameFor(ctx, entity.Corporation, v.CorporationID),
		AllianceName:    e.nameFor(ctx, entity.Alliance, v.AllianceID),
		ShipName:        e.nameFor(ctx, entity.ShipType, v.ShipTypeID),
	}
}

// enrichAttackers resolves every attacker, fanning out when the list is
// long enough for parallelism to pay for itself. Each goroutine owns
// one attacker's slot so no locking is needed on the result.
func (e *Enricher) enrichAttackers(ctx context.Context, attackers []killmail.Attacker) []killmail.EnrichedAttacker {
	enriched := make([]killmail.EnrichedAttacker, len(attackers))
	if len(attackers) <= e.parallelThreshold {
		for i, a := range attackers {
			enriched[i] = e.enrichAttacker(ctx, a)
		}
		return enriched
	}

	var group errgroup.Group
	group.SetLimit(e.maxConcurrency)
	for i, a := range attackers {
		i, a := i, a
		group.Go(func() error {
			enriched[i] = e.enrichAttacker(ctx, a)
			return nil
		})
	}
	_ = group.Wait()
	return enriched
}

func (e *Enricher) enrichAttacker(ctx context.Context, a killmail.Attacker) killmail.EnrichedAttacker {
	return killmail.EnrichedAttacker{
		Attacker:        a,
		CharacterName:   e.nameFor(ctx, entity.Character, a.CharacterID),
		CorporationName: e.nameFor(ctx, entity.Corporation, a.CorporationID),
		AllianceName:    e.nameFor(ctx, entity.Alliance, a.AllianceID),
		ShipName:        e.nameFor(ctx, entity.ShipType, a.ShipTypeID),
		WeaponName:      e.nameFor(ctx, entity.ShipType, a.WeaponTypeID),
	}
}

// nameFor resolves an optional entity id to a display name. A nil or
// non-positive id means the killmail simply does not carry that field.
// A fetch failure degrades the name to "unknown"; a rejected circuit or
// cancelled caller leaves it empty.
func (e *Enricher) nameFor(ctx context.Context, kind entity.Kind, id *int64) string {
	if id == nil || *id <= 0 {
		return ""
	}
	ref := entity.Ref{Kind: kind, ID: *id}
	name, err := e.resolve(ctx, ref)
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
			return ""
		}
		e.logger.Debugf(ctx, "resolving %s: %v", ref, err)
		return unknownName
	}
	return name
}

// resolve returns the entity's name, fetching through the cache on a
// miss. Concurrent resolutions of the same entity share one fetch.
func (e *Enricher) resolve(ctx context.Context, ref entity.Ref) (string, error) {
	value, err := e.cache.GetOrFetch(ctx, ref.Kind.Namespace(), strconv.FormatInt(ref.ID, 10), func(ctx context.Context) (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
		attrs, err := e.source.Entity(fetchCtx, ref)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return attrs, nil
	})
	if err != nil {
		return "", errors.Trace(err)
	}
	attrs, ok := value.(entity.Attributes)
	if !ok {
		return "", errors.NotValidf("cached value for %s", ref)
	}
	return attrs.Name(), nil
}
