// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ratelimit guards the external services behind per-service
// token buckets. TryAcquire refuses instead of queueing so callers
// decide what a refusal means for them; Acquire waits out the refill
// for the few callers that should pace themselves.
package ratelimit

import (
	"context"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/ratelimit"
)

// The services guarded by default.
const (
	FeedSource       = "feed-source"
	EnrichmentSource = "enrichment-source"
)

// ErrRateLimited is returned when a bucket has no token to give.
const ErrRateLimited = errors.ConstError("rate limited")

// BucketSpec shapes one service's bucket.
type BucketSpec struct {
	Capacity        int
	RefillPerMinute int
}

// Validate returns an error if the spec cannot shape a bucket.
func (s BucketSpec) Validate() error {
	if s.Capacity <= 0 {
		return errors.NotValidf("capacity %d", s.Capacity)
	}
	if s.RefillPerMinute <= 0 {
		return errors.NotValidf("refill rate %d", s.RefillPerMinute)
	}
	return nil
}

// Snapshot is a point-in-time view of one bucket, for the status
// aggregator.
type Snapshot struct {
	Service         string
	Available       int64
	Capacity        int64
	RefillPerMinute int
}

type serviceBucket struct {
	bucket          *ratelimit.Bucket
	refillPerMinute int
}

// Limiter holds one token bucket per guarded service. The service set
// is fixed at construction; the buckets do their own locking and refill
// lazily from the injected clock.
type Limiter struct {
	clock    clock.Clock
	services map[string]serviceBucket
}

// NewLimiter returns a limiter guarding the given services.
func NewLimiter(clk clock.Clock, specs map[string]BucketSpec) (*Limiter, error) {
	if clk == nil {
		return nil, errors.NotValidf("missing clock")
	}
	services := make(map[string]serviceBucket, len(specs))
	for name, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, errors.Annotatef(err, "service %q", name)
		}
		rate := float64(spec.RefillPerMinute) / 60.0
		services[name] = serviceBucket{
			bucket: ratelimit.NewBucketWithRateAndClock(
				rate, int64(spec.Capacity), bucketClock{clk},
			),
			refillPerMinute: spec.RefillPerMinute,
		}
	}
	return &Limiter{clock: clk, services: services}, nil
}

// DefaultSpecs returns the bucket shapes for the two default services.
func DefaultSpecs(feed, enrichment BucketSpec) map[string]BucketSpec {
	return map[string]BucketSpec{
		FeedSource:       feed,
		EnrichmentSource: enrichment,
	}
}

// TryAcquire takes one token from the service's bucket, returning
// ErrRateLimited when none is available. Unknown services are refused
// with NotFound.
func (l *Limiter) TryAcquire(service string) error {
	sb, ok := l.services[service]
	if !ok {
		return errors.NotFoundf("service %q", service)
	}
	if sb.bucket.TakeAvailable(1) == 0 {
		return errors.Annotatef(ErrRateLimited, "service %q", service)
	}
	return nil
}

// Acquire takes one token from the service's bucket, waiting out the
// refill when none is immediately available. The token is committed
// when Acquire returns nil; a cancelled wait gives its token back to
// no one, which under-counts by at most one.
func (l *Limiter) Acquire(ctx context.Context, service string) error {
	sb, ok := l.services[service]
	if !ok {
		return errors.NotFoundf("service %q", service)
	}
	wait := sb.bucket.Take(1)
	if wait <= 0 {
		return nil
	}
	select {
	case <-l.clock.After(wait):
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// State returns a snapshot of the service's bucket.
func (l *Limiter) State(service string) (Snapshot, error) {
	sb, ok := l.services[service]
	if !ok {
		return Snapshot{}, errors.NotFoundf("service %q", service)
	}
	return Snapshot{
		Service:         service,
		Available:       sb.bucket.Available(),
		Capacity:        sb.bucket.Capacity(),
		RefillPerMinute: sb.refillPerMinute,
	}, nil
}

// States returns snapshots for every guarded service, ordered by
// service name.
func (l *Limiter) States() []Snapshot {
	snapshots := make([]Snapshot, 0, len(l.services))
	for name := range l.services {
		snapshot, _ := l.State(name)
		snapshots = append(snapshots, snapshot)
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Service < snapshots[j].Service
	})
	return snapshots
}

// bucketClock bridges clock.Clock to the bucket's clock interface.
type bucketClock struct {
	clock.Clock
}

// Sleep is never reached through TryAcquire; it exists to satisfy the
// bucket's interface.
func (c bucketClock) Sleep(d time.Duration) {
	<-c.Clock.After(d)
}
