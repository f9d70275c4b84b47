// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package breaker fails calls fast once a guarded service has shown
// itself to be unhealthy. Each service gets its own circuit; a tripped
// circuit rejects callers until a cooldown has passed, then admits a
// single probe to decide whether the service has recovered.
package breaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// ErrCircuitOpen is returned when a circuit is open and the call was
// rejected without reaching the wrapped function.
const ErrCircuitOpen = errors.ConstError("circuit open")

// State enumerates the positions a circuit can be in.
type State int

const (
	// Closed passes calls through, counting consecutive failures.
	Closed State = iota
	// Open rejects every call until the cooldown elapses.
	Open
	// HalfOpen admits a single probe call; everyone else is rejected
	// until the probe's outcome is known.
	HalfOpen
)

// String is part of fmt.Stringer.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds the shared shape of every circuit managed by a Breaker.
type Config struct {
	// Clock supplies the time used for cooldown arithmetic.
	Clock clock.Clock
	// Threshold is the number of consecutive failures that trips a
	// closed circuit.
	Threshold int
	// Cooldown is how long a tripped circuit rejects calls before a
	// probe is admitted.
	Cooldown time.Duration
	// ProbeTimeout bounds the single half-open probe call.
	ProbeTimeout time.Duration
}

// Validate returns an error if the config cannot shape a breaker.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Threshold < 1 {
		return errors.NotValidf("threshold %d", c.Threshold)
	}
	if c.Cooldown <= 0 {
		return errors.NotValidf("cooldown %v", c.Cooldown)
	}
	if c.ProbeTimeout <= 0 {
		return errors.NotValidf("probe timeout %v", c.ProbeTimeout)
	}
	return nil
}

// Snapshot is a point-in-time view of one circuit, for the status
// aggregator.
type Snapshot struct {
	Service     string
	State       State
	Failures    int
	LastFailure time.Time
}

type circuit struct {
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
	forced      bool
}

// Breaker holds one circuit per guarded service. The service set is
// fixed at construction. Calls run outside the lock; only the
// admission and outcome bookkeeping are serialised.
type Breaker struct {
	clock        clock.Clock
	threshold    int
	cooldown     time.Duration
	probeTimeout time.Duration

	mu       sync.Mutex
	services map[string]*circuit
}

// New returns a breaker with a closed circuit for each named service.
func New(config Config, services ...string) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	circuits := make(map[string]*circuit, len(services))
	for _, name := range services {
		circuits[name] = &circuit{}
	}
	return &Breaker{
		clock:        config.Clock,
		threshold:    config.Threshold,
		cooldown:     config.Cooldown,
		probeTimeout: config.ProbeTimeout,
		services:     circuits,
	}, nil
}

// Execute runs f within the service's circuit. When the circuit is
// open the call is rejected with ErrCircuitOpen before f runs. A
// half-open probe gets a context bounded by the probe timeout; a
// timeout counts as a failure like any other error.
func (b *Breaker) Execute(ctx context.Context, service string, f func(context.Context) error) error {
	probe, err := b.admit(service)
	if err != nil {
		return errors.Trace(err)
	}
	if probe {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.probeTimeout)
		defer cancel()
	}
	err = f(ctx)
	b.record(service, probe, err)
	return err
}

// ForceOpen trips the service's circuit and holds it open until
// ForceClose, ignoring the cooldown.
func (b *Breaker) ForceOpen(service string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.services[service]
	if !ok {
		return errors.NotFoundf("service %q", service)
	}
	c.state = Open
	c.openedAt = b.clock.Now()
	c.probing = false
	c.forced = true
	return nil
}

// ForceClose returns the service's circuit to closed with a clean
// failure count, releasing any forced hold.
func (b *Breaker) ForceClose(service string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.services[service]
	if !ok {
		return errors.NotFoundf("service %q", service)
	}
	c.state = Closed
	c.failures = 0
	c.probing = false
	c.forced = false
	return nil
}

// State returns a snapshot of the service's circuit.
func (b *Breaker) State(service string) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.services[service]
	if !ok {
		return Snapshot{}, errors.NotFoundf("service %q", service)
	}
	return Snapshot{
		Service:     service,
		State:       c.state,
		Failures:    c.failures,
		LastFailure: c.lastFailure,
	}, nil
}

// States returns snapshots for every guarded service, ordered by
// service name.
func (b *Breaker) States() []Snapshot {
	b.mu.Lock()
	names := make([]string, 0, len(b.services))
	for name := range b.services {
		names = append(names, name)
	}
	b.mu.Unlock()
	sort.Strings(names)

	snapshots := make([]Snapshot, 0, len(names))
	for _, name := range names {
		snapshot, _ := b.State(name)
		snapshots = append(snapshots, snapshot)
	}
	return snapshots
}

// admit decides whether a call may proceed, moving an open circuit to
// half-open when the cooldown has elapsed. The cooldown is checked
// lazily here; there are no background timers.
func (b *Breaker) admit(service string) (probe bool, _ error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.services[service]
	if !ok {
		return false, errors.NotFoundf("service %q", service)
	}
	switch c.state {
	case Closed:
		return false, nil
	case Open:
		if !c.forced && b.clock.Now().Sub(c.openedAt) >= b.cooldown {
			c.state = HalfOpen
			c.probing = true
			return true, nil
		}
		return false, errors.Annotatef(ErrCircuitOpen, "service %q", service)
	default: // HalfOpen
		if c.probing {
			return false, errors.Annotatef(ErrCircuitOpen, "service %q", service)
		}
		c.probing = true
		return true, nil
	}
}

// record folds a call's outcome into the circuit.
func (b *Breaker) record(service string, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.services[service]
	if !ok {
		return
	}
	if probe {
		c.probing = false
	}
	if err == nil {
		if c.forced {
			return
		}
		if probe || c.state == Closed {
			c.state = Closed
			c.failures = 0
		}
		return
	}
	c.failures++
	c.lastFailure = b.clock.Now()
	if c.forced {
		return
	}
	if probe {
		c.state = Open
		c.openedAt = c.lastFailure
		return
	}
	if c.state == Closed && c.failures >= b.threshold {
		c.state = Open
		c.openedAt = c.lastFailure
	}
}
