// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package webhook delivers killmail updates to subscriber callback
// URLs. Deliveries are fire-and-forget: a 2xx acknowledges the frame,
// anything else is logged and dropped. Clients needing stronger
// guarantees reconnect over a channel session and replay from the
// event store instead.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/httpclient"
)

// ErrClosed describes a delivery attempted after Close.
const ErrClosed = errors.ConstError("notifier closed")

// Config holds everything a Notifier needs.
type Config struct {
	// Transport performs the underlying HTTP requests.
	Transport httpclient.Transport
	// Logger is used to log delivery failures.
	Logger logger.Logger
	// Timeout bounds one delivery round trip.
	Timeout time.Duration
	// MaxConcurrent bounds in-flight deliveries across all
	// subscriptions.
	MaxConcurrent int
	// UserAgent identifies the process to callback endpoints.
	UserAgent string
}

// Validate returns an error if the config cannot back a notifier.
func (c Config) Validate() error {
	if c.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Timeout <= 0 {
		return errors.NotValidf("timeout %v", c.Timeout)
	}
	if c.MaxConcurrent < 1 {
		return errors.NotValidf("max concurrent %d", c.MaxConcurrent)
	}
	if c.UserAgent == "" {
		return errors.NotValidf("empty UserAgent")
	}
	return nil
}

// Notifier POSTs JSON payloads to callback URLs under a global
// concurrency bound.
type Notifier struct {
	transport httpclient.Transport
	logger    logger.Logger
	timeout   time.Duration
	userAgent string

	sem chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// NewNotifier returns a notifier ready to deliver.
func NewNotifier(config Config) (*Notifier, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Notifier{
		transport: config.Transport,
		logger:    config.Logger,
		timeout:   config.Timeout,
		userAgent: config.UserAgent,
		sem:       make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Notify POSTs the payload to the URL as JSON. Any 2xx response is
// success. Failures are returned for the caller to count but are never
// retried here; at-least-once delivery comes from event store replay,
// not redelivery.
func (n *Notifier) Notify(ctx context.Context, url string, payload any) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.wg.Add(1)
	n.mu.Unlock()
	defer n.wg.Done()

	select {
	case n.sem <- struct{}{}:
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	defer func() { <-n.sem }()

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)

	resp, err := n.transport.Do(req)
	if err != nil {
		n.logger.Warningf(ctx, "webhook delivery to %s failed: %v", url, err)
		return errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warningf(ctx, "webhook delivery to %s returned %d", url, resp.StatusCode)
		return errors.Trace(&httpclient.StatusError{
			Method:     http.MethodPost,
			URL:        url,
			StatusCode: resp.StatusCode,
		})
	}
	return nil
}

// Close stops accepting deliveries and waits for those in flight.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}
