// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package httpclient is the single road out of the process. Every
// outbound GET pays a token at the service's bucket, runs inside the
// service's circuit and retries transient failures with exponential
// backoff, so no caller can hammer an upstream however hard it is
// driven.
package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	jujuhttp "github.com/juju/http/v2"
	"github.com/juju/retry"
	"gopkg.in/httprequest.v1"

	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/breaker"
	"github.com/killstream/killstream/internal/ratelimit"
	"github.com/killstream/killstream/internal/telemetry"
)

// MIME represents a MIME type for identifying request and response
// bodies.
type MIME = string

const (
	// JSON represents the MIME type for JSON request and response
	// types.
	JSON MIME = "application/json"
)

// Transport defines a type for making the actual request.
type Transport interface {
	// Do performs the *http.Request and returns a *http.Response or an
	// error if it fails to construct the transport.
	Do(*http.Request) (*http.Response, error)
}

// DefaultTransport returns a transport that records round-trip
// outcomes and timings on the telemetry bus.
func DefaultTransport(emitter *telemetry.Emitter) Transport {
	return jujuhttp.NewClient(
		jujuhttp.WithRequestRecorder(telemetryRecorder{emitter: emitter}),
	)
}

// TimeoutTransport bounds every request made through base with the
// given deadline. The deadline covers the response body too, so the
// cancel is only released when the body is closed.
func TimeoutTransport(base Transport, timeout time.Duration) Transport {
	return timeoutTransport{base: base, timeout: timeout}
}

type timeoutTransport struct {
	base    Transport
	timeout time.Duration
}

func (t timeoutTransport) Do(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	resp, err := t.base.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b cancelBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}

type telemetryRecorder struct {
	emitter *telemetry.Emitter
}

// Record an outgoing request which produced an http.Response.
func (r telemetryRecorder) Record(method string, url *url.URL, res *http.Response, rtt time.Duration) {
	r.emitter.Emit(telemetry.HTTPRequestStop, map[string]int64{
		"status":      int64(res.StatusCode),
		"duration_ns": rtt.Nanoseconds(),
	}, map[string]string{
		"method": method,
		"url":    url.String(),
	})
}

// RecordError an outgoing request which returned back an error.
func (r telemetryRecorder) RecordError(method string, url *url.URL, err error) {
	r.emitter.Emit(telemetry.HTTPRequestError, nil, map[string]string{
		"method": method,
		"url":    url.String(),
		"error":  err.Error(),
	})
}

// RetrySpec shapes the retry loop applied to every request.
type RetrySpec struct {
	// Attempts is the total number of times a request is tried.
	Attempts int
	// Delay seeds the exponential backoff between attempts.
	Delay time.Duration
	// MaxDelay caps the backoff however many attempts have failed.
	MaxDelay time.Duration
	// BackoffFactor is the exponent base for the backoff.
	BackoffFactor float64
}

// Validate returns an error if the spec cannot shape a retry loop.
func (s RetrySpec) Validate() error {
	if s.Attempts < 1 {
		return errors.NotValidf("attempts %d", s.Attempts)
	}
	if s.Delay <= 0 {
		return errors.NotValidf("delay %v", s.Delay)
	}
	if s.MaxDelay < s.Delay {
		return errors.NotValidf("max delay %v below delay %v", s.MaxDelay, s.Delay)
	}
	if s.BackoffFactor < 1 {
		return errors.NotValidf("backoff factor %v", s.BackoffFactor)
	}
	return nil
}

// Config holds the dependencies of a Client.
type Config struct {
	Transport Transport
	Limiter   *ratelimit.Limiter
	Breaker   *breaker.Breaker
	Emitter   *telemetry.Emitter
	Clock     clock.Clock
	Logger    logger.Logger
	UserAgent string
	Retry     RetrySpec
}

// Validate returns an error if the config cannot back a client.
func (c Config) Validate() error {
	if c.Transport == nil {
		return errors.NotValidf("nil Transport")
	}
	if c.Limiter == nil {
		return errors.NotValidf("nil Limiter")
	}
	if c.Breaker == nil {
		return errors.NotValidf("nil Breaker")
	}
	if c.Emitter == nil {
		return errors.NotValidf("nil Emitter")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.UserAgent == "" {
		return errors.NotValidf("empty UserAgent")
	}
	if err := c.Retry.Validate(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// Request describes a single outbound GET.
type Request struct {
	// Service names the bucket and circuit the request is charged to.
	Service string
	// URL is the absolute request URL.
	URL string
	// Header carries extra headers for this request.
	Header http.Header
	// Wait blocks for a token instead of failing fast when the
	// service's bucket is empty.
	Wait bool
}

// Response abstracts away the underlying response from the
// implementation.
type Response struct {
	StatusCode int
}

// Client performs rate-limited, circuit-broken, retrying GETs.
type Client struct {
	transport Transport
	limiter   *ratelimit.Limiter
	breaker   *breaker.Breaker
	emitter   *telemetry.Emitter
	clock     clock.Clock
	logger    logger.Logger
	userAgent string
	retrySpec RetrySpec
}

// NewClient returns a client ready to make requests.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{
		transport: config.Transport,
		limiter:   config.Limiter,
		breaker:   config.Breaker,
		emitter:   config.Emitter,
		clock:     config.Clock,
		logger:    config.Logger,
		userAgent: config.UserAgent,
		retrySpec: config.Retry,
	}, nil
}

// Get makes a GET request to the given URL, parsing the result as JSON
// into the given result value, which should be a pointer to the
// expected data, but may be nil if no result is desired. The request
// is refused with ErrRateLimited when the service's bucket is empty
// and the request does not ask to wait, and with ErrCircuitOpen when
// the service's circuit is open.
func (c *Client) Get(ctx context.Context, req Request, result any) (Response, error) {
	if req.Wait {
		if err := c.limiter.Acquire(ctx, req.Service); err != nil {
			return Response{}, errors.Trace(err)
		}
	} else if err := c.limiter.TryAcquire(req.Service); err != nil {
		return Response{}, errors.Trace(err)
	}

	var (
		resp    Response
		callErr error
	)
	err := c.breaker.Execute(ctx, req.Service, func(ctx context.Context) error {
		resp, callErr = c.getWithRetry(ctx, req, result)
		if callErr != nil && breakerFailure(callErr) {
			return callErr
		}
		return nil
	})
	if err != nil {
		return resp, errors.Trace(err)
	}
	if callErr != nil {
		return resp, errors.Trace(callErr)
	}
	return resp, nil
}

func (c *Client) getWithRetry(ctx context.Context, req Request, result any) (Response, error) {
	var resp Response
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			resp, err = c.get(ctx, req, result)
			return err
		},
		IsFatalError: func(err error) bool {
			return !IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			c.logger.Debugf(ctx, "GET %s attempt %d failed: %v", req.URL, attempt, err)
		},
		Attempts:    c.retrySpec.Attempts,
		Delay:       c.retrySpec.Delay,
		BackoffFunc: retry.ExpBackoff(c.retrySpec.Delay, c.retrySpec.MaxDelay, c.retrySpec.BackoffFactor, false),
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})
	return resp, err
}

func (c *Client) get(ctx context.Context, req Request, result any) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", req.URL, nil)
	if err != nil {
		return Response{}, errors.Annotate(err, "cannot make new request")
	}

	// Compose the request headers.
	headers := make(http.Header)
	headers.Set("Accept", JSON)
	headers.Set("User-Agent", c.userAgent)
	httpReq.Header = composeHeaders(headers, req.Header)

	c.emitter.Emit(telemetry.HTTPRequestStart, nil, map[string]string{
		"method": "GET",
		"url":    req.URL,
	})

	resp, err := c.transport.Do(httpReq)
	if err != nil {
		return Response{}, errors.Trace(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > http.StatusNoContent {
		return Response{StatusCode: resp.StatusCode}, &StatusError{
			Method:     "GET",
			URL:        req.URL,
			StatusCode: resp.StatusCode,
		}
	}

	if result != nil {
		if err := httprequest.UnmarshalJSONResponse(resp, result); err != nil {
			return Response{StatusCode: resp.StatusCode}, errors.Annotatef(err, "decoding response from %s", req.URL)
		}
	}
	return Response{StatusCode: resp.StatusCode}, nil
}

// composeHeaders merges the extra headers over the base set.
func composeHeaders(base, extra http.Header) http.Header {
	result := make(http.Header)
	for k, vs := range base {
		for _, v := range vs {
			result.Add(k, v)
		}
	}
	for k, vs := range extra {
		for _, v := range vs {
			result.Add(k, v)
		}
	}
	return result
}
