// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httpclient_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/killstream/killstream/internal/breaker"
	"github.com/killstream/killstream/internal/httpclient"
	"github.com/killstream/killstream/internal/logger/loggertesting"
	"github.com/killstream/killstream/internal/ratelimit"
	"github.com/killstream/killstream/internal/telemetry"
	"github.com/killstream/killstream/internal/testhelpers"
)

const testService = "enrichment-source"

type stubResponse struct {
	status int
	body   string
	err    error
}

type stubTransport struct {
	mu        sync.Mutex
	requests  []*http.Request
	responses []stubResponse
}

func (t *stubTransport) Do(req *http.Request) (*http.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := len(t.requests)
	t.requests = append(t.requests, req)
	if i >= len(t.responses) {
		i = len(t.responses) - 1
	}
	r := t.responses[i]
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func (t *stubTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

func (t *stubTransport) request(i int) *http.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.requests[i]
}

type clientSuite struct {
	clock     *testclock.Clock
	transport *stubTransport
	hub       *pubsub.SimpleHub
}

var _ = gc.Suite(&clientSuite{})

func (s *clientSuite) SetUpTest(c *gc.C) {
	s.clock = testclock.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s.transport = &stubTransport{}
	s.hub = pubsub.NewSimpleHub(nil)
}

func (s *clientSuite) newClient(c *gc.C, attempts int) *httpclient.Client {
	log := loggertesting.WrapCheckLog(c)
	limiter, err := ratelimit.NewLimiter(s.clock, map[string]ratelimit.BucketSpec{
		testService: {Capacity: 100, RefillPerMinute: 60},
	})
	c.Assert(err, jc.ErrorIsNil)
	brk, err := breaker.New(breaker.Config{
		Clock:        s.clock,
		Threshold:    5,
		Cooldown:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}, testService)
	c.Assert(err, jc.ErrorIsNil)
	client, err := httpclient.NewClient(httpclient.Config{
		Transport: s.transport,
		Limiter:   limiter,
		Breaker:   brk,
		Emitter:   telemetry.NewEmitter(s.hub, log),
		Clock:     s.clock,
		Logger:    log,
		UserAgent: "killstream/1.0",
		Retry: httpclient.RetrySpec{
			Attempts:      attempts,
			Delay:         time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	return client
}

func (s *clientSuite) TestGetDecodesJSON(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 200, body: `{"name":"Jita"}`}}
	client := s.newClient(c, 3)

	var result struct {
		Name string `json:"name"`
	}
	resp, err := client.Get(context.Background(), httpclient.Request{
		Service: testService,
		URL:     "https://example.com/thing",
	}, &result)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.StatusCode, gc.Equals, 200)
	c.Check(result.Name, gc.Equals, "Jita")
}

func (s *clientSuite) TestHeadersAttached(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 200, body: `{}`}}
	client := s.newClient(c, 3)

	header := make(http.Header)
	header.Set("If-None-Match", "xyzzy")
	_, err := client.Get(context.Background(), httpclient.Request{
		Service: testService,
		URL:     "https://example.com/thing",
		Header:  header,
	}, nil)
	c.Assert(err, jc.ErrorIsNil)

	req := s.transport.request(0)
	c.Check(req.Header.Get("User-Agent"), gc.Equals, "killstream/1.0")
	c.Check(req.Header.Get("Accept"), gc.Equals, "application/json")
	c.Check(req.Header.Get("If-None-Match"), gc.Equals, "xyzzy")
}

func (s *clientSuite) TestRateLimitedFailsFast(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 200, body: `{}`}}
	log := loggertesting.WrapCheckLog(c)
	limiter, err := ratelimit.NewLimiter(s.clock, map[string]ratelimit.BucketSpec{
		testService: {Capacity: 1, RefillPerMinute: 60},
	})
	c.Assert(err, jc.ErrorIsNil)
	brk, err := breaker.New(breaker.Config{
		Clock:        s.clock,
		Threshold:    5,
		Cooldown:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}, testService)
	c.Assert(err, jc.ErrorIsNil)
	client, err := httpclient.NewClient(httpclient.Config{
		Transport: s.transport,
		Limiter:   limiter,
		Breaker:   brk,
		Emitter:   telemetry.NewEmitter(s.hub, log),
		Clock:     s.clock,
		Logger:    log,
		UserAgent: "killstream/1.0",
		Retry: httpclient.RetrySpec{
			Attempts:      1,
			Delay:         time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
		},
	})
	c.Assert(err, jc.ErrorIsNil)

	_, err = client.Get(context.Background(), httpclient.Request{
		Service: testService,
		URL:     "https://example.com/thing",
	}, nil)
	c.Assert(err, jc.ErrorIsNil)

	_, err = client.Get(context.Background(), httpclient.Request{
		Service: testService,
		URL:     "https://example.com/thing",
	}, nil)
	c.Assert(err, jc.ErrorIs, ratelimit.ErrRateLimited)
	c.Check(s.transport.calls(), gc.Equals, 1)
}

func (s *clientSuite) TestRetriesTransientStatus(c *gc.C) {
	s.transport.responses = []stubResponse{
		{status: 503, body: `{}`},
		{status: 503, body: `{}`},
		{status: 200, body: `{"ok":true}`},
	}
	client := s.newClient(c, 3)

	done := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), httpclient.Request{
			Service: testService,
			URL:     "https://example.com/thing",
		}, nil)
		done <- err
	}()

	// Two failed attempts park on the clock between retries; a large
	// advance covers whatever the backoff chose.
	c.Assert(s.clock.WaitAdvance(time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(time.Minute, testhelpers.LongWait, 1), jc.ErrorIsNil)

	select {
	case err := <-done:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("request never completed")
	}
	c.Check(s.transport.calls(), gc.Equals, 3)
}

func (s *clientSuite) TestClientErrorSurfacesImmediately(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 404, body: `{}`}}
	client := s.newClient(c, 3)

	resp, err := client.Get(context.Background(), httpclient.Request{
		Service: testService,
		URL:     "https://example.com/thing",
	}, nil)
	c.Assert(err, gc.NotNil)
	c.Check(httpclient.IsNotFound(err), jc.IsTrue)
	c.Check(resp.StatusCode, gc.Equals, 404)
	c.Check(s.transport.calls(), gc.Equals, 1)
}

func (s *clientSuite) TestExhaustedRetriesTripBreaker(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 500, body: `{}`}}
	client := s.newClient(c, 1)

	for i := 0; i < 5; i++ {
		_, err := client.Get(context.Background(), httpclient.Request{
			Service: testService,
			URL:     "https://example.com/thing",
		}, nil)
		c.Assert(err, gc.NotNil)
	}
	c.Check(s.transport.calls(), gc.Equals, 5)

	_, err := client.Get(context.Background(), httpclient.Request{
		Service: testService,
		URL:     "https://example.com/thing",
	}, nil)
	c.Assert(err, jc.ErrorIs, breaker.ErrCircuitOpen)
	c.Check(s.transport.calls(), gc.Equals, 5)
}

func (s *clientSuite) TestClientErrorsDoNotTripBreaker(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 404, body: `{}`}}
	client := s.newClient(c, 1)

	for i := 0; i < 6; i++ {
		_, err := client.Get(context.Background(), httpclient.Request{
			Service: testService,
			URL:     "https://example.com/thing",
		}, nil)
		c.Assert(err, gc.NotNil)
		c.Assert(httpclient.IsNotFound(err), jc.IsTrue)
	}
	c.Check(s.transport.calls(), gc.Equals, 6)
}

func (s *clientSuite) TestEmitsRequestTelemetry(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 200, body: `{}`}}
	client := s.newClient(c, 3)

	events := make(chan telemetry.Event, 10)
	unsub := s.hub.Subscribe(telemetry.Topic(telemetry.HTTPRequestStart), func(topic string, data interface{}) {
		events <- data.(telemetry.Event)
	})
	defer unsub()

	_, err := client.Get(context.Background(), httpclient.Request{
		Service: testService,
		URL:     "https://example.com/thing",
	}, nil)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case ev := <-events:
		c.Check(ev.Name, gc.Equals, telemetry.HTTPRequestStart)
		c.Check(ev.Metadata["method"], gc.Equals, "GET")
		c.Check(ev.Metadata["url"], gc.Equals, "https://example.com/thing")
	case <-time.After(testhelpers.LongWait):
		c.Fatalf("telemetry event never arrived")
	}
}

func (s *clientSuite) TestValidate(c *gc.C) {
	_, err := httpclient.NewClient(httpclient.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *clientSuite) TestTimeoutTransportSetsDeadline(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 200, body: "{}"}}
	transport := httpclient.TimeoutTransport(s.transport, 30*time.Second)

	req, err := http.NewRequestWithContext(context.Background(), "GET", "https://example.com/thing", nil)
	c.Assert(err, jc.ErrorIsNil)
	resp, err := transport.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()

	deadline, ok := s.transport.request(0).Context().Deadline()
	c.Assert(ok, jc.IsTrue)
	c.Check(deadline.After(time.Now()), jc.IsTrue)
}

func (s *clientSuite) TestTimeoutTransportReleasesOnBodyClose(c *gc.C) {
	s.transport.responses = []stubResponse{{status: 200, body: `{"ok":true}`}}
	transport := httpclient.TimeoutTransport(s.transport, 30*time.Second)

	req, err := http.NewRequestWithContext(context.Background(), "GET", "https://example.com/thing", nil)
	c.Assert(err, jc.ErrorIsNil)
	resp, err := transport.Do(req)
	c.Assert(err, jc.ErrorIsNil)

	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(data), gc.Equals, `{"ok":true}`)

	c.Assert(resp.Body.Close(), jc.ErrorIsNil)
	c.Check(s.transport.request(0).Context().Err(), gc.Equals, context.Canceled)
}

func (s *clientSuite) TestTimeoutTransportErrorReleasesImmediately(c *gc.C) {
	s.transport.responses = []stubResponse{{err: errors.New("dial refused")}}
	transport := httpclient.TimeoutTransport(s.transport, 30*time.Second)

	req, err := http.NewRequestWithContext(context.Background(), "GET", "https://example.com/thing", nil)
	c.Assert(err, jc.ErrorIsNil)
	_, err = transport.Do(req)
	c.Assert(err, gc.ErrorMatches, "dial refused")
	c.Check(s.transport.request(0).Context().Err(), gc.Equals, context.Canceled)
}
