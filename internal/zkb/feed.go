// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package zkb speaks the kill feed's wire protocols: the long-poll
// queue endpoint that hands out fresh kills one at a time, and the
// per-system history listing used for backfill. It also classifies the
// payload shapes the feed is known to produce, from the current inline
// format down to the legacy id-and-hash form.
package zkb

import (
	"context"
	"net/url"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/httpclient"
	"github.com/killstream/killstream/internal/ratelimit"
)

// ErrUnexpectedFormat describes a feed payload that matches none of the
// known shapes.
const ErrUnexpectedFormat = errors.ConstError("unexpected feed payload")

// Caller makes rate-limited JSON GETs on behalf of the feed clients.
type Caller interface {
	// Get issues the request and decodes the JSON response body into
	// result when it is non-nil.
	Get(ctx context.Context, req httpclient.Request, result any) (httpclient.Response, error)
}

// Package is one delivery from the long-poll feed. The current feed
// format carries the full killmail inline next to its zkb metadata;
// older queue entries name the kill by id only and expect the body to
// be fetched from the auxiliary API.
type Package struct {
	KillID   uint64             `json:"killID"`
	Killmail *killmail.Killmail `json:"killmail"`
	ZKB      map[string]any     `json:"zkb"`
}

// Hash returns the hash naming this kill on the auxiliary API, or the
// empty string when the metadata does not carry one.
func (p *Package) Hash() string {
	h, _ := p.ZKB["hash"].(string)
	return h
}

// envelope is the feed's outer wrapper. A null package means the queue
// had nothing waiting within the poll window.
type envelope struct {
	Package *Package `json:"package"`
}

// Classification describes which of the known shapes a feed delivery
// took.
type Classification int

const (
	// NoKills means the queue had nothing waiting.
	NoKills Classification = iota
	// NewFormat carries the full killmail inline.
	NewFormat
	// Legacy names the kill by id and hash only; the body must be
	// fetched from the auxiliary API.
	Legacy
	// UnexpectedFormat matches none of the shapes the feed is known to
	// produce.
	UnexpectedFormat
)

// String is used in logs and telemetry metadata.
func (c Classification) String() string {
	switch c {
	case NoKills:
		return "no-kills"
	case NewFormat:
		return "new-format"
	case Legacy:
		return "legacy"
	case UnexpectedFormat:
		return "unexpected-format"
	}
	return "unknown"
}

// Classify reports which shape a feed delivery took. The inline format
// wins when both the body and the legacy id are present.
func Classify(pkg *Package) Classification {
	switch {
	case pkg == nil:
		return NoKills
	case pkg.Killmail != nil && pkg.ZKB != nil:
		return NewFormat
	case pkg.KillID != 0 && pkg.ZKB != nil:
		return Legacy
	}
	return UnexpectedFormat
}

// FeedConfig holds everything a FeedClient needs.
type FeedConfig struct {
	// Caller performs the underlying HTTP requests.
	Caller Caller
	// FeedURL is the absolute URL of the long-poll endpoint.
	FeedURL string
	// QueueIDPrefix prefixes the generated per-process queue id.
	QueueIDPrefix string
	// Logger is used to log the client's polling activity.
	Logger logger.Logger
}

// Validate returns an error if the config cannot back a feed client.
func (c FeedConfig) Validate() error {
	if c.Caller == nil {
		return errors.NotValidf("nil Caller")
	}
	if c.FeedURL == "" {
		return errors.NotValidf("empty FeedURL")
	}
	if u, err := url.Parse(c.FeedURL); err != nil || !u.IsAbs() {
		return errors.NotValidf("feed URL %q", c.FeedURL)
	}
	if c.QueueIDPrefix == "" {
		return errors.NotValidf("empty QueueIDPrefix")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// FeedClient long-polls the kill feed. The queue id is generated once
// and held for the life of the client, so the feed keeps serving the
// same queue across polls instead of starting a fresh one each time.
type FeedClient struct {
	caller  Caller
	feedURL *url.URL
	queueID string
	logger  logger.Logger
}

// NewFeedClient returns a client polling the configured feed URL under
// a fresh queue identity.
func NewFeedClient(config FeedConfig) (*FeedClient, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	feedURL, err := url.Parse(config.FeedURL)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &FeedClient{
		caller:  config.Caller,
		feedURL: feedURL,
		queueID: config.QueueIDPrefix + utils.RandomString(16, utils.LowerAlpha),
		logger:  config.Logger,
	}, nil
}

// QueueID returns the per-process queue identity presented to the feed.
func (c *FeedClient) QueueID() string {
	return c.queueID
}

// PollOnce performs a single long-poll round trip. A nil package means
// the queue had nothing waiting. The call waits for a rate-limit token
// rather than failing fast; polling is the one consumer that should
// pace itself against the bucket.
func (c *FeedClient) PollOnce(ctx context.Context) (*Package, error) {
	pollURL := *c.feedURL
	query := pollURL.Query()
	query.Set("queueID", c.queueID)
	query.Set("ttw", "1")
	pollURL.RawQuery = query.Encode()

	var env envelope
	if _, err := c.caller.Get(ctx, httpclient.Request{
		Service: ratelimit.FeedSource,
		URL:     pollURL.String(),
		Wait:    true,
	}, &env); err != nil {
		return nil, errors.Trace(err)
	}
	if env.Package != nil && env.Package.Killmail != nil {
		env.Package.Killmail.FoldLegacyFields()
	}
	return env.Package, nil
}
