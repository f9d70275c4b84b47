// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package esi talks to the auxiliary metadata API. It resolves entity
// references (characters, corporations, alliances, ship types, groups,
// solar systems) to their attribute maps for enrichment, and fetches
// full killmail bodies for feed items that arrive in the legacy
// id-and-hash form.
package esi

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/killstream/killstream/core/entity"
	"github.com/killstream/killstream/core/killmail"
	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/httpclient"
	"github.com/killstream/killstream/internal/ratelimit"
)

// Caller makes rate-limited JSON GETs on behalf of the client.
type Caller interface {
	// Get issues the request and decodes the JSON response body into
	// result when it is non-nil.
	Get(ctx context.Context, req httpclient.Request, result any) (httpclient.Response, error)
}

// Config holds everything a Client needs.
type Config struct {
	// Caller performs the underlying HTTP requests.
	Caller Caller
	// BaseURL is the root of the metadata API.
	BaseURL string
	// Logger is used to log the client's activity.
	Logger logger.Logger
}

// Validate returns an error if the config cannot back a client.
func (c Config) Validate() error {
	if c.Caller == nil {
		return errors.NotValidf("nil Caller")
	}
	if c.BaseURL == "" {
		return errors.NotValidf("empty BaseURL")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Client fetches entities and killmail bodies from the metadata API.
// Every call is charged to the enrichment-source bucket and circuit.
type Client struct {
	caller  Caller
	baseURL string
	logger  logger.Logger
}

// NewClient returns a client against the configured metadata API.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Client{
		caller:  config.Caller,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		logger:  config.Logger,
	}, nil
}

// Entity resolves one entity reference to its attribute map. Only the
// name attribute is relied upon downstream; the rest of the map is
// carried opaquely.
func (c *Client) Entity(ctx context.Context, ref entity.Ref) (entity.Attributes, error) {
	if err := ref.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	var attrs entity.Attributes
	if _, err := c.caller.Get(ctx, httpclient.Request{
		Service: ratelimit.EnrichmentSource,
		URL:     c.entityURL(ref),
		Wait:    true,
	}, &attrs); err != nil {
		return nil, errors.Trace(err)
	}
	return attrs, nil
}

// Killmail fetches the full body of the killmail named by id and hash.
func (c *Client) Killmail(ctx context.Context, killmailID uint64, hash string) (*killmail.Killmail, error) {
	if killmailID == 0 {
		return nil, errors.NotValidf("killmail id %d", killmailID)
	}
	if hash == "" {
		return nil, errors.NotValidf("empty hash")
	}
	var km killmail.Killmail
	if _, err := c.caller.Get(ctx, httpclient.Request{
		Service: ratelimit.EnrichmentSource,
		URL:     fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, killmailID, hash),
		Wait:    true,
	}, &km); err != nil {
		return nil, errors.Trace(err)
	}
	km.FoldLegacyFields()
	return &km, nil
}

// entityURL maps a reference onto the API's per-kind endpoint. The kind
// has been validated by the time this runs.
func (c *Client) entityURL(ref entity.Ref) string {
	switch ref.Kind {
	case entity.Character:
		return fmt.Sprintf("%s/characters/%d/", c.baseURL, ref.ID)
	case entity.Corporation:
		return fmt.Sprintf("%s/corporations/%d/", c.baseURL, ref.ID)
	case entity.Alliance:
		return fmt.Sprintf("%s/alliances/%d/", c.baseURL, ref.ID)
	case entity.ShipType:
		return fmt.Sprintf("%s/universe/types/%d/", c.baseURL, ref.ID)
	case entity.Group:
		return fmt.Sprintf("%s/universe/groups/%d/", c.baseURL, ref.ID)
	default:
		return fmt.Sprintf("%s/universe/systems/%d/", c.baseURL, ref.ID)
	}
}
