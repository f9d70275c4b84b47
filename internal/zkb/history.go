// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package zkb

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/killstream/killstream/core/logger"
	"github.com/killstream/killstream/internal/httpclient"
	"github.com/killstream/killstream/internal/ratelimit"
)

// MaxPageSize is the most records the history listing serves per page.
const MaxPageSize = 200

// Reference names a killmail on the auxiliary API without carrying its
// body. The zkb block travels along so the hash is available for the
// body fetch.
type Reference struct {
	KillmailID uint64         `json:"killmail_id"`
	ZKB        map[string]any `json:"zkb"`
}

// Hash returns the hash naming this kill on the auxiliary API, or the
// empty string when the metadata does not carry one.
func (r Reference) Hash() string {
	h, _ := r.ZKB["hash"].(string)
	return h
}

// HistoryConfig holds everything a HistoryClient needs.
type HistoryConfig struct {
	// Caller performs the underlying HTTP requests.
	Caller Caller
	// BaseURL is the root of the historical kill listing API.
	BaseURL string
	// Logger is used to log the client's paging activity.
	Logger logger.Logger
}

// Validate returns an error if the config cannot back a history client.
func (c HistoryConfig) Validate() error {
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

// HistoryClient pages through the per-system historical kill listing.
type HistoryClient struct {
	caller  Caller
	baseURL string
	logger  logger.Logger
}

// NewHistoryClient returns a client paging the configured listing API.
func NewHistoryClient(config HistoryConfig) (*HistoryClient, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &HistoryClient{
		caller:  config.Caller,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		logger:  config.Logger,
	}, nil
}

// SystemPage fetches one page of the historical listing for a system.
// Pages are 1-based; an empty page means the listing is exhausted. The
// call fails fast with ErrRateLimited when the feed bucket is empty,
// leaving the pacing decision to the caller.
func (c *HistoryClient) SystemPage(ctx context.Context, systemID uint32, page int) ([]Reference, error) {
	if page < 1 {
		return nil, errors.NotValidf("page %d", page)
	}
	var refs []Reference
	if _, err := c.caller.Get(ctx, httpclient.Request{
		Service: ratelimit.FeedSource,
		URL:     fmt.Sprintf("%s/solarSystemID/%d/page/%d/", c.baseURL, systemID, page),
	}, &refs); err != nil {
		return nil, errors.Trace(err)
	}
	// The listing serves at most MaxPageSize records per page.
	if len(refs) > MaxPageSize {
		refs = refs[:MaxPageSize]
	}
	return refs, nil
}
