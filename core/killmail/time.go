// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package killmail

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
)

// legacyTimeLayout is the space-separated layout older feed records use
// in place of RFC3339.
const legacyTimeLayout = "2006-01-02 15:04:05"

// Time is a time.Time that unmarshals from either of the feed's two
// timestamp layouts and always marshals as RFC3339 UTC.
type Time struct {
	time.Time
}

// NewTime returns the given instant as a feed timestamp, normalised to
// UTC.
func NewTime(t time.Time) Time {
	return Time{Time: t.UTC()}
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// UnmarshalJSON implements json.Unmarshaler. An empty string decodes to
// the zero Time; a present but unparseable timestamp is an error, which
// callers treat as a malformed record.
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Trace(err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return errors.Trace(err)
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses a feed timestamp, accepting RFC3339 first and
// the legacy space-separated layout second. The result is in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(legacyTimeLayout, s); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, errors.Errorf("unrecognised timestamp %q", s)
}
