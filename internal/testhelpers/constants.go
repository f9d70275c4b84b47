// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"time"
)

// ShortWait is a reasonable amount of time to block waiting for something
// that shouldn't actually happen. The test suite really does wait this
// long before carrying on.
const ShortWait = 50 * time.Millisecond

// LongWait is used when something should already have happened, or will
// happen very quickly, and we only wait to avoid a spurious failure on a
// loaded machine. A passing test never sleeps for this long.
const LongWait = 10 * time.Second
