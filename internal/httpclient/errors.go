// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/juju/errors"
	"github.com/juju/retry"
)

// StatusError describes a response outside the success range.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

// Error is part of the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// StatusCode returns the status code carried by err, if any.
func StatusCode(err error) (int, bool) {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode, true
	}
	return 0, false
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	code, ok := StatusCode(err)
	return ok && code == http.StatusNotFound
}

// retryableStatuses are the response codes worth another attempt.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsRetryable reports whether err warrants another attempt: transport
// failures, timeouts and the transient status family. Client errors
// other than 408 and 429 surface immediately.
func IsRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retryableStatuses[statusErr.StatusCode]
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// breakerFailure reports whether err counts against the service's
// circuit. Exhausted transient failures and timeouts do; caller
// cancellation and plain client errors do not.
func breakerFailure(err error) bool {
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return IsRetryable(err)
}
