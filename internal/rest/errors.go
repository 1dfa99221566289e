// ABOUTME: Typed failures for the REST dispatcher.
// ABOUTME: Terminal client errors carry the original status and decoded error body.

package rest

import (
	"errors"
	"fmt"
)

// ErrGatewayNotFound indicates the connection endpoint could not be fetched.
var ErrGatewayNotFound = errors.New("gateway endpoint not found")

// APIError is a terminal failure returned by the remote service: any 4xx
// status other than 429. It is surfaced to the caller unchanged; transient
// failures (network errors, 5xx, 429) are retried internally and never
// reach the caller as an APIError.
type APIError struct {
	Status   int
	Code     int
	Message  string
	Body     []byte
	Endpoint string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s (code %d)", e.Endpoint, e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: status %d", e.Endpoint, e.Status)
}

// IsNotFound reports whether err is an APIError with a 404 status.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

// IsForbidden reports whether err is an APIError with a 403 status.
func IsForbidden(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 403
}

// IsUnauthorized reports whether err is an APIError with a 401 status.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 401
}
