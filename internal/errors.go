package gateway

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the gateway domain. The server's error mapping
// translates these to HTTP statuses; see internal/server.
var (
	// Invalid request (4xx).
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrInvalidCacheHeader = errors.New("invalid cache header")

	// Auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Admission control.
	ErrRateLimited = errors.New("rate limited")

	// Upstream failures (502); counted toward endpoint health.
	ErrUpstream         = errors.New("upstream error")
	ErrStreamBroken     = errors.New("upstream stream broken")
	ErrNoReadyEndpoints = errors.New("no ready endpoints")

	// Mapper failures.
	ErrNoValidMapping     = errors.New("no valid model mapping")
	ErrToolMappingInvalid = errors.New("invalid tool mapping")
	ErrMalformedBody      = errors.New("malformed request body")

	// Internal invariant violations (500, detail never leaks).
	ErrInternal          = errors.New("internal error")
	ErrExtensionNotFound = errors.New("request extension not found")
)

// RateLimitedError carries the admission controller's retry hint so the
// shell can emit a Retry-After header. errors.Is(err, ErrRateLimited) holds.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfterSeconds rounds the hint up to whole seconds, minimum 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	s := int((e.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
