package gateway

import "errors"

// Sentinel errors for the gateway domain. The HTTP layer maps each to a
// stable wire code via errors.Is.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrRateLimited          = errors.New("rate limited")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrRateLimitUnavailable = errors.New("rate limit store unavailable")
	ErrCircuitOpen          = errors.New("circuit open")
	ErrProviderError        = errors.New("provider error")
	ErrBadRequest           = errors.New("bad request")
)
