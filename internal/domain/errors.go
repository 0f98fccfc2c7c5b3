package domain

import "errors"

var (
	// ErrMalformedInput marks payloads that cannot become a reading.
	ErrMalformedInput = errors.New("malformed input")
	// ErrNotFound is returned by stores when a lookup has no match.
	ErrNotFound = errors.New("not found")
	// ErrLeaseHeld means another runner owns the sweep lease.
	ErrLeaseHeld = errors.New("lease held by another runner")
	// ErrIndexUnavailable wraps time-series index failures.
	ErrIndexUnavailable = errors.New("time-series index unavailable")
)
