package models

import "errors"

// Provider failure kinds. The worker's retry decision is keyed off these:
// rate limits, timeouts and outages are transient; a structurally invalid
// result is not.
var (
	ErrRateLimited         = errors.New("provider rate limited")
	ErrProviderTimeout     = errors.New("provider call timed out")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidResult       = errors.New("provider returned invalid result")
)
