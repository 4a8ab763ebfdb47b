package notifications

import "errors"

// Repository errors.
var (
	ErrIdentityNotFound = errors.New("push identity not found")
)

// Delivery errors.
var (
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrFlushInProgress   = errors.New("flush already in progress")
	ErrChannelNotEnabled = errors.New("channel not enabled")
)
