package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors, compare with errors.Is().
var (
	// ErrMatchNotFound is returned when no match has the given ID.
	ErrMatchNotFound = errors.New("match not found")

	// ErrMatchExists is returned when adding a match whose ID is taken.
	ErrMatchExists = errors.New("match already exists")

	// ErrTickerInUse is returned when a ticker already belongs to another match.
	ErrTickerInUse = errors.New("ticker already quoted by another match")

	// ErrInvalidMatch wraps every match/settings validation failure.
	ErrInvalidMatch = errors.New("invalid match")
)

// Exchange errors
var (
	// ErrRateLimited is returned when the exchange answers 429.
	ErrRateLimited = errors.New("rate limited by exchange")

	// ErrOrderRejected is returned when the exchange refuses a placement.
	ErrOrderRejected = errors.New("order rejected")

	// ErrOrderNotFound is returned when canceling or querying an order the
	// exchange no longer knows. The reconciler treats it as already gone.
	ErrOrderNotFound = errors.New("order not found")
)

// ConnectionError is returned when the streaming handshake fails.
// It is never fatal: the session retries with backoff.
type ConnectionError struct {
	Status int // HTTP status of the rejected upgrade, 0 if the dial failed
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("stream handshake rejected (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("stream connect: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
