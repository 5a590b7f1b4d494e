package stream

import "time"

// Backoff is the reconnect delay policy: Initial, doubling, capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff returns 1s doubling up to 60s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 60 * time.Second}
}

// Next returns the delay before retry number attempt (1-based):
// min(Initial * 2^(attempt-1), Max).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maxWait := b.Max
	if maxWait < initial {
		maxWait = initial
	}

	wait := initial
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= maxWait {
			return maxWait
		}
	}
	return wait
}
