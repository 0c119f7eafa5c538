package queue

import (
	"math/rand"
	"time"
)

// Backoff parameters for retried jobs.
const (
	initialBackoff  = 2 * time.Second
	maxBackoff      = 5 * time.Minute
	backoffMultiply = 2.0
	jitterFraction  = 0.25
)

// Backoff returns the delay before the next attempt: exponential in the
// attempt count, jittered, capped.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(initialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= backoffMultiply
		if backoff >= float64(maxBackoff) {
			backoff = float64(maxBackoff)
			break
		}
	}

	// Jitter spreads retries so a burst of failures does not reclaim in
	// lockstep.
	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1)
	d := time.Duration(backoff + jitter)
	if d > maxBackoff {
		d = maxBackoff
	}
	if d < 0 {
		d = initialBackoff
	}
	return d
}
