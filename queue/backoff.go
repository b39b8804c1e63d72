package queue

import "time"

// Backoff returns the delay before the next retry: base doubled per attempt,
// capped so a failing dependency is not hammered on a fixed short interval.
func Backoff(base, capDelay time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return capDelay
	}
	d := base << uint(attempts)
	if d <= 0 || d > capDelay {
		return capDelay
	}
	return d
}
