package jobqueue

import (
	"math"
	"time"
)

const (
	maxBackoff = 600 * time.Second

	// deferralThreshold is how many times a job may defer itself within
	// deferralWindow before it is treated as stuck in a loop.
	deferralThreshold = 3

	// deferralWindow is the span within which deferralThreshold deferrals
	// are considered a loop rather than ordinary waiting.
	deferralWindow = 2 * time.Second
)

// retryBackoff computes the delay before a job with failureCount prior
// failures should run again: 0.25 * 2^failureCount seconds, capped at ten
// minutes. The first retry (failureCount 1) is 0.5 seconds.
func retryBackoff(failureCount uint) time.Duration {
	raw := 0.25 * math.Pow(2, float64(failureCount))
	d := time.Duration(raw * float64(time.Second))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
