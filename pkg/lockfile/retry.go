package lockfile

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds how long [Locker.Acquire] waits for a contended marker.
//
// Acquire makes Retries+1 attempts. Before retry n (0-based) it waits
// MinWait*Factor^n, capped at MaxWait when MaxWait > 0.
//
// The zero value is not a policy of its own: [Options] replaces it with
// [DefaultRetryPolicy]. Use [NoRetry] for a single attempt.
type RetryPolicy struct {
	Retries int
	Factor  float64
	MinWait time.Duration
	MaxWait time.Duration
}

// DefaultRetryPolicy returns 5 retries, factor 1.5, 500ms floor, no cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Retries: 5,
		Factor:  1.5,
		MinWait: 500 * time.Millisecond,
	}
}

// NoRetry returns a policy that makes one attempt and never waits.
func NoRetry() RetryPolicy {
	return RetryPolicy{Factor: 1}
}

// Attempts returns the total number of acquisition attempts.
func (p RetryPolicy) Attempts() int {
	return max(p.Retries, 0) + 1
}

// Wait returns the delay before retry n (0-based).
func (p RetryPolicy) Wait(n int) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	wait := float64(p.MinWait) * math.Pow(factor, float64(max(n, 0)))

	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		return p.MaxWait
	}

	if wait > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(wait)
}

// Total returns the sum of all waits, i.e. the longest Acquire blocks on a
// marker that never goes away.
func (p RetryPolicy) Total() time.Duration {
	var total time.Duration
	for n := range max(p.Retries, 0) {
		total += p.Wait(n)
	}

	return total
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
