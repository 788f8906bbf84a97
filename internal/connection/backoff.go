package connection

import "time"

// Backoff returns the delay before retry number attempt (1-based):
// base doubled for each earlier attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
	}
	if max > 0 && wait > max {
		return max
	}
	return wait
}

// Schedule returns the delays for attempts 1..n.
func Schedule(base, max time.Duration, n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Backoff(base, max, i))
	}
	return out
}
