package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryDelay returns how long to wait before retry number retry (1-indexed):
// base * 2^(retry-1), capped at max. With jitter the wait is drawn from
// [wait/2, wait).
func RetryDelay(base, max time.Duration, retry int, jitter bool) time.Duration {
	if retry <= 0 {
		retry = 1
	}
	exp := float64(base) * math.Pow(2, float64(retry-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if !jitter || wait < 2 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int64N(int64(wait/2))) //nolint:gosec // jitter does not need crypto rand
}
