package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
//
// Delays never decrease from one attempt to the next and never exceed MaxDelay.
// With Jitter set, attempt N is drawn from [base(N), base(N+1)], so jittered
// clients spread out without breaking the ordering.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	lo := baseDelay(cfg, attempt)
	if !cfg.Jitter {
		return lo
	}
	hi := baseDelay(cfg, attempt+1)
	if hi <= lo {
		return lo
	}
	f := 0.5
	if rng != nil {
		f = rng.Float64()
	}
	return lo + time.Duration(f*float64(hi-lo))
}

func baseDelay(cfg BackoffConfig, attempt int) time.Duration {
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	return time.Duration(delay)
}
