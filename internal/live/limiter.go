package live

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimit allows Burst inbound events per RefillInterval on one
// connection, refilled continuously.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

func newLimiter(cfg RateLimit) *rate.Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(burst)), burst)
}
