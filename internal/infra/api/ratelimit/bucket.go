package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// tokenBucket is a burst gate evaluated at explicit instants so the limiter clock
// stays authoritative.
type tokenBucket struct {
	lim      *rate.Limiter
	capacity int
	refill   float64 // tokens per second
}

func newTokenBucket(cfg Config) *tokenBucket {
	refill := float64(cfg.MaxRequests) / cfg.Window.Seconds()
	return &tokenBucket{
		lim:      rate.NewLimiter(rate.Limit(refill), cfg.BurstLimit),
		capacity: cfg.BurstLimit,
		refill:   refill,
	}
}

func (b *tokenBucket) tokens(now time.Time) float64 {
	t := b.lim.TokensAt(now)
	if t < 0 {
		return 0
	}
	if t > float64(b.capacity) {
		return float64(b.capacity)
	}
	return t
}

func (b *tokenBucket) take(now time.Time) bool {
	return b.lim.AllowN(now, 1)
}

// drain empties the bucket; only the sub-token remainder is left.
func (b *tokenBucket) drain(now time.Time) {
	n := int(math.Floor(b.lim.TokensAt(now)))
	if n > 0 {
		b.lim.AllowN(now, n)
	}
}
