package historical

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter adapts golang.org/x/time/rate.Limiter to a provider's
// declared (MaxRequestsPerWindow, Window, MinInterRequestDelay) triple.
// The token-bucket fill rate is MaxRequestsPerWindow/Window; burst is
// MaxRequestsPerWindow so a provider can use its whole window's budget
// up front. MinInterRequestDelay is additionally enforced as a floor
// between any two requests, independent of the bucket's fill state.
type RateLimiter struct {
	limiter  *rate.Limiter
	minDelay time.Duration
	lastCall time.Time
}

func NewRateLimiter(limit RateLimit) *RateLimiter {
	var perSecond rate.Limit
	if limit.Window > 0 {
		perSecond = rate.Limit(float64(limit.MaxRequestsPerWindow) / limit.Window.Seconds())
	} else {
		perSecond = rate.Inf
	}
	burst := limit.MaxRequestsPerWindow
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(perSecond, burst), minDelay: limit.MinInterRequestDelay}
}

// Wait blocks until both the token bucket and the minimum inter-request
// delay permit another request, or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r.minDelay > 0 && !r.lastCall.IsZero() {
		elapsed := time.Since(r.lastCall)
		if elapsed < r.minDelay {
			select {
			case <-time.After(r.minDelay - elapsed):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	r.lastCall = time.Now()
	return nil
}
