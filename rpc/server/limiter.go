package server

import (
	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for request rate limiting.
type RateLimiter interface {
	Allow() bool
}

// TokenBucketRateLimiter implements rate limiting using a token bucket algorithm.
type TokenBucketRateLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketRateLimiter creates a limiter admitting rps requests per
// second with bursts of up to one second worth of requests. rps <= 0 admits
// everything.
func NewTokenBucketRateLimiter(rps float64) *TokenBucketRateLimiter {
	if rps <= 0 {
		return &TokenBucketRateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &TokenBucketRateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))}
}

// Allow returns true if a request can proceed immediately.
func (rl *TokenBucketRateLimiter) Allow() bool {
	return rl.limiter.Allow()
}
