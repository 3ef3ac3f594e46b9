package service

import (
	"context"

	"golang.org/x/time/rate"
)

// rateLimit is a pass-through stage that is only ready while its token bucket has a token
type rateLimit[T any] struct {
	limiter *rate.Limiter
}

// NewRateLimit creates a stage admitting at most r messages per second with the given burst.
// A non-positive r disables the limit.
func NewRateLimit[T any](r float64, burst int) IService[T] {
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimit[T]{limiter: rate.NewLimiter(limit, burst)}
}

func (s *rateLimit[T]) Ready() bool {
	if s.limiter.Limit() == rate.Inf {
		return true
	}
	return s.limiter.Tokens() >= 1
}

func (s *rateLimit[T]) Call(_ context.Context, msg *T) (*T, error) {
	if !s.limiter.Allow() {
		return nil, ErrBusy
	}
	return msg, nil
}
