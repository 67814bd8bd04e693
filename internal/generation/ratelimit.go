package generation

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited wraps an endpoint so that calls never exceed a request rate.
type RateLimited struct {
	next    Endpoint
	limiter *rate.Limiter
}

// NewRateLimited allows requestsPerMinute sustained calls with the given
// burst. A non-positive rate disables limiting.
func NewRateLimited(next Endpoint, requestsPerMinute, burst int) *RateLimited {
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Generate waits for a token and then calls the wrapped endpoint. Waiting
// honours ctx, so a dispatch deadline covers time spent queued.
func (r *RateLimited) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}
	return r.next.Generate(ctx, req)
}
