package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// RateLimit wraps gen so that at most rps streams are opened per second,
// with the given burst. Waiting honours ctx.
func RateLimit(gen Generator, rps float64, burst int) Generator {
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{
		next:    gen,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *rateLimited) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Stream(ctx, req)
}
