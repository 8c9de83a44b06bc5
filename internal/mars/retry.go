package mars

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
)

// invoker carries the per-run policy for model calls: retries, per-call
// timeouts, deadline detachment, the concurrency limit and token accounting.
type invoker struct {
	log            *slog.Logger
	sem            *semaphore.Weighted
	retries        int
	retryInterval  time.Duration
	cancelInFlight bool
	tokens         atomic.Int64
}

func (inv *invoker) spend(n int) {
	inv.tokens.Add(int64(n))
}

func (inv *invoker) spent() int {
	return int(inv.tokens.Load())
}

// invoke runs fn with retries, each attempt bounded by timeout. When in-flight
// cancellation is disabled the attempts are detached from ctx and only the
// per-call timeout applies.
func invoke[T any](ctx context.Context, inv *invoker, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	parent := ctx
	if !inv.cancelInFlight {
		parent = context.WithoutCancel(ctx)
	}
	return callWithRetry(parent, inv.log, inv.retries, inv.retryInterval, op, func() (T, error) {
		if err := inv.sem.Acquire(parent, 1); err != nil {
			var zero T
			return zero, err
		}
		defer inv.sem.Release(1)

		callCtx, cancel := withOptionalTimeout(parent, timeout)
		defer cancel()
		return fn(callCtx)
	})
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// callWithRetry runs fn up to retries+1 times with exponential backoff.
// Cancellation is never retried, nor is anything once ctx itself is done; a
// single attempt timing out is.
func callWithRetry[T any](ctx context.Context, log *slog.Logger, retries int, initial time.Duration, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = 20 * initial

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("agent call failed, retrying", "op", op, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
}
