// Package ratelimit wraps outbound provider calls with the shared backoff
// discipline: rate-limit responses become transparent delays, not failures.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
)

// DefaultIncrement is added to the cumulative wait each time a rate-limit
// response arrives without an explicit Retry-After delay.
const DefaultIncrement = 12 * time.Second

// Sleeper blocks for d or until the context is cancelled.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Waiter holds the cumulative wait state for one provider call site. The
// counter grows by a fixed increment on every anonymous rate-limit response
// and resets to zero on success or on an explicit Retry-After delay.
//
// There is deliberately no retry cap: rate limits are expected to clear,
// unlike missing data. Callers bound the total wait through ctx.
type Waiter struct {
	mu        sync.Mutex
	wait      time.Duration
	increment time.Duration
	sleep     Sleeper
	log       *zap.Logger
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithIncrement overrides the fixed wait increment.
func WithIncrement(d time.Duration) Option {
	return func(w *Waiter) {
		w.increment = d
	}
}

// WithSleeper replaces the sleep function. Tests use this to observe waits
// without real delays.
func WithSleeper(s Sleeper) Option {
	return func(w *Waiter) {
		w.sleep = s
	}
}

// New creates a Waiter with the default increment.
func New(log *zap.Logger, opts ...Option) *Waiter {
	w := &Waiter{
		increment: DefaultIncrement,
		sleep:     sleep,
		log:       log,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// next returns how long to sleep for one rate-limit response and updates the
// cumulative counter.
func (w *Waiter) next(retryAfter time.Duration) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if retryAfter > 0 {
		// The provider told us exactly how long; the incremental counter
		// starts over.
		w.wait = 0
		return retryAfter
	}

	w.wait += w.increment
	return w.wait
}

// Reset zeroes the cumulative counter. Do calls this on success.
func (w *Waiter) Reset() {
	w.mu.Lock()
	w.wait = 0
	w.mu.Unlock()
}

// Do runs fn, sleeping and retrying for as long as it keeps failing with a
// rate-limit error. Any other outcome is returned to the caller unchanged.
func (w *Waiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		err := fn(ctx)
		if err == nil {
			w.Reset()
			return nil
		}

		rl, ok := entity.AsRateLimit(err)
		if !ok {
			return err
		}

		d := w.next(rl.RetryAfter)
		w.log.Warn("rate limit hit, waiting until next request",
			zap.Duration("wait", d),
			zap.Bool("retry_after", rl.RetryAfter > 0),
		)

		if err := w.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// DoWithData is Do for calls that return a value.
func DoWithData[T any](w *Waiter, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := w.Do(ctx, func(ctx context.Context) error {
		var e error
		result, e = fn(ctx)
		return e
	})
	return result, err
}
