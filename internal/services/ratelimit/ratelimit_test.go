package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
)

func recordingWaiter(t *testing.T, opts ...Option) (*Waiter, *[]time.Duration) {
	t.Helper()

	var slept []time.Duration
	opts = append(opts, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))
	return New(zap.NewNop(), opts...), &slept
}

func TestDoIncrementsFixedWait(t *testing.T) {
	w, slept := recordingWaiter(t, WithIncrement(12*time.Second))

	attempts := 0
	err := w.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts <= 3 {
			return &entity.RateLimitError{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, []time.Duration{12 * time.Second, 24 * time.Second, 36 * time.Second}, *slept)
}

func TestDoRetryAfterSleepsExactlyAndResets(t *testing.T) {
	w, slept := recordingWaiter(t, WithIncrement(12*time.Second))

	attempts := 0
	err := w.Do(context.Background(), func(context.Context) error {
		attempts++
		switch attempts {
		case 1:
			return &entity.RateLimitError{}
		case 2:
			return &entity.RateLimitError{RetryAfter: 5 * time.Second}
		case 3:
			// counter must start over after the explicit delay
			return &entity.RateLimitError{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{12 * time.Second, 5 * time.Second, 12 * time.Second}, *slept)
}

func TestDoSuccessResetsCounter(t *testing.T) {
	w, slept := recordingWaiter(t, WithIncrement(10*time.Second))

	fail := true
	run := func() error {
		return w.Do(context.Background(), func(context.Context) error {
			if fail {
				fail = false
				return &entity.RateLimitError{}
			}
			return nil
		})
	}

	require.NoError(t, run())
	fail = true
	require.NoError(t, run())
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, *slept)
}

func TestDoPassesThroughOtherErrors(t *testing.T) {
	w, slept := recordingWaiter(t)

	wantErr := errors.New("boom")
	err := w.Do(context.Background(), func(context.Context) error {
		return wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Empty(t, *slept)
}

func TestDoWrappedRateLimitDetected(t *testing.T) {
	w, slept := recordingWaiter(t)

	attempts := 0
	err := w.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.Wrap(&entity.RateLimitError{RetryAfter: time.Second}, "kraken ledger page")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second}, *slept)
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	w := New(zap.NewNop(), WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	err := w.Do(ctx, func(context.Context) error {
		return &entity.RateLimitError{}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithData(t *testing.T) {
	w, _ := recordingWaiter(t)

	attempts := 0
	got, err := DoWithData(w, context.Background(), func(context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return 0, &entity.RateLimitError{RetryAfter: time.Second}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}
