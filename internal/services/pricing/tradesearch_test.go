package pricing

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
)

const searchTarget int64 = 1_700_000_000

// staticTrades serves the same trade stream for any window start, filtered
// to trades at or after it, preserving the declared order.
func staticTrades(trades []Trade) TradesFunc {
	return func(_ context.Context, since int64) ([]Trade, error) {
		var out []Trade
		for _, tr := range trades {
			if tr.Timestamp >= since {
				out = append(out, tr)
			}
		}
		return out, nil
	}
}

func price(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestSearchFindsClosestMarketTradeInFirstWindow(t *testing.T) {
	fetch := staticTrades([]Trade{
		{Price: price(99), Timestamp: searchTarget - 50, Market: true},
		{Price: price(100), Timestamp: searchTarget - 10, Market: true},
		{Price: price(101), Timestamp: searchTarget - 5, Market: false}, // limit, excluded
		{Price: price(200), Timestamp: searchTarget + 30, Market: true}, // after target
	})

	got, err := SearchClosestTrade(context.Background(), fetch, searchTarget, 3600, 60, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, searchTarget-10, got.Timestamp)
	assert.True(t, got.Price.Equal(price(100)))
}

func TestSearchNeverReturnsTradeAfterTarget(t *testing.T) {
	// Deliberately out of order: the after-target trades come first and must
	// not stop the scan before the qualifying one.
	fetch := staticTrades([]Trade{
		{Price: price(1), Timestamp: searchTarget + 1, Market: true},
		{Price: price(2), Timestamp: searchTarget + 2, Market: true},
		{Price: price(3), Timestamp: searchTarget - 500, Market: true},
	})

	got, err := SearchClosestTrade(context.Background(), fetch, searchTarget, 3600, 60, zap.NewNop())
	require.NoError(t, err)
	assert.LessOrEqual(t, got.Timestamp, searchTarget)
	assert.Equal(t, searchTarget-500, got.Timestamp)
}

func TestSearchWidensWindowBackwards(t *testing.T) {
	// One qualifying market trade 120s before the target: the first two
	// windows are empty, the third finds it.
	fetch := staticTrades([]Trade{
		{Price: price(42.5), Timestamp: searchTarget - 120, Market: true},
	})

	calls := 0
	counting := func(ctx context.Context, since int64) ([]Trade, error) {
		calls++
		return fetch(ctx, since)
	}

	got, err := SearchClosestTrade(context.Background(), counting, searchTarget, 3600, 60, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, searchTarget-120, got.Timestamp)
	assert.True(t, got.Price.Equal(price(42.5)))
	assert.Equal(t, 3, calls)
}

func TestSearchExhaustsBudgetWithNoValueFound(t *testing.T) {
	fetch := staticTrades(nil)

	_, err := SearchClosestTrade(context.Background(), fetch, searchTarget, 3600, 60, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrNoValueFound)
}

func TestSearchLimitOnlyStreamExhausts(t *testing.T) {
	fetch := staticTrades([]Trade{
		{Price: price(50), Timestamp: searchTarget - 30, Market: false},
		{Price: price(51), Timestamp: searchTarget - 600, Market: false},
	})

	_, err := SearchClosestTrade(context.Background(), fetch, searchTarget, 600, 60, zap.NewNop())
	assert.ErrorIs(t, err, entity.ErrNoValueFound)
}

func TestSearchIgnoresAnomalousOlderTrades(t *testing.T) {
	// The fetch misbehaves and returns a trade older than the window start;
	// it must be ignored, not used.
	fetch := func(_ context.Context, since int64) ([]Trade, error) {
		return []Trade{
			{Price: price(1), Timestamp: since - 1000, Market: true},
			{Price: price(7), Timestamp: searchTarget - 20, Market: true},
		}, nil
	}

	got, err := SearchClosestTrade(context.Background(), fetch, searchTarget, 3600, 60, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, searchTarget-20, got.Timestamp)
	assert.True(t, got.Price.Equal(price(7)))
}

func TestSearchPropagatesFetchError(t *testing.T) {
	wantErr := assert.AnError
	fetch := func(context.Context, int64) ([]Trade, error) { return nil, wantErr }

	_, err := SearchClosestTrade(context.Background(), fetch, searchTarget, 3600, 60, zap.NewNop())
	assert.ErrorIs(t, err, wantErr)
}
