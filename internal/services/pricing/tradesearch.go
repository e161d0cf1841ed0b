package pricing

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
)

// Reference window parameters for the historical trade search.
const (
	// DefaultSearchStep is how far the window start moves back each time no
	// qualifying trade is found.
	DefaultSearchStep int64 = 60
	// DefaultSearchBudget is the total look-back distance after which the
	// search gives up with entity.ErrNoValueFound.
	DefaultSearchBudget int64 = 3600
)

// Trade is one historical trade tick as returned by a provider whose price
// API exposes raw trades instead of point-in-time rates.
type Trade struct {
	Price     decimal.Decimal
	Timestamp int64
	// Market is true for market orders. Limit orders are excluded from the
	// search because their price does not necessarily reflect the prevailing
	// market rate at execution.
	Market bool
}

// TradesFunc fetches trades from `since` (unix seconds) up to now. The
// search does not rely on any ordering of the returned trades.
type TradesFunc func(ctx context.Context, since int64) ([]Trade, error)

// SearchClosestTrade finds the market trade closest at-or-before target,
// widening the search window backwards by `step` seconds until a qualifying
// trade is found or `budget` seconds of look-back are exhausted.
func SearchClosestTrade(ctx context.Context, fetch TradesFunc, target, budget, step int64, log *zap.Logger) (Trade, error) {
	if step <= 0 {
		step = DefaultSearchStep
	}
	if budget <= 0 {
		budget = DefaultSearchBudget
	}

	offset := target
	for {
		if err := ctx.Err(); err != nil {
			return Trade{}, err
		}
		if target-offset >= budget {
			return Trade{}, errors.Wrapf(entity.ErrNoValueFound,
				"no qualifying trades between %d and %d", offset, target)
		}

		trades, err := fetch(ctx, offset)
		if err != nil {
			return Trade{}, err
		}

		var closest Trade
		found := false
		for _, trade := range trades {
			if trade.Timestamp > target {
				// Never use a trade after the target. Keep scanning instead of
				// stopping so an out-of-order stream cannot hide earlier
				// qualifying trades.
				continue
			}
			if trade.Timestamp < offset {
				// Should not occur for a fetch from offset onwards.
				log.Warn("trade older than the window start, ignoring",
					zap.Int64("trade_timestamp", trade.Timestamp),
					zap.Int64("window_start", offset),
				)
				continue
			}
			if !trade.Market {
				continue
			}
			if !found || trade.Timestamp >= closest.Timestamp {
				closest = trade
				found = true
			}
		}

		if found {
			log.Debug("using closest market trade as value",
				zap.Int64("trade_timestamp", closest.Timestamp),
				zap.String("price", closest.Price.String()),
			)
			return closest, nil
		}

		offset -= step
	}
}
