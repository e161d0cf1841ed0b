// Package balances collects balance snapshots from every provider capable
// of reporting them and merges the results into one canonical structure,
// detecting duplicate entries along the way.
package balances

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/services/provider"
	"github.com/chadsr/cryptoshot/internal/services/ratelimit"
)

// Engine queries balance oracles (per configured account) and balance
// providers (whole authenticated accounts) at a target timestamp.
type Engine struct {
	oracles   []provider.BalanceOracle
	providers []provider.BalanceProvider
	accounts  []entity.AccountAddress
	waiters   map[string]*ratelimit.Waiter
	log       *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWaiter replaces the backoff waiter for one provider.
func WithWaiter(providerName string, w *ratelimit.Waiter) Option {
	return func(e *Engine) {
		e.waiters[providerName] = w
	}
}

// New builds an Engine from the configured providers, splitting them by
// balance capability.
func New(providers []provider.Provider, accounts []entity.AccountAddress, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		accounts: accounts,
		waiters:  make(map[string]*ratelimit.Waiter),
		log:      log,
	}

	for _, p := range providers {
		tagged := false
		if oracle, ok := p.(provider.BalanceOracle); ok {
			e.oracles = append(e.oracles, oracle)
			tagged = true
		}
		if bp, ok := p.(provider.BalanceProvider); ok {
			e.providers = append(e.providers, bp)
			tagged = true
		}
		if tagged {
			e.waiters[p.Name()] = ratelimit.New(log.With(zap.String("provider", p.Name())))
		}
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// BalancesAt aggregates balances across all providers and accounts at the
// given timestamp. A failing provider/account pair never aborts the run;
// only context cancellation does.
func (e *Engine) BalancesAt(ctx context.Context, timestamp int64) (entity.Balances, error) {
	result := make(entity.Balances)

	for _, oracle := range e.oracles {
		supported := oracle.SupportedAddressTypes()

		for _, account := range e.accounts {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, ok := supported[account.Type]; !ok {
				continue
			}

			log := e.log.With(
				zap.String("provider", oracle.Name()),
				zap.String("account", account.Name),
				zap.String("address", account.Address),
			)

			got, err := ratelimit.DoWithData(e.waiters[oracle.Name()], ctx, func(ctx context.Context) (entity.BalancesAtTime, error) {
				return oracle.AccountBalancesAt(ctx, account, timestamp)
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logBalanceSkip(log, err)
				continue
			}

			e.merge(result, oracle.Name(), got, timestamp)
		}
	}

	for _, bp := range e.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log := e.log.With(zap.String("provider", bp.Name()))

		got, err := ratelimit.DoWithData(e.waiters[bp.Name()], ctx, func(ctx context.Context) (entity.BalancesAtTime, error) {
			return bp.BalancesAt(ctx, timestamp)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logBalanceSkip(log, err)
			continue
		}

		e.merge(result, bp.Name(), got, timestamp)
	}

	return result, nil
}

// merge folds one provider's snapshot into the aggregate. Zero quantities
// are dropped. A second write to an already-populated (asset, provider,
// account-key) triple is a duplicate-entry anomaly: it is logged as an error
// and resolved deterministically in favour of the record with the most
// recent timestamp not after the query timestamp.
func (e *Engine) merge(dst entity.Balances, providerName string, got entity.BalancesAtTime, timestamp int64) {
	for assetID, byKey := range got {
		id := entity.NormalizeAssetID(assetID)

		for accountKey, balance := range byKey {
			if balance.Quantity.IsZero() {
				e.log.Debug("dropping zero balance",
					zap.String("provider", providerName),
					zap.String("asset", id),
					zap.String("account_key", accountKey),
				)
				continue
			}

			if _, ok := dst[id]; !ok {
				dst[id] = make(map[string]map[string]entity.AssetBalanceAtTime)
			}
			if _, ok := dst[id][providerName]; !ok {
				dst[id][providerName] = make(map[string]entity.AssetBalanceAtTime)
			}

			existing, exists := dst[id][providerName][accountKey]
			if exists {
				e.log.Error("duplicate balance entry",
					zap.String("provider", providerName),
					zap.String("asset", id),
					zap.String("account_key", accountKey),
					zap.Int64("existing_timestamp", existing.Timestamp),
					zap.Int64("new_timestamp", balance.Timestamp),
				)
				if balance.Timestamp <= existing.Timestamp || balance.Timestamp > timestamp {
					continue
				}
			}

			dst[id][providerName][accountKey] = balance
		}
	}
}

func logBalanceSkip(log *zap.Logger, err error) {
	switch {
	case errors.Is(err, entity.ErrNoBalancesFound):
		log.Info("no balances found, skipping")
	case errors.Is(err, entity.ErrAddressTypeUnsupported):
		log.Debug("address type not serviced by provider, skipping")
	case errors.Is(err, entity.ErrProviderUnavailable):
		log.Warn("balance provider temporarily unavailable, skipping", zap.Error(err))
	default:
		log.Warn("balance lookup failed, skipping", zap.Error(err))
	}
}
