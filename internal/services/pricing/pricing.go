// Package pricing resolves the value of every tracked asset against one
// quote asset at a target timestamp, walking price oracles in the configured
// priority order and tolerating individual provider failure.
package pricing

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/services/provider"
	"github.com/chadsr/cryptoshot/internal/services/ratelimit"
	"github.com/chadsr/cryptoshot/internal/services/resolver"
)

// Engine walks price oracles in priority order. Every quote that any oracle
// can supply for an asset is retained under that oracle's name; downstream
// consumers select or average as they see fit.
type Engine struct {
	oracles    []provider.PriceOracle
	waiters    map[string]*ratelimit.Waiter
	groups     entity.AssetGroups
	quoteAsset string
	log        *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWaiter replaces the backoff waiter for one oracle. Tests use this to
// avoid real sleeps.
func WithWaiter(oracleName string, w *ratelimit.Waiter) Option {
	return func(e *Engine) {
		e.waiters[oracleName] = w
	}
}

// New builds an Engine from the configured providers, keeping only those
// that expose the PriceOracle capability and preserving their order, which
// is the user-declared priority order.
func New(providers []provider.Provider, groups entity.AssetGroups, quoteAsset string, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		groups:     groups,
		quoteAsset: entity.NormalizeAssetID(quoteAsset),
		waiters:    make(map[string]*ratelimit.Waiter),
		log:        log,
	}

	for _, p := range providers {
		oracle, ok := p.(provider.PriceOracle)
		if !ok {
			continue
		}
		e.oracles = append(e.oracles, oracle)
		e.waiters[oracle.Name()] = ratelimit.New(log.With(zap.String("provider", oracle.Name())))
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// PricesAt resolves every asset in assetIDs against the quote asset at the
// given timestamp. Assets no oracle can price are simply absent from the
// result; only context cancellation aborts the run.
func (e *Engine) PricesAt(ctx context.Context, assetIDs []string, timestamp int64) (entity.Prices, error) {
	prices := make(entity.Prices)

	seen := make(map[string]struct{}, len(assetIDs))
	for _, rawID := range assetIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		assetID := entity.NormalizeAssetID(rawID)
		if _, dup := seen[assetID]; dup {
			continue
		}
		seen[assetID] = struct{}{}

		if assetID == e.quoteAsset {
			// no self-pricing
			continue
		}

		for _, oracle := range e.oracles {
			value, err := e.valueFrom(ctx, oracle, assetID, timestamp)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.logSkip(oracle.Name(), assetID, err)
				continue
			}

			if _, ok := prices[assetID]; !ok {
				prices[assetID] = make(map[string]entity.AssetValueAtTime)
			}
			prices[assetID][oracle.Name()] = value
		}
	}

	return prices, nil
}

func (e *Engine) valueFrom(ctx context.Context, oracle provider.PriceOracle, assetID string, timestamp int64) (entity.AssetValueAtTime, error) {
	log := e.log.With(zap.String("provider", oracle.Name()), zap.String("asset", assetID))

	res, err := resolver.Resolve(assetID, oracle.SupportedAssets(), e.groups)
	if err != nil {
		return entity.AssetValueAtTime{}, err
	}
	if res.Alias != "" {
		log.Info("using alias for unsupported canonical asset id", zap.String("alias", res.Alias))
	}

	if !oracle.SupportedPairs().Supports(res.ID, e.quoteAsset) {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrQuoteUnsupported,
			"pair %s/%s not listed", res.ID, e.quoteAsset)
	}

	// A rate-limited call retries against the same oracle rather than
	// advancing to the next one.
	return ratelimit.DoWithData(e.waiters[oracle.Name()], ctx, func(ctx context.Context) (entity.AssetValueAtTime, error) {
		return oracle.ValueAt(ctx, res.ID, e.quoteAsset, timestamp)
	})
}

func (e *Engine) logSkip(oracleName, assetID string, err error) {
	log := e.log.With(zap.String("provider", oracleName), zap.String("asset", assetID))

	switch {
	case errors.Is(err, entity.ErrAssetUnsupported):
		log.Debug("asset not supported by provider, trying next")
	case errors.Is(err, entity.ErrQuoteUnsupported):
		log.Debug("quote asset not supported by provider, trying next")
	case errors.Is(err, entity.ErrNoValueFound):
		log.Info("provider has no value in range, trying next")
	case errors.Is(err, entity.ErrProviderUnavailable):
		log.Warn("provider temporarily unavailable, trying next", zap.Error(err))
	default:
		log.Warn("provider failed, trying next", zap.Error(err))
	}
}
