package snapshot

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/config"
	"github.com/chadsr/cryptoshot/internal/clients"
	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/providers/avax"
	binanceprovider "github.com/chadsr/cryptoshot/internal/providers/binance"
	bybitprovider "github.com/chadsr/cryptoshot/internal/providers/bybit"
	"github.com/chadsr/cryptoshot/internal/providers/coinapi"
	"github.com/chadsr/cryptoshot/internal/providers/coingecko"
	"github.com/chadsr/cryptoshot/internal/providers/evm"
	"github.com/chadsr/cryptoshot/internal/providers/kraken"
	"github.com/chadsr/cryptoshot/internal/services/provider"
)

// BuildProviders constructs one provider per config entry. A provider that
// fails to initialize (bad credentials, catalog fetch failure) is logged and
// skipped; the run only aborts when nothing at all could be built.
func BuildProviders(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]provider.Provider, error) {
	providers := make([]provider.Provider, 0, len(cfg.Providers))

	for _, pc := range cfg.Providers {
		p, err := buildProvider(ctx, pc, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Error("provider failed to initialize, skipping",
				zap.String("provider", pc.Name),
				zap.String("type", pc.Type),
				zap.Error(err),
			)
			continue
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, errors.Wrap(entity.ErrProviderUnavailable, "no providers could be initialized")
	}
	return providers, nil
}

func buildProvider(ctx context.Context, pc config.Provider, log *zap.Logger) (provider.Provider, error) {
	switch pc.Type {
	case config.ProviderKraken:
		return kraken.New(ctx, pc.Name, pc.APIKey(), pc.APISecret(), log)
	case config.ProviderCoinGecko:
		return coingecko.New(ctx, pc.Name, pc.APIKey(), log)
	case config.ProviderCoinAPI:
		return coinapi.New(ctx, pc.Name, pc.APIKey(), log)
	case config.ProviderBinance:
		return binanceprovider.New(ctx, pc.Name, clients.NewBinanceClient(pc.APIKey(), pc.APISecret()), log)
	case config.ProviderBybit:
		return bybitprovider.New(ctx, pc.Name, clients.NewBybitClient(pc.APIKey(), pc.APISecret()), log)
	case config.ProviderAvax:
		return avax.New(pc.Name, pc.APIKey(), log)
	case config.ProviderEVM:
		return evm.New(ctx, pc.Name, pc.Chains, log)
	}
	return nil, errors.Wrapf(entity.ErrInvalidConfig, "unknown provider type %q", pc.Type)
}
