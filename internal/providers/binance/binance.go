// Package binance adapts the Binance exchange API as a price oracle. The
// historical value of a pair is the close of the last 1m kline at or before
// the target timestamp. Binance is price-only here; it has no endpoint for
// historical account balances.
package binance

import (
	"context"
	"strings"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/services/provider"
	"github.com/chadsr/cryptoshot/internal/services/ratelimit"
)

var _ provider.PriceOracle = (*Client)(nil)

const (
	klineInterval = "1m"

	symbolStatusTrading = "TRADING"

	codeTooManyRequests = -1003
)

// Client is one Binance session with its symbol catalog.
type Client struct {
	name   string
	client *binance.Client
	assets entity.Assets
	pairs  entity.AssetPairs
	waiter *ratelimit.Waiter
	log    *zap.Logger
}

// New wraps an already-constructed Binance API client and eagerly fetches
// the exchange info catalog. Only actively trading symbols are kept.
func New(ctx context.Context, name string, client *binance.Client, log *zap.Logger) (*Client, error) {
	c := &Client{
		name:   name,
		client: client,
		log:    log.With(zap.String("provider", name)),
	}
	c.waiter = ratelimit.New(c.log)

	if err := c.loadCatalog(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// SupportedAssets implements provider.PriceOracle.
func (c *Client) SupportedAssets() entity.Assets { return c.assets }

// SupportedPairs implements provider.PriceOracle.
func (c *Client) SupportedPairs() entity.AssetPairs { return c.pairs }

// classify maps Binance API errors onto the domain taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeTooManyRequests {
		return &entity.RateLimitError{}
	}
	return err
}

func (c *Client) loadCatalog(ctx context.Context) error {
	info, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) (*binance.ExchangeInfo, error) {
		info, err := c.client.NewExchangeInfoService().Do(ctx)
		if err != nil {
			return nil, errors.Wrap(classify(err), "fetch binance exchange info")
		}
		return info, nil
	})
	if err != nil {
		return err
	}

	assets := make(entity.Assets)
	pairs := make(entity.AssetPairs)
	for _, symbol := range info.Symbols {
		if symbol.Status != symbolStatusTrading {
			continue
		}
		for _, id := range []string{symbol.BaseAsset, symbol.QuoteAsset} {
			if _, ok := assets.Get(id); !ok {
				assets[entity.NormalizeAssetID(id)] = entity.Asset{
					ID:              id,
					Name:            id,
					ProviderAssetID: id,
				}
			}
		}
		pairs.Add(symbol.BaseAsset, symbol.QuoteAsset)
	}
	if len(pairs) == 0 {
		return errors.Wrap(entity.ErrNoSupportedPairs, "no trading symbols in exchange info")
	}

	c.assets = assets
	c.pairs = pairs
	return nil
}

// ValueAt implements provider.PriceOracle: the close of the newest 1m kline
// ending at or before timestamp.
func (c *Client) ValueAt(ctx context.Context, assetID, quoteAssetID string, timestamp int64) (entity.AssetValueAtTime, error) {
	asset, ok := c.assets.Get(assetID)
	if !ok {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrAssetUnsupported, "asset %q", assetID)
	}
	quote, ok := c.assets.Get(quoteAssetID)
	if !ok {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrQuoteUnsupported, "quote asset %q", quoteAssetID)
	}
	if !c.pairs.Supports(asset.ID, quote.ID) {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrQuoteUnsupported, "pair %s/%s", asset.ID, quote.ID)
	}

	symbol := strings.ToUpper(asset.ID + quote.ID)
	klines, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) ([]*binance.Kline, error) {
		klines, err := c.client.NewKlinesService().
			Symbol(symbol).
			Interval(klineInterval).
			EndTime(timestamp * 1000).
			Limit(1).
			Do(ctx)
		if err != nil {
			return nil, errors.Wrapf(classify(err), "fetch klines for %s", symbol)
		}
		return klines, nil
	})
	if err != nil {
		return entity.AssetValueAtTime{}, err
	}
	if len(klines) == 0 {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrNoValueFound, "no klines for %s at or before %d", symbol, timestamp)
	}

	kline := klines[len(klines)-1]
	value, err := decimal.NewFromString(kline.Close)
	if err != nil {
		return entity.AssetValueAtTime{}, errors.Wrapf(err, "parse close price for %s", symbol)
	}

	// A kline still open at the target closes after it; clamp so the value
	// never postdates the query.
	valueTime := entity.UnixSeconds(kline.CloseTime)
	if valueTime > timestamp {
		valueTime = timestamp
	}

	return entity.AssetValueAtTime{
		Asset:      asset,
		QuoteAsset: quote.ID,
		Value:      value,
		Timestamp:  valueTime,
	}, nil
}
