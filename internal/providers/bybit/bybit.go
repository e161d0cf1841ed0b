// Package bybit adapts the Bybit V5 API as a price oracle over spot
// instruments. The historical value of a pair is the close of the newest 1m
// kline starting at or before the target timestamp.
package bybit

import (
	"context"
	"strconv"
	"strings"

	bybit "github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/services/provider"
	"github.com/chadsr/cryptoshot/internal/services/ratelimit"
)

var _ provider.PriceOracle = (*Client)(nil)

const statusTrading = "Trading"

// rateLimitCodes are Bybit retCode values signalling throttling. The SDK
// surfaces them only in the error text.
var rateLimitCodes = []string{"10006", "10018"}

// Client is one Bybit session with its spot instrument catalog.
type Client struct {
	name   string
	client *bybit.Client
	assets entity.Assets
	pairs  entity.AssetPairs
	waiter *ratelimit.Waiter
	log    *zap.Logger
}

// New wraps an already-constructed Bybit API client and eagerly fetches the
// spot instrument catalog. Only actively trading instruments are kept.
func New(ctx context.Context, name string, client *bybit.Client, log *zap.Logger) (*Client, error) {
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

func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, code := range rateLimitCodes {
		if strings.Contains(err.Error(), code) {
			return &entity.RateLimitError{}
		}
	}
	return err
}

func (c *Client) loadCatalog(ctx context.Context) error {
	resp, err := ratelimit.DoWithData(c.waiter, ctx, func(_ context.Context) (*bybit.V5GetInstrumentsInfoResponse, error) {
		resp, err := c.client.V5().Market().GetInstrumentsInfo(bybit.V5GetInstrumentsInfoParam{
			Category: bybit.CategoryV5Spot,
		})
		if err != nil {
			return nil, errors.Wrap(classify(err), "fetch bybit instruments")
		}
		return resp, nil
	})
	if err != nil {
		return err
	}
	if resp.Result.Spot == nil {
		return errors.Wrap(entity.ErrNoSupportedPairs, "no spot instruments in response")
	}

	assets := make(entity.Assets)
	pairs := make(entity.AssetPairs)
	for _, instrument := range resp.Result.Spot.List {
		if string(instrument.Status) != statusTrading {
			continue
		}
		for _, coin := range []bybit.Coin{instrument.BaseCoin, instrument.QuoteCoin} {
			id := string(coin)
			if _, ok := assets.Get(id); !ok {
				assets[entity.NormalizeAssetID(id)] = entity.Asset{
					ID:              id,
					Name:            id,
					ProviderAssetID: id,
				}
			}
		}
		pairs.Add(string(instrument.BaseCoin), string(instrument.QuoteCoin))
	}
	if len(pairs) == 0 {
		return errors.Wrap(entity.ErrNoSupportedPairs, "no trading spot instruments")
	}

	c.assets = assets
	c.pairs = pairs
	return nil
}

// ValueAt implements provider.PriceOracle: the close of the newest 1m kline
// starting at or before timestamp.
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
	end := timestamp * 1000
	limit := 1

	resp, err := ratelimit.DoWithData(c.waiter, ctx, func(_ context.Context) (*bybit.V5GetKlineResponse, error) {
		resp, err := c.client.V5().Market().GetKline(bybit.V5GetKlineParam{
			Category: bybit.CategoryV5Spot,
			Symbol:   bybit.SymbolV5(symbol),
			Interval: bybit.Interval1,
			End:      &end,
			Limit:    &limit,
		})
		if err != nil {
			return nil, errors.Wrapf(classify(err), "fetch kline for %s", symbol)
		}
		return resp, nil
	})
	if err != nil {
		return entity.AssetValueAtTime{}, err
	}
	if len(resp.Result.List) == 0 {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrNoValueFound, "no klines for %s at or before %d", symbol, timestamp)
	}

	// The list arrives newest first.
	kline := resp.Result.List[0]
	value, err := decimal.NewFromString(kline.Close)
	if err != nil {
		return entity.AssetValueAtTime{}, errors.Wrapf(err, "parse close price for %s", symbol)
	}
	startMs, err := strconv.ParseInt(kline.StartTime, 10, 64)
	if err != nil {
		return entity.AssetValueAtTime{}, errors.Wrapf(err, "parse kline start time for %s", symbol)
	}

	return entity.AssetValueAtTime{
		Asset:      asset,
		QuoteAsset: quote.ID,
		Value:      value,
		Timestamp:  entity.UnixSeconds(startMs),
	}, nil
}
