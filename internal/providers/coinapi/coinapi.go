// Package coinapi adapts the CoinAPI exchange-rate API as a price oracle.
// CoinAPI serves a point-in-time rate directly, so no trade or chart search
// is needed; HTTP 550 is its "no data for that time" signal.
package coinapi

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/httpx"
	"github.com/chadsr/cryptoshot/internal/services/provider"
	"github.com/chadsr/cryptoshot/internal/services/ratelimit"
)

var _ provider.PriceOracle = (*Client)(nil)

const (
	defaultBaseURL = "https://rest.coinapi.io"
	apiKeyHeader   = "X-CoinAPI-Key"

	statusNoData = 550
)

type coinapiAsset struct {
	AssetID      string `json:"asset_id"`
	Name         string `json:"name"`
	TypeIsCrypto int    `json:"type_is_crypto"`
}

type exchangeRate struct {
	Time         string          `json:"time"`
	AssetIDBase  string          `json:"asset_id_base"`
	AssetIDQuote string          `json:"asset_id_quote"`
	Rate         decimal.Decimal `json:"rate"`
}

// Client is one CoinAPI session with its asset catalog.
type Client struct {
	name         string
	baseURL      string
	http         *httpx.Client
	requestRate  float64
	requestBurst int
	assets       entity.Assets
	quotable     map[string]struct{}
	waiter       *ratelimit.Waiter
	log          *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithRequestRate overrides the client-side request pacing.
func WithRequestRate(rps float64, burst int) Option {
	return func(c *Client) {
		c.requestRate = rps
		c.requestBurst = burst
	}
}

// New connects to CoinAPI and eagerly fetches the asset catalog. The API key
// is mandatory; CoinAPI has no anonymous tier.
func New(ctx context.Context, name, apiKey string, log *zap.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.Wrap(entity.ErrInvalidConfig, "coinapi needs an API key")
	}

	c := &Client{
		name:         name,
		baseURL:      defaultBaseURL,
		requestRate:  1,
		requestBurst: 1,
		log:          log.With(zap.String("provider", name)),
	}
	c.waiter = ratelimit.New(c.log)

	for _, opt := range opts {
		opt(c)
	}

	c.http = httpx.New(
		httpx.WithRateLimit(c.requestRate, c.requestBurst),
		httpx.WithHeader(apiKeyHeader, apiKey),
	)

	if err := c.loadAssets(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// SupportedAssets implements provider.PriceOracle. Only crypto assets are
// listed; fiat entries stay quotable but are never priced themselves.
func (c *Client) SupportedAssets() entity.Assets { return c.assets }

// SupportedPairs implements provider.PriceOracle. CoinAPI publishes no pair
// table; any catalog asset can be quoted in any other, so the quote check
// happens in ValueAt.
func (c *Client) SupportedPairs() entity.AssetPairs { return nil }

func (c *Client) loadAssets(ctx context.Context) error {
	listings, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) ([]coinapiAsset, error) {
		var out []coinapiAsset
		if err := c.http.GetJSON(ctx, c.baseURL+"/v1/assets", nil, &out); err != nil {
			return nil, errors.Wrap(err, "fetch coinapi assets")
		}
		return out, nil
	})
	if err != nil {
		return err
	}

	assets := make(entity.Assets)
	quotable := make(map[string]struct{}, len(listings))
	for _, listing := range listings {
		if listing.AssetID == "" {
			continue
		}
		quotable[entity.NormalizeAssetID(listing.AssetID)] = struct{}{}
		if listing.TypeIsCrypto != 1 {
			continue
		}
		assets[entity.NormalizeAssetID(listing.AssetID)] = entity.Asset{
			ID:              listing.AssetID,
			Name:            listing.Name,
			ProviderAssetID: listing.AssetID,
		}
	}
	if len(assets) == 0 {
		return errors.Wrap(entity.ErrNoSupportedAssets, "coinapi asset catalog is empty")
	}

	c.assets = assets
	c.quotable = quotable
	return nil
}

// ValueAt implements provider.PriceOracle via the point-in-time exchange
// rate endpoint.
func (c *Client) ValueAt(ctx context.Context, assetID, quoteAssetID string, timestamp int64) (entity.AssetValueAtTime, error) {
	asset, ok := c.assets.Get(assetID)
	if !ok {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrAssetUnsupported, "asset %q", assetID)
	}
	quote := entity.NormalizeAssetID(quoteAssetID)
	if _, ok := c.quotable[quote]; !ok {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrQuoteUnsupported, "quote asset %q", quoteAssetID)
	}

	rate, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) (*exchangeRate, error) {
		return c.exchangeRateAt(ctx, asset.ProviderAssetID, strings.ToUpper(quote), timestamp)
	})
	if err != nil {
		return entity.AssetValueAtTime{}, err
	}
	if rate.Rate.IsZero() {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrNoValueFound, "zero rate for %s/%s", asset.ID, quote)
	}

	valueTime := timestamp
	if at, err := time.Parse(time.RFC3339, rate.Time); err == nil {
		valueTime = at.Unix()
	}

	return entity.AssetValueAtTime{
		Asset:      asset,
		QuoteAsset: strings.ToUpper(quote),
		Value:      rate.Rate,
		Timestamp:  valueTime,
	}, nil
}

func (c *Client) exchangeRateAt(ctx context.Context, base, quote string, timestamp int64) (*exchangeRate, error) {
	params := url.Values{
		"time": {time.Unix(timestamp, 0).UTC().Format(time.RFC3339)},
	}

	var rate exchangeRate
	err := c.http.GetJSON(ctx, c.baseURL+"/v1/exchangerate/"+base+"/"+quote, params, &rate)
	if err != nil {
		var status *httpx.StatusError
		if errors.As(err, &status) && status.Code == statusNoData {
			return nil, errors.Wrapf(entity.ErrNoValueFound, "no rate for %s/%s", base, quote)
		}
		return nil, errors.Wrapf(err, "fetch exchange rate for %s/%s", base, quote)
	}
	return &rate, nil
}
