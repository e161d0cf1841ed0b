// Package coingecko adapts the CoinGecko market data API as a price oracle.
// CoinGecko keys coins by its own slug IDs, so the catalog maps ticker
// symbols onto slugs, with a fixed override table deciding contested symbols
// (many knockoff coins reuse "btc").
package coingecko

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/httpx"
	"github.com/chadsr/cryptoshot/internal/services/pricing"
	"github.com/chadsr/cryptoshot/internal/services/provider"
	"github.com/chadsr/cryptoshot/internal/services/ratelimit"
)

var _ provider.PriceOracle = (*Client)(nil)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	apiKeyHeader   = "x-cg-demo-api-key"

	errCoinNotFound = "coin not found"
)

// coinIDOverrides pins contested ticker symbols to the canonical CoinGecko
// slug. Without a pin the first listing wins, which for popular symbols is
// usually a squatter coin.
var coinIDOverrides = map[string]string{
	"btc":   "bitcoin",
	"eth":   "ethereum",
	"avax":  "avalanche-2",
	"dot":   "polkadot",
	"ksm":   "kusama",
	"atom":  "cosmos",
	"ada":   "cardano",
	"sol":   "solana",
	"movr":  "moonriver",
	"glmr":  "moonbeam",
	"usdt":  "tether",
	"usdc":  "usd-coin",
	"xrp":   "ripple",
	"ltc":   "litecoin",
	"doge":  "dogecoin",
	"wbtc":  "wrapped-bitcoin",
	"weth":  "weth",
	"matic": "matic-network",
	"link":  "chainlink",
	"uni":   "uniswap",
}

type coinListing struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

type marketChart struct {
	Prices [][]json.Number `json:"prices"`
}

type apiErrorStatus struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Error string `json:"error"`
}

// Client is one CoinGecko session with its coin and vs-currency catalogs.
type Client struct {
	name         string
	baseURL      string
	http         *httpx.Client
	requestRate  float64
	requestBurst int
	apiKey       string
	assets       entity.Assets
	vsCurrencies map[string]struct{}
	searchBudget int64
	waiter       *ratelimit.Waiter
	log          *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithSearchBudget overrides how far back (seconds) a price is searched.
func WithSearchBudget(budget int64) Option {
	return func(c *Client) { c.searchBudget = budget }
}

// WithRequestRate overrides the client-side request pacing.
func WithRequestRate(rps float64, burst int) Option {
	return func(c *Client) {
		c.requestRate = rps
		c.requestBurst = burst
	}
}

// New connects to CoinGecko and eagerly fetches the coin list and the
// supported vs-currency list. apiKey may be empty; the public tier applies.
func New(ctx context.Context, name, apiKey string, log *zap.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		name:         name,
		baseURL:      defaultBaseURL,
		requestRate:  0.5,
		requestBurst: 1,
		apiKey:       apiKey,
		searchBudget: pricing.DefaultSearchBudget,
		log:          log.With(zap.String("provider", name)),
	}
	c.waiter = ratelimit.New(c.log)

	for _, opt := range opts {
		opt(c)
	}

	httpOpts := []httpx.Option{httpx.WithRateLimit(c.requestRate, c.requestBurst)}
	if apiKey != "" {
		httpOpts = append(httpOpts, httpx.WithHeader(apiKeyHeader, apiKey))
	}
	c.http = httpx.New(httpOpts...)

	if err := c.loadCoins(ctx); err != nil {
		return nil, err
	}
	if err := c.loadVsCurrencies(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// SupportedAssets implements provider.PriceOracle.
func (c *Client) SupportedAssets() entity.Assets { return c.assets }

// SupportedPairs implements provider.PriceOracle. CoinGecko publishes no
// pair table; any catalog asset can be quoted in any vs-currency, so the
// pair check happens in ValueAt instead.
func (c *Client) SupportedPairs() entity.AssetPairs { return nil }

func (c *Client) loadCoins(ctx context.Context) error {
	listings, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) ([]coinListing, error) {
		var out []coinListing
		if err := c.http.GetJSON(ctx, c.baseURL+"/coins/list", nil, &out); err != nil {
			return nil, errors.Wrap(classify(err), "fetch coin list")
		}
		return out, nil
	})
	if err != nil {
		return err
	}

	assets := make(entity.Assets, len(listings))
	for _, listing := range listings {
		symbol := entity.NormalizeAssetID(listing.Symbol)
		if symbol == "" {
			continue
		}
		if pinned, ok := coinIDOverrides[symbol]; ok && pinned != listing.ID {
			continue
		}
		if _, taken := assets[symbol]; taken {
			c.log.Debug("symbol collision in coin list",
				zap.String("symbol", symbol),
				zap.String("ignored_id", listing.ID),
			)
			continue
		}
		assets[symbol] = entity.Asset{
			ID:              strings.ToUpper(symbol),
			Name:            listing.Name,
			ProviderAssetID: listing.ID,
		}
	}
	if len(assets) == 0 {
		return errors.Wrap(entity.ErrNoSupportedAssets, "coingecko coin list is empty")
	}

	c.assets = assets
	return nil
}

func (c *Client) loadVsCurrencies(ctx context.Context) error {
	currencies, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) ([]string, error) {
		var out []string
		if err := c.http.GetJSON(ctx, c.baseURL+"/simple/supported_vs_currencies", nil, &out); err != nil {
			return nil, errors.Wrap(classify(err), "fetch vs currencies")
		}
		return out, nil
	})
	if err != nil {
		return err
	}
	if len(currencies) == 0 {
		return errors.Wrap(entity.ErrNoSupportedPairs, "coingecko vs-currency list is empty")
	}

	c.vsCurrencies = make(map[string]struct{}, len(currencies))
	for _, cur := range currencies {
		c.vsCurrencies[entity.NormalizeAssetID(cur)] = struct{}{}
	}
	return nil
}

// ValueAt implements provider.PriceOracle using the market_chart/range
// endpoint: the newest chart point at or before timestamp within the search
// budget wins.
func (c *Client) ValueAt(ctx context.Context, assetID, quoteAssetID string, timestamp int64) (entity.AssetValueAtTime, error) {
	asset, ok := c.assets.Get(assetID)
	if !ok {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrAssetUnsupported, "asset %q", assetID)
	}
	quote := entity.NormalizeAssetID(quoteAssetID)
	if _, ok := c.vsCurrencies[quote]; !ok {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrQuoteUnsupported, "vs currency %q", quoteAssetID)
	}

	chart, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) (*marketChart, error) {
		return c.marketChartRange(ctx, asset.ProviderAssetID, quote, timestamp-c.searchBudget, timestamp)
	})
	if err != nil {
		return entity.AssetValueAtTime{}, err
	}

	value, valueTime, found := closestPoint(chart.Prices, timestamp)
	if !found {
		return entity.AssetValueAtTime{}, errors.Wrapf(entity.ErrNoValueFound, "no chart point for %s/%s at or before %d", asset.ID, quote, timestamp)
	}

	return entity.AssetValueAtTime{
		Asset:      asset,
		QuoteAsset: strings.ToUpper(quote),
		Value:      value,
		Timestamp:  valueTime,
	}, nil
}

func (c *Client) marketChartRange(ctx context.Context, coinID, vsCurrency string, from, to int64) (*marketChart, error) {
	params := url.Values{
		"vs_currency": {vsCurrency},
		"from":        {strconv.FormatInt(from, 10)},
		"to":          {strconv.FormatInt(to, 10)},
	}

	var chart marketChart
	err := c.http.GetJSON(ctx, c.baseURL+"/coins/"+coinID+"/market_chart/range", params, &chart)
	if err != nil {
		return nil, errors.Wrapf(classify(err), "fetch market chart for %s", coinID)
	}
	return &chart, nil
}

// closestPoint scans chart points (millisecond timestamps, ascending) for
// the newest one at or before target.
func closestPoint(points [][]json.Number, target int64) (decimal.Decimal, int64, bool) {
	var (
		best     decimal.Decimal
		bestTime int64
		found    bool
	)
	for _, point := range points {
		if len(point) < 2 {
			continue
		}
		rawTime, err := point[0].Float64()
		if err != nil {
			continue
		}
		pointTime := entity.UnixSeconds(int64(rawTime))
		if pointTime > target {
			continue
		}
		value, err := decimal.NewFromString(point[1].String())
		if err != nil {
			continue
		}
		if !found || pointTime > bestTime {
			best = value
			bestTime = pointTime
			found = true
		}
	}
	return best, bestTime, found
}

// classify maps CoinGecko error envelopes onto the domain taxonomy: an
// unknown coin slug is an unsupported asset, error code 10012 means the
// requested range is outside the plan's historical window.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var status *httpx.StatusError
	if !errors.As(err, &status) {
		return err
	}

	var apiErr apiErrorStatus
	if jsonErr := json.Unmarshal(status.Body, &apiErr); jsonErr != nil {
		return err
	}
	switch {
	case apiErr.Error == errCoinNotFound:
		return errors.Wrap(entity.ErrAssetUnsupported, errCoinNotFound)
	case apiErr.Status.ErrorCode == 10012:
		return errors.Wrap(entity.ErrNoValueFound, apiErr.Status.ErrorMessage)
	}
	return err
}
