// Package kraken adapts the Kraken exchange API. It is both a price oracle,
// searching raw public trade history backwards from the target timestamp,
// and a balance provider, replaying the authenticated account ledger up to
// the target timestamp.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/httpx"
	"github.com/chadsr/cryptoshot/internal/services/pricing"
	"github.com/chadsr/cryptoshot/internal/services/provider"
	"github.com/chadsr/cryptoshot/internal/services/ratelimit"
)

var (
	_ provider.PriceOracle     = (*Client)(nil)
	_ provider.BalanceProvider = (*Client)(nil)
)

const (
	defaultBaseURL = "https://api.kraken.com"
	versionPath    = "/0"

	assetClassCurrency = "currency"
	orderTypeMarket    = "m"

	errRateLimitExceeded = "EAPI:Rate limit exceeded"
	errTooManyRequests   = "EGeneral:Too many requests"
	errInvalidKey        = "EAPI:Invalid key"
	errServiceUnavail    = "EService:Unavailable"
)

// assetIDOverrides maps Kraken-internal asset IDs to the canonical ID that
// takes precedence over the reported altname.
var assetIDOverrides = map[string]string{
	"XXBT": "BTC",
}

// ledgerAssetSuffixes are the staking/earn suffixes Kraken appends to the
// base asset ID on ledger entries. Longest first so "28.S" is not consumed
// as ".S".
var ledgerAssetSuffixes = []string{"07.S", "14.S", "28.S", ".S", ".B", ".M", ".F"}

type krakenAsset struct {
	Aclass   string `json:"aclass"`
	Altname  string `json:"altname"`
	Decimals int    `json:"decimals"`
}

type krakenPair struct {
	AclassBase  string `json:"aclass_base"`
	AclassQuote string `json:"aclass_quote"`
	Base        string `json:"base"`
	Quote       string `json:"quote"`
}

type ledgerEntry struct {
	Aclass  string  `json:"aclass"`
	Amount  string  `json:"amount"`
	Asset   string  `json:"asset"`
	Balance string  `json:"balance"`
	Refid   string  `json:"refid"`
	Subtype string  `json:"subtype"`
	Time    float64 `json:"time"`
	Type    string  `json:"type"`
}

type ledgerResult struct {
	Ledger map[string]ledgerEntry `json:"ledger"`
	Count  int                    `json:"count"`
}

// Client is one authenticated Kraken session with its catalog snapshot.
type Client struct {
	name         string
	baseURL      string
	http         *httpx.Client
	requestRate  float64
	requestBurst int
	apiKey       string
	privateKey   []byte
	assets       entity.Assets
	krakenAssets map[string]krakenAsset
	pairs        entity.AssetPairs
	waiter       *ratelimit.Waiter
	searchBudget int64
	searchStep   int64
	nonce        func() string
	log          *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithSearchWindow overrides the trade-search look-back budget and step,
// both in seconds.
func WithSearchWindow(budget, step int64) Option {
	return func(c *Client) {
		c.searchBudget = budget
		c.searchStep = step
	}
}

// WithWaiter replaces the rate-limit waiter (tests).
func WithWaiter(w *ratelimit.Waiter) Option {
	return func(c *Client) { c.waiter = w }
}

// WithNonce replaces the nonce source (tests).
func WithNonce(fn func() string) Option {
	return func(c *Client) { c.nonce = fn }
}

// WithRequestRate overrides the client-side request pacing.
func WithRequestRate(rps float64, burst int) Option {
	return func(c *Client) {
		c.requestRate = rps
		c.requestBurst = burst
	}
}

// New connects to Kraken and eagerly fetches the asset and pair catalogs.
// privateKey is the base64-encoded API private key; it may be empty for a
// price-oracle-only session, in which case BalancesAt fails. Construction
// fails when a catalog fetch fails or comes back empty.
func New(ctx context.Context, name, apiKey, privateKey string, log *zap.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		name:         name,
		baseURL:      defaultBaseURL,
		requestRate:  1,
		requestBurst: 1,
		apiKey:       apiKey,
		searchBudget: pricing.DefaultSearchBudget,
		searchStep:   pricing.DefaultSearchStep,
		nonce: func() string {
			return strconv.FormatInt(time.Now().UnixMilli(), 10)
		},
		log: log.With(zap.String("provider", name)),
	}
	c.waiter = ratelimit.New(c.log)

	if privateKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(privateKey)
		if err != nil {
			return nil, errors.Wrap(entity.ErrInvalidConfig, "kraken private key is not valid base64")
		}
		c.privateKey = decoded
	}

	for _, opt := range opts {
		opt(c)
	}

	httpOpts := []httpx.Option{httpx.WithRateLimit(c.requestRate, c.requestBurst)}
	if apiKey != "" {
		httpOpts = append(httpOpts, httpx.WithHeader("API-Key", apiKey))
	}
	c.http = httpx.New(httpOpts...)

	if err := c.loadAssets(ctx); err != nil {
		return nil, err
	}
	if err := c.loadPairs(ctx); err != nil {
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

// envelope is the common Kraken response wrapper.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func classifyErrors(errs []string) error {
	for _, e := range errs {
		switch e {
		case errRateLimitExceeded, errTooManyRequests:
			return &entity.RateLimitError{}
		case errInvalidKey:
			return errors.Wrap(entity.ErrInvalidConfig, e)
		case errServiceUnavail:
			return errors.Wrap(entity.ErrProviderUnavailable, e)
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("kraken API error: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Client) getPublic(ctx context.Context, endpoint string, params url.Values, out any) error {
	var env envelope
	if err := c.http.GetJSON(ctx, c.baseURL+versionPath+"/public/"+endpoint, params, &env); err != nil {
		return err
	}
	if err := classifyErrors(env.Error); err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(env.Result, out), "decode %s result", endpoint)
}

// canonicalID resolves a Kraken-internal asset ID to the canonical ID the
// rest of the system uses.
func canonicalID(krakenID string, asset krakenAsset) string {
	if override, ok := assetIDOverrides[krakenID]; ok {
		return override
	}
	return asset.Altname
}

func (c *Client) loadAssets(ctx context.Context) error {
	raw, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) (map[string]krakenAsset, error) {
		var out map[string]krakenAsset
		if err := c.getPublic(ctx, "Assets", nil, &out); err != nil {
			return nil, errors.Wrap(err, "fetch kraken assets")
		}
		return out, nil
	})
	if err != nil {
		return err
	}

	assets := make(entity.Assets, len(raw))
	for krakenID, asset := range raw {
		if asset.Aclass != assetClassCurrency {
			continue
		}
		id := canonicalID(krakenID, asset)
		if existing, ok := assets.Get(id); ok {
			c.log.Warn("duplicate asset id in catalog",
				zap.String("asset_id", id),
				zap.String("kraken_id", krakenID),
				zap.String("existing_kraken_id", existing.ProviderAssetID),
			)
			continue
		}
		assets[entity.NormalizeAssetID(id)] = entity.Asset{
			ID:              id,
			Name:            asset.Altname,
			Decimals:        asset.Decimals,
			ProviderAssetID: krakenID,
		}
	}
	if len(assets) == 0 {
		return errors.Wrap(entity.ErrNoSupportedAssets, "kraken asset catalog is empty")
	}

	c.assets = assets
	c.krakenAssets = raw
	return nil
}

func (c *Client) loadPairs(ctx context.Context) error {
	raw, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) (map[string]krakenPair, error) {
		var out map[string]krakenPair
		if err := c.getPublic(ctx, "AssetPairs", nil, &out); err != nil {
			return nil, errors.Wrap(err, "fetch kraken asset pairs")
		}
		return out, nil
	})
	if err != nil {
		return err
	}

	pairs := make(entity.AssetPairs)
	for _, pair := range raw {
		if pair.AclassBase != assetClassCurrency || pair.AclassQuote != assetClassCurrency {
			continue
		}
		base, ok := c.krakenAssets[pair.Base]
		if !ok {
			continue
		}
		quote, ok := c.krakenAssets[pair.Quote]
		if !ok {
			continue
		}
		pairs.Add(canonicalID(pair.Base, base), canonicalID(pair.Quote, quote))
	}
	if len(pairs) == 0 {
		return errors.Wrap(entity.ErrNoSupportedPairs, "kraken pair catalog is empty")
	}

	c.pairs = pairs
	return nil
}

// ValueAt implements provider.PriceOracle by walking raw trade history
// backwards from timestamp until a market trade at or before it is found.
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

	pair := strings.ToUpper(asset.ID + quote.ID)
	fetch := func(ctx context.Context, since int64) ([]pricing.Trade, error) {
		return ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) ([]pricing.Trade, error) {
			return c.trades(ctx, pair, since)
		})
	}

	trade, err := pricing.SearchClosestTrade(ctx, fetch, timestamp, c.searchBudget, c.searchStep, c.log)
	if err != nil {
		return entity.AssetValueAtTime{}, err
	}

	return entity.AssetValueAtTime{
		Asset:      asset,
		QuoteAsset: quote.ID,
		Value:      trade.Price,
		Timestamp:  trade.Timestamp,
	}, nil
}

// trades fetches one page of raw trades for pair starting at since. Rows
// arrive as positional arrays: price, volume, time, buy/sell, market/limit,
// misc, trade id.
func (c *Client) trades(ctx context.Context, pair string, since int64) ([]pricing.Trade, error) {
	params := url.Values{
		"pair":  {pair},
		"since": {strconv.FormatInt(since, 10)},
	}
	var result map[string]json.RawMessage
	if err := c.getPublic(ctx, "Trades", params, &result); err != nil {
		return nil, errors.Wrapf(err, "fetch trades for %s", pair)
	}

	trades := make([]pricing.Trade, 0)
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]any
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, errors.Wrapf(err, "decode trade rows for %s", key)
		}
		for _, row := range rows {
			trade, err := parseTrade(row)
			if err != nil {
				return nil, errors.Wrapf(err, "parse trade for %s", key)
			}
			trades = append(trades, trade)
		}
	}
	return trades, nil
}

func parseTrade(row []any) (pricing.Trade, error) {
	if len(row) < 5 {
		return pricing.Trade{}, errors.Errorf("trade row has %d fields, want at least 5", len(row))
	}
	priceStr, ok := row[0].(string)
	if !ok {
		return pricing.Trade{}, errors.New("trade price is not a string")
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return pricing.Trade{}, errors.Wrap(err, "parse trade price")
	}
	ts, ok := row[2].(float64)
	if !ok {
		return pricing.Trade{}, errors.New("trade time is not a number")
	}
	orderType, ok := row[4].(string)
	if !ok {
		return pricing.Trade{}, errors.New("trade order type is not a string")
	}
	return pricing.Trade{
		Price:     price,
		Timestamp: int64(ts),
		Market:    orderType == orderTypeMarket,
	}, nil
}

// BalancesAt implements provider.BalanceProvider by paging the full account
// ledger up to timestamp and keeping the newest running balance per asset.
func (c *Client) BalancesAt(ctx context.Context, timestamp int64) (entity.BalancesAtTime, error) {
	if c.apiKey == "" || len(c.privateKey) == 0 {
		return nil, errors.Wrap(entity.ErrInvalidConfig, "kraken ledger access needs an API key and private key")
	}

	entries := make(map[string]ledgerEntry)
	total := -1
	for total < 0 || len(entries) < total {
		page, err := ratelimit.DoWithData(c.waiter, ctx, func(ctx context.Context) (*ledgerResult, error) {
			return c.ledgerPage(ctx, timestamp, len(entries))
		})
		if err != nil {
			return nil, err
		}
		if total >= 0 && total != page.Count {
			c.log.Warn("ledger entry count changed while paging",
				zap.Int("previous", total),
				zap.Int("current", page.Count),
			)
		}
		total = page.Count
		if len(page.Ledger) == 0 {
			break
		}
		added := 0
		for id, entry := range page.Ledger {
			if _, dup := entries[id]; dup {
				c.log.Warn("duplicate ledger entry", zap.String("ledger_id", id))
				continue
			}
			entries[id] = entry
			added++
		}
		// A page of only already-seen entries would repeat the same offset
		// forever.
		if added == 0 {
			c.log.Warn("ledger page added no new entries, stopping pagination",
				zap.Int("offset", len(entries)))
			break
		}
	}

	return c.balancesFromLedger(entries, timestamp)
}

func (c *Client) ledgerPage(ctx context.Context, end int64, offset int) (*ledgerResult, error) {
	form := url.Values{
		"nonce":  {c.nonce()},
		"aclass": {assetClassCurrency},
		"asset":  {"all"},
		"type":   {"all"},
		"end":    {strconv.FormatInt(end, 10)},
		"ofs":    {strconv.Itoa(offset)},
	}

	path := versionPath + "/private/Ledgers"
	var env envelope
	headers := http.Header{"API-Sign": {c.sign(path, form)}}
	if err := c.http.PostForm(ctx, c.baseURL+path, form, headers, &env); err != nil {
		return nil, errors.Wrap(err, "fetch ledger page")
	}
	if err := classifyErrors(env.Error); err != nil {
		return nil, err
	}

	var result ledgerResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, errors.Wrap(err, "decode ledger result")
	}
	return &result, nil
}

// sign computes the API-Sign header: HMAC-SHA512 over the URI path
// concatenated with SHA256(nonce + postdata), keyed with the decoded
// private key.
func (c *Client) sign(path string, form url.Values) string {
	shaSum := sha256.Sum256([]byte(form.Get("nonce") + form.Encode()))
	mac := hmac.New(sha512.New, c.privateKey)
	mac.Write([]byte(path))
	mac.Write(shaSum[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// stripLedgerSuffix removes a staking/earn suffix from a ledger asset ID,
// returning the base ID. IDs too short to carry a real base are left alone.
func stripLedgerSuffix(id string) string {
	for _, suffix := range ledgerAssetSuffixes {
		if strings.HasSuffix(id, suffix) && len(id)-len(suffix) >= 3 {
			return strings.TrimSuffix(id, suffix)
		}
	}
	return id
}

func (c *Client) balancesFromLedger(entries map[string]ledgerEntry, timestamp int64) (entity.BalancesAtTime, error) {
	balances := make(entity.BalancesAtTime)
	for id, entry := range entries {
		entryTime := int64(entry.Time)
		if entryTime > timestamp {
			continue
		}

		baseID := stripLedgerSuffix(entry.Asset)
		raw, ok := c.krakenAssets[baseID]
		if !ok {
			c.log.Warn("ledger entry for unknown asset",
				zap.String("ledger_id", id),
				zap.String("kraken_asset", entry.Asset),
			)
			continue
		}
		asset, ok := c.assets.Get(canonicalID(baseID, raw))
		if !ok {
			c.log.Warn("ledger entry for delisted asset",
				zap.String("ledger_id", id),
				zap.String("kraken_asset", entry.Asset),
			)
			continue
		}

		quantity, err := decimal.NewFromString(entry.Balance)
		if err != nil {
			return nil, errors.Wrapf(err, "parse ledger balance for %s", entry.Asset)
		}

		// Staked variants keep their own running balance, so the raw
		// ledger asset ID becomes the account key while the catalog asset
		// carries the canonical identity. Only the newest entry per key
		// survives.
		if prior, ok := balances[entity.NormalizeAssetID(asset.ID)][entry.Asset]; ok && prior.Timestamp >= entryTime {
			continue
		}

		balances.Put(asset.ID, entry.Asset, entity.AssetBalanceAtTime{
			Asset:     asset,
			Quantity:  quantity,
			Timestamp: entryTime,
		})
	}

	if len(balances) == 0 {
		return nil, errors.Wrap(entity.ErrNoBalancesFound, "no ledger entries at or before timestamp")
	}
	return balances, nil
}
