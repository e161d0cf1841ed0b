// Package avax adapts the Avalanche data API as a balance oracle for P-Chain
// and X-Chain addresses. Each chain reports balances split into lock/stake
// buckets; the buckets are summed per asset. C-Chain addresses are EVM
// addresses and belong to the EVM oracle instead.
package avax

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/httpx"
	"github.com/chadsr/cryptoshot/internal/services/provider"
)

var _ provider.BalanceOracle = (*Client)(nil)

const (
	defaultBaseURL = "https://data-api.avax.network/v1"
	apiKeyHeader   = "x-glacier-api-key"

	networkMainnet = "mainnet"
)

// chains are queried in order. Labels end up in the asset name so a P-Chain
// AVAX balance stays tellable apart from an X-Chain one.
var chains = []struct {
	slug  string
	label string
}{
	{slug: "p-chain", label: "P-Chain"},
	{slug: "x-chain", label: "X-Chain"},
}

type assetAmount struct {
	AssetID      string `json:"assetId"`
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	Denomination int    `json:"denomination"`
	Amount       string `json:"amount"`
}

// chainBalances maps bucket name (unlockedStaked, atomicMemoryLocked, ...)
// to entries. The bucket split differs between P and X chains but every
// bucket counts towards the total, so the names themselves don't matter.
type chainBalances struct {
	Balances map[string][]assetAmount `json:"balances"`
}

// Client is one Avalanche data API session.
type Client struct {
	name    string
	baseURL string
	http    *httpx.Client
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates an Avalanche data API client. The API key is mandatory.
func New(name, apiKey string, log *zap.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.Wrap(entity.ErrInvalidConfig, "avalanche data API needs an API key")
	}

	c := &Client{
		name:    name,
		baseURL: defaultBaseURL,
		http: httpx.New(
			httpx.WithRateLimit(2, 2),
			httpx.WithHeader(apiKeyHeader, apiKey),
		),
		log: log.With(zap.String("provider", name)),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// SupportedAddressTypes implements provider.BalanceOracle.
func (c *Client) SupportedAddressTypes() map[entity.AddressType]struct{} {
	return map[entity.AddressType]struct{}{entity.AddressTypeAvax: {}}
}

// AccountBalancesAt implements provider.BalanceOracle. Both chains are
// queried; balances are keyed per chain so a P-Chain holding never shadows
// an X-Chain one.
func (c *Client) AccountBalancesAt(ctx context.Context, account entity.AccountAddress, timestamp int64) (entity.BalancesAtTime, error) {
	if account.Type != entity.AddressTypeAvax {
		return nil, errors.Wrapf(entity.ErrAddressTypeUnsupported, "address type %q", account.Type)
	}

	balances := make(entity.BalancesAtTime)
	for _, chain := range chains {
		totals, samples, err := c.chainTotals(ctx, chain.slug, account.Address, timestamp)
		if err != nil {
			return nil, err
		}

		// Distinct chain assets can share a ticker symbol; those need the
		// asset ID in the account key or they would overwrite each other.
		symbolCount := make(map[string]int, len(samples))
		for _, sample := range samples {
			symbolCount[entity.NormalizeAssetID(sample.Symbol)]++
		}

		for assetID, total := range totals {
			if total.IsZero() {
				continue
			}
			sample := samples[assetID]
			quantity := total.Shift(int32(-sample.Denomination))

			accountKey := fmt.Sprintf("%s/%s", account.Address, chain.slug)
			if symbolCount[entity.NormalizeAssetID(sample.Symbol)] > 1 {
				c.log.Warn("multiple chain assets share a symbol, keying by asset id",
					zap.String("chain", chain.slug),
					zap.String("symbol", sample.Symbol),
					zap.String("asset_id", sample.AssetID),
				)
				accountKey = fmt.Sprintf("%s/%s", accountKey, sample.AssetID)
			}

			balances.Put(sample.Symbol, accountKey, entity.AssetBalanceAtTime{
				Asset: entity.Asset{
					ID:              sample.Symbol,
					Name:            fmt.Sprintf("%s (%s)", sample.Name, chain.label),
					Decimals:        sample.Denomination,
					ProviderAssetID: sample.AssetID,
				},
				Quantity:  quantity,
				Timestamp: timestamp,
			})
		}
	}

	if len(balances) == 0 {
		return nil, errors.Wrapf(entity.ErrNoBalancesFound, "no balances for %s", account.Address)
	}
	return balances, nil
}

// chainTotals sums every bucket of one chain's balance response per asset,
// in the chain's smallest denomination.
func (c *Client) chainTotals(ctx context.Context, chain, address string, timestamp int64) (map[string]decimal.Decimal, map[string]assetAmount, error) {
	params := url.Values{
		"blockTimestamp": {strconv.FormatInt(timestamp, 10)},
		"addresses":      {address},
	}

	var resp chainBalances
	u := fmt.Sprintf("%s/networks/%s/blockchains/%s/balances", c.baseURL, networkMainnet, chain)
	if err := c.http.GetJSON(ctx, u, params, &resp); err != nil {
		return nil, nil, errors.Wrapf(err, "fetch %s balances for %s", chain, address)
	}

	totals := make(map[string]decimal.Decimal)
	samples := make(map[string]assetAmount)
	for bucket, entries := range resp.Balances {
		for _, entry := range entries {
			amount, err := decimal.NewFromString(entry.Amount)
			if err != nil {
				c.log.Warn("unparseable balance amount",
					zap.String("chain", chain),
					zap.String("bucket", bucket),
					zap.String("asset", entry.Symbol),
					zap.String("amount", entry.Amount),
				)
				continue
			}
			if _, ok := samples[entry.AssetID]; !ok {
				samples[entry.AssetID] = entry
			}
			totals[entry.AssetID] = totals[entry.AssetID].Add(amount)
		}
	}
	return totals, samples, nil
}
