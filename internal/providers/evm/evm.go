// Package evm adapts the Routescan multi-chain explorer API as a balance
// oracle for EVM addresses. For every supported chain it resolves the block
// closest to (and not after) the target timestamp, reads the address's base
// asset balance at that block, and stamps the result with the actual block
// timestamp fetched over the chain's RPC endpoint.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/httpx"
	"github.com/chadsr/cryptoshot/internal/services/provider"
)

var _ provider.BalanceOracle = (*Client)(nil)

const (
	defaultBaseURL = "https://api.routescan.io/v2"

	networkMainnet = "mainnet"

	// Base (gas) assets on EVM chains are denominated in wei.
	baseAssetDecimals = 18

	messageOK = "OK"

	errNoClosestBlock  = "Error! No closest block found"
	errTempUnavailable = "Error! Service is temporarily unavailable"
)

// Chain is one EVM chain Routescan indexes.
type Chain struct {
	ID     int64
	Name   string
	Symbol string
	RPCURL string
}

type blockchainsResponse struct {
	Items []struct {
		ChainID string   `json:"chainId"`
		Name    string   `json:"name"`
		Symbol  string   `json:"symbol"`
		RPCs    []string `json:"rpcs"`
	} `json:"items"`
}

// etherscanResponse is the etherscan-compatible envelope Routescan proxies.
// Result carries the payload on success and the error text on failure.
type etherscanResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// headerSource is the slice of ethclient.Client used for block timestamps.
type headerSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Client is one Routescan session with its chain catalog.
type Client struct {
	name    string
	baseURL string
	http    *httpx.Client
	chains  []Chain
	dial    func(ctx context.Context, rawurl string) (headerSource, error)
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithDialer replaces the RPC dialer (tests).
func WithDialer(dial func(ctx context.Context, rawurl string) (headerSource, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// New connects to Routescan and eagerly fetches the chain catalog.
// chainFilter limits which chain IDs are queried; empty means all of them.
func New(ctx context.Context, name string, chainFilter []int64, log *zap.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		name:    name,
		baseURL: defaultBaseURL,
		http:    httpx.New(httpx.WithRateLimit(2, 2)),
		dial: func(ctx context.Context, rawurl string) (headerSource, error) {
			return ethclient.DialContext(ctx, rawurl)
		},
		log: log.With(zap.String("provider", name)),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.loadChains(ctx, chainFilter); err != nil {
		return nil, err
	}

	return c, nil
}

// Name implements provider.Provider.
func (c *Client) Name() string { return c.name }

// SupportedAddressTypes implements provider.BalanceOracle.
func (c *Client) SupportedAddressTypes() map[entity.AddressType]struct{} {
	return map[entity.AddressType]struct{}{entity.AddressTypeEVM: {}}
}

// Chains returns the chains this client queries, in chain ID order.
func (c *Client) Chains() []Chain { return c.chains }

func (c *Client) loadChains(ctx context.Context, chainFilter []int64) error {
	var resp blockchainsResponse
	u := fmt.Sprintf("%s/network/%s/evm/all/blockchains", c.baseURL, networkMainnet)
	if err := c.http.GetJSON(ctx, u, nil, &resp); err != nil {
		return errors.Wrap(err, "fetch routescan blockchains")
	}

	wanted := make(map[int64]struct{}, len(chainFilter))
	for _, id := range chainFilter {
		wanted[id] = struct{}{}
	}

	chains := make([]Chain, 0, len(resp.Items))
	for _, item := range resp.Items {
		id, err := strconv.ParseInt(item.ChainID, 10, 64)
		if err != nil {
			c.log.Warn("unparseable chain id in catalog", zap.String("chain_id", item.ChainID))
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[id]; !ok {
				continue
			}
		}
		chain := Chain{ID: id, Name: item.Name, Symbol: item.Symbol}
		if len(item.RPCs) > 0 {
			chain.RPCURL = item.RPCs[0]
		}
		chains = append(chains, chain)
	}
	if len(chains) == 0 {
		return errors.Wrap(entity.ErrNoSupportedAssets, "no matching chains in routescan catalog")
	}

	sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })
	c.chains = chains
	return nil
}

// AccountBalancesAt implements provider.BalanceOracle. A chain that cannot
// be served (no block at the timestamp, explorer hiccup) is skipped; only
// transport-level failures abort the whole call.
func (c *Client) AccountBalancesAt(ctx context.Context, account entity.AccountAddress, timestamp int64) (entity.BalancesAtTime, error) {
	if account.Type != entity.AddressTypeEVM {
		return nil, errors.Wrapf(entity.ErrAddressTypeUnsupported, "address type %q", account.Type)
	}

	balances := make(entity.BalancesAtTime)
	for _, chain := range c.chains {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log := c.log.With(zap.String("chain", chain.Name), zap.Int64("chain_id", chain.ID))

		blockNumber, err := c.blockNumberAt(ctx, chain.ID, timestamp)
		if err != nil {
			if skippable(err, log) {
				continue
			}
			return nil, err
		}

		wei, err := c.balanceAtBlock(ctx, chain.ID, account.Address, blockNumber)
		if err != nil {
			if skippable(err, log) {
				continue
			}
			return nil, err
		}
		if wei.IsZero() {
			log.Debug("zero base asset balance", zap.Int64("block", blockNumber))
			continue
		}

		balances.Put(chain.Symbol, fmt.Sprintf("%s/%d", account.Address, chain.ID), entity.AssetBalanceAtTime{
			Asset: entity.Asset{
				ID:       chain.Symbol,
				Name:     chain.Name,
				Decimals: baseAssetDecimals,
			},
			Quantity:        wei.Shift(-baseAssetDecimals),
			Timestamp:       c.blockTimestamp(ctx, chain, blockNumber, timestamp),
			LastBlockNumber: blockNumber,
		})
	}

	if len(balances) == 0 {
		return nil, errors.Wrapf(entity.ErrNoBalancesFound, "no balances for %s on any chain", account.Address)
	}
	return balances, nil
}

// skippable logs chain-level failures that should not abort the other
// chains and reports whether scanning can continue.
func skippable(err error, log *zap.Logger) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.result {
	case errNoClosestBlock:
		log.Warn("no block at or before timestamp, chain may postdate it")
	case errTempUnavailable:
		log.Warn("historical balance API temporarily unavailable, skipping chain")
	default:
		log.Error("explorer query failed", zap.String("result", apiErr.result))
	}
	return true
}

// apiError is a NOTOK etherscan envelope.
type apiError struct {
	result string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("explorer error: %s", e.result)
}

func (c *Client) etherscanQuery(ctx context.Context, chainID int64, params url.Values) (string, error) {
	u := fmt.Sprintf("%s/network/%s/evm/%d/etherscan/api", c.baseURL, networkMainnet, chainID)

	var resp etherscanResponse
	if err := c.http.GetJSON(ctx, u, params, &resp); err != nil {
		return "", err
	}
	if resp.Message != messageOK {
		return "", &apiError{result: resp.Result}
	}
	return resp.Result, nil
}

func (c *Client) blockNumberAt(ctx context.Context, chainID, timestamp int64) (int64, error) {
	result, err := c.etherscanQuery(ctx, chainID, url.Values{
		"module":    {"block"},
		"action":    {"getblocknobytime"},
		"closest":   {"before"},
		"timestamp": {strconv.FormatInt(timestamp, 10)},
	})
	if err != nil {
		return 0, err
	}

	blockNumber, err := strconv.ParseInt(result, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "expected block number, got %q", result)
	}
	return blockNumber, nil
}

func (c *Client) balanceAtBlock(ctx context.Context, chainID int64, address string, blockNumber int64) (decimal.Decimal, error) {
	result, err := c.etherscanQuery(ctx, chainID, url.Values{
		"module":  {"account"},
		"action":  {"balancehistory"},
		"address": {address},
		"blockno": {strconv.FormatInt(blockNumber, 10)},
	})
	if err != nil {
		return decimal.Decimal{}, err
	}

	wei, ok := new(big.Int).SetString(result, 10)
	if !ok {
		return decimal.Decimal{}, errors.Errorf("expected balance in wei, got %q", result)
	}
	return decimal.NewFromBigInt(wei, 0), nil
}

// blockTimestamp resolves the real timestamp of blockNumber over the
// chain's RPC endpoint. RPC trouble is not fatal; the query timestamp is a
// good enough fallback since the block is known to be at or before it.
func (c *Client) blockTimestamp(ctx context.Context, chain Chain, blockNumber, fallback int64) int64 {
	if chain.RPCURL == "" {
		c.log.Warn("no rpc url for chain, skipping block timestamp lookup",
			zap.String("chain", chain.Name))
		return fallback
	}

	rpc, err := c.dial(ctx, chain.RPCURL)
	if err != nil {
		c.log.Error("dial rpc failed", zap.String("rpc_url", chain.RPCURL), zap.Error(err))
		return fallback
	}

	header, err := rpc.HeaderByNumber(ctx, big.NewInt(blockNumber))
	if err != nil {
		c.log.Error("block header lookup failed",
			zap.String("rpc_url", chain.RPCURL),
			zap.Int64("block", blockNumber),
			zap.Error(err),
		)
		return fallback
	}

	return int64(header.Time)
}
