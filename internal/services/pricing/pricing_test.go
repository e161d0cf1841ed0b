package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/services/provider"
	"github.com/chadsr/cryptoshot/internal/services/ratelimit"
)

const priceTarget int64 = 1_700_000_000

type fakeOracle struct {
	name   string
	assets entity.Assets
	pairs  entity.AssetPairs
	values map[string]entity.AssetValueAtTime
	errs   map[string]error
	calls  map[string]int
}

func newFakeOracle(name string, assetIDs ...string) *fakeOracle {
	o := &fakeOracle{
		name:   name,
		assets: make(entity.Assets),
		pairs:  make(entity.AssetPairs),
		values: make(map[string]entity.AssetValueAtTime),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
	for _, id := range assetIDs {
		norm := entity.NormalizeAssetID(id)
		o.assets[norm] = entity.Asset{ID: id, Name: id}
		o.pairs.Add(norm, "usd")
	}
	return o
}

func (o *fakeOracle) Name() string                     { return o.name }
func (o *fakeOracle) SupportedAssets() entity.Assets   { return o.assets }
func (o *fakeOracle) SupportedPairs() entity.AssetPairs { return o.pairs }

func (o *fakeOracle) ValueAt(_ context.Context, assetID, quoteAssetID string, timestamp int64) (entity.AssetValueAtTime, error) {
	o.calls[assetID]++
	if err, ok := o.errs[assetID]; ok && err != nil {
		return entity.AssetValueAtTime{}, err
	}
	if v, ok := o.values[assetID]; ok {
		return v, nil
	}
	return entity.AssetValueAtTime{}, entity.ErrNoValueFound
}

func (o *fakeOracle) setValue(assetID string, value float64) {
	id := entity.NormalizeAssetID(assetID)
	o.values[id] = entity.AssetValueAtTime{
		Asset:      o.assets[id],
		QuoteAsset: "usd",
		Value:      decimal.NewFromFloat(value),
		Timestamp:  priceTarget,
	}
}

func instantWaiter(name string) Option {
	return WithWaiter(name, ratelimit.New(zap.NewNop(), ratelimit.WithSleeper(
		func(context.Context, time.Duration) error { return nil },
	)))
}

func TestPricesAtSingleProvider(t *testing.T) {
	oracle := newFakeOracle("provider1", "BTC")
	oracle.setValue("btc", 50000.0)

	engine := New([]provider.Provider{oracle}, nil, "USD", zap.NewNop())

	prices, err := engine.PricesAt(context.Background(), []string{"BTC"}, priceTarget)
	require.NoError(t, err)
	require.Contains(t, prices, "btc")
	require.Contains(t, prices["btc"], "provider1")
	assert.True(t, prices["btc"]["provider1"].Value.Equal(decimal.NewFromFloat(50000.0)))
}

func TestPricesAtRetainsAllProviderQuotes(t *testing.T) {
	first := newFakeOracle("first", "eth")
	first.setValue("eth", 2000)
	second := newFakeOracle("second", "eth")
	second.setValue("eth", 2001)

	engine := New([]provider.Provider{first, second}, nil, "usd", zap.NewNop())

	prices, err := engine.PricesAt(context.Background(), []string{"eth"}, priceTarget)
	require.NoError(t, err)
	assert.Len(t, prices["eth"], 2)
	assert.True(t, prices["eth"]["first"].Value.Equal(decimal.NewFromInt(2000)))
	assert.True(t, prices["eth"]["second"].Value.Equal(decimal.NewFromInt(2001)))
}

func TestPricesAtSkipsQuoteAsset(t *testing.T) {
	oracle := newFakeOracle("p", "usd", "btc")
	oracle.setValue("usd", 1)
	oracle.setValue("btc", 50000)

	engine := New([]provider.Provider{oracle}, nil, "usd", zap.NewNop())

	prices, err := engine.PricesAt(context.Background(), []string{"usd", "btc"}, priceTarget)
	require.NoError(t, err)
	assert.NotContains(t, prices, "usd")
	assert.Contains(t, prices, "btc")
	assert.Zero(t, oracle.calls["usd"])
}

func TestPricesAtGroupFallback(t *testing.T) {
	// The oracle only lists wbtc; the group maps btc -> [tbtc, wbtc], so the
	// second alias must be used.
	oracle := newFakeOracle("p", "wbtc")
	oracle.setValue("wbtc", 49900)

	groups := entity.AssetGroups{"btc": {"tbtc", "wbtc"}}
	engine := New([]provider.Provider{oracle}, groups, "usd", zap.NewNop())

	prices, err := engine.PricesAt(context.Background(), []string{"btc"}, priceTarget)
	require.NoError(t, err)
	// the result stays keyed by the canonical id, not the alias
	require.Contains(t, prices, "btc")
	assert.True(t, prices["btc"]["p"].Value.Equal(decimal.NewFromInt(49900)))
	assert.Equal(t, 1, oracle.calls["wbtc"])
	assert.Zero(t, oracle.calls["btc"])
}

func TestPricesAtUnsupportedAssetSkipsProvider(t *testing.T) {
	unsupported := newFakeOracle("unsupported", "doge")
	supported := newFakeOracle("supported", "btc")
	supported.setValue("btc", 50000)

	engine := New([]provider.Provider{unsupported, supported}, nil, "usd", zap.NewNop())

	prices, err := engine.PricesAt(context.Background(), []string{"btc"}, priceTarget)
	require.NoError(t, err)
	assert.Len(t, prices["btc"], 1)
	assert.Contains(t, prices["btc"], "supported")
}

func TestPricesAtUnsupportedQuoteSkipsProvider(t *testing.T) {
	oracle := newFakeOracle("p", "btc")
	oracle.setValue("btc", 50000)

	engine := New([]provider.Provider{oracle}, nil, "eur", zap.NewNop())

	prices, err := engine.PricesAt(context.Background(), []string{"btc"}, priceTarget)
	require.NoError(t, err)
	assert.Empty(t, prices)
	assert.Zero(t, oracle.calls["btc"])
}

func TestPricesAtRateLimitRetriesSameProvider(t *testing.T) {
	oracle := newFakeOracle("p", "btc")
	oracle.setValue("btc", 50000)

	first := true
	rateLimited := &flakyOracle{fakeOracle: oracle, failOnce: &first}

	engine := New([]provider.Provider{rateLimited}, nil, "usd", zap.NewNop(), instantWaiter("p"))

	prices, err := engine.PricesAt(context.Background(), []string{"btc"}, priceTarget)
	require.NoError(t, err)
	require.Contains(t, prices, "btc")
	assert.Equal(t, 2, oracle.calls["btc"])
}

// flakyOracle returns a rate-limit error on the first ValueAt call only.
type flakyOracle struct {
	*fakeOracle
	failOnce *bool
}

func (o *flakyOracle) ValueAt(ctx context.Context, assetID, quoteAssetID string, timestamp int64) (entity.AssetValueAtTime, error) {
	if *o.failOnce {
		*o.failOnce = false
		o.calls[assetID]++
		return entity.AssetValueAtTime{}, &entity.RateLimitError{}
	}
	return o.fakeOracle.ValueAt(ctx, assetID, quoteAssetID, timestamp)
}

func TestPricesAtProviderErrorIsNotFatal(t *testing.T) {
	broken := newFakeOracle("broken", "btc")
	broken.errs["btc"] = errors.New("connection reset")
	healthy := newFakeOracle("healthy", "btc")
	healthy.setValue("btc", 50001)

	engine := New([]provider.Provider{broken, healthy}, nil, "usd", zap.NewNop())

	prices, err := engine.PricesAt(context.Background(), []string{"btc"}, priceTarget)
	require.NoError(t, err)
	assert.Len(t, prices["btc"], 1)
	assert.Contains(t, prices["btc"], "healthy")
}

func TestPricesAtNoResultsIsNotAnError(t *testing.T) {
	oracle := newFakeOracle("p", "btc")
	// no value configured: ValueAt returns ErrNoValueFound

	engine := New([]provider.Provider{oracle}, nil, "usd", zap.NewNop())

	prices, err := engine.PricesAt(context.Background(), []string{"btc", "unknown"}, priceTarget)
	require.NoError(t, err)
	assert.Empty(t, prices)
}
