package snapshot

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/config"
	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/services/provider"
)

const snapTarget = int64(1_700_000_000)

type fakeOracle struct {
	name   string
	assets entity.Assets
	asked  []string
}

func newFakeOracle(name string, assetIDs ...string) *fakeOracle {
	assets := make(entity.Assets)
	for _, id := range assetIDs {
		assets[entity.NormalizeAssetID(id)] = entity.Asset{ID: id}
	}
	return &fakeOracle{name: name, assets: assets}
}

func (f *fakeOracle) Name() string                      { return f.name }
func (f *fakeOracle) SupportedAssets() entity.Assets    { return f.assets }
func (f *fakeOracle) SupportedPairs() entity.AssetPairs { return nil }

func (f *fakeOracle) ValueAt(_ context.Context, assetID, quoteAssetID string, timestamp int64) (entity.AssetValueAtTime, error) {
	asset, ok := f.assets.Get(assetID)
	if !ok {
		return entity.AssetValueAtTime{}, entity.ErrAssetUnsupported
	}
	f.asked = append(f.asked, entity.NormalizeAssetID(assetID))
	return entity.AssetValueAtTime{
		Asset:      asset,
		QuoteAsset: quoteAssetID,
		Value:      decimal.NewFromInt(100),
		Timestamp:  timestamp,
	}, nil
}

type fakeBalances struct {
	name     string
	snapshot entity.BalancesAtTime
}

func (f *fakeBalances) Name() string { return f.name }

func (f *fakeBalances) BalancesAt(_ context.Context, _ int64) (entity.BalancesAtTime, error) {
	return f.snapshot, nil
}

func testConfig() *config.Config {
	return &config.Config{
		QuoteAsset:    "usd",
		IncludeAssets: []string{"btc"},
		ExcludeAssets: []string{"doge"},
		PricePriority: []string{"oracle"},
		Providers:     []config.Provider{{Name: "oracle", Type: config.ProviderKraken}},
	}
}

func discoveredBalances() entity.BalancesAtTime {
	snapshot := make(entity.BalancesAtTime)
	for _, id := range []string{"ada", "doge", "usd"} {
		snapshot.Put(id, "acct", entity.AssetBalanceAtTime{
			Asset:     entity.Asset{ID: id},
			Quantity:  decimal.NewFromInt(3),
			Timestamp: snapTarget - 1,
		})
	}
	return snapshot
}

func TestAtPricesIncludedAndDiscoveredAssets(t *testing.T) {
	oracle := newFakeOracle("oracle", "btc", "ada", "doge", "usd")
	holder := &fakeBalances{name: "holder", snapshot: discoveredBalances()}

	s := New([]provider.Provider{oracle, holder}, testConfig(), zap.NewNop(),
		WithRunID(func() string { return "run-1" }),
	)

	report, err := s.At(context.Background(), snapTarget)
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, snapTarget, report.Timestamp)
	assert.Equal(t, "usd", report.QuoteAsset)

	assert.ElementsMatch(t, []string{"btc", "ada"}, oracle.asked,
		"discovered assets are priced, exclusions and the quote asset are not")

	require.Contains(t, report.Prices, "btc")
	require.Contains(t, report.Prices, "ada")
	assert.NotContains(t, report.Prices, "doge")
	assert.NotContains(t, report.Prices, "usd")

	require.Contains(t, report.Balances, "ada")
	assert.Contains(t, report.Balances, "doge",
		"exclusions only suppress pricing, balances still appear in the report")
}

func TestAtPropagatesBalanceEngineInput(t *testing.T) {
	oracle := newFakeOracle("oracle", "btc")
	s := New([]provider.Provider{oracle}, testConfig(), zap.NewNop())

	report, err := s.At(context.Background(), snapTarget)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, report.Balances, "no balance-capable providers means an empty balance section")
	assert.Contains(t, report.Prices, "btc")
}

func TestOrderByPriority(t *testing.T) {
	p1 := newFakeOracle("p1", "btc")
	p2 := newFakeOracle("p2", "btc")
	p3 := newFakeOracle("p3", "btc")

	ordered := orderByPriority([]provider.Provider{p1, p2, p3}, []string{"p3", "p1", "ghost"})
	require.Len(t, ordered, 3)
	assert.Equal(t, "p3", ordered[0].Name())
	assert.Equal(t, "p1", ordered[1].Name())
	assert.Equal(t, "p2", ordered[2].Name(), "unprioritized providers keep their configured order")
}

func TestBuildProvidersNoneInitialized(t *testing.T) {
	cfg := &config.Config{
		QuoteAsset: "usd",
		Providers: []config.Provider{
			// No API key in the environment, so construction must fail.
			{Name: "rates", Type: config.ProviderCoinAPI, APIKeyEnv: "CRYPTOSHOT_TEST_MISSING_KEY"},
		},
	}

	_, err := BuildProviders(context.Background(), cfg, zap.NewNop())
	require.ErrorIs(t, err, entity.ErrProviderUnavailable)
}
