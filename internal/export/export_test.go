package export

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadsr/cryptoshot/internal/entity"
)

func samplePrices() entity.Prices {
	return entity.Prices{
		"eth": {
			"kraken": entity.AssetValueAtTime{
				Asset:      entity.Asset{ID: "ETH"},
				QuoteAsset: "USD",
				Value:      decimal.RequireFromString("3000.5"),
				Timestamp:  1_700_000_000,
			},
		},
		"btc": {
			"kraken": entity.AssetValueAtTime{
				Asset:      entity.Asset{ID: "BTC"},
				QuoteAsset: "USD",
				Value:      decimal.RequireFromString("50000.25"),
				Timestamp:  1_699_999_990,
			},
			"coingecko": entity.AssetValueAtTime{
				Asset:      entity.Asset{ID: "BTC"},
				QuoteAsset: "USD",
				Value:      decimal.RequireFromString("50001"),
				Timestamp:  1_699_999_995,
			},
		},
	}
}

func TestWritePricesCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePricesCSV(&buf, samplePrices()))

	want := "btc_USD_coingecko_1699999995,btc_USD_kraken_1699999990,eth_USD_kraken_1700000000\n" +
		"50001,50000.25,3000.5\n"
	assert.Equal(t, want, buf.String())
}

func TestWritePricesCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePricesCSV(&buf, entity.Prices{}))
}

func TestWriteReportJSON(t *testing.T) {
	balances := make(entity.Balances)
	balances["btc"] = map[string]map[string]entity.AssetBalanceAtTime{
		"kraken": {
			"XXBT": {
				Asset:     entity.Asset{ID: "BTC", Name: "XBT"},
				Quantity:  decimal.RequireFromString("1.5"),
				Timestamp: 1_699_999_000,
			},
		},
	}
	report := &entity.Report{
		RunID:      "run-1",
		Timestamp:  1_700_000_000,
		QuoteAsset: "usd",
		Prices:     samplePrices(),
		Balances:   balances,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteReportJSON(&buf, report))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "run-1", decoded["run_id"])
	assert.Equal(t, "usd", decoded["quote_asset"])

	prices := decoded["prices"].(map[string]any)
	btc := prices["btc"].(map[string]any)
	kraken := btc["kraken"].(map[string]any)
	assert.Equal(t, "50000.25", kraken["value"])

	outBalances := decoded["balances"].(map[string]any)
	entry := outBalances["btc"].(map[string]any)["kraken"].(map[string]any)["XXBT"].(map[string]any)
	assert.Equal(t, "1.5", entry["quantity"])
}
