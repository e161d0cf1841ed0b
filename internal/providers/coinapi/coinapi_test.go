package coinapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/internal/entity"
)

const coinapiTarget = int64(1_700_000_000)

func newTestServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/assets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-CoinAPI-Key"))
		fmt.Fprint(w, `[
			{"asset_id":"BTC","name":"Bitcoin","type_is_crypto":1},
			{"asset_id":"ETH","name":"Ethereum","type_is_crypto":1},
			{"asset_id":"USD","name":"US Dollar","type_is_crypto":0}
		]`)
	})
	for path, h := range handlers {
		mux.HandleFunc(path, h)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c, err := New(context.Background(), "coinapi", "test-key", zap.NewNop(),
		WithBaseURL(srv.URL),
		WithRequestRate(1000, 1000),
	)
	require.NoError(t, err)
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(context.Background(), "coinapi", "", zap.NewNop())
	require.ErrorIs(t, err, entity.ErrInvalidConfig)
}

func TestNewBuildsCatalog(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)

	_, ok := c.SupportedAssets().Get("btc")
	assert.True(t, ok)

	_, ok = c.SupportedAssets().Get("usd")
	assert.False(t, ok, "fiat is quotable but not priceable")
}

func TestValueAt(t *testing.T) {
	at := time.Unix(coinapiTarget-30, 0).UTC().Format(time.RFC3339)
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"/v1/exchangerate/BTC/USD": func(w http.ResponseWriter, r *http.Request) {
			assert.NotEmpty(t, r.URL.Query().Get("time"))
			fmt.Fprintf(w, `{"time":%q,"asset_id_base":"BTC","asset_id_quote":"USD","rate":50000.5}`, at)
		},
	})
	c := newTestClient(t, srv)

	value, err := c.ValueAt(context.Background(), "btc", "usd", coinapiTarget)
	require.NoError(t, err)
	assert.Equal(t, "50000.5", value.Value.String())
	assert.Equal(t, coinapiTarget-30, value.Timestamp)
	assert.Equal(t, "USD", value.QuoteAsset)
}

func TestValueAtNoData(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"/v1/exchangerate/BTC/USD": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(550)
			fmt.Fprint(w, `{"error":"no data available"}`)
		},
	})
	c := newTestClient(t, srv)

	_, err := c.ValueAt(context.Background(), "btc", "usd", coinapiTarget)
	require.ErrorIs(t, err, entity.ErrNoValueFound)
}

func TestValueAtZeroRate(t *testing.T) {
	srv := newTestServer(t, map[string]http.HandlerFunc{
		"/v1/exchangerate/ETH/USD": func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"asset_id_base":"ETH","asset_id_quote":"USD","rate":0}`)
		},
	})
	c := newTestClient(t, srv)

	_, err := c.ValueAt(context.Background(), "eth", "usd", coinapiTarget)
	require.ErrorIs(t, err, entity.ErrNoValueFound)
}

func TestValueAtRejectsUnknownAssetAndQuote(t *testing.T) {
	srv := newTestServer(t, nil)
	c := newTestClient(t, srv)

	_, err := c.ValueAt(context.Background(), "doge", "usd", coinapiTarget)
	require.ErrorIs(t, err, entity.ErrAssetUnsupported)

	_, err = c.ValueAt(context.Background(), "btc", "eur", coinapiTarget)
	require.ErrorIs(t, err, entity.ErrQuoteUnsupported)
}
