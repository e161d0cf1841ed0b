// Package clients constructs the exchange SDK clients the provider adapters
// wrap. Read-only API keys are enough; nothing here places orders.
package clients

import (
	"github.com/adshao/go-binance/v2"
	bybitapi "github.com/hirokisan/bybit/v2"
)

func NewBinanceClient(apiKey, apiSecret string) *binance.Client {
	return binance.NewClient(apiKey, apiSecret)
}

func NewBybitClient(apiKey, apiSecret string) *bybitapi.Client {
	return bybitapi.NewClient().WithAuth(apiKey, apiSecret)
}
