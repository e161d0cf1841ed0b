package entity

import "github.com/shopspring/decimal"

// AssetValueAtTime is one provider's quote for an asset against the quote
// asset at (or just before) a point in time. Never mutated after creation.
type AssetValueAtTime struct {
	Asset      Asset
	QuoteAsset string
	Value      decimal.Decimal
	Timestamp  int64
}

// AssetBalanceAtTime is one balance record for an asset at a point in time.
// Quantity is already decimal-scaled (smallest unit divided by 10^decimals).
// LastBlockNumber is zero when the provider has no block notion.
type AssetBalanceAtTime struct {
	Asset           Asset
	Quantity        decimal.Decimal
	Timestamp       int64
	LastBlockNumber int64
}

// BalancesAtTime is what a single provider reports for one call: canonical
// asset ID -> account key -> balance. The account key is either the queried
// address or a provider-internal sub-asset ID (staked vs unstaked balances
// of the same asset arrive as distinct keys).
type BalancesAtTime map[string]map[string]AssetBalanceAtTime

// Put inserts a balance under (assetID, accountKey), creating the inner map
// on first use.
func (b BalancesAtTime) Put(assetID, accountKey string, balance AssetBalanceAtTime) {
	id := NormalizeAssetID(assetID)
	if _, ok := b[id]; !ok {
		b[id] = make(map[string]AssetBalanceAtTime)
	}
	b[id][accountKey] = balance
}

// Prices is the final price result: asset ID -> provider name -> value.
type Prices map[string]map[string]AssetValueAtTime

// Balances is the final balance result: asset ID -> provider name ->
// account key -> balance.
type Balances map[string]map[string]map[string]AssetBalanceAtTime

// AssetIDs returns the canonical asset IDs present in the result.
func (b Balances) AssetIDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	return ids
}

// Report is one self-contained snapshot: everything known about the tracked
// assets at the requested timestamp.
type Report struct {
	RunID      string
	Timestamp  int64
	QuoteAsset string
	Prices     Prices
	Balances   Balances
}
