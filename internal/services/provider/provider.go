// Package provider defines the capability interfaces every configured data
// source conforms to. A concrete adapter implements one or more capabilities;
// the engines discover what a provider can do through type assertions on the
// base Provider value rather than through an inheritance chain.
package provider

import (
	"context"

	"github.com/chadsr/cryptoshot/internal/entity"
)

// Provider is one configured, already-authenticated connection to an
// external service. Catalogs are fetched eagerly at construction; a provider
// value that exists is ready to serve calls.
type Provider interface {
	Name() string
}

// PriceOracle can return a historical value of an asset against a quote
// asset. SupportedAssets and SupportedPairs expose the catalog snapshot
// fetched at construction; a nil pair table means the provider publishes no
// pair list and accepts any quote.
type PriceOracle interface {
	Provider

	SupportedAssets() entity.Assets
	SupportedPairs() entity.AssetPairs

	// ValueAt returns the asset's value at (or closest before) the given
	// unix-seconds timestamp. Fails with entity.ErrAssetUnsupported,
	// entity.ErrQuoteUnsupported, entity.ErrNoValueFound or
	// entity.RateLimitError.
	ValueAt(ctx context.Context, assetID, quoteAssetID string, timestamp int64) (entity.AssetValueAtTime, error)
}

// BalanceOracle returns balances for arbitrary external account addresses
// within its supported address families (possibly across multiple chains).
type BalanceOracle interface {
	Provider

	SupportedAddressTypes() map[entity.AddressType]struct{}

	// AccountBalancesAt fails with entity.ErrAddressTypeUnsupported or
	// entity.ErrNoBalancesFound.
	AccountBalancesAt(ctx context.Context, account entity.AccountAddress, timestamp int64) (entity.BalancesAtTime, error)
}

// BalanceProvider returns balances for its own authenticated account; there
// is no address parameter because the provider's identity is implicit.
type BalanceProvider interface {
	Provider

	BalancesAt(ctx context.Context, timestamp int64) (entity.BalancesAtTime, error)
}
