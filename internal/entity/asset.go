package entity

import "strings"

// Asset is a single asset as known to one provider session. ID is the
// canonical, provider-agnostic identifier; ProviderAssetID is whatever the
// provider calls the same asset internally (kraken "XXBT", coingecko
// "bitcoin", ...).
type Asset struct {
	ID              string
	Name            string
	Decimals        int
	ProviderAssetID string
}

// Assets is a provider's asset catalog keyed by normalized canonical ID.
// Built once at provider construction and read-only afterwards.
type Assets map[string]Asset

// AssetPairs maps a base asset ID to the set of quote asset IDs a provider
// can price it against. Keys on both levels are normalized.
type AssetPairs map[string]map[string]struct{}

// AssetGroups maps a canonical asset ID to an ordered list of alias IDs to
// try when the canonical ID itself is not listed by a provider. Supplied by
// configuration, consumed read-only.
type AssetGroups map[string][]string

// NormalizeAssetID folds an asset ID to the single casing used for every
// catalog lookup and result key. Providers disagree on casing conventions,
// so all comparisons go through this.
func NormalizeAssetID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Get looks an asset up by ID, case-insensitively.
func (a Assets) Get(id string) (Asset, bool) {
	asset, ok := a[NormalizeAssetID(id)]
	return asset, ok
}

// Supports reports whether the base/quote pair is available. A nil receiver
// means the provider publishes no pair table and accepts any quote.
func (p AssetPairs) Supports(baseID, quoteID string) bool {
	if p == nil {
		return true
	}
	quotes, ok := p[NormalizeAssetID(baseID)]
	if !ok {
		return false
	}
	_, ok = quotes[NormalizeAssetID(quoteID)]
	return ok
}

// Add registers a base/quote pair.
func (p AssetPairs) Add(baseID, quoteID string) {
	base := NormalizeAssetID(baseID)
	if _, ok := p[base]; !ok {
		p[base] = make(map[string]struct{})
	}
	p[base][NormalizeAssetID(quoteID)] = struct{}{}
}

// Aliases returns the configured alias list for an asset ID, or nil.
func (g AssetGroups) Aliases(id string) []string {
	return g[NormalizeAssetID(id)]
}
