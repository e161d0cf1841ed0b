// Package resolver maps canonical, user-facing asset IDs onto the internal
// IDs of one provider's asset catalog, falling back through configured alias
// groups when the canonical ID itself is not listed.
package resolver

import (
	"github.com/pkg/errors"

	"github.com/chadsr/cryptoshot/internal/entity"
)

// Resolution is the outcome of a successful lookup. Alias is empty when the
// canonical ID matched the catalog directly; otherwise it is the group alias
// that matched, so callers can log which fallback was taken.
type Resolution struct {
	Asset entity.Asset
	ID    string
	Alias string
}

// Resolve finds the catalog entry for assetID. Lookup order: exact
// case-insensitive match, then each configured group alias in declared
// order. Returns entity.ErrAssetUnsupported when nothing matches. The
// catalog and group table are never mutated.
func Resolve(assetID string, catalog entity.Assets, groups entity.AssetGroups) (Resolution, error) {
	id := entity.NormalizeAssetID(assetID)

	if asset, ok := catalog.Get(id); ok {
		return Resolution{Asset: asset, ID: id}, nil
	}

	for _, alias := range groups.Aliases(id) {
		aliasID := entity.NormalizeAssetID(alias)
		if asset, ok := catalog.Get(aliasID); ok {
			return Resolution{Asset: asset, ID: aliasID, Alias: aliasID}, nil
		}
	}

	return Resolution{}, errors.Wrapf(entity.ErrAssetUnsupported, "asset %q not in provider catalog", assetID)
}
