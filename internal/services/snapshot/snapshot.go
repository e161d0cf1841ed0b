// Package snapshot orchestrates one point-in-time run: collect balances
// from every capable provider, derive the set of assets to price, then ask
// the price oracles for their values. The two phases are deliberately
// sequential so discovered holdings get priced too.
package snapshot

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/config"
	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/services/balances"
	"github.com/chadsr/cryptoshot/internal/services/pricing"
	"github.com/chadsr/cryptoshot/internal/services/provider"
)

// Snapshotter runs snapshots against a fixed provider set.
type Snapshotter struct {
	pricing  *pricing.Engine
	balances *balances.Engine
	include  []string
	excluded map[string]struct{}
	quote    string
	newRunID func() string
	log      *zap.Logger
}

// Option configures a Snapshotter.
type Option func(*Snapshotter)

// WithRunID replaces the run ID source (tests).
func WithRunID(fn func() string) Option {
	return func(s *Snapshotter) { s.newRunID = fn }
}

// New builds a Snapshotter. Price oracles are consulted in the order given
// by cfg.PricePriority; providers the priority list doesn't mention come
// after it, in their configured order.
func New(providers []provider.Provider, cfg *config.Config, log *zap.Logger, opts ...Option) *Snapshotter {
	ordered := orderByPriority(providers, cfg.PricePriority)

	s := &Snapshotter{
		pricing:  pricing.New(ordered, cfg.AssetGroups, cfg.QuoteAsset, log),
		balances: balances.New(providers, cfg.Accounts, log),
		include:  cfg.IncludeAssets,
		excluded: make(map[string]struct{}, len(cfg.ExcludeAssets)),
		quote:    entity.NormalizeAssetID(cfg.QuoteAsset),
		newRunID: uuid.NewString,
		log:      log,
	}
	for _, id := range cfg.ExcludeAssets {
		s.excluded[entity.NormalizeAssetID(id)] = struct{}{}
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func orderByPriority(providers []provider.Provider, priority []string) []provider.Provider {
	byName := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	ordered := make([]provider.Provider, 0, len(providers))
	seen := make(map[string]struct{}, len(providers))
	for _, name := range priority {
		if p, ok := byName[name]; ok {
			ordered = append(ordered, p)
			seen[name] = struct{}{}
		}
	}
	for _, p := range providers {
		if _, ok := seen[p.Name()]; !ok {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// At produces one report for the given unix timestamp. Balances run first;
// every asset they discover joins the configured include list for pricing,
// minus exclusions and the quote asset itself.
func (s *Snapshotter) At(ctx context.Context, timestamp int64) (*entity.Report, error) {
	runID := s.newRunID()
	log := s.log.With(zap.String("run_id", runID), zap.Int64("timestamp", timestamp))
	log.Info("starting snapshot run")

	balancesAt, err := s.balances.BalancesAt(ctx, timestamp)
	if err != nil {
		return nil, errors.Wrap(err, "collect balances")
	}
	log.Info("balances collected", zap.Int("assets", len(balancesAt)))

	tracked := s.trackedAssets(balancesAt)
	prices, err := s.pricing.PricesAt(ctx, tracked, timestamp)
	if err != nil {
		return nil, errors.Wrap(err, "collect prices")
	}
	log.Info("prices collected",
		zap.Int("requested", len(tracked)),
		zap.Int("priced", len(prices)),
	)

	return &entity.Report{
		RunID:      runID,
		Timestamp:  timestamp,
		QuoteAsset: s.quote,
		Prices:     prices,
		Balances:   balancesAt,
	}, nil
}

func (s *Snapshotter) trackedAssets(balancesAt entity.Balances) []string {
	seen := make(map[string]struct{})
	tracked := make([]string, 0, len(s.include)+len(balancesAt))

	add := func(id string) {
		id = entity.NormalizeAssetID(id)
		if id == s.quote {
			return
		}
		if _, skip := s.excluded[id]; skip {
			s.log.Debug("asset excluded from pricing", zap.String("asset", id))
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		tracked = append(tracked, id)
	}

	for _, id := range s.include {
		add(id)
	}
	discovered := balancesAt.AssetIDs()
	sort.Strings(discovered)
	for _, id := range discovered {
		add(id)
	}
	return tracked
}
