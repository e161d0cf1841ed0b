// Package config loads and validates the YAML run configuration: accounts,
// providers, price-oracle priority, quote asset, include/exclude asset sets
// and the asset alias groups. The loaded Config is an immutable snapshot for
// the duration of one run.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/chadsr/cryptoshot/internal/entity"
)

// Known provider types.
const (
	ProviderKraken    = "kraken"
	ProviderCoinGecko = "coingecko"
	ProviderCoinAPI   = "coinapi"
	ProviderBinance   = "binance"
	ProviderBybit     = "bybit"
	ProviderAvax      = "avax"
	ProviderEVM       = "evm"
)

// DefaultTimestampLayout is the Go layout used to parse the -datetime flag
// when the config does not override it.
const DefaultTimestampLayout = "02-01-2006/15:04:05"

// Provider is one configured external service. Credentials are referenced
// by environment variable name, never stored in the file itself.
type Provider struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`
	APIKeyEnv    string `yaml:"api_key_env,omitempty"`
	APISecretEnv string `yaml:"api_secret_env,omitempty"`
	// Chains restricts a multi-chain balance oracle to these chain IDs.
	Chains []int64 `yaml:"chains,omitempty"`
}

// APIKey resolves the provider's API key from the environment.
func (p Provider) APIKey() string { return os.Getenv(p.APIKeyEnv) }

// APISecret resolves the provider's API secret/private key from the
// environment.
func (p Provider) APISecret() string { return os.Getenv(p.APISecretEnv) }

type accountTmp struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Type    string `yaml:"type"`
}

type formattingTmp struct {
	TimestampLayout string `yaml:"timestamp_layout,omitempty"`
}

type configTmp struct {
	QuoteAsset    string              `yaml:"quote_asset"`
	IncludeAssets []string            `yaml:"include_assets,omitempty"`
	ExcludeAssets []string            `yaml:"exclude_assets,omitempty"`
	PricePriority []string            `yaml:"price_priority"`
	AssetGroups   map[string][]string `yaml:"asset_groups,omitempty"`
	Accounts      []accountTmp        `yaml:"accounts,omitempty"`
	Providers     []Provider          `yaml:"providers"`
	Formatting    formattingTmp       `yaml:"formatting,omitempty"`
	Timeout       time.Duration       `yaml:"timeout,omitempty"`
}

// Config is the validated run configuration.
type Config struct {
	QuoteAsset      string
	IncludeAssets   []string
	ExcludeAssets   []string
	PricePriority   []string
	AssetGroups     entity.AssetGroups
	Accounts        []entity.AccountAddress
	Providers       []Provider
	TimestampLayout string
	// Timeout bounds one whole snapshot run; zero means no bound.
	Timeout time.Duration
}

// Load reads and validates the YAML config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return parse(raw)
}

func parse(raw []byte) (*Config, error) {
	var tmp configTmp
	if err := yaml.Unmarshal(raw, &tmp); err != nil {
		return nil, errors.Wrap(entity.ErrInvalidConfig, err.Error())
	}

	if strings.TrimSpace(tmp.QuoteAsset) == "" {
		return nil, errors.Wrap(entity.ErrInvalidConfig, "missing 'quote_asset'")
	}
	if len(tmp.Providers) == 0 {
		return nil, errors.Wrap(entity.ErrInvalidConfig, "no providers configured")
	}

	cfg := &Config{
		QuoteAsset:      entity.NormalizeAssetID(tmp.QuoteAsset),
		PricePriority:   tmp.PricePriority,
		Providers:       tmp.Providers,
		AssetGroups:     make(entity.AssetGroups, len(tmp.AssetGroups)),
		TimestampLayout: tmp.Formatting.TimestampLayout,
		Timeout:         tmp.Timeout,
	}
	if cfg.TimestampLayout == "" {
		cfg.TimestampLayout = DefaultTimestampLayout
	}

	for _, id := range tmp.IncludeAssets {
		cfg.IncludeAssets = append(cfg.IncludeAssets, entity.NormalizeAssetID(id))
	}
	for _, id := range tmp.ExcludeAssets {
		cfg.ExcludeAssets = append(cfg.ExcludeAssets, entity.NormalizeAssetID(id))
	}
	for id, aliases := range tmp.AssetGroups {
		normalized := make([]string, 0, len(aliases))
		for _, alias := range aliases {
			normalized = append(normalized, entity.NormalizeAssetID(alias))
		}
		cfg.AssetGroups[entity.NormalizeAssetID(id)] = normalized
	}

	names := make(map[string]struct{}, len(tmp.Providers))
	for i, p := range tmp.Providers {
		if strings.TrimSpace(p.Name) == "" {
			return nil, errors.Wrapf(entity.ErrInvalidConfig, "provider %d: missing 'name'", i)
		}
		if _, dup := names[p.Name]; dup {
			return nil, errors.Wrapf(entity.ErrInvalidConfig, "duplicate provider name %q", p.Name)
		}
		names[p.Name] = struct{}{}

		switch p.Type {
		case ProviderKraken, ProviderCoinGecko, ProviderCoinAPI, ProviderBinance, ProviderBybit, ProviderAvax, ProviderEVM:
		case "":
			return nil, errors.Wrapf(entity.ErrInvalidConfig, "provider %q: missing 'type'", p.Name)
		default:
			return nil, errors.Wrapf(entity.ErrInvalidConfig, "provider %q: unknown type %q", p.Name, p.Type)
		}
	}

	for _, name := range tmp.PricePriority {
		if _, ok := names[name]; !ok {
			return nil, errors.Wrapf(entity.ErrInvalidConfig, "price_priority references unknown provider %q", name)
		}
	}

	for i, a := range tmp.Accounts {
		if strings.TrimSpace(a.Address) == "" {
			return nil, errors.Wrapf(entity.ErrInvalidConfig, "account %d: missing 'address'", i)
		}
		addrType := entity.AddressType(strings.ToLower(strings.TrimSpace(a.Type)))
		if !addrType.Valid() {
			return nil, errors.Wrapf(entity.ErrInvalidConfig, "account %q: unknown address type %q", a.Address, a.Type)
		}
		cfg.Accounts = append(cfg.Accounts, entity.AccountAddress{
			Name:    a.Name,
			Address: a.Address,
			Type:    addrType,
		})
	}

	return cfg, nil
}

// Excluded reports whether an asset ID is on the exclude list.
func (c *Config) Excluded(assetID string) bool {
	id := entity.NormalizeAssetID(assetID)
	for _, excluded := range c.ExcludeAssets {
		if excluded == id {
			return true
		}
	}
	return false
}
