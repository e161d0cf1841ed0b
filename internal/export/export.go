// Package export renders a snapshot report to CSV and JSON. The CSV form is
// a two-row wide table (one column per priced asset/provider combination)
// made for spreadsheet import; the JSON form carries the whole report.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/chadsr/cryptoshot/internal/entity"
)

type jsonValue struct {
	Asset      string          `json:"asset"`
	QuoteAsset string          `json:"quote_asset"`
	Value      decimal.Decimal `json:"value"`
	Timestamp  int64           `json:"timestamp"`
}

type jsonBalance struct {
	Asset           string          `json:"asset"`
	Name            string          `json:"name,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	Timestamp       int64           `json:"timestamp"`
	LastBlockNumber int64           `json:"last_block_number,omitempty"`
}

type jsonReport struct {
	RunID      string                                       `json:"run_id"`
	Timestamp  int64                                        `json:"timestamp"`
	QuoteAsset string                                       `json:"quote_asset"`
	Prices     map[string]map[string]jsonValue              `json:"prices"`
	Balances   map[string]map[string]map[string]jsonBalance `json:"balances"`
}

// WritePricesCSV writes one header row of asset_quote_provider_timestamp
// keys (sorted) and one row of the matching values.
func WritePricesCSV(w io.Writer, prices entity.Prices) error {
	columns := make(map[string]string)
	for assetID, byProvider := range prices {
		for providerName, value := range byProvider {
			key := fmt.Sprintf("%s_%s_%s_%d", assetID, value.QuoteAsset, providerName, value.Timestamp)
			columns[key] = value.Value.String()
		}
	}

	keys := make([]string, 0, len(columns))
	for key := range columns {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = columns[key]
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(keys); err != nil {
		return errors.Wrap(err, "write csv header")
	}
	if err := cw.Write(values); err != nil {
		return errors.Wrap(err, "write csv values")
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// WriteReportJSON writes the whole report as indented JSON. Map keys come
// out sorted, so output is deterministic.
func WriteReportJSON(w io.Writer, report *entity.Report) error {
	out := jsonReport{
		RunID:      report.RunID,
		Timestamp:  report.Timestamp,
		QuoteAsset: report.QuoteAsset,
		Prices:     make(map[string]map[string]jsonValue, len(report.Prices)),
		Balances:   make(map[string]map[string]map[string]jsonBalance, len(report.Balances)),
	}

	for assetID, byProvider := range report.Prices {
		out.Prices[assetID] = make(map[string]jsonValue, len(byProvider))
		for providerName, value := range byProvider {
			out.Prices[assetID][providerName] = jsonValue{
				Asset:      value.Asset.ID,
				QuoteAsset: value.QuoteAsset,
				Value:      value.Value,
				Timestamp:  value.Timestamp,
			}
		}
	}

	for assetID, byProvider := range report.Balances {
		out.Balances[assetID] = make(map[string]map[string]jsonBalance, len(byProvider))
		for providerName, byAccount := range byProvider {
			out.Balances[assetID][providerName] = make(map[string]jsonBalance, len(byAccount))
			for accountKey, balance := range byAccount {
				out.Balances[assetID][providerName][accountKey] = jsonBalance{
					Asset:           balance.Asset.ID,
					Name:            balance.Asset.Name,
					Quantity:        balance.Quantity,
					Timestamp:       balance.Timestamp,
					LastBlockNumber: balance.LastBlockNumber,
				}
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return errors.Wrap(enc.Encode(out), "encode report json")
}

// SavePricesCSV writes the CSV rendering to path.
func SavePricesCSV(path string, prices entity.Prices) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create csv file")
	}
	defer f.Close()

	return WritePricesCSV(f, prices)
}

// SaveReportJSON writes the JSON rendering to path.
func SaveReportJSON(path string, report *entity.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create json file")
	}
	defer f.Close()

	return WriteReportJSON(f, report)
}
