package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/chadsr/cryptoshot/config"
	"github.com/chadsr/cryptoshot/internal/entity"
	"github.com/chadsr/cryptoshot/internal/export"
	"github.com/chadsr/cryptoshot/internal/services/snapshot"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	var (
		configPath = flag.String("config", "config.yaml", "path to the YAML config file")
		datetime   = flag.String("datetime", "", "point in time to snapshot, in the configured timestamp layout")
		timezone   = flag.String("timezone", "UTC", "IANA timezone the -datetime value is in")
		atUnix     = flag.Int64("at", 0, "unix timestamp in seconds, takes precedence over -datetime")
		csvPath    = flag.String("csv", "", "write the prices CSV to this path")
		jsonPath   = flag.String("json", "", "write the full report JSON to this path")
		listZones  = flag.Bool("timezones", false, "list available IANA timezone names and exit")
	)
	flag.Parse()

	if *listZones {
		if err := printTimezones(os.Stdout); err != nil {
			logger.Fatal("failed to list timezones", zap.Error(err))
		}
		return
	}

	// Credentials come from the environment; a local .env is a convenience,
	// not a requirement.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not load .env file", zap.Error(err))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	timestamp, err := resolveTimestamp(cfg, *atUnix, *datetime, *timezone)
	if err != nil {
		logger.Fatal("failed to resolve snapshot timestamp", zap.Error(err))
	}

	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	providers, err := snapshot.BuildProviders(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build providers", zap.Error(err))
	}

	report, err := snapshot.New(providers, cfg, logger).At(ctx, timestamp)
	if err != nil {
		logger.Fatal("snapshot run failed", zap.Error(err))
	}

	if *csvPath != "" {
		if err := export.SavePricesCSV(*csvPath, report.Prices); err != nil {
			logger.Fatal("failed to write prices csv", zap.Error(err))
		}
		logger.Info("prices csv written", zap.String("path", *csvPath))
	}
	if *jsonPath != "" {
		if err := export.SaveReportJSON(*jsonPath, report); err != nil {
			logger.Fatal("failed to write report json", zap.Error(err))
		}
		logger.Info("report json written", zap.String("path", *jsonPath))
	}
	if *csvPath == "" && *jsonPath == "" {
		if err := export.WriteReportJSON(os.Stdout, report); err != nil {
			logger.Fatal("failed to write report to stdout", zap.Error(err))
		}
	}
}

// resolveTimestamp picks the target timestamp: an explicit unix value wins,
// then a datetime in the configured layout, then now.
func resolveTimestamp(cfg *config.Config, atUnix int64, datetime, timezone string) (int64, error) {
	if atUnix != 0 {
		return entity.UnixSeconds(atUnix), nil
	}
	if datetime == "" {
		return time.Now().Unix(), nil
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return 0, err
	}
	at, err := time.ParseInLocation(cfg.TimestampLayout, datetime, loc)
	if err != nil {
		return 0, err
	}
	return at.Unix(), nil
}

// zoneinfoDirs mirrors the lookup order of time.LoadLocation on Unix.
var zoneinfoDirs = []string{
	"/usr/share/zoneinfo",
	"/usr/share/lib/zoneinfo",
	"/usr/lib/locale/TZ",
}

func printTimezones(w io.Writer) error {
	for _, dir := range zoneinfoDirs {
		names, err := timezoneNames(os.DirFS(dir))
		if err != nil {
			continue
		}
		for _, name := range names {
			fmt.Fprintln(w, name)
		}
		return nil
	}
	return errors.New("no zoneinfo database found")
}

// timezoneNames collects zone names from a zoneinfo tree. Zone files start
// with an uppercase letter (Europe/Amsterdam, UTC); lowercase entries such as
// posixrules and right/ are metadata.
func timezoneNames(zoneFS fs.FS) ([]string, error) {
	var names []string
	err := fs.WalkDir(zoneFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		first := filepath.Base(path)[0]
		if first < 'A' || first > 'Z' {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !strings.Contains(path, ".") {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
