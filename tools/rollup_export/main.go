package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	analytics "stationsync/internal/analytics/application"
	"stationsync/internal/analytics/domain/rollup"
	analyticspostgres "stationsync/internal/analytics/infrastructure/postgres"
	"stationsync/internal/export"
	telemetry "stationsync/internal/telemetry/domain"
	telemetrypostgres "stationsync/internal/telemetry/infrastructure/postgres"
)

type config struct {
	dbURL       string
	stationID   string
	granularity string
	from        string
	to          string
	outDir      string
	format      string
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	g, err := rollup.ParseGranularity(cfg.granularity)
	if err != nil {
		fmt.Fprintln(os.Stderr, "granularity:", err)
		os.Exit(2)
	}
	from, to, err := parseRange(cfg.from, cfg.to)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := os.MkdirAll(cfg.outDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "create out dir:", err)
		os.Exit(2)
	}

	db, err := sql.Open("pgx", cfg.dbURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db open:", err)
		os.Exit(2)
	}
	defer db.Close()

	query, err := analytics.NewQuery(
		telemetrypostgres.NewReadingRepository(db),
		analyticspostgres.NewBucketRepository(db),
		telemetrypostgres.NewWatermarkStore(db),
		telemetrypostgres.NewStationRepository(db),
		telemetry.SystemClock{},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	buckets, err := query.Buckets(ctx, cfg.stationID, g, from, to)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load buckets:", err)
		os.Exit(2)
	}
	freshness, err := query.Freshness(ctx, cfg.stationID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load freshness:", err)
		os.Exit(2)
	}

	report := export.Report{
		StationID:   cfg.stationID,
		Granularity: g,
		From:        from,
		To:          to,
		Buckets:     buckets,
		Freshness:   freshness,
		GeneratedAt: time.Now().UTC(),
	}
	base := fmt.Sprintf("%s_%s_%s", cfg.stationID, g, from.Format("20060102"))
	if cfg.format == "xlsx" || cfg.format == "both" {
		if err := write(filepath.Join(cfg.outDir, base+".xlsx"), export.BuildRollupXLSX, report); err != nil {
			fmt.Fprintln(os.Stderr, "write xlsx:", err)
			os.Exit(2)
		}
	}
	if cfg.format == "pdf" || cfg.format == "both" {
		if err := write(filepath.Join(cfg.outDir, base+".pdf"), export.BuildFreshnessPDF, report); err != nil {
			fmt.Fprintln(os.Stderr, "write pdf:", err)
			os.Exit(2)
		}
	}
	fmt.Printf("exported %d buckets for %s to %s\n", len(buckets), cfg.stationID, cfg.outDir)
}

func write(path string, build func(export.Report) ([]byte, error), report export.Report) error {
	data, err := build(report)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func parseFlags() (config, error) {
	var cfg config
	flag.StringVar(&cfg.dbURL, "db", getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")), "Postgres DSN")
	flag.StringVar(&cfg.stationID, "station", "", "station id")
	flag.StringVar(&cfg.granularity, "granularity", "DAY", "HOUR, DAY, WEEK or MONTH")
	flag.StringVar(&cfg.from, "from", "", "range start, YYYY-MM-DD or RFC3339")
	flag.StringVar(&cfg.to, "to", "", "range end (exclusive), YYYY-MM-DD or RFC3339")
	flag.StringVar(&cfg.outDir, "out", "./out", "output directory")
	flag.StringVar(&cfg.format, "format", "both", "xlsx, pdf or both")
	flag.Parse()

	if cfg.dbURL == "" {
		return cfg, errors.New("missing --db or DATABASE_URL/PG_DSN")
	}
	if cfg.stationID == "" {
		return cfg, errors.New("missing --station")
	}
	if cfg.from == "" || cfg.to == "" {
		return cfg, errors.New("missing --from/--to")
	}
	switch cfg.format {
	case "xlsx", "pdf", "both":
	default:
		return cfg, fmt.Errorf("unknown --format %q", cfg.format)
	}
	return cfg, nil
}

func parseRange(rawFrom, rawTo string) (time.Time, time.Time, error) {
	from, err := parseTime(rawFrom)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
	}
	to, err := parseTime(rawTo)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("--from must be before --to")
	}
	return from, to, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
