package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"voiceorder/internal/cost"
	"voiceorder/internal/report"
	"voiceorder/internal/store"
	"voiceorder/internal/usage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		os.Exit(1)
	}

	var (
		driver = flag.String("driver", envOr("DATABASE_DRIVER", "sqlite"), "database driver (sqlite or pgx)")
		dsn    = flag.String("dsn", envOr("DATABASE_URL", "voiceorder.db"), "database connection string")
		user   = flag.String("user", "", "restrict the report to one user id")
		window = flag.String("window", "day", "reporting window: day or week")
		since  = flag.String("since", "", "start of the report, RFC 3339 (overrides -window)")
		until  = flag.String("until", "", "end of the report, RFC 3339 (default now)")
		limit  = flag.Int("limit", 10000, "maximum metric rows to export")
		out    = flag.String("out", "usage-report.xlsx", "output XLSX path")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	filter, err := buildFilter(time.Now().UTC(), *user, *window, *since, *until, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid flags: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), logger, *driver, *dsn, *out, filter); err != nil {
		logger.Error("usage report failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, driver, dsn, out string, filter usage.Filter) error {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	db, err := store.Open(ctx, driver, dsn, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	stats, err := db.Stats(ctx, filter)
	if err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	metrics, err := db.ListMetrics(ctx, filter)
	if err != nil {
		return fmt.Errorf("list metrics: %w", err)
	}

	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := report.Write(f, report.Data{
		Filter:          filter,
		Stats:           stats,
		Metrics:         metrics,
		Recommendations: cost.Recommend(stats),
		GeneratedAt:     time.Now(),
	}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	logger.Info("usage report written", "path", out, "requests", stats.Requests, "rows", len(metrics), "total_cost", stats.TotalCost.StringFixed(6))
	return nil
}

func buildFilter(now time.Time, user, window, since, until string, limit int) (usage.Filter, error) {
	w, err := usage.ParseWindow(window)
	if err != nil {
		return usage.Filter{}, err
	}
	filter := usage.Filter{UserID: user, Since: now.Add(-w.Duration()), Until: now, Limit: limit}
	if since != "" {
		if filter.Since, err = time.Parse(time.RFC3339, since); err != nil {
			return usage.Filter{}, fmt.Errorf("since: %w", err)
		}
	}
	if until != "" {
		if filter.Until, err = time.Parse(time.RFC3339, until); err != nil {
			return usage.Filter{}, fmt.Errorf("until: %w", err)
		}
	}
	if !filter.Since.Before(filter.Until) {
		return usage.Filter{}, errors.New("since must be before until")
	}
	return filter, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
