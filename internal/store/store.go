package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS transcription_cache (
		audio_hash    TEXT PRIMARY KEY,
		transcription TEXT NOT NULL,
		items         TEXT NOT NULL DEFAULT '[]',
		confidence    DOUBLE PRECISION NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		last_used     TIMESTAMP NOT NULL,
		use_count     BIGINT NOT NULL DEFAULT 0,
		metadata      TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS usage_metrics (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		operation         TEXT NOT NULL,
		cost              NUMERIC(12, 6) NOT NULL,
		cached            BOOLEAN NOT NULL,
		optimized         BOOLEAN NOT NULL,
		recorded_at       TIMESTAMP NOT NULL,
		latency_ms        BIGINT NOT NULL DEFAULT 0,
		compression_ratio DOUBLE PRECISION NOT NULL DEFAULT 1,
		error_code        TEXT NOT NULL DEFAULT '',
		metadata          TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS usage_metrics_user_time ON usage_metrics (user_id, recorded_at)`,
	`CREATE INDEX IF NOT EXISTS usage_metrics_time ON usage_metrics (recorded_at)`,
}

// Store persists cache entries and usage metrics. It implements cache.Store
// and usage.Store.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects, pings and migrates. driver is "sqlite" or "pgx" ("postgres"
// is accepted as an alias).
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	driver, err := normalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time avoids SQLITE_BUSY under concurrent flushes.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	s := &Store{db: db, driver: driver, logger: logger.With("component", "store", "driver", driver)}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Debug("schema migrated")
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.driver, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func normalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func sqliteDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "file:voiceorder.db"
	}
	var params []string
	if !strings.Contains(dsn, "_time_format=") {
		params = append(params, "_time_format=sqlite")
	}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}
