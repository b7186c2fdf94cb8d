package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"voiceorder/internal/usage"
)

// InsertMetrics writes the batch in one statement. Rows already present are
// skipped, so a retried batch does not duplicate metrics.
func (s *Store) InsertMetrics(ctx context.Context, metrics []usage.Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(`INSERT INTO usage_metrics
		(id, user_id, operation, cost, cached, optimized, recorded_at, latency_ms, compression_ratio, error_code, metadata)
		VALUES `)
	args := make([]any, 0, len(metrics)*11)
	for i, m := range metrics {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")

		meta, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode metric metadata: %w", err)
		}
		args = append(args,
			m.ID, m.UserID, m.Operation, m.Cost.StringFixed(6), m.Cached, m.Optimized,
			m.Timestamp.UTC(), m.Metadata.LatencyMS, m.Metadata.CompressionRatio, m.Metadata.ErrorCode, string(meta),
		)
	}
	b.WriteString(" ON CONFLICT (id) DO NOTHING")

	if _, err := s.db.ExecContext(ctx, s.rebind(b.String()), args...); err != nil {
		return fmt.Errorf("insert usage metrics: %w", err)
	}
	return nil
}

func (s *Store) SumCost(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(SUM(cost), 0)
		FROM usage_metrics
		WHERE user_id = ? AND recorded_at >= ?`), userID, since.UTC()).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum usage cost: %w", err)
	}
	return total.Round(6), nil
}

func (s *Store) Stats(ctx context.Context, filter usage.Filter) (usage.Stats, error) {
	where, args := filterClause(filter)
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN cached THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN optimized THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error_code <> '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0),
			COALESCE(AVG(compression_ratio), 0)
		FROM usage_metrics` + where

	var st usage.Stats
	err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(
		&st.Requests, &st.CacheHits, &st.Optimized, &st.Errors,
		&st.TotalCost, &st.AvgLatencyMS, &st.AvgCompressionRatio,
	)
	if err != nil {
		return usage.Stats{}, fmt.Errorf("usage stats: %w", err)
	}
	st.TotalCost = st.TotalCost.Round(6)
	return st, nil
}

func (s *Store) ListMetrics(ctx context.Context, filter usage.Filter) ([]usage.Metric, error) {
	where, args := filterClause(filter)
	query := `
		SELECT id, user_id, operation, cost, cached, optimized, recorded_at, metadata
		FROM usage_metrics` + where + `
		ORDER BY recorded_at DESC, id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list usage metrics: %w", err)
	}
	defer rows.Close()

	var out []usage.Metric
	for rows.Next() {
		var (
			m    usage.Metric
			meta string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Operation, &m.Cost, &m.Cached, &m.Optimized, &m.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("scan usage metric: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode usage metadata: %w", err)
		}
		m.Cost = m.Cost.Round(6)
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func filterClause(f usage.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "recorded_at < ?")
		args = append(args, f.Until.UTC())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
