// Package report exports usage accounting as an XLSX workbook with a summary
// sheet, one row per metric, and the derived cost recommendations.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"voiceorder/internal/cost"
	"voiceorder/internal/usage"
)

const (
	SheetSummary         = "Summary"
	SheetMetrics         = "Metrics"
	SheetRecommendations = "Recommendations"
)

type Data struct {
	Filter          usage.Filter
	Stats           usage.Stats
	Metrics         []usage.Metric
	Recommendations []cost.Recommendation
	GeneratedAt     time.Time
}

var metricHeader = []any{
	"id", "user_id", "operation", "timestamp", "cost_usd", "cached", "optimized",
	"cache_tier", "deduplicated", "file_size", "compression_ratio", "retry_count",
	"latency_ms", "error_code", "model",
}

// Build assembles the workbook. The caller owns the returned file and must
// close it.
func Build(d Data) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		_ = f.Close()
		return nil, err
	}
	for _, name := range []string{SheetMetrics, SheetRecommendations} {
		if _, err := f.NewSheet(name); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	if err := writeSummary(f, d); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("summary sheet: %w", err)
	}
	if err := writeMetrics(f, d.Metrics); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("metrics sheet: %w", err)
	}
	if err := writeRecommendations(f, d.Recommendations); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("recommendations sheet: %w", err)
	}
	return f, nil
}

func Write(w io.Writer, d Data) error {
	f, err := Build(d)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteTo(w)
	return err
}

func writeSummary(f *excelize.File, d Data) error {
	user := d.Filter.UserID
	if user == "" {
		user = "all"
	}
	s := d.Stats
	rows := [][]any{
		{"generated_at", d.GeneratedAt.UTC().Format(time.RFC3339)},
		{"user_id", user},
		{"since", formatTime(d.Filter.Since)},
		{"until", formatTime(d.Filter.Until)},
		{"requests", s.Requests},
		{"cache_hits", s.CacheHits},
		{"cache_hit_rate", s.CacheHitRate()},
		{"optimized", s.Optimized},
		{"optimized_rate", s.OptimizedRate()},
		{"errors", s.Errors},
		{"error_rate", s.ErrorRate()},
		{"total_cost_usd", s.TotalCost.StringFixed(6)},
		{"avg_latency_ms", s.AvgLatencyMS},
		{"avg_compression_ratio", s.AvgCompressionRatio},
	}
	if err := setRows(f, SheetSummary, rows); err != nil {
		return err
	}
	return f.SetColWidth(SheetSummary, "A", "B", 24)
}

func writeMetrics(f *excelize.File, metrics []usage.Metric) error {
	rows := make([][]any, 0, len(metrics)+1)
	rows = append(rows, metricHeader)
	for _, m := range metrics {
		md := m.Metadata
		rows = append(rows, []any{
			m.ID, m.UserID, m.Operation, m.Timestamp.UTC().Format(time.RFC3339Nano),
			m.Cost.StringFixed(6), m.Cached, m.Optimized,
			md.CacheTier, md.Deduplicated, md.FileSize, md.CompressionRatio, md.RetryCount,
			md.LatencyMS, md.ErrorCode, md.Model,
		})
	}
	return setRows(f, SheetMetrics, rows)
}

func writeRecommendations(f *excelize.File, recs []cost.Recommendation) error {
	rows := [][]any{{"lever", "priority", "estimated_savings_usd", "description"}}
	for _, r := range recs {
		rows = append(rows, []any{r.Lever, r.Priority, r.EstimatedSavings.StringFixed(4), r.Description})
	}
	if err := setRows(f, SheetRecommendations, rows); err != nil {
		return err
	}
	return f.SetColWidth(SheetRecommendations, "D", "D", 80)
}

func setRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
