package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"voiceorder/internal/apperr"
	"voiceorder/internal/batch"
)

const (
	SchemaVersion          = 1
	OperationTranscription = "transcription"
)

type MetricMetadata struct {
	SchemaVersion    int     `json:"schema_version"`
	FileSize         int     `json:"file_size"`
	CompressionRatio float64 `json:"compression_ratio"`
	RetryCount       int     `json:"retry_count"`
	ErrorCode        string  `json:"error_code,omitempty"`
	LatencyMS        int64   `json:"latency_ms"`
	Deduplicated     bool    `json:"deduplicated,omitempty"`
	CacheTier        string  `json:"cache_tier,omitempty"`
	Model            string  `json:"model,omitempty"`
}

// Metric is one append-only row per pipeline invocation.
type Metric struct {
	ID        string
	UserID    string
	Operation string
	Cost      decimal.Decimal
	Cached    bool
	Optimized bool
	Timestamp time.Time
	Metadata  MetricMetadata
}

type Window string

const (
	WindowDay  Window = "day"
	WindowWeek Window = "week"
)

func (w Window) Duration() time.Duration {
	if w == WindowWeek {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

func ParseWindow(s string) (Window, error) {
	switch Window(s) {
	case "", WindowDay:
		return WindowDay, nil
	case WindowWeek:
		return WindowWeek, nil
	default:
		return "", fmt.Errorf("unknown window %q", s)
	}
}

type Filter struct {
	UserID string
	Since  time.Time
	Until  time.Time
	Limit  int
}

type Stats struct {
	Requests            int64
	CacheHits           int64
	Optimized           int64
	Errors              int64
	TotalCost           decimal.Decimal
	AvgLatencyMS        float64
	AvgCompressionRatio float64
}

func (s Stats) CacheHitRate() float64 {
	return ratio(s.CacheHits, s.Requests)
}

func (s Stats) OptimizedRate() float64 {
	return ratio(s.Optimized, s.Requests)
}

func (s Stats) ErrorRate() float64 {
	return ratio(s.Errors, s.Requests)
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

type Store interface {
	InsertMetrics(ctx context.Context, metrics []Metric) error
	SumCost(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)
	Stats(ctx context.Context, filter Filter) (Stats, error)
	ListMetrics(ctx context.Context, filter Filter) ([]Metric, error)
}

type Tracker struct {
	store  Store
	batch  *batch.Processor[Metric]
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(store Store, cfg batch.Config, logger *slog.Logger, observer batch.Observer, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "usage"
	}
	t := &Tracker{
		store:  store,
		logger: logger.With("component", "usage.Tracker"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	var batchOpts []batch.Option[Metric]
	if observer != nil {
		batchOpts = append(batchOpts, batch.WithObserver[Metric](observer))
	}
	t.batch = batch.New[Metric](cfg, store.InsertMetrics, logger, batchOpts...)
	return t
}

// Start runs the periodic flush loop until ctx is done or Close is called.
func (t *Tracker) Start(ctx context.Context) {
	t.batch.Start(ctx)
}

// Record queues a metric for the next batch write and returns the stored form.
func (t *Tracker) Record(ctx context.Context, m Metric) (Metric, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Operation == "" {
		m.Operation = OperationTranscription
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = t.now()
	}
	m.Timestamp = m.Timestamp.UTC()
	m.Cost = m.Cost.Round(6)
	m.Metadata.SchemaVersion = SchemaVersion

	if err := t.batch.Add(m); err != nil {
		if errors.Is(err, batch.ErrClosed) {
			t.logger.Warn("usage tracker closed, metric dropped", "user_id", m.UserID, "metric_id", m.ID)
		}
		return m, apperr.Wrap(apperr.CodeUsageWriteFailed, err, "queue usage metric")
	}
	return m, nil
}

// Window returns the user's total cost over the trailing window, counting
// metrics that are still waiting to be written.
func (t *Tracker) Window(ctx context.Context, userID string, w Window) (decimal.Decimal, error) {
	since := t.now().UTC().Add(-w.Duration())

	var total decimal.Decimal
	err := t.batch.ReadConsistent(func(pending []Metric) error {
		sum, err := t.store.SumCost(ctx, userID, since)
		if err != nil {
			return fmt.Errorf("sum %s cost: %w", w, err)
		}
		for _, m := range pending {
			if m.UserID == userID && !m.Timestamp.Before(since) {
				sum = sum.Add(m.Cost)
			}
		}
		total = sum
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (t *Tracker) Stats(ctx context.Context, filter Filter) (Stats, error) {
	if err := t.batch.Flush(ctx); err != nil {
		t.logger.Warn("flush before stats failed", "error", err)
	}
	return t.store.Stats(ctx, filter)
}

func (t *Tracker) List(ctx context.Context, filter Filter) ([]Metric, error) {
	if err := t.batch.Flush(ctx); err != nil {
		t.logger.Warn("flush before list failed", "error", err)
	}
	return t.store.ListMetrics(ctx, filter)
}

func (t *Tracker) Flush(ctx context.Context) error {
	return t.batch.Flush(ctx)
}

// Close stops the flush loop and writes what is still queued.
func (t *Tracker) Close(ctx context.Context) error {
	return t.batch.Close(ctx)
}
