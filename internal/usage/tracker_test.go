package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"voiceorder/internal/apperr"
	"voiceorder/internal/batch"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      []Metric
	base      decimal.Decimal
	insertErr error
	sumErr    error
	sinces    []time.Time

	// committed and release, when set, hold an insert open after its rows
	// are visible to SumCost.
	committed chan struct{}
	release   chan struct{}
}

func (f *fakeStore) InsertMetrics(ctx context.Context, metrics []Metric) error {
	f.mu.Lock()
	if f.insertErr != nil {
		f.mu.Unlock()
		return f.insertErr
	}
	f.rows = append(f.rows, metrics...)
	f.mu.Unlock()

	if f.committed != nil {
		f.committed <- struct{}{}
		<-f.release
	}
	return nil
}

func (f *fakeStore) SumCost(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if f.sumErr != nil {
		return decimal.Zero, f.sumErr
	}
	total := f.base
	for _, m := range f.rows {
		if m.UserID == userID && !m.Timestamp.Before(since) {
			total = total.Add(m.Cost)
		}
	}
	return total, nil
}

func (f *fakeStore) Stats(ctx context.Context, filter Filter) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s Stats
	for _, m := range f.rows {
		s.Requests++
		if m.Cached {
			s.CacheHits++
		}
		s.TotalCost = s.TotalCost.Add(m.Cost)
	}
	return s, nil
}

func (f *fakeStore) ListMetrics(ctx context.Context, filter Filter) ([]Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Metric(nil), f.rows...), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestRecordFillsDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(&fakeStore{}, batch.Config{}, testLogger(), nil, WithClock(fixedClock(now)))

	m, err := tr.Record(context.Background(), Metric{UserID: "u1", Cost: decimal.RequireFromString("0.0123456789")})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if m.ID == "" || m.Operation != OperationTranscription || !m.Timestamp.Equal(now) {
		t.Fatalf("unexpected defaults: %+v", m)
	}
	if m.Metadata.SchemaVersion != SchemaVersion {
		t.Fatalf("unexpected schema version: %d", m.Metadata.SchemaVersion)
	}
	if !m.Cost.Equal(decimal.RequireFromString("0.012346")) {
		t.Fatalf("unexpected cost rounding: %s", m.Cost)
	}
}

func TestWindowIncludesPendingMetrics(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{base: decimal.RequireFromString("5.90")}
	tr := NewTracker(store, batch.Config{Size: 100}, testLogger(), nil, WithClock(fixedClock(now)))
	ctx := context.Background()

	tr.Record(ctx, Metric{UserID: "u1", Cost: decimal.RequireFromString("0.05")})
	tr.Record(ctx, Metric{UserID: "u2", Cost: decimal.RequireFromString("1.00")})
	tr.Record(ctx, Metric{UserID: "u1", Cost: decimal.RequireFromString("9.00"), Timestamp: now.Add(-48 * time.Hour)})

	total, err := tr.Window(ctx, "u1", WindowDay)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if !total.Equal(decimal.RequireFromString("5.95")) {
		t.Fatalf("unexpected day total: %s", total)
	}
	if got := store.sinces[0]; !got.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("unexpected window start: %v", got)
	}

	if _, err := tr.Window(ctx, "u1", WindowWeek); err != nil {
		t.Fatalf("Window(week) error = %v", err)
	}
	if got := store.sinces[1]; !got.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("unexpected week start: %v", got)
	}
}

func TestWindowAfterFlushDoesNotDoubleCount(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, batch.Config{Size: 100}, testLogger(), nil)
	ctx := context.Background()

	tr.Record(ctx, Metric{UserID: "u1", Cost: decimal.RequireFromString("0.10")})
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	total, err := tr.Window(ctx, "u1", WindowDay)
	if err != nil {
		t.Fatalf("Window() error = %v", err)
	}
	if !total.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("unexpected total: %s", total)
	}
}

func TestWindowDuringFlushCountsCommittedMetricOnce(t *testing.T) {
	store := &fakeStore{committed: make(chan struct{}, 1), release: make(chan struct{})}
	tr := NewTracker(store, batch.Config{Size: 100}, testLogger(), nil)
	ctx := context.Background()

	tr.Record(ctx, Metric{UserID: "u1", Cost: decimal.RequireFromString("1.00")})

	flushed := make(chan error, 1)
	go func() { flushed <- tr.Flush(ctx) }()
	<-store.committed

	type result struct {
		total decimal.Decimal
		err   error
	}
	window := make(chan result, 1)
	go func() {
		total, err := tr.Window(ctx, "u1", WindowDay)
		window <- result{total, err}
	}()

	select {
	case r := <-window:
		t.Fatalf("window read while the flush was committing: %s", r.total)
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	r := <-window
	if r.err != nil {
		t.Fatalf("Window() error = %v", r.err)
	}
	if !r.total.Equal(decimal.RequireFromString("1.00")) {
		t.Fatalf("unexpected total during flush: %s", r.total)
	}
	if err := <-flushed; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

func TestWindowPropagatesStoreError(t *testing.T) {
	tr := NewTracker(&fakeStore{sumErr: errors.New("db down")}, batch.Config{}, testLogger(), nil)
	if _, err := tr.Window(context.Background(), "u1", WindowDay); err == nil {
		t.Fatal("expected error")
	}
}

func TestStatsFlushesPendingFirst(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, batch.Config{Size: 100}, testLogger(), nil)
	ctx := context.Background()

	tr.Record(ctx, Metric{UserID: "u1", Cached: true})
	tr.Record(ctx, Metric{UserID: "u1", Cost: decimal.RequireFromString("0.02")})

	stats, err := tr.Stats(ctx, Filter{})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Requests != 2 || stats.CacheHitRate() != 0.5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRecordAfterCloseFails(t *testing.T) {
	store := &fakeStore{}
	tr := NewTracker(store, batch.Config{}, testLogger(), nil)
	ctx := context.Background()

	tr.Record(ctx, Metric{UserID: "u1"})
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(store.rows) != 1 {
		t.Fatalf("expected final flush on close, got %d rows", len(store.rows))
	}

	_, err := tr.Record(ctx, Metric{UserID: "u1"})
	if apperr.CodeOf(err) != apperr.CodeUsageWriteFailed {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseWindow(t *testing.T) {
	if w, err := ParseWindow(""); err != nil || w != WindowDay {
		t.Fatalf("unexpected default window: %q %v", w, err)
	}
	if w, err := ParseWindow("week"); err != nil || w != WindowWeek {
		t.Fatalf("unexpected window: %q %v", w, err)
	}
	if _, err := ParseWindow("month"); err == nil {
		t.Fatal("expected error")
	}
}
