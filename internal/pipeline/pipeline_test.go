package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/shopspring/decimal"

	"voiceorder/internal/apperr"
	"voiceorder/internal/audio"
	"voiceorder/internal/cache"
	"voiceorder/internal/cost"
	"voiceorder/internal/orderparse"
	"voiceorder/internal/transcription"
	"voiceorder/internal/usage"
)

type fakeTranscriber struct {
	mu       sync.Mutex
	calls    int32
	results  []transcription.Result
	errs     []error
	fallback transcription.Result
	sizes    []int
	entered  chan struct{}
	release  chan struct{}
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, blob []byte, fileName, model string) (transcription.Result, error) {
	n := int(atomic.AddInt32(&f.calls, 1)) - 1
	f.mu.Lock()
	f.sizes = append(f.sizes, len(blob))
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	if n < len(f.errs) && f.errs[n] != nil {
		return transcription.Result{}, f.errs[n]
	}
	if n < len(f.results) {
		return f.results[n], nil
	}
	return f.fallback, nil
}

func (f *fakeTranscriber) count() int {
	return int(atomic.LoadInt32(&f.calls))
}

type fakeRecorder struct {
	mu      sync.Mutex
	metrics []usage.Metric
}

func (f *fakeRecorder) Record(ctx context.Context, m usage.Metric) (usage.Metric, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, m)
	return m, nil
}

func (f *fakeRecorder) snapshot() []usage.Metric {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]usage.Metric(nil), f.metrics...)
}

type fakeWindow struct {
	day decimal.Decimal
}

func (f fakeWindow) Window(ctx context.Context, userID string, w usage.Window) (decimal.Decimal, error) {
	return f.day, nil
}

// fixedBudget prices every request at estimate and defers the decision to a
// real guard.
type fixedBudget struct {
	estimate decimal.Decimal
	guard    *cost.Guard
	checked  chan struct{}
}

func (f *fixedBudget) EstimateCost(blob []byte, model string) decimal.Decimal {
	return f.estimate
}

func (f *fixedBudget) CheckBudget(ctx context.Context, userID string, estimate decimal.Decimal) cost.Decision {
	if f.checked != nil {
		f.checked <- struct{}{}
	}
	return f.guard.CheckBudget(ctx, userID, estimate)
}

type failingPrimary struct{}

func (failingPrimary) Parse(ctx context.Context, text string) ([]string, error) {
	return nil, errors.New("parser unavailable")
}

type listPrimary struct{ items []string }

func (p listPrimary) Parse(ctx context.Context, text string) ([]string, error) {
	return p.items, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeWAV(t *testing.T, sampleRate, channels int, seconds float64) []byte {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "clip.wav"))
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()

	frames := int(float64(sampleRate) * seconds)
	data := make([]int, frames*channels)
	for i := range data {
		data[i] = (i*37)%2000 - 1000
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	if err := enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	blob, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return blob
}

type harness struct {
	svc      *Service
	tr       *fakeTranscriber
	recorder *fakeRecorder
	cache    *cache.Cache
}

type harnessOpt func(*Dependencies)

func newHarness(t *testing.T, tr *fakeTranscriber, opts ...harnessOpt) *harness {
	t.Helper()
	c, err := cache.New(cache.Config{}, nil, testLogger())
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	rec := &fakeRecorder{}
	deps := Dependencies{
		Transcriber: tr,
		Parser:      orderparse.New(nil, testLogger()),
		Budget:      cost.NewGuard(cost.NewPricing(cost.DefaultPerMinute), decimal.Zero, nil, testLogger()),
		Cache:       c,
		Usage:       rec,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc := New(Config{DefaultModel: "whisper-1", RetryBaseDelay: time.Millisecond, FlightTimeout: 5 * time.Second}, deps, testLogger())
	return &harness{svc: svc, tr: tr, recorder: rec, cache: c}
}

func wavRequest(blob []byte) Request {
	return Request{Audio: blob, UserID: "waiter-1", FileName: "order.wav", MIMEType: "audio/wav", Options: DefaultOptions()}
}

func TestSecondIdenticalRequestIsServedFromCache(t *testing.T) {
	tr := &fakeTranscriber{fallback: transcription.Result{Text: "two lattes and a croissant", Confidence: 0.92, Model: "whisper-1"}}
	h := newHarness(t, tr)
	blob := makeWAV(t, 16000, 1, 2)

	first, err := h.svc.Process(context.Background(), wavRequest(blob))
	if err != nil {
		t.Fatalf("first Process() error = %v", err)
	}
	if first.Metadata.Cached || !first.Metadata.Cost.IsPositive() {
		t.Fatalf("unexpected first metadata: %+v", first.Metadata)
	}
	if len(first.Items) != 2 || first.Items[0] != "two lattes" {
		t.Fatalf("unexpected items: %#v", first.Items)
	}

	second, err := h.svc.Process(context.Background(), wavRequest(blob))
	if err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if !second.Metadata.Cached || !second.Metadata.Cost.IsZero() {
		t.Fatalf("unexpected second metadata: %+v", second.Metadata)
	}
	if second.Transcript != first.Transcript || len(second.Items) != len(first.Items) {
		t.Fatalf("cached result differs: %+v vs %+v", second, first)
	}
	if tr.count() != 1 {
		t.Fatalf("expected 1 provider call, got %d", tr.count())
	}

	metrics := h.recorder.snapshot()
	if len(metrics) != 2 {
		t.Fatalf("expected one metric per invocation, got %d", len(metrics))
	}
	if metrics[0].Cached || !metrics[0].Cost.IsPositive() || !metrics[1].Cached || !metrics[1].Cost.IsZero() {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestLowConfidenceResultIsNotCached(t *testing.T) {
	tr := &fakeTranscriber{fallback: transcription.Result{Text: "mumble", Confidence: 0.5}}
	h := newHarness(t, tr)
	blob := makeWAV(t, 16000, 1, 1)

	for i := 0; i < 2; i++ {
		res, err := h.svc.Process(context.Background(), wavRequest(blob))
		if err != nil {
			t.Fatalf("Process() error = %v", err)
		}
		if res.Metadata.Cached {
			t.Fatalf("call %d: unexpected cache hit", i)
		}
	}
	if tr.count() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", tr.count())
	}
}

func TestBudgetExceededSkipsProvider(t *testing.T) {
	tr := &fakeTranscriber{fallback: transcription.Result{Text: "tea", Confidence: 0.9}}
	guard := cost.NewGuard(cost.NewPricing(cost.DefaultPerMinute), decimal.RequireFromString("6.00"),
		fakeWindow{day: decimal.RequireFromString("5.90")}, testLogger())
	h := newHarness(t, tr, func(d *Dependencies) {
		d.Budget = &fixedBudget{estimate: decimal.RequireFromString("0.20"), guard: guard}
	})

	_, err := h.svc.Process(context.Background(), wavRequest(makeWAV(t, 16000, 1, 1)))
	appErr, ok := apperr.As(err)
	if !ok || appErr.Code != apperr.CodeBudgetExceeded {
		t.Fatalf("unexpected error: %v", err)
	}
	if appErr.RetryAfter != 24*time.Hour {
		t.Fatalf("unexpected retry after: %v", appErr.RetryAfter)
	}
	if tr.count() != 0 {
		t.Fatalf("provider must not be called, got %d calls", tr.count())
	}
	metrics := h.recorder.snapshot()
	if len(metrics) != 1 || metrics[0].Metadata.ErrorCode != string(apperr.CodeBudgetExceeded) || !metrics[0].Cost.IsZero() {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestRetryableErrorIsRetriedMaxRetriesTimes(t *testing.T) {
	rateLimited := apperr.New(apperr.CodeRateLimited, "slow down")
	tr := &fakeTranscriber{errs: []error{rateLimited, rateLimited, rateLimited, rateLimited, rateLimited}}
	h := newHarness(t, tr)

	_, err := h.svc.Process(context.Background(), wavRequest(makeWAV(t, 16000, 1, 1)))
	appErr, ok := apperr.As(err)
	if !ok || appErr.Code != apperr.CodeRateLimited || !appErr.Retryable {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.count() != DefaultMaxRetries+1 {
		t.Fatalf("expected %d provider calls, got %d", DefaultMaxRetries+1, tr.count())
	}
	if appErr.RetryCount != DefaultMaxRetries {
		t.Fatalf("unexpected retry count: %d", appErr.RetryCount)
	}

	metrics := h.recorder.snapshot()
	if len(metrics) != 1 || metrics[0].Metadata.RetryCount != DefaultMaxRetries || !metrics[0].Cost.IsZero() {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestRetryBudgetFollowsRequestOptions(t *testing.T) {
	rateLimited := apperr.New(apperr.CodeRateLimited, "slow down")
	tr := &fakeTranscriber{errs: []error{rateLimited, rateLimited, rateLimited, rateLimited, rateLimited}}
	h := newHarness(t, tr)

	req := wavRequest(makeWAV(t, 16000, 1, 1))
	req.Options.MaxRetries = 1
	_, err := h.svc.Process(context.Background(), req)
	appErr, ok := apperr.As(err)
	if !ok || appErr.Code != apperr.CodeRateLimited {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.count() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", tr.count())
	}
	if appErr.RetryCount != 1 {
		t.Fatalf("unexpected retry count: %d", appErr.RetryCount)
	}
}

func TestFatalProviderErrorIsNotRetried(t *testing.T) {
	tr := &fakeTranscriber{errs: []error{apperr.New(apperr.CodeInvalidFormat, "bad codec")}}
	h := newHarness(t, tr)

	_, err := h.svc.Process(context.Background(), wavRequest(makeWAV(t, 16000, 1, 1)))
	if apperr.CodeOf(err) != apperr.CodeInvalidFormat {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.count() != 1 {
		t.Fatalf("expected a single provider call, got %d", tr.count())
	}
}

func TestRetryThenSucceed(t *testing.T) {
	timeout := apperr.New(apperr.CodeTimeout, "slow")
	tr := &fakeTranscriber{
		errs:     []error{timeout, timeout},
		fallback: transcription.Result{Text: "soup", Confidence: 0.9},
	}
	h := newHarness(t, tr)

	res, err := h.svc.Process(context.Background(), wavRequest(makeWAV(t, 16000, 1, 1)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Metadata.RetryCount != 2 || tr.count() != 3 {
		t.Fatalf("unexpected retries: metadata=%d calls=%d", res.Metadata.RetryCount, tr.count())
	}
}

func TestParserFailureFallsBackToSplitter(t *testing.T) {
	tr := &fakeTranscriber{fallback: transcription.Result{Text: "one burger, two fries and a shake", Confidence: 0.9}}
	h := newHarness(t, tr, func(d *Dependencies) {
		d.Parser = orderparse.New(failingPrimary{}, testLogger())
	})

	res, err := h.svc.Process(context.Background(), wavRequest(makeWAV(t, 16000, 1, 1)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !res.Metadata.ParseFallback || len(res.Items) != 3 {
		t.Fatalf("unexpected parse result: fallback=%v items=%#v", res.Metadata.ParseFallback, res.Items)
	}
}

func TestPrimaryParserItemsAreCachedWithTranscript(t *testing.T) {
	tr := &fakeTranscriber{fallback: transcription.Result{Text: "uh two cokes please", Confidence: 0.9}}
	h := newHarness(t, tr, func(d *Dependencies) {
		d.Parser = orderparse.New(listPrimary{items: []string{"2 cokes"}}, testLogger())
	})
	blob := makeWAV(t, 16000, 1, 1)

	if _, err := h.svc.Process(context.Background(), wavRequest(blob)); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	res, err := h.svc.Process(context.Background(), wavRequest(blob))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !res.Metadata.Cached || len(res.Items) != 1 || res.Items[0] != "2 cokes" {
		t.Fatalf("unexpected cached result: %+v", res)
	}
}

func TestValidationShortCircuits(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		code apperr.Code
	}{
		{"too large", Request{Audio: make([]byte, 30<<20), MIMEType: "audio/wav"}, apperr.CodeAudioTooLarge},
		{"too short", Request{Audio: make([]byte, 10), MIMEType: "audio/wav"}, apperr.CodeAudioTooShort},
		{"bad format", Request{Audio: bytes.Repeat([]byte("a"), 2000), MIMEType: "text/plain"}, apperr.CodeInvalidFormat},
	}
	for _, tc := range cases {
		tr := &fakeTranscriber{}
		h := newHarness(t, tr)
		tc.req.Options = DefaultOptions()

		_, err := h.svc.Process(context.Background(), tc.req)
		if apperr.CodeOf(err) != tc.code {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if apperr.IsRetryable(err) {
			t.Fatalf("%s: validation errors must not be retryable", tc.name)
		}
		if tr.count() != 0 {
			t.Fatalf("%s: provider must not be called", tc.name)
		}
		if got := len(h.recorder.snapshot()); got != 1 {
			t.Fatalf("%s: expected one metric, got %d", tc.name, got)
		}
	}
}

func TestOptimizedAudioIsSentToProvider(t *testing.T) {
	tr := &fakeTranscriber{fallback: transcription.Result{Text: "espresso", Confidence: 0.9}}
	h := newHarness(t, tr, func(d *Dependencies) {
		d.Optimizer = audio.NewOptimizer(audio.Config{CompressAboveBytes: 1024, MaxDuration: time.Minute, TargetSampleRate: 16000}, testLogger())
	})
	blob := makeWAV(t, 44100, 2, 1)

	res, err := h.svc.Process(context.Background(), wavRequest(blob))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !res.Metadata.Optimized || res.Metadata.SentSize >= res.Metadata.OriginalSize {
		t.Fatalf("unexpected optimization metadata: %+v", res.Metadata)
	}
	if tr.sizes[0] != res.Metadata.SentSize {
		t.Fatalf("provider received %d bytes, metadata says %d", tr.sizes[0], res.Metadata.SentSize)
	}
	metrics := h.recorder.snapshot()
	if !metrics[0].Optimized || metrics[0].Metadata.CompressionRatio >= 1 {
		t.Fatalf("unexpected metric: %+v", metrics[0])
	}
}

func TestConcurrentIdenticalRequestsShareOneProviderCall(t *testing.T) {
	tr := &fakeTranscriber{
		fallback: transcription.Result{Text: "flat white", Confidence: 0.9},
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	checked := make(chan struct{}, 2)
	h := newHarness(t, tr, func(d *Dependencies) {
		d.Budget = &fixedBudget{
			estimate: decimal.RequireFromString("0.01"),
			guard:    cost.NewGuard(cost.NewPricing(cost.DefaultPerMinute), decimal.Zero, nil, testLogger()),
			checked:  checked,
		}
	})
	blob := makeWAV(t, 16000, 1, 1)
	req := wavRequest(blob)
	req.Options.EnableCaching = false

	results := make(chan Result, 2)
	run := func() {
		res, err := h.svc.Process(context.Background(), req)
		if err != nil {
			t.Errorf("Process() error = %v", err)
		}
		results <- res
	}

	go run()
	<-checked
	<-tr.entered
	go run()
	<-checked
	// Give the second caller time to join the flight before it completes.
	time.Sleep(100 * time.Millisecond)
	close(tr.release)

	a, b := <-results, <-results
	if tr.count() != 1 {
		t.Fatalf("expected one provider call, got %d", tr.count())
	}
	if a.Metadata.Deduplicated == b.Metadata.Deduplicated {
		t.Fatalf("expected exactly one deduplicated result: %v %v", a.Metadata.Deduplicated, b.Metadata.Deduplicated)
	}
	if a.Transcript != "flat white" || b.Transcript != "flat white" {
		t.Fatalf("unexpected transcripts: %q %q", a.Transcript, b.Transcript)
	}

	var paid int
	for _, m := range h.recorder.snapshot() {
		if m.Cost.IsPositive() {
			paid++
		}
	}
	if got := len(h.recorder.snapshot()); got != 2 || paid != 1 {
		t.Fatalf("expected 2 metrics with one paid, got %d metrics and %d paid", got, paid)
	}
}

func TestFlightKeySeparatesBehaviorChangingOptions(t *testing.T) {
	base := DefaultOptions()
	key := flightKey("abc", "whisper-1", base)
	if flightKey("abc", "whisper-1", DefaultOptions()) != key {
		t.Fatal("expected identical options to share a flight")
	}

	fewerRetries := base
	fewerRetries.MaxRetries = 0
	stricter := base
	stricter.ConfidenceThreshold = 0.95
	noCache := base
	noCache.EnableCaching = false
	for name, opts := range map[string]Options{
		"max_retries":          fewerRetries,
		"confidence_threshold": stricter,
		"enable_caching":       noCache,
	} {
		if flightKey("abc", "whisper-1", opts) == key {
			t.Fatalf("expected %s to separate flights", name)
		}
	}
}

func TestCanceledCallerStillCachesResult(t *testing.T) {
	tr := &fakeTranscriber{
		fallback: transcription.Result{Text: "green tea", Confidence: 0.9},
		entered:  make(chan struct{}, 1),
		release:  make(chan struct{}),
	}
	h := newHarness(t, tr)
	blob := makeWAV(t, 16000, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.svc.Process(ctx, wavRequest(blob))
		errCh <- err
	}()

	<-tr.entered
	cancel()
	if err := <-errCh; apperr.CodeOf(err) != apperr.CodeCanceled {
		t.Fatalf("unexpected error: %v", err)
	}
	close(tr.release)

	deadline := time.Now().Add(2 * time.Second)
	for len(h.recorder.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("flight did not record usage")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, err := h.svc.Process(context.Background(), wavRequest(blob))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if !res.Metadata.Cached || res.Transcript != "green tea" {
		t.Fatalf("expected cached result from abandoned flight, got %+v", res)
	}
	if tr.count() != 1 {
		t.Fatalf("expected one provider call, got %d", tr.count())
	}
}

func TestStatesTraceMissPath(t *testing.T) {
	tr := &fakeTranscriber{fallback: transcription.Result{Text: "tea", Confidence: 0.9}}
	h := newHarness(t, tr)

	res, err := h.svc.Process(context.Background(), wavRequest(makeWAV(t, 16000, 1, 1)))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	want := []State{StateStart, StateBudgeted, StateHashed, StateCacheChecked, StateCacheMiss,
		StateOptimized, StateProviderCalled, StateParsed, StateCached, StateTracked, StateDone}
	if len(res.Metadata.States) != len(want) {
		t.Fatalf("unexpected states: %v", res.Metadata.States)
	}
	for i := range want {
		if res.Metadata.States[i] != want[i] {
			t.Fatalf("state %d: got %q want %q", i, res.Metadata.States[i], want[i])
		}
	}
}
