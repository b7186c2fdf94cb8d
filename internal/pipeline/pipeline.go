package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"voiceorder/internal/apperr"
	"voiceorder/internal/audio"
	"voiceorder/internal/cache"
	"voiceorder/internal/cost"
	"voiceorder/internal/fingerprint"
	"voiceorder/internal/orderparse"
	"voiceorder/internal/transcription"
	"voiceorder/internal/usage"
)

type State string

const (
	StateStart          State = "start"
	StateBudgeted       State = "budgeted"
	StateHashed         State = "hashed"
	StateCacheChecked   State = "cache_checked"
	StateCacheHit       State = "cache_hit"
	StateCacheMiss      State = "cache_miss"
	StateOptimized      State = "optimized"
	StateProviderCalled State = "provider_called"
	StateParsed         State = "parsed"
	StateCached         State = "cached"
	StateTracked        State = "tracked"
	StateDone           State = "done"
	StateErrored        State = "errored"
)

const (
	DefaultMinAudioBytes  = 1000
	DefaultMaxAudioBytes  = 25 << 20
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
	DefaultFlightTimeout  = 2 * time.Minute
)

// DefaultAllowedMIMETypes is the declared content types accepted for upload.
var DefaultAllowedMIMETypes = []string{
	"audio/wav", "audio/x-wav", "audio/wave", "audio/vnd.wave",
	"audio/mpeg", "audio/mp3",
	"audio/mp4", "audio/x-m4a", "audio/m4a", "audio/aac",
	"audio/webm", "video/webm",
	"audio/ogg", "audio/opus", "application/ogg",
	"audio/flac", "audio/x-flac",
	"video/mp4",
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName, model string) (transcription.Result, error)
}

type Parser interface {
	Parse(ctx context.Context, text string, allowFallback bool) orderparse.Result
}

type Optimizer interface {
	Optimize(audio []byte, fileName, mimeType string) audio.Result
}

type Cache interface {
	Get(ctx context.Context, hash, userID string) (cache.Entry, cache.Tier, bool)
	FindSimilar(ctx context.Context, hash string, audio []byte) (cache.Entry, bool)
	Set(ctx context.Context, entry cache.Entry) bool
}

type Budget interface {
	EstimateCost(blob []byte, model string) decimal.Decimal
	CheckBudget(ctx context.Context, userID string, estimate decimal.Decimal) cost.Decision
}

type Recorder interface {
	Record(ctx context.Context, m usage.Metric) (usage.Metric, error)
}

type Observer interface {
	ObserveProviderAttempt(outcome string)
	ObserveBudgetDenied()
	ObserveParseFallback()
	ObserveCost(usd float64)
	ObservePipeline(outcome string, duration time.Duration)
}

type Options struct {
	EnableOptimization  bool
	EnableCaching       bool
	EnableFallback      bool
	MaxRetries          int
	ConfidenceThreshold float64
	PreferredModel      string
}

func DefaultOptions() Options {
	return Options{
		EnableOptimization:  true,
		EnableCaching:       true,
		EnableFallback:      true,
		MaxRetries:          DefaultMaxRetries,
		ConfidenceThreshold: cache.MinConfidence,
	}
}

type Request struct {
	Audio    []byte
	UserID   string
	FileName string
	MIMEType string
	Options  Options
}

type Metadata struct {
	Cached               bool
	CacheTier            cache.Tier
	Deduplicated         bool
	Optimized            bool
	OptimizationsApplied []string
	Cost                 decimal.Decimal
	EstimatedCost        decimal.Decimal
	Latency              time.Duration
	RetryCount           int
	Confidence           float64
	ParseFallback        bool
	AudioHash            string
	Model                string
	OriginalSize         int
	SentSize             int
	States               []State
}

type Result struct {
	Transcript string
	Items      []string
	Metadata   Metadata
}

type Config struct {
	DefaultModel     string
	MinAudioBytes    int
	MaxAudioBytes    int
	AllowedMIMETypes []string
	// RetryBaseDelay d gives waits of 2d, 4d, 8d... between provider attempts.
	RetryBaseDelay time.Duration
	// FlightTimeout bounds a provider flight once it is detached from the caller.
	FlightTimeout time.Duration
}

type Dependencies struct {
	Transcriber Transcriber
	Parser      Parser
	Budget      Budget
	Optimizer   Optimizer
	Cache       Cache
	Usage       Recorder
	Observer    Observer
}

type Service struct {
	cfg         Config
	allowed     map[string]struct{}
	transcriber Transcriber
	parser      Parser
	budget      Budget
	optimizer   Optimizer
	cache       Cache
	usage       Recorder
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
	flights     singleflight.Group
}

func New(cfg Config, deps Dependencies, logger *slog.Logger) *Service {
	if deps.Transcriber == nil || deps.Parser == nil || deps.Budget == nil {
		panic("pipeline: missing required dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinAudioBytes <= 0 {
		cfg.MinAudioBytes = DefaultMinAudioBytes
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = DefaultMaxAudioBytes
	}
	if len(cfg.AllowedMIMETypes) == 0 {
		cfg.AllowedMIMETypes = DefaultAllowedMIMETypes
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.FlightTimeout <= 0 {
		cfg.FlightTimeout = DefaultFlightTimeout
	}
	cfg.DefaultModel = strings.TrimSpace(cfg.DefaultModel)

	allowed := make(map[string]struct{}, len(cfg.AllowedMIMETypes))
	for _, m := range cfg.AllowedMIMETypes {
		allowed[audio.NormalizeMIME(m)] = struct{}{}
	}

	return &Service{
		cfg:         cfg,
		allowed:     allowed,
		transcriber: deps.Transcriber,
		parser:      deps.Parser,
		budget:      deps.Budget,
		optimizer:   deps.Optimizer,
		cache:       deps.Cache,
		usage:       deps.Usage,
		observer:    deps.Observer,
		logger:      logger.With("component", "pipeline"),
		now:         time.Now,
	}
}

// invocation is the immutable per-call context shared with a flight.
type invocation struct {
	req     Request
	opts    Options
	model   string
	userID  string
	hash    string
	started time.Time
	states  []State
	est     decimal.Decimal
}

func (inv *invocation) enter(s State) {
	inv.states = append(inv.states, s)
}

// Process runs one voice order through validation, budget, cache and, on a
// miss, a provider flight shared with concurrent identical requests.
func (s *Service) Process(ctx context.Context, req Request) (Result, error) {
	inv := &invocation{
		req:     req,
		opts:    s.normalizeOptions(req.Options),
		userID:  strings.TrimSpace(req.UserID),
		started: s.now(),
	}
	inv.model = inv.opts.PreferredModel
	inv.enter(StateStart)

	if err := s.validate(req); err != nil {
		return s.fail(ctx, inv, err)
	}

	inv.est = s.budget.EstimateCost(req.Audio, inv.model)
	if decision := s.budget.CheckBudget(ctx, inv.userID, inv.est); !decision.Allowed {
		s.observeBudgetDenied()
		err := apperr.New(apperr.CodeBudgetExceeded, decision.Reason)
		err.RetryAfter = decision.RetryAfter
		return s.fail(ctx, inv, err)
	}
	inv.enter(StateBudgeted)

	inv.hash = fingerprint.Sum(req.Audio)
	inv.enter(StateHashed)
	s.logger.Debug("pipeline stage", "state", StateHashed, "audio_hash", inv.hash, "user_id", inv.userID)

	if inv.opts.EnableCaching && s.cache != nil {
		entry, tier, ok := s.cache.Get(ctx, inv.hash, inv.userID)
		if !ok {
			entry, ok = s.cache.FindSimilar(ctx, inv.hash, req.Audio)
			tier = cache.TierSimilar
		}
		inv.enter(StateCacheChecked)
		if ok {
			return s.serveCached(ctx, inv, entry, tier), nil
		}
	} else {
		inv.enter(StateCacheChecked)
	}
	inv.enter(StateCacheMiss)

	return s.fly(ctx, inv)
}

// flightKey groups requests that would produce the same outcome. Every option
// that changes what the leader does is part of it, so a follower never gets a
// result computed under a different retry budget or cache threshold.
func flightKey(hash, model string, opts Options) string {
	return fmt.Sprintf("%s|%s|opt=%t|fb=%t|cache=%t|retries=%d|min_conf=%g", hash, model,
		opts.EnableOptimization, opts.EnableFallback, opts.EnableCaching,
		opts.MaxRetries, opts.ConfidenceThreshold)
}

func (s *Service) fly(ctx context.Context, inv *invocation) (Result, error) {
	var led atomic.Bool
	ch := s.flights.DoChan(flightKey(inv.hash, inv.model, inv.opts), func() (out any, err error) {
		led.Store(true)
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FlightTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("provider flight panicked", "audio_hash", inv.hash, "panic", rec)
				out = &flightOutcome{}
				err = apperr.Fatal(apperr.CodeInternal, fmt.Errorf("panic: %v", rec), "transcription failed")
			}
		}()
		return s.runFlight(flightCtx, inv)
	})

	select {
	case res := <-ch:
		out, _ := res.Val.(*flightOutcome)
		if out == nil {
			out = &flightOutcome{}
		}
		if led.Load() {
			return s.leaderResult(inv, out, res.Err)
		}
		return s.followerResult(ctx, inv, out, res.Err)
	case <-ctx.Done():
		go s.settleAbandoned(ctx, inv, ch, &led)
		s.logger.Info("caller canceled, provider flight continues", "audio_hash", inv.hash, "user_id", inv.userID)
		return Result{}, apperr.Fatal(apperr.CodeCanceled, ctx.Err(), "request canceled")
	}
}

// settleAbandoned records the metric of a canceled follower once the shared
// flight finishes. A canceled leader's metric is recorded by the flight.
func (s *Service) settleAbandoned(ctx context.Context, inv *invocation, ch <-chan singleflight.Result, led *atomic.Bool) {
	<-ch
	if led.Load() {
		return
	}
	m := s.metric(inv)
	m.Metadata.Deduplicated = true
	m.Metadata.ErrorCode = string(apperr.CodeCanceled)
	s.record(ctx, m)
}

func (s *Service) leaderResult(inv *invocation, out *flightOutcome, err error) (Result, error) {
	latency := s.now().Sub(inv.started)
	if err != nil {
		s.observePipeline(string(apperr.CodeOf(err)), latency)
		return Result{}, err
	}
	s.observePipeline("miss", latency)

	states := append(append([]State(nil), inv.states...), out.states...)
	states = append(states, StateDone)
	return Result{
		Transcript: out.transcript,
		Items:      append([]string(nil), out.items...),
		Metadata: Metadata{
			Optimized:            len(out.applied) > 0,
			OptimizationsApplied: out.applied,
			Cost:                 out.cost,
			EstimatedCost:        inv.est,
			Latency:              latency,
			RetryCount:           out.retries,
			Confidence:           out.confidence,
			ParseFallback:        out.parseFallback,
			AudioHash:            inv.hash,
			Model:                out.model,
			OriginalSize:         len(inv.req.Audio),
			SentSize:             out.sentSize,
			States:               states,
		},
	}, nil
}

func (s *Service) followerResult(ctx context.Context, inv *invocation, out *flightOutcome, err error) (Result, error) {
	m := s.metric(inv)
	m.Metadata.Deduplicated = true
	latency := s.now().Sub(inv.started)
	if err != nil {
		m.Metadata.ErrorCode = string(apperr.CodeOf(err))
		s.record(ctx, m)
		s.observePipeline(string(apperr.CodeOf(err)), latency)
		return Result{}, err
	}
	s.record(ctx, m)
	s.observePipeline("dedup", latency)

	return Result{
		Transcript: out.transcript,
		Items:      append([]string(nil), out.items...),
		Metadata: Metadata{
			Deduplicated:  true,
			Cost:          decimal.Zero,
			EstimatedCost: inv.est,
			Latency:       latency,
			Confidence:    out.confidence,
			ParseFallback: out.parseFallback,
			AudioHash:     inv.hash,
			Model:         out.model,
			OriginalSize:  len(inv.req.Audio),
			States:        append(append([]State(nil), inv.states...), StateTracked, StateDone),
		},
	}, nil
}

func (s *Service) serveCached(ctx context.Context, inv *invocation, entry cache.Entry, tier cache.Tier) Result {
	inv.enter(StateCacheHit)

	m := s.metric(inv)
	m.Cached = true
	m.Metadata.CacheTier = string(tier)
	s.record(ctx, m)
	inv.enter(StateTracked)
	inv.enter(StateDone)

	latency := s.now().Sub(inv.started)
	s.observePipeline("hit", latency)
	s.logger.Debug("served from cache", "audio_hash", inv.hash, "tier", tier, "user_id", inv.userID)

	items := entry.Items
	if items == nil {
		items = []string{}
	}
	return Result{
		Transcript: entry.Transcription,
		Items:      items,
		Metadata: Metadata{
			Cached:        true,
			CacheTier:     tier,
			Cost:          decimal.Zero,
			EstimatedCost: inv.est,
			Latency:       latency,
			Confidence:    entry.Confidence,
			AudioHash:     inv.hash,
			Model:         entry.Metadata.Model,
			OriginalSize:  len(inv.req.Audio),
			States:        inv.states,
		},
	}
}

// fail records the metric for a request that never reached the provider.
func (s *Service) fail(ctx context.Context, inv *invocation, err error) (Result, error) {
	inv.enter(StateErrored)
	code := apperr.CodeOf(err)

	m := s.metric(inv)
	m.Metadata.ErrorCode = string(code)
	s.record(ctx, m)

	s.observePipeline(string(code), s.now().Sub(inv.started))
	s.logger.Info("voice order rejected", "code", code, "user_id", inv.userID, "error", err)
	return Result{}, err
}

func (s *Service) validate(req Request) error {
	size := len(req.Audio)
	if size > s.cfg.MaxAudioBytes {
		return apperr.New(apperr.CodeAudioTooLarge, fmt.Sprintf("audio is %d bytes, limit is %d", size, s.cfg.MaxAudioBytes))
	}
	if size < s.cfg.MinAudioBytes {
		return apperr.New(apperr.CodeAudioTooShort, fmt.Sprintf("audio is %d bytes, minimum is %d", size, s.cfg.MinAudioBytes))
	}

	mimeType := audio.NormalizeMIME(req.MIMEType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = audio.SniffMIME(req.Audio)
	}
	if _, ok := s.allowed[mimeType]; !ok {
		return apperr.New(apperr.CodeInvalidFormat, fmt.Sprintf("unsupported audio type %q", mimeType))
	}
	return nil
}

func (s *Service) normalizeOptions(o Options) Options {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ConfidenceThreshold < cache.MinConfidence {
		o.ConfidenceThreshold = cache.MinConfidence
	}
	o.PreferredModel = strings.TrimSpace(o.PreferredModel)
	if o.PreferredModel == "" {
		o.PreferredModel = s.cfg.DefaultModel
	}
	return o
}

func (s *Service) metric(inv *invocation) usage.Metric {
	now := s.now()
	return usage.Metric{
		UserID:    inv.userID,
		Operation: usage.OperationTranscription,
		Cost:      decimal.Zero,
		Timestamp: now,
		Metadata: usage.MetricMetadata{
			FileSize:         len(inv.req.Audio),
			CompressionRatio: 1,
			LatencyMS:        now.Sub(inv.started).Milliseconds(),
			Model:            inv.model,
		},
	}
}

func (s *Service) record(ctx context.Context, m usage.Metric) {
	if s.usage == nil {
		return
	}
	if _, err := s.usage.Record(context.WithoutCancel(ctx), m); err != nil {
		s.logger.Warn("usage record failed", "code", apperr.CodeUsageWriteFailed, "user_id", m.UserID, "error", err)
	}
}

func (s *Service) observePipeline(outcome string, d time.Duration) {
	if s.observer != nil {
		s.observer.ObservePipeline(outcome, d)
	}
}

func (s *Service) observeBudgetDenied() {
	if s.observer != nil {
		s.observer.ObserveBudgetDenied()
	}
}
