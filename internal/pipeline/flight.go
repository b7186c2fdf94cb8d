package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"voiceorder/internal/apperr"
	"voiceorder/internal/audio"
	"voiceorder/internal/cache"
	"voiceorder/internal/fingerprint"
	"voiceorder/internal/transcription"
)

type flightOutcome struct {
	transcript    string
	items         []string
	confidence    float64
	model         string
	applied       []string
	sentSize      int
	cost          decimal.Decimal
	retries       int
	parseFallback bool
	states        []State
}

// runFlight performs the paid part of a request: optimize, transcribe with
// retries, parse, cache and record usage. It runs detached from the caller.
func (s *Service) runFlight(ctx context.Context, inv *invocation) (*flightOutcome, error) {
	req, opts := inv.req, inv.opts
	out := &flightOutcome{model: inv.model}

	send := audio.Result{
		Audio:         req.Audio,
		FileName:      req.FileName,
		MIMEType:      req.MIMEType,
		OriginalSize:  len(req.Audio),
		OptimizedSize: len(req.Audio),
	}
	if opts.EnableOptimization && s.optimizer != nil {
		send = s.optimizer.Optimize(req.Audio, req.FileName, req.MIMEType)
	}
	out.applied = send.Applied
	out.sentSize = len(send.Audio)
	out.states = append(out.states, StateOptimized)

	m := s.metric(inv)
	m.Optimized = send.Optimized()
	m.Metadata.CompressionRatio = send.CompressionRatio()

	tr, retries, err := s.transcribeWithRetry(ctx, send, inv.model, opts.MaxRetries)
	out.retries = retries
	m.Metadata.RetryCount = retries
	if err != nil {
		out.states = append(out.states, StateErrored)
		m.Metadata.ErrorCode = string(apperr.CodeOf(err))
		m.Metadata.LatencyMS = s.now().Sub(inv.started).Milliseconds()
		s.record(ctx, m)
		s.logger.Warn("transcription failed",
			"audio_hash", inv.hash,
			"user_id", inv.userID,
			"code", apperr.CodeOf(err),
			"retries", retries,
			"error", err,
		)
		return out, err
	}
	out.states = append(out.states, StateProviderCalled)
	out.transcript = tr.Text
	out.confidence = tr.Confidence
	if tr.Model != "" {
		out.model = tr.Model
	}
	out.cost = s.budget.EstimateCost(send.Audio, out.model)

	parsed := s.parser.Parse(ctx, tr.Text, opts.EnableFallback)
	out.items = parsed.Items
	out.parseFallback = parsed.Fallback
	if parsed.Fallback && s.observer != nil {
		s.observer.ObserveParseFallback()
	}
	out.states = append(out.states, StateParsed)

	if opts.EnableCaching && s.cache != nil && tr.Confidence >= opts.ConfidenceThreshold {
		info := audio.Inspect(req.Audio)
		stored := s.cache.Set(ctx, cache.Entry{
			AudioHash:     inv.hash,
			Transcription: tr.Text,
			Items:         out.items,
			Confidence:    tr.Confidence,
			Metadata: cache.EntryMetadata{
				OriginalSize:    len(req.Audio),
				OptimizedSize:   len(send.Audio),
				Format:          string(info.Format),
				DurationSeconds: info.Duration.Seconds(),
				HeadDigest:      fingerprint.Head(req.Audio),
				TailDigest:      fingerprint.Tail(req.Audio),
				Model:           out.model,
			},
		})
		if stored {
			out.states = append(out.states, StateCached)
		}
	} else if opts.EnableCaching {
		s.logger.Debug("result not cached", "audio_hash", inv.hash, "confidence", tr.Confidence, "threshold", opts.ConfidenceThreshold)
	}

	m.Cost = out.cost
	m.Metadata.LatencyMS = s.now().Sub(inv.started).Milliseconds()
	m.Metadata.Model = out.model
	s.record(ctx, m)
	if s.observer != nil {
		s.observer.ObserveCost(out.cost.InexactFloat64())
	}
	out.states = append(out.states, StateTracked)
	return out, nil
}

// transcribeWithRetry retries retryable provider errors up to maxRetries
// times, waiting 2, 4, 8... base delays with 10% jitter.
func (s *Service) transcribeWithRetry(ctx context.Context, send audio.Result, model string, maxRetries int) (transcription.Result, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * s.cfg.RetryBaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = 64 * s.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)

	var (
		result   transcription.Result
		attempts int
		lastErr  error
	)
	op := func() error {
		attempts++
		res, err := s.transcriber.Transcribe(ctx, send.Audio, send.FileName, model)
		if err != nil {
			err = transcription.Classify(ctx, err)
			lastErr = err
			s.observeAttempt(string(apperr.CodeOf(err)))
			if !apperr.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		s.observeAttempt("ok")
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("provider attempt failed, retrying",
			"attempt", attempts,
			"wait_ms", wait.Milliseconds(),
			"code", apperr.CodeOf(err),
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, policy, notify)
	retries := max(attempts-1, 0)
	if err == nil {
		return result, retries, nil
	}
	if lastErr == nil {
		lastErr = transcription.Classify(ctx, err)
	}
	return transcription.Result{}, retries, withRetryCount(lastErr, retries)
}

func withRetryCount(err error, retries int) error {
	appErr, ok := apperr.As(err)
	if !ok {
		appErr = apperr.Wrap(apperr.CodeTranscriptionFailed, err, "transcription failed")
	}
	surfaced := *appErr
	surfaced.RetryCount = retries
	return &surfaced
}

func (s *Service) observeAttempt(outcome string) {
	if s.observer != nil {
		s.observer.ObserveProviderAttempt(outcome)
	}
}
