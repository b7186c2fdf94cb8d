package transcription

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"voiceorder/internal/apperr"
	"voiceorder/internal/upstream/openai"
)

// HeuristicConfidence is reported when the provider returns no segment
// log-probabilities to derive a score from.
const HeuristicConfidence = 0.8

type Client interface {
	Transcribe(ctx context.Context, file io.Reader, fileName, model string) (openai.Transcription, error)
}

type Result struct {
	Text       string
	Confidence float64
	Model      string
	Language   string
}

type Service struct {
	client       Client
	defaultModel string
	timeout      time.Duration
}

func New(client Client, defaultModel string, timeout time.Duration) *Service {
	return &Service{
		client:       client,
		defaultModel: strings.TrimSpace(defaultModel),
		timeout:      timeout,
	}
}

// Transcribe performs one provider attempt. Every error it returns is an
// *apperr.Error classified as retryable or fatal.
func (s *Service) Transcribe(ctx context.Context, audio []byte, fileName, model string) (Result, error) {
	selectedModel := strings.TrimSpace(model)
	if selectedModel == "" {
		selectedModel = s.defaultModel
	}
	if fileName == "" {
		fileName = "audio.wav"
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.client.Transcribe(ctx, bytes.NewReader(audio), fileName, selectedModel)
	if err != nil {
		return Result{}, Classify(ctx, err)
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Result{}, apperr.Fatal(apperr.CodeTranscriptionFailed, nil, "no speech detected")
	}
	return Result{
		Text:       text,
		Confidence: Confidence(out.Segments),
		Model:      selectedModel,
		Language:   out.Language,
	}, nil
}

// Classify maps a provider or transport failure to the error taxonomy.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}

	var upErr *openai.Error
	if errors.As(err, &upErr) {
		return classifyStatus(upErr)
	}

	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return apperr.Fatal(apperr.CodeCanceled, err, "transcription canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeTimeout, err, "transcription timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.CodeTimeout, err, "transcription timed out")
	}
	return apperr.Wrap(apperr.CodeTranscriptionFailed, err, "transcription request failed")
}

func classifyStatus(upErr *openai.Error) error {
	switch status := upErr.StatusCode; {
	case status == http.StatusTooManyRequests:
		e := apperr.Wrap(apperr.CodeRateLimited, upErr, "provider rate limited")
		e.RetryAfter = upErr.RetryAfter
		return e
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperr.Wrap(apperr.CodeTimeout, upErr, "provider timed out")
	case status == http.StatusRequestEntityTooLarge:
		return apperr.Wrap(apperr.CodeAudioTooLarge, upErr, "provider rejected audio size")
	case status == http.StatusUnsupportedMediaType:
		return apperr.Wrap(apperr.CodeInvalidFormat, upErr, "provider rejected audio format")
	case status == http.StatusBadRequest && mentionsFormat(upErr.Body):
		return apperr.Wrap(apperr.CodeInvalidFormat, upErr, "provider rejected audio format")
	case status >= 400 && status < 500:
		return apperr.Fatal(apperr.CodeTranscriptionFailed, upErr, "provider rejected request")
	default:
		return apperr.Wrap(apperr.CodeTranscriptionFailed, upErr, "provider unavailable")
	}
}

func mentionsFormat(body string) bool {
	body = strings.ToLower(body)
	return strings.Contains(body, "format") || strings.Contains(body, "file type") || strings.Contains(body, "decode")
}

// Confidence averages exp(avg_logprob) across segments, discounted by each
// segment's no-speech probability.
func Confidence(segments []openai.Segment) float64 {
	if len(segments) == 0 {
		return HeuristicConfidence
	}
	var sum float64
	for _, seg := range segments {
		p := math.Exp(seg.AvgLogprob) * (1 - clamp01(seg.NoSpeechProb))
		sum += clamp01(p)
	}
	return sum / float64(len(segments))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
