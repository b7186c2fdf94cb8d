package transcription

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"testing"
	"time"

	"voiceorder/internal/apperr"
	"voiceorder/internal/upstream/openai"
)

type fakeClient struct {
	out       openai.Transcription
	err       error
	gotModel  string
	gotName   string
	gotBytes  int
	deadlined bool
}

func (f *fakeClient) Transcribe(ctx context.Context, file io.Reader, fileName, model string) (openai.Transcription, error) {
	body, _ := io.ReadAll(file)
	f.gotBytes = len(body)
	f.gotModel = model
	f.gotName = fileName
	_, f.deadlined = ctx.Deadline()
	return f.out, f.err
}

func TestTranscribeUsesDefaultsAndTrims(t *testing.T) {
	client := &fakeClient{out: openai.Transcription{Text: "  two lattes  "}}
	svc := New(client, "whisper-1", time.Second)

	res, err := svc.Transcribe(context.Background(), []byte("abc"), "", "")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "two lattes" || res.Model != "whisper-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Confidence != HeuristicConfidence {
		t.Fatalf("unexpected confidence: %v", res.Confidence)
	}
	if client.gotName != "audio.wav" || client.gotBytes != 3 || !client.deadlined {
		t.Fatalf("unexpected client call: %+v", client)
	}
}

func TestTranscribeEmptyTextIsFatal(t *testing.T) {
	svc := New(&fakeClient{out: openai.Transcription{Text: "   "}}, "m", time.Second)

	_, err := svc.Transcribe(context.Background(), []byte("abc"), "a.wav", "")
	if apperr.CodeOf(err) != apperr.CodeTranscriptionFailed || apperr.IsRetryable(err) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClassifyUpstreamStatuses(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		code      apperr.Code
		retryable bool
	}{
		{http.StatusTooManyRequests, "", apperr.CodeRateLimited, true},
		{http.StatusRequestTimeout, "", apperr.CodeTimeout, true},
		{http.StatusRequestEntityTooLarge, "", apperr.CodeAudioTooLarge, false},
		{http.StatusUnsupportedMediaType, "", apperr.CodeInvalidFormat, false},
		{http.StatusBadRequest, "Invalid file format.", apperr.CodeInvalidFormat, false},
		{http.StatusUnauthorized, "bad key", apperr.CodeTranscriptionFailed, false},
		{http.StatusBadGateway, "", apperr.CodeTranscriptionFailed, true},
	}
	for _, tc := range cases {
		err := Classify(context.Background(), &openai.Error{StatusCode: tc.status, Body: tc.body})
		if apperr.CodeOf(err) != tc.code {
			t.Fatalf("status %d: unexpected code %q", tc.status, apperr.CodeOf(err))
		}
		if apperr.IsRetryable(err) != tc.retryable {
			t.Fatalf("status %d: unexpected retryable %v", tc.status, apperr.IsRetryable(err))
		}
	}
}

func TestClassifyRateLimitKeepsRetryAfter(t *testing.T) {
	err := Classify(context.Background(), &openai.Error{StatusCode: http.StatusTooManyRequests, RetryAfter: 3 * time.Second})
	appErr, ok := apperr.As(err)
	if !ok || appErr.RetryAfter != 3*time.Second {
		t.Fatalf("unexpected error: %#v", err)
	}
}

func TestClassifyDeadlineAndTransportErrors(t *testing.T) {
	if code := apperr.CodeOf(Classify(context.Background(), context.DeadlineExceeded)); code != apperr.CodeTimeout {
		t.Fatalf("unexpected code: %q", code)
	}

	err := Classify(context.Background(), errors.New("connection reset"))
	if apperr.CodeOf(err) != apperr.CodeTranscriptionFailed || !apperr.IsRetryable(err) {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := apperr.CodeOf(Classify(ctx, context.Canceled)); code != apperr.CodeCanceled {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestConfidenceFromSegments(t *testing.T) {
	got := Confidence([]openai.Segment{
		{AvgLogprob: 0, NoSpeechProb: 0},
		{AvgLogprob: math.Log(0.5), NoSpeechProb: 0},
	})
	if math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("unexpected confidence: %v", got)
	}

	low := Confidence([]openai.Segment{{AvgLogprob: -1.5, NoSpeechProb: 0.6}})
	if low >= 0.7 {
		t.Fatalf("expected low confidence, got %v", low)
	}
}
