package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

type ObserverFunc func(endpoint string, status int, duration time.Duration)

type Option func(*Client)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	observer   ObserverFunc
}

type Error struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream request failed with status %d", e.StatusCode)
}

// Segment is the subset of a verbose_json segment used for confidence.
type Segment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	AvgLogprob   float64 `json:"avg_logprob"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

type Transcription struct {
	Text     string
	Language string
	Duration float64
	Segments []Segment
}

type requestKey struct{}

// WithRequestAPIKey attaches a caller supplied API key that overrides the
// client default for requests made with ctx.
func WithRequestAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, requestKey{}, strings.TrimSpace(key))
}

func RequestAPIKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(requestKey{}).(string)
	return key
}

func WithObserver(observer ObserverFunc) Option {
	return func(c *Client) {
		c.observer = observer
	}
}

func New(baseURL, apiKey string, httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Client) Transcribe(ctx context.Context, file io.Reader, fileName, model string) (Transcription, error) {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("audio_transcriptions", statusCode, time.Since(started)) }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("model", model); err != nil {
		return Transcription{}, err
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return Transcription{}, err
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return Transcription{}, err
	}
	if _, err := io.Copy(part, file); err != nil {
		return Transcription{}, err
	}
	if err := writer.Close(); err != nil {
		return Transcription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", bytes.NewReader(body.Bytes()))
	if err != nil {
		return Transcription{}, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transcription{}, err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transcription{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Transcription{}, &Error{
			StatusCode: resp.StatusCode,
			Body:       truncateBody(string(respBody)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return parseTranscription(respBody)
}

func (c *Client) CheckModels(ctx context.Context) error {
	started := time.Now()
	statusCode := 0
	defer func() { c.observe("models", statusCode, time.Since(started)) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	statusCode = resp.StatusCode

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &Error{StatusCode: resp.StatusCode, Body: truncateBody(string(body))}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	key := RequestAPIKeyFromContext(req.Context())
	if key == "" {
		key = c.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+key)
}

func (c *Client) observe(endpoint string, status int, duration time.Duration) {
	if c.observer != nil {
		c.observer(endpoint, status, duration)
	}
}

func parseTranscription(data []byte) (Transcription, error) {
	var parsed struct {
		Text     string    `json:"text"`
		Language string    `json:"language"`
		Duration float64   `json:"duration"`
		Segments []Segment `json:"segments"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil && parsed.Text != "" {
		return Transcription{
			Text:     parsed.Text,
			Language: parsed.Language,
			Duration: parsed.Duration,
			Segments: parsed.Segments,
		}, nil
	}

	// Some compatible providers ignore response_format and answer in text.
	plainText := strings.TrimSpace(joinLines(string(data)))
	if plainText == "" || strings.HasPrefix(plainText, "{") {
		return Transcription{}, fmt.Errorf("invalid transcription response")
	}
	return Transcription{Text: plainText}, nil
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func joinLines(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	return strings.Join(parts, " ")
}

func truncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4096 {
		return s
	}
	return s[:4096] + "..."
}
