package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// MinCacheConfidence is the lowest confidence a cached transcript may have.
const MinCacheConfidence = 0.7

type Config struct {
	ListenAddr           string
	LogLevel             string
	UpstreamBaseURL      string
	UpstreamAPIKey       string
	TranscriptionModel   string
	ParserModel          string
	ParserBaseURL        string
	MenuTerms            []string
	RequestTimeout       time.Duration
	TranscriptionTimeout time.Duration
	ParserTimeout        time.Duration
	FlightTimeout        time.Duration
	MinAudioBytes        int
	MaxUploadBytes       int64

	DatabaseDriver string
	DatabaseURL    string

	CacheMaxEntries      int
	CacheMinConfidence   float64
	CacheWriteQueue      int
	SimilarScanLimit     int
	SimilarMaxConcurrent int64

	UsageBatchSize       int
	UsageFlushInterval   time.Duration
	UsageMaxFlushRetries int

	DailyBudgetUSD    decimal.Decimal
	PricingFile       string
	PricePerMinuteUSD decimal.Decimal

	MaxRetries     int
	RetryBaseDelay time.Duration

	OptimizeMaxBytes    int
	OptimizeMaxDuration time.Duration
	OptimizeSampleRate  int
}

type envConfig struct {
	ListenAddr                  string   `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel                    string   `env:"LOG_LEVEL" envDefault:"info"`
	UpstreamBaseURL             string   `env:"UPSTREAM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	UpstreamAPIKey              string   `env:"UPSTREAM_API_KEY"`
	TranscriptionModel          string   `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	ParserModel                 string   `env:"PARSER_MODEL" envDefault:"gpt-4o-mini"`
	ParserBaseURL               string   `env:"PARSER_BASE_URL"`
	MenuTerms                   []string `env:"MENU_TERMS" envSeparator:","`
	RequestTimeoutSeconds       int      `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"60"`
	TranscriptionTimeoutSeconds int      `env:"TRANSCRIPTION_TIMEOUT_SECONDS" envDefault:"30"`
	ParserTimeoutSeconds        int      `env:"PARSER_TIMEOUT_SECONDS" envDefault:"15"`
	FlightTimeoutSeconds        int      `env:"FLIGHT_TIMEOUT_SECONDS" envDefault:"120"`
	MinAudioBytes               int      `env:"MIN_AUDIO_BYTES" envDefault:"1000"`
	MaxUploadBytes              int64    `env:"MAX_UPLOAD_BYTES" envDefault:"26214400"`

	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"voiceorder.db"`

	CacheMaxEntries      int     `env:"CACHE_MAX_ENTRIES" envDefault:"1000"`
	CacheMinConfidence   float64 `env:"CACHE_MIN_CONFIDENCE" envDefault:"0.7"`
	CacheWriteQueue      int     `env:"CACHE_WRITE_QUEUE" envDefault:"256"`
	SimilarScanLimit     int     `env:"SIMILAR_SCAN_LIMIT" envDefault:"50"`
	SimilarMaxConcurrent int64   `env:"SIMILAR_MAX_CONCURRENT" envDefault:"4"`

	UsageBatchSize            int `env:"USAGE_BATCH_SIZE" envDefault:"10"`
	UsageFlushIntervalSeconds int `env:"USAGE_FLUSH_INTERVAL_SECONDS" envDefault:"5"`
	UsageMaxFlushRetries      int `env:"USAGE_MAX_FLUSH_RETRIES" envDefault:"3"`

	DailyBudgetUSD    string `env:"DAILY_BUDGET_USD" envDefault:"6.00"`
	PricingFile       string `env:"PRICING_FILE"`
	PricePerMinuteUSD string `env:"PRICE_PER_MINUTE_USD" envDefault:"0.006"`

	MaxRetries       int `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelayMS int `env:"RETRY_BASE_DELAY_MS" envDefault:"1000"`

	OptimizeMaxBytes           int `env:"OPTIMIZE_MAX_BYTES" envDefault:"1048576"`
	OptimizeMaxDurationSeconds int `env:"OPTIMIZE_MAX_DURATION_SECONDS" envDefault:"120"`
	OptimizeSampleRate         int `env:"OPTIMIZE_SAMPLE_RATE" envDefault:"16000"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	dailyBudget, err := decimal.NewFromString(strings.TrimSpace(raw.DailyBudgetUSD))
	if err != nil {
		return Config{}, fmt.Errorf("DAILY_BUDGET_USD: %w", err)
	}
	perMinute, err := decimal.NewFromString(strings.TrimSpace(raw.PricePerMinuteUSD))
	if err != nil {
		return Config{}, fmt.Errorf("PRICE_PER_MINUTE_USD: %w", err)
	}

	upstream := strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/")
	parserBase := strings.TrimRight(strings.TrimSpace(raw.ParserBaseURL), "/")
	if parserBase == "" {
		parserBase = upstream
	}

	cfg := Config{
		ListenAddr:           strings.TrimSpace(raw.ListenAddr),
		LogLevel:             strings.ToLower(strings.TrimSpace(raw.LogLevel)),
		UpstreamBaseURL:      upstream,
		UpstreamAPIKey:       strings.TrimSpace(raw.UpstreamAPIKey),
		TranscriptionModel:   strings.TrimSpace(raw.TranscriptionModel),
		ParserModel:          strings.TrimSpace(raw.ParserModel),
		ParserBaseURL:        parserBase,
		MenuTerms:            trimAll(raw.MenuTerms),
		RequestTimeout:       time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		TranscriptionTimeout: time.Duration(raw.TranscriptionTimeoutSeconds) * time.Second,
		ParserTimeout:        time.Duration(raw.ParserTimeoutSeconds) * time.Second,
		FlightTimeout:        time.Duration(raw.FlightTimeoutSeconds) * time.Second,
		MinAudioBytes:        raw.MinAudioBytes,
		MaxUploadBytes:       raw.MaxUploadBytes,

		DatabaseDriver: strings.ToLower(strings.TrimSpace(raw.DatabaseDriver)),
		DatabaseURL:    strings.TrimSpace(raw.DatabaseURL),

		CacheMaxEntries:      raw.CacheMaxEntries,
		CacheMinConfidence:   raw.CacheMinConfidence,
		CacheWriteQueue:      raw.CacheWriteQueue,
		SimilarScanLimit:     raw.SimilarScanLimit,
		SimilarMaxConcurrent: raw.SimilarMaxConcurrent,

		UsageBatchSize:       raw.UsageBatchSize,
		UsageFlushInterval:   time.Duration(raw.UsageFlushIntervalSeconds) * time.Second,
		UsageMaxFlushRetries: raw.UsageMaxFlushRetries,

		DailyBudgetUSD:    dailyBudget,
		PricingFile:       strings.TrimSpace(raw.PricingFile),
		PricePerMinuteUSD: perMinute,

		MaxRetries:     raw.MaxRetries,
		RetryBaseDelay: time.Duration(raw.RetryBaseDelayMS) * time.Millisecond,

		OptimizeMaxBytes:    raw.OptimizeMaxBytes,
		OptimizeMaxDuration: time.Duration(raw.OptimizeMaxDurationSeconds) * time.Second,
		OptimizeSampleRate:  raw.OptimizeSampleRate,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.TranscriptionModel == "" {
		return errors.New("TRANSCRIPTION_MODEL must not be empty")
	}
	if c.ParserModel == "" {
		return errors.New("PARSER_MODEL must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.TranscriptionTimeout <= 0 {
		return errors.New("TRANSCRIPTION_TIMEOUT_SECONDS must be > 0")
	}
	if c.ParserTimeout <= 0 {
		return errors.New("PARSER_TIMEOUT_SECONDS must be > 0")
	}
	if c.FlightTimeout <= 0 {
		return errors.New("FLIGHT_TIMEOUT_SECONDS must be > 0")
	}
	if c.MinAudioBytes < 0 {
		return errors.New("MIN_AUDIO_BYTES must be >= 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if int64(c.MinAudioBytes) >= c.MaxUploadBytes {
		return errors.New("MIN_AUDIO_BYTES must be below MAX_UPLOAD_BYTES")
	}
	switch c.DatabaseDriver {
	case "sqlite", "pgx", "postgres":
	default:
		return fmt.Errorf("DATABASE_DRIVER %q is not supported", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL must not be empty")
	}
	if c.CacheMaxEntries <= 0 {
		return errors.New("CACHE_MAX_ENTRIES must be > 0")
	}
	if c.CacheMinConfidence < MinCacheConfidence || c.CacheMinConfidence > 1 {
		return fmt.Errorf("CACHE_MIN_CONFIDENCE must be between %.1f and 1", MinCacheConfidence)
	}
	if c.CacheWriteQueue <= 0 {
		return errors.New("CACHE_WRITE_QUEUE must be > 0")
	}
	if c.SimilarScanLimit < 0 {
		return errors.New("SIMILAR_SCAN_LIMIT must be >= 0")
	}
	if c.SimilarMaxConcurrent <= 0 {
		return errors.New("SIMILAR_MAX_CONCURRENT must be > 0")
	}
	if c.UsageBatchSize <= 0 {
		return errors.New("USAGE_BATCH_SIZE must be > 0")
	}
	if c.UsageFlushInterval <= 0 {
		return errors.New("USAGE_FLUSH_INTERVAL_SECONDS must be > 0")
	}
	if c.UsageMaxFlushRetries < 0 {
		return errors.New("USAGE_MAX_FLUSH_RETRIES must be >= 0")
	}
	if c.DailyBudgetUSD.IsNegative() {
		return errors.New("DAILY_BUDGET_USD must be >= 0")
	}
	if !c.PricePerMinuteUSD.IsPositive() {
		return errors.New("PRICE_PER_MINUTE_USD must be > 0")
	}
	if c.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must be >= 0")
	}
	if c.RetryBaseDelay <= 0 {
		return errors.New("RETRY_BASE_DELAY_MS must be > 0")
	}
	if c.OptimizeMaxBytes <= 0 {
		return errors.New("OPTIMIZE_MAX_BYTES must be > 0")
	}
	if c.OptimizeMaxDuration <= 0 {
		return errors.New("OPTIMIZE_MAX_DURATION_SECONDS must be > 0")
	}
	if c.OptimizeSampleRate < 8000 {
		return errors.New("OPTIMIZE_SAMPLE_RATE must be >= 8000")
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
