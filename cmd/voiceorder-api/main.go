package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goopenai "github.com/sashabaranov/go-openai"

	"voiceorder/internal/audio"
	"voiceorder/internal/batch"
	"voiceorder/internal/cache"
	"voiceorder/internal/config"
	"voiceorder/internal/cost"
	"voiceorder/internal/httpapi"
	"voiceorder/internal/observability"
	"voiceorder/internal/orderparse"
	"voiceorder/internal/pipeline"
	"voiceorder/internal/store"
	"voiceorder/internal/transcription"
	"voiceorder/internal/upstream/openai"
	"voiceorder/internal/usage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancelOpen := context.WithTimeout(ctx, 15*time.Second)
	db, err := store.Open(openCtx, cfg.DatabaseDriver, cfg.DatabaseURL, logger)
	cancelOpen()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("store close failed", "error", err)
		}
	}()

	transcriptCache, err := cache.New(cache.Config{
		MaxEntries:         cfg.CacheMaxEntries,
		MinConfidence:      cfg.CacheMinConfidence,
		WriteQueue:         cfg.CacheWriteQueue,
		SimilarScan:        cfg.SimilarScanLimit,
		SimilarConcurrency: cfg.SimilarMaxConcurrent,
	}, db, logger, cache.WithObserver(metrics))
	if err != nil {
		return fmt.Errorf("build cache: %w", err)
	}

	tracker := usage.NewTracker(db, batch.Config{
		Name:          "usage",
		Size:          cfg.UsageBatchSize,
		FlushInterval: cfg.UsageFlushInterval,
		MaxRetries:    cfg.UsageMaxFlushRetries,
	}, logger, metrics)
	tracker.Start(context.WithoutCancel(ctx))

	pricing, err := cost.LoadPricing(cfg.PricingFile, cfg.PricePerMinuteUSD)
	if err != nil {
		return err
	}
	guard := cost.NewGuard(pricing, cfg.DailyBudgetUSD, tracker, logger)

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	upstreamHTTPClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: transport}
	upstreamClient := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, upstreamHTTPClient, openai.WithObserver(metrics.ObserveUpstream))
	transcriber := transcription.New(upstreamClient, cfg.TranscriptionModel, cfg.TranscriptionTimeout)

	var primary orderparse.Primary
	if cfg.UpstreamAPIKey != "" {
		chatCfg := goopenai.DefaultConfig(cfg.UpstreamAPIKey)
		chatCfg.BaseURL = cfg.ParserBaseURL
		chatCfg.HTTPClient = upstreamHTTPClient
		primary = orderparse.NewLLMParser(goopenai.NewClientWithConfig(chatCfg), cfg.ParserModel, cfg.ParserTimeout, strings.Join(cfg.MenuTerms, ","))
	} else {
		logger.Warn("no server API key, order items come from the fallback splitter only")
	}

	optimizer := audio.NewOptimizer(audio.Config{
		CompressAboveBytes: cfg.OptimizeMaxBytes,
		MaxDuration:        cfg.OptimizeMaxDuration,
		TargetSampleRate:   cfg.OptimizeSampleRate,
	}, logger)

	svc := pipeline.New(pipeline.Config{
		DefaultModel:   cfg.TranscriptionModel,
		MinAudioBytes:  cfg.MinAudioBytes,
		MaxAudioBytes:  int(cfg.MaxUploadBytes),
		RetryBaseDelay: cfg.RetryBaseDelay,
		FlightTimeout:  cfg.FlightTimeout,
	}, pipeline.Dependencies{
		Transcriber: transcriber,
		Parser:      orderparse.New(primary, logger),
		Budget:      guard,
		Optimizer:   optimizer,
		Cache:       transcriptCache,
		Usage:       tracker,
		Observer:    metrics,
	}, logger)

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Pipeline:       svc,
		Budget:         guard,
		Usage:          tracker,
		Upstream:       upstreamClient,
		Store:          db,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.RequestTimeout + 10*time.Second,
		WriteTimeout:      cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "database_driver", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := transcriptCache.Close(shutdownCtx); err != nil {
		logger.Error("cache drain failed", "error", err)
	}
	if err := tracker.Close(shutdownCtx); err != nil {
		logger.Error("usage flush failed", "error", err)
	}
	logger.Info("server stopped")
	return serveErr
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
