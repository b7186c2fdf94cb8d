package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"voiceorder/internal/apperr"
	"voiceorder/internal/config"
	"voiceorder/internal/cost"
	"voiceorder/internal/model"
	"voiceorder/internal/pipeline"
	"voiceorder/internal/upstream/openai"
	"voiceorder/internal/usage"
)

type VoiceOrderProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type BudgetReader interface {
	Budget(ctx context.Context, userID string) (cost.BudgetStatus, error)
}

type UsageReader interface {
	Stats(ctx context.Context, filter usage.Filter) (usage.Stats, error)
}

type UpstreamChecker interface {
	CheckModels(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type MetricsObserver interface {
	ObserveHTTP(route, method string, status int, duration time.Duration)
}

type Dependencies struct {
	Pipeline       VoiceOrderProcessor
	Budget         BudgetReader
	Usage          UsageReader
	Upstream       UpstreamChecker
	Store          Pinger
	Metrics        MetricsObserver
	MetricsHandler http.Handler
}

type server struct {
	cfg          config.Config
	logger       *slog.Logger
	pipeline     VoiceOrderProcessor
	budget       BudgetReader
	usage        UsageReader
	upstream     UpstreamChecker
	store        Pinger
	metrics      MetricsObserver
	metricsRoute http.Handler
	now          func() time.Time
}

type ctxKey string

const (
	requestIDHeader  = "X-Request-Id"
	userIDHeader     = "X-User-Id"
	requestIDContext = ctxKey("request_id")
	serviceName      = "voiceorder"
	// multipartSlack leaves room for form fields next to a maximum size file.
	multipartSlack = 64 << 10
)

func NewServer(cfg config.Config, logger *slog.Logger, deps Dependencies) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pipeline == nil || deps.Budget == nil || deps.Usage == nil || deps.Upstream == nil {
		panic("httpapi: pipeline, budget, usage and upstream dependencies are required")
	}

	s := &server{
		cfg:          cfg,
		logger:       logger,
		pipeline:     deps.Pipeline,
		budget:       deps.Budget,
		usage:        deps.Usage,
		upstream:     deps.Upstream,
		store:        deps.Store,
		metrics:      deps.Metrics,
		metricsRoute: deps.MetricsHandler,
		now:          time.Now,
	}

	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, model.APIError{Code: "not_found", Message: "route not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusMethodNotAllowed, model.APIError{Code: "method_not_allowed", Message: "method not allowed"})
	})

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.metricsRoute != nil {
		r.Handle("/metrics", s.metricsRoute)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/voice-orders", s.handleVoiceOrder)
		r.Get("/users/{userID}/budget", s.handleBudget)
		r.Get("/usage/stats", s.handleUsageStats)
		r.Get("/usage/recommendations", s.handleRecommendations)
	})

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.HealthResponse{OK: true})
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			s.writeError(w, r, http.StatusServiceUnavailable, model.APIError{Code: "not_ready", Message: "store check failed", Details: detailsForError(err)})
			return
		}
	}
	if s.cfg.UpstreamAPIKey == "" && openai.RequestAPIKeyFromContext(r.Context()) == "" {
		writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
		return
	}
	if err := s.upstream.CheckModels(ctx); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, model.APIError{Code: "not_ready", Message: "upstream check failed", Details: detailsForError(err)})
		return
	}
	writeJSON(w, http.StatusOK, model.ReadyResponse{OK: true, ServiceName: serviceName})
}

func (s *server) handleVoiceOrder(w http.ResponseWriter, r *http.Request) {
	file, header, form, err := s.readMultipartAudio(w, r)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}
	defer cleanupMultipartForm(form)
	defer func() { _ = file.Close() }()

	blob, err := io.ReadAll(file)
	if err != nil {
		s.handleMultipartReadError(w, r, err)
		return
	}

	userID := strings.TrimSpace(r.FormValue("user_id"))
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get(userIDHeader))
	}
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, model.APIError{Code: "invalid_request", Message: "user_id is required"})
		return
	}

	opts, err := parseOptions(r, s.defaultOptions())
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, model.APIError{Code: "invalid_request", Message: err.Error()})
		return
	}

	result, err := s.pipeline.Process(r.Context(), pipeline.Request{
		Audio:    blob,
		UserID:   userID,
		FileName: header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Options:  opts,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toVoiceOrderResponse(result))
}

func (s *server) handleBudget(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		s.writeError(w, r, http.StatusBadRequest, model.APIError{Code: "invalid_request", Message: "user id is required"})
		return
	}

	status, err := s.budget.Budget(r.Context(), userID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.BudgetResponse{
		UserID:    status.UserID,
		DaySpent:  status.Day.StringFixed(6),
		WeekSpent: status.Week.StringFixed(6),
		DailyCap:  status.DailyCap.StringFixed(2),
		Remaining: status.Remaining.StringFixed(6),
		Enforced:  status.Enforced,
	})
}

func (s *server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseFilter(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, model.APIError{Code: "invalid_request", Message: err.Error()})
		return
	}
	stats, err := s.usage.Stats(r.Context(), filter)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(filter, stats))
}

func (s *server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseFilter(r)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, model.APIError{Code: "invalid_request", Message: err.Error()})
		return
	}
	stats, err := s.usage.Stats(r.Context(), filter)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	recs := cost.Recommend(stats)
	out := model.RecommendationsResponse{
		Stats:           toStatsResponse(filter, stats),
		Recommendations: make([]model.Recommendation, 0, len(recs)),
	}
	for _, rec := range recs {
		out.Recommendations = append(out.Recommendations, model.Recommendation{
			Lever:            rec.Lever,
			Description:      rec.Description,
			EstimatedSavings: rec.EstimatedSavings.StringFixed(6),
			Priority:         rec.Priority,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// parseFilter reads user_id plus either window=day|week or since/until as
// RFC 3339 timestamps. The default is the last day.
func (s *server) parseFilter(r *http.Request) (usage.Filter, error) {
	q := r.URL.Query()
	now := s.now().UTC()
	filter := usage.Filter{UserID: strings.TrimSpace(q.Get("user_id")), Until: now}

	window, err := usage.ParseWindow(strings.TrimSpace(q.Get("window")))
	if err != nil {
		return usage.Filter{}, err
	}
	filter.Since = now.Add(-window.Duration())

	if v := strings.TrimSpace(q.Get("since")); v != "" {
		if filter.Since, err = time.Parse(time.RFC3339, v); err != nil {
			return usage.Filter{}, errors.New("since must be an RFC 3339 timestamp")
		}
	}
	if v := strings.TrimSpace(q.Get("until")); v != "" {
		if filter.Until, err = time.Parse(time.RFC3339, v); err != nil {
			return usage.Filter{}, errors.New("until must be an RFC 3339 timestamp")
		}
	}
	if !filter.Since.Before(filter.Until) {
		return usage.Filter{}, errors.New("since must be before until")
	}
	return filter, nil
}

// defaultOptions applies the configured retry budget to the pipeline defaults.
func (s *server) defaultOptions() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.MaxRetries = s.cfg.MaxRetries
	return opts
}

func parseOptions(r *http.Request, defaults pipeline.Options) (pipeline.Options, error) {
	opts := defaults
	var err error
	if opts.EnableOptimization, err = parseOptionalBool(r.FormValue("enable_optimization"), opts.EnableOptimization); err != nil {
		return opts, errors.New("enable_optimization must be a boolean")
	}
	if opts.EnableCaching, err = parseOptionalBool(r.FormValue("enable_caching"), opts.EnableCaching); err != nil {
		return opts, errors.New("enable_caching must be a boolean")
	}
	if opts.EnableFallback, err = parseOptionalBool(r.FormValue("enable_fallback"), opts.EnableFallback); err != nil {
		return opts, errors.New("enable_fallback must be a boolean")
	}
	if v := strings.TrimSpace(r.FormValue("max_retries")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 10 {
			return opts, errors.New("max_retries must be an integer between 0 and 10")
		}
		opts.MaxRetries = n
	}
	if v := strings.TrimSpace(r.FormValue("confidence_threshold")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(f) || f > 1 {
			return opts, errors.New("confidence_threshold must be a number no greater than 1")
		}
		opts.ConfidenceThreshold = f
	}
	opts.PreferredModel = strings.TrimSpace(r.FormValue("model"))
	return opts, nil
}

func (s *server) readMultipartAudio(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, *multipart.Form, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartSlack)
	if err := r.ParseMultipartForm(min(s.cfg.MaxUploadBytes, 8<<20)); err != nil {
		return nil, nil, nil, err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, r.MultipartForm, err
	}
	return file, header, r.MultipartForm, nil
}

func (s *server) handleMultipartReadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, r, http.StatusRequestEntityTooLarge, model.APIError{
			Code:    string(apperr.CodeAudioTooLarge),
			Message: fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxUploadBytes),
		})
		return
	}
	if errors.Is(err, http.ErrMissingFile) {
		s.writeError(w, r, http.StatusBadRequest, model.APIError{Code: "invalid_request", Message: "multipart field 'file' is required"})
		return
	}
	s.writeError(w, r, http.StatusBadRequest, model.APIError{Code: "invalid_request", Message: "invalid multipart form data"})
}

func statusForCode(code apperr.Code) int {
	switch code {
	case apperr.CodeAudioTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.CodeAudioTooShort:
		return http.StatusBadRequest
	case apperr.CodeInvalidFormat:
		return http.StatusUnsupportedMediaType
	case apperr.CodeRateLimited, apperr.CodeBudgetExceeded:
		return http.StatusTooManyRequests
	case apperr.CodeTimeout:
		return http.StatusGatewayTimeout
	case apperr.CodeTranscriptionFailed, apperr.CodeParsingFailed:
		return http.StatusBadGateway
	case apperr.CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	if appErr, ok := apperr.As(err); ok {
		status := statusForCode(appErr.Code)
		body := model.APIError{
			Code:       string(appErr.Code),
			Message:    appErr.Message,
			Retryable:  appErr.Retryable,
			RetryCount: appErr.RetryCount,
		}
		if appErr.RetryAfter > 0 {
			secs := int64(math.Ceil(appErr.RetryAfter.Seconds()))
			body.RetryAfter = secs
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
		if status >= http.StatusInternalServerError {
			body.Details = detailsForError(err)
		}
		s.writeError(w, r, status, body)
		return
	}

	status := http.StatusInternalServerError
	body := model.APIError{Code: "internal_error", Message: "request failed", Details: detailsForError(err)}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		body.Code, body.Message = "timeout", "request timed out"
	case errors.Is(err, context.Canceled):
		status = 499
		body.Code, body.Message = "canceled", "request canceled"
	}
	s.writeError(w, r, status, body)
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, status int, apiErr model.APIError) {
	if rid := requestIDFromContext(r.Context()); rid != "" {
		w.Header().Set(requestIDHeader, rid)
	}
	writeJSON(w, status, model.ErrorResponse{
		Error:     apiErr,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func (s *server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := context.WithValue(r.Context(), requestIDContext, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		duration := time.Since(started)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, status, duration)
		}

		s.logger.Info("http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", duration.Milliseconds(),
		)
	})
}

func (s *server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", "request_id", requestIDFromContext(r.Context()), "panic", rec)
				s.writeError(w, r, http.StatusInternalServerError, model.APIError{Code: "internal_error", Message: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authMiddleware forwards a caller's bearer token to the speech provider.
// Without a server key, non-public routes require one.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, hasHeader, ok := extractBearerToken(r.Header.Get("Authorization"))
		if hasHeader && !ok {
			s.writeError(w, r, http.StatusUnauthorized, model.APIError{Code: "unauthorized", Message: "Authorization must be Bearer <provider_api_key>"})
			return
		}
		if !isPublicPath(r.URL.Path) && token == "" && s.cfg.UpstreamAPIKey == "" {
			s.writeError(w, r, http.StatusUnauthorized, model.APIError{Code: "unauthorized", Message: "missing provider bearer token"})
			return
		}
		if token != "" {
			r = r.WithContext(openai.WithRequestAPIKey(r.Context(), token))
		}
		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return true
	default:
		return false
	}
}

func toVoiceOrderResponse(res pipeline.Result) model.VoiceOrderResponse {
	md := res.Metadata
	states := make([]string, 0, len(md.States))
	for _, st := range md.States {
		states = append(states, string(st))
	}
	applied := md.OptimizationsApplied
	if applied == nil {
		applied = []string{}
	}
	items := res.Items
	if items == nil {
		items = []string{}
	}
	return model.VoiceOrderResponse{
		Transcript: res.Transcript,
		Items:      items,
		Metadata: model.VoiceOrderMetadata{
			Cached:               md.Cached,
			CacheTier:            string(md.CacheTier),
			Deduplicated:         md.Deduplicated,
			Optimized:            md.Optimized,
			OptimizationsApplied: applied,
			Cost:                 md.Cost.StringFixed(6),
			EstimatedCost:        md.EstimatedCost.StringFixed(6),
			LatencyMS:            md.Latency.Milliseconds(),
			RetryCount:           md.RetryCount,
			Confidence:           md.Confidence,
			ParseFallback:        md.ParseFallback,
			AudioHash:            md.AudioHash,
			Model:                md.Model,
			OriginalSize:         md.OriginalSize,
			SentSize:             md.SentSize,
			States:               states,
		},
	}
}

func toStatsResponse(filter usage.Filter, stats usage.Stats) model.UsageStatsResponse {
	return model.UsageStatsResponse{
		UserID:              filter.UserID,
		Since:               filter.Since.Format(time.RFC3339),
		Until:               filter.Until.Format(time.RFC3339),
		Requests:            stats.Requests,
		CacheHits:           stats.CacheHits,
		CacheHitRate:        stats.CacheHitRate(),
		Optimized:           stats.Optimized,
		OptimizedRate:       stats.OptimizedRate(),
		Errors:              stats.Errors,
		ErrorRate:           stats.ErrorRate(),
		TotalCost:           stats.TotalCost.StringFixed(6),
		AvgLatencyMS:        stats.AvgLatencyMS,
		AvgCompressionRatio: stats.AvgCompressionRatio,
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func parseOptionalBool(value string, fallback bool) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	return strconv.ParseBool(value)
}

func cleanupMultipartForm(form *multipart.Form) {
	if form != nil {
		_ = form.RemoveAll()
	}
}

func requestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContext).(string)
	return value
}

func extractBearerToken(header string) (token string, hasHeader bool, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false, true
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", true, false
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", true, false
	}
	return token, true, true
}

func detailsForError(err error) map[string]any {
	if err == nil {
		return nil
	}
	details := map[string]any{"error": err.Error()}
	var upstreamErr *openai.Error
	if errors.As(err, &upstreamErr) {
		details["upstream_status"] = upstreamErr.StatusCode
		if upstreamErr.Body != "" {
			details["upstream_body"] = upstreamErr.Body
		}
	}
	return details
}
