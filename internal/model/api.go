package model

type APIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	RetryAfter int64          `json:"retry_after_seconds,omitempty"`
	RetryCount int            `json:"retry_count,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error     APIError `json:"error"`
	RequestID string   `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

type ReadyResponse struct {
	OK          bool   `json:"ok"`
	ServiceName string `json:"service_name,omitempty"`
}

// VoiceOrderMetadata mirrors pipeline.Metadata. Costs are decimal strings.
type VoiceOrderMetadata struct {
	Cached               bool     `json:"cached"`
	CacheTier            string   `json:"cache_tier,omitempty"`
	Deduplicated         bool     `json:"deduplicated"`
	Optimized            bool     `json:"optimized"`
	OptimizationsApplied []string `json:"optimizations_applied"`
	Cost                 string   `json:"cost"`
	EstimatedCost        string   `json:"estimated_cost"`
	LatencyMS            int64    `json:"latency_ms"`
	RetryCount           int      `json:"retry_count"`
	Confidence           float64  `json:"confidence"`
	ParseFallback        bool     `json:"parse_fallback"`
	AudioHash            string   `json:"audio_hash"`
	Model                string   `json:"model,omitempty"`
	OriginalSize         int      `json:"original_size"`
	SentSize             int      `json:"sent_size,omitempty"`
	States               []string `json:"states,omitempty"`
}

type VoiceOrderResponse struct {
	Transcript string             `json:"transcript"`
	Items      []string           `json:"items"`
	Metadata   VoiceOrderMetadata `json:"metadata"`
}

type BudgetResponse struct {
	UserID    string `json:"user_id"`
	DaySpent  string `json:"day_spent"`
	WeekSpent string `json:"week_spent"`
	DailyCap  string `json:"daily_cap"`
	Remaining string `json:"remaining"`
	Enforced  bool   `json:"enforced"`
}

type UsageStatsResponse struct {
	UserID              string  `json:"user_id,omitempty"`
	Since               string  `json:"since"`
	Until               string  `json:"until"`
	Requests            int64   `json:"requests"`
	CacheHits           int64   `json:"cache_hits"`
	CacheHitRate        float64 `json:"cache_hit_rate"`
	Optimized           int64   `json:"optimized"`
	OptimizedRate       float64 `json:"optimized_rate"`
	Errors              int64   `json:"errors"`
	ErrorRate           float64 `json:"error_rate"`
	TotalCost           string  `json:"total_cost"`
	AvgLatencyMS        float64 `json:"avg_latency_ms"`
	AvgCompressionRatio float64 `json:"avg_compression_ratio"`
}

type Recommendation struct {
	Lever            string `json:"lever"`
	Description      string `json:"description"`
	EstimatedSavings string `json:"estimated_savings"`
	Priority         string `json:"priority"`
}

type RecommendationsResponse struct {
	Stats           UsageStatsResponse `json:"stats"`
	Recommendations []Recommendation   `json:"recommendations"`
}
