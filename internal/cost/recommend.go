package cost

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"voiceorder/internal/usage"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"

	minSampleRequests  = 10
	targetCacheHitRate = 0.30
	targetOptimized    = 0.50
	optimizationGain   = 0.25
	slowLatencyMS      = 5000
	highErrorRate      = 0.10
)

type Recommendation struct {
	Lever            string
	Description      string
	EstimatedSavings decimal.Decimal
	Priority         string
}

// Recommend derives cost levers from aggregated usage. It is read-only.
func Recommend(stats usage.Stats) []Recommendation {
	if stats.Requests < minSampleRequests {
		return nil
	}

	var recs []Recommendation
	paid := stats.Requests - stats.CacheHits
	avgPaid := decimal.Zero
	if paid > 0 {
		avgPaid = stats.TotalCost.Div(decimal.NewFromInt(paid))
	}

	if hit := stats.CacheHitRate(); hit < targetCacheHitRate {
		extraHits := decimal.NewFromFloat((targetCacheHitRate - hit) * float64(stats.Requests))
		recs = append(recs, Recommendation{
			Lever:            "raise_cache_capacity",
			Description:      fmt.Sprintf("Cache hit rate is %.0f%%. Raise CACHE_MAX_ENTRIES or retention so repeat orders are served from cache.", hit*100),
			EstimatedSavings: avgPaid.Mul(extraHits).Round(4),
			Priority:         PriorityHigh,
		})
	}

	if opt := stats.OptimizedRate(); opt < targetOptimized {
		recs = append(recs, Recommendation{
			Lever:            "enable_optimization",
			Description:      fmt.Sprintf("Only %.0f%% of uploads were optimized. Enable optimization or lower OPTIMIZE_MAX_BYTES.", opt*100),
			EstimatedSavings: stats.TotalCost.Mul(decimal.NewFromFloat(optimizationGain * (1 - opt))).Round(4),
			Priority:         PriorityMedium,
		})
	}

	if stats.ErrorRate() > highErrorRate {
		recs = append(recs, Recommendation{
			Lever:            "reduce_failed_requests",
			Description:      fmt.Sprintf("%.0f%% of requests failed. Check client audio formats and provider rate limits.", stats.ErrorRate()*100),
			EstimatedSavings: decimal.Zero,
			Priority:         PriorityHigh,
		})
	}

	if stats.AvgLatencyMS > slowLatencyMS {
		recs = append(recs, Recommendation{
			Lever:            "trim_long_audio",
			Description:      fmt.Sprintf("Average latency is %.1fs. Lower OPTIMIZE_MAX_DURATION_SECONDS to send shorter clips.", stats.AvgLatencyMS/1000),
			EstimatedSavings: decimal.Zero,
			Priority:         PriorityLow,
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].EstimatedSavings.GreaterThan(recs[j].EstimatedSavings)
	})
	return recs
}
