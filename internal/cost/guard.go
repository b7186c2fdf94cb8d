package cost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"voiceorder/internal/audio"
	"voiceorder/internal/usage"
)

// BudgetRetryAfter is the fixed back-off returned with a budget denial.
const BudgetRetryAfter = 24 * time.Hour

type WindowReader interface {
	Window(ctx context.Context, userID string, w usage.Window) (decimal.Decimal, error)
}

type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Spent      decimal.Decimal
	Estimate   decimal.Decimal
	Cap        decimal.Decimal
}

type BudgetStatus struct {
	UserID    string
	Day       decimal.Decimal
	Week      decimal.Decimal
	DailyCap  decimal.Decimal
	Remaining decimal.Decimal
	Enforced  bool
}

type Guard struct {
	pricing  Pricing
	dailyCap decimal.Decimal
	usage    WindowReader
	logger   *slog.Logger
}

// NewGuard builds a budget guard. A zero dailyCap disables enforcement.
func NewGuard(pricing Pricing, dailyCap decimal.Decimal, window WindowReader, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if pricing.DefaultPerMinute.IsZero() {
		pricing = NewPricing(DefaultPerMinute)
	}
	return &Guard{
		pricing:  pricing,
		dailyCap: dailyCap,
		usage:    window,
		logger:   logger.With("component", "cost.Guard"),
	}
}

// EstimateCost prices a blob from its estimated duration.
func (g *Guard) EstimateCost(blob []byte, model string) decimal.Decimal {
	return g.CostForDuration(audio.EstimateDuration(blob), model)
}

func (g *Guard) CostForDuration(d time.Duration, model string) decimal.Decimal {
	if d <= 0 {
		return decimal.Zero
	}
	minutes := decimal.NewFromFloat(d.Seconds()).Div(decimal.NewFromInt(60))
	return minutes.Mul(g.pricing.Rate(model)).Round(6)
}

// CheckBudget denies when the user's trailing day total plus estimate
// exceeds the daily cap. A failed window read allows the request.
func (g *Guard) CheckBudget(ctx context.Context, userID string, estimate decimal.Decimal) Decision {
	d := Decision{Allowed: true, Estimate: estimate, Cap: g.dailyCap}
	if !g.enforced() {
		return d
	}

	spent, err := g.usage.Window(ctx, userID, usage.WindowDay)
	if err != nil {
		g.logger.Warn("budget window read failed, allowing request", "user_id", userID, "error", err)
		return d
	}
	d.Spent = spent

	if spent.Add(estimate).GreaterThan(g.dailyCap) {
		d.Allowed = false
		d.RetryAfter = BudgetRetryAfter
		d.Reason = fmt.Sprintf("daily budget of $%s exceeded: spent $%s, request estimated at $%s",
			g.dailyCap.StringFixed(2), spent.StringFixed(4), estimate.StringFixed(4))
	}
	return d
}

func (g *Guard) Budget(ctx context.Context, userID string) (BudgetStatus, error) {
	if g.usage == nil {
		return BudgetStatus{UserID: userID, DailyCap: g.dailyCap}, nil
	}
	day, err := g.usage.Window(ctx, userID, usage.WindowDay)
	if err != nil {
		return BudgetStatus{}, err
	}
	week, err := g.usage.Window(ctx, userID, usage.WindowWeek)
	if err != nil {
		return BudgetStatus{}, err
	}
	status := BudgetStatus{
		UserID:   userID,
		Day:      day,
		Week:     week,
		DailyCap: g.dailyCap,
		Enforced: g.enforced(),
	}
	if status.Enforced {
		status.Remaining = decimal.Max(decimal.Zero, g.dailyCap.Sub(day))
	}
	return status, nil
}

func (g *Guard) enforced() bool {
	return g.usage != nil && g.dailyCap.IsPositive()
}
