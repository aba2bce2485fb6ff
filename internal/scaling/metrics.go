// Package scaling holds the pure position math: cumulative profit thresholds,
// weighted entry, margin P&L, next-stage sizing and liquidation estimates.
// Nothing here performs I/O.
package scaling

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// ProfitThresholdRatio is the share of total invested capital that must be
// earned before the first take-profit fires.
var ProfitThresholdRatio = decimal.RequireFromString("0.75")

// Metrics are derived from every stage of a position.
type Metrics struct {
	TotalInvested          decimal.Decimal
	TotalPositionValue     decimal.Decimal
	ProfitThreshold        decimal.Decimal
	FirstTakeProfitTrigger decimal.Decimal
}

// ComputeMetrics sums across all stages. The threshold is always taken on the
// cumulative investment, never on the first stage alone.
func ComputeMetrics(stages []domain.Stage) (Metrics, error) {
	if err := ValidateStages(stages); err != nil {
		return Metrics{}, err
	}

	invested := decimal.Zero
	value := decimal.Zero
	for _, s := range stages {
		invested = invested.Add(s.Investment)
		value = value.Add(s.Notional())
	}
	threshold := invested.Mul(ProfitThresholdRatio)

	return Metrics{
		TotalInvested:          invested,
		TotalPositionValue:     value,
		ProfitThreshold:        threshold,
		FirstTakeProfitTrigger: invested.Add(threshold),
	}, nil
}

// ValidateStages checks that stages are non-empty, numbered 1..N without gaps
// and carry positive amounts.
func ValidateStages(stages []domain.Stage) error {
	if len(stages) == 0 {
		return &domain.ValidationError{Field: "stages", Reason: "empty stage list"}
	}
	for i, s := range stages {
		if s.Number != i+1 {
			return &domain.ValidationError{
				Field:  "stages",
				Reason: fmt.Sprintf("stage %d has number %d, want %d", i, s.Number, i+1),
			}
		}
		if !s.Investment.IsPositive() {
			return &domain.ValidationError{Field: "investment", Reason: fmt.Sprintf("stage %d investment must be positive", s.Number)}
		}
		if s.Leverage < 1 {
			return &domain.ValidationError{Field: "leverage", Reason: fmt.Sprintf("stage %d leverage must be >= 1", s.Number)}
		}
		if !s.EntryPrice.IsPositive() {
			return &domain.ValidationError{Field: "entry_price", Reason: fmt.Sprintf("stage %d entry price must be positive", s.Number)}
		}
	}
	return nil
}

// WeightedEntry is the average entry weighted by investment x leverage.
func WeightedEntry(stages []domain.Stage) decimal.Decimal {
	num := decimal.Zero
	den := decimal.Zero
	for _, s := range stages {
		w := s.Notional()
		num = num.Add(w.Mul(s.EntryPrice))
		den = den.Add(w)
	}
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}

// WinRate is the investment-weighted mean of stage entry confidence.
func WinRate(stages []domain.Stage) float64 {
	num := decimal.Zero
	den := decimal.Zero
	for _, s := range stages {
		num = num.Add(s.Investment.Mul(decimal.NewFromFloat(s.Confidence)))
		den = den.Add(s.Investment)
	}
	if den.IsZero() {
		return 0
	}
	return num.Div(den).InexactFloat64()
}
