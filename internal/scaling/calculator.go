package scaling

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// Params tunes the calculator.
type Params struct {
	TakeProfitFraction decimal.Decimal
	TrailingStopOffset decimal.Decimal
	MaintenanceMargin  decimal.Decimal
	MaxStages          int
}

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		TakeProfitFraction: decimal.RequireFromString("0.5"),
		TrailingStopOffset: decimal.RequireFromString("0.02"),
		MaintenanceMargin:  decimal.RequireFromString("0.005"),
		MaxStages:          4,
	}
}

// Snapshot is the evaluation of one position at one price.
type Snapshot struct {
	Metrics
	Price            decimal.Decimal
	WeightedEntry    decimal.Decimal
	Quantity         decimal.Decimal
	CurrentValue     decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	MarginValue      decimal.Decimal
	MarginLoss       float64
	BankrollExposure float64
	WinRate          float64
}

// ProfitTrigger is returned by CheckProfitTakingTriggers.
type ProfitTrigger struct {
	Triggered    bool
	TakeFraction decimal.Decimal
	TakeAmount   decimal.Decimal
	TrailingStop decimal.Decimal
	Snapshot     Snapshot
}

// Calculator evaluates positions. It is stateless and safe for concurrent use.
type Calculator struct {
	params Params
}

// NewCalculator creates a Calculator.
func NewCalculator(params Params) *Calculator {
	return &Calculator{params: params}
}

// Params returns the calculator's configuration.
func (c *Calculator) Params() Params {
	return c.params
}

// Evaluate computes metrics, weighted entry and margin P&L for pos at price.
func (c *Calculator) Evaluate(pos domain.Position, price, bankroll decimal.Decimal) (Snapshot, error) {
	if !price.IsPositive() {
		return Snapshot{}, &domain.ValidationError{Field: "price", Reason: "price must be positive"}
	}
	m, err := ComputeMetrics(pos.Stages)
	if err != nil {
		return Snapshot{}, err
	}

	held := pos.HeldFraction()
	sign := pos.Direction.Sign()

	qty := decimal.Zero
	pnl := decimal.Zero
	for _, s := range pos.Stages {
		q := s.Quantity()
		qty = qty.Add(q)
		pnl = pnl.Add(q.Mul(price.Sub(s.EntryPrice)).Mul(sign))
	}
	qty = qty.Mul(held)
	pnl = pnl.Mul(held)

	snap := Snapshot{
		Metrics:       m,
		Price:         price,
		WeightedEntry: WeightedEntry(pos.Stages),
		Quantity:      qty,
		CurrentValue:  qty.Mul(price),
		UnrealizedPnL: pnl,
		MarginValue:   m.TotalInvested.Add(pnl),
		WinRate:       WinRate(pos.Stages),
	}
	if pnl.IsNegative() {
		snap.MarginLoss = pnl.Neg().Div(m.TotalInvested).InexactFloat64()
	}
	if bankroll.IsPositive() {
		snap.BankrollExposure = m.TotalPositionValue.Mul(held).Div(bankroll).InexactFloat64()
	}
	return snap, nil
}

// CheckProfitTakingTriggers reports whether margin value has reached the
// cumulative first take-profit trigger. The comparison is inclusive.
func (c *Calculator) CheckProfitTakingTriggers(pos domain.Position, price, bankroll decimal.Decimal) (ProfitTrigger, error) {
	snap, err := c.Evaluate(pos, price, bankroll)
	if err != nil {
		return ProfitTrigger{}, err
	}
	out := ProfitTrigger{Snapshot: snap}
	if snap.MarginValue.LessThan(snap.FirstTakeProfitTrigger) {
		return out, nil
	}
	out.Triggered = true
	out.TakeFraction = c.params.TakeProfitFraction
	out.TakeAmount = snap.CurrentValue.Mul(c.params.TakeProfitFraction)
	out.TrailingStop = c.TrailingStopPrice(pos.Direction, price)
	return out, nil
}

// TrailingStopPrice anchors a stop offset away from price against the
// position's direction.
func (c *Calculator) TrailingStopPrice(dir domain.Direction, price decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if dir == domain.DirectionShort {
		return price.Mul(one.Add(c.params.TrailingStopOffset))
	}
	return price.Mul(one.Sub(c.params.TrailingStopOffset))
}

// TrailingStopHit reports whether price has retraced to or through stop.
func TrailingStopHit(dir domain.Direction, price, stop decimal.Decimal) bool {
	if dir == domain.DirectionShort {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}

// RaiseTrailingStop returns the tighter of the armed stop and a stop anchored
// at the current price. Stops only move in the position's favour.
func (c *Calculator) RaiseTrailingStop(dir domain.Direction, armed, price decimal.Decimal) decimal.Decimal {
	candidate := c.TrailingStopPrice(dir, price)
	if dir == domain.DirectionShort {
		return decimal.Min(armed, candidate)
	}
	return decimal.Max(armed, candidate)
}

// TakeProfitPrice solves for the price at which margin value equals the first
// take-profit trigger.
func (c *Calculator) TakeProfitPrice(pos domain.Position) (decimal.Decimal, error) {
	m, err := ComputeMetrics(pos.Stages)
	if err != nil {
		return decimal.Zero, err
	}
	held := pos.HeldFraction()
	if held.IsZero() {
		return decimal.Zero, nil
	}
	qty := decimal.Zero
	cost := decimal.Zero
	for _, s := range pos.Stages {
		q := s.Quantity()
		qty = qty.Add(q)
		cost = cost.Add(q.Mul(s.EntryPrice))
	}
	// sign*held*(qty*p - cost) = threshold
	target := m.ProfitThreshold.Div(held.Mul(pos.Direction.Sign()))
	return target.Add(cost).Div(qty), nil
}

// NextStage proposes the following scale-in: investment doubled, leverage
// halved (floored, minimum 1). ok is false once MaxStages is reached.
func (c *Calculator) NextStage(stages []domain.Stage, price decimal.Decimal, confidence float64, now time.Time) (stage domain.Stage, ok bool, err error) {
	if err := ValidateStages(stages); err != nil {
		return domain.Stage{}, false, err
	}
	if !price.IsPositive() {
		return domain.Stage{}, false, &domain.ValidationError{Field: "price", Reason: "price must be positive"}
	}
	if c.params.MaxStages > 0 && len(stages) >= c.params.MaxStages {
		return domain.Stage{}, false, nil
	}
	last := stages[len(stages)-1]
	return domain.Stage{
		Number:     last.Number + 1,
		Investment: last.Investment.Mul(decimal.NewFromInt(2)),
		Leverage:   max(1, last.Leverage/2),
		EntryPrice: price,
		Confidence: confidence,
		CreatedAt:  now,
	}, true, nil
}
