package service

import (
	"context"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/metrics"
)

// ValidatorConfig holds the pre-trade risk limits and fill simulation bounds.
type ValidatorConfig struct {
	MinConfidence       float64
	MaxPositionSize     decimal.Decimal
	PortfolioValue      decimal.Decimal
	MaxExposureFraction float64
	MinRiskReward       float64
	MaxSlippage         float64
	SlippageFloor       float64
	SlippageCeiling     float64
	MarketRegimeRisk    float64 // 0..1
}

// DefaultValidatorConfig returns the production defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinConfidence:       0.6,
		MaxPositionSize:     decimal.NewFromInt(5000),
		PortfolioValue:      decimal.NewFromInt(10000),
		MaxExposureFraction: 0.8,
		MinRiskReward:       1.5,
		MaxSlippage:         0.02,
		SlippageFloor:       0.01,
		SlippageCeiling:     0.02,
		MarketRegimeRisk:    0.5,
	}
}

// SlippageFunc returns a signed slippage fraction for one simulated fill.
type SlippageFunc func() float64

// UniformSlippage draws a magnitude uniformly from [floor, ceiling] with a
// random sign.
func UniformSlippage(floor, ceiling float64) SlippageFunc {
	return func() float64 {
		mag := floor + rand.Float64()*(ceiling-floor)
		if rand.IntN(2) == 0 {
			return -mag
		}
		return mag
	}
}

// maxUnfilledOrders bounds how many pending or failed orders are remembered
// for Close and Cancel lookups.
const maxUnfilledOrders = 1024

// ValidatorOption customises an ExecutionValidator.
type ValidatorOption func(*ExecutionValidator)

// WithSlippageFunc replaces the random slippage source.
func WithSlippageFunc(fn SlippageFunc) ValidatorOption {
	return func(v *ExecutionValidator) { v.slippage = fn }
}

// WithExecutionStore forwards every fill and close to store.
func WithExecutionStore(store domain.ExecutionStore) ValidatorOption {
	return func(v *ExecutionValidator) { v.store = store }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *ExecutionValidator) { v.now = now }
}

// ExecutionValidator gates state-changing actions, simulates fills and keeps
// streaming execution metrics for the process lifetime. It is safe for
// concurrent use.
type ExecutionValidator struct {
	cfg      ValidatorConfig
	store    domain.ExecutionStore
	slippage SlippageFunc
	now      func() time.Time
	logger   *slog.Logger

	mu          sync.Mutex
	active      map[string]domain.ExecutionOrder
	unfilled    map[string]domain.ExecutionOrder // pending or failed
	unfilledIDs []string                         // unfilled keys, oldest first
	stats       domain.ExecutionMetrics
	scored      int64
	latency     int64 // fills contributing to AvgLatency
}

// NewExecutionValidator creates a validator with cfg.
func NewExecutionValidator(cfg ValidatorConfig, logger *slog.Logger, opts ...ValidatorOption) *ExecutionValidator {
	v := &ExecutionValidator{
		cfg:      cfg,
		slippage: UniformSlippage(cfg.SlippageFloor, cfg.SlippageCeiling),
		now:      time.Now,
		logger:   logger.With(slog.String("component", "validator")),
		active:   make(map[string]domain.ExecutionOrder),
		unfilled: make(map[string]domain.ExecutionOrder),
	}
	v.stats.TotalPnL = decimal.Zero
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Assess applies the risk rules to req given the notional already committed
// by active orders. Rules run in order and the first failure wins:
//  1. confidence below minimum
//  2. size above the per-position maximum
//  3. total exposure above the portfolio fraction
//  4. reward/risk below minimum
func Assess(cfg ValidatorConfig, req domain.ExecutionRequest, activeNotional decimal.Decimal) domain.ValidationResult {
	sizeRatio := ratio(req.Size, cfg.MaxPositionSize)
	var exposure float64
	if cfg.PortfolioValue.IsPositive() {
		exposure = activeNotional.Add(req.Size).Div(cfg.PortfolioValue).InexactFloat64()
	} else {
		exposure = math.Inf(1)
	}
	exposureRatio := 1.0
	if cfg.MaxExposureFraction > 0 {
		exposureRatio = exposure / cfg.MaxExposureFraction
	}
	rr := RiskReward(req.EntryPrice, req.StopLoss, req.TakeProfit)

	res := domain.ValidationResult{
		RiskReward: rr,
		RiskScore:  RiskScore(req.Confidence, sizeRatio, exposureRatio, rr, cfg.MarketRegimeRisk),
	}
	switch {
	case req.Confidence < cfg.MinConfidence:
		res.Reason = domain.RejectLowConfidence
	case req.Size.GreaterThan(cfg.MaxPositionSize):
		res.Reason = domain.RejectSizeExceedsMax
	case exposure > cfg.MaxExposureFraction:
		res.Reason = domain.RejectExposureExceeded
	case rr < cfg.MinRiskReward:
		res.Reason = domain.RejectLowRiskReward
	default:
		res.Approved = true
	}
	return res
}

// RiskReward is |target - entry| / |entry - stop|. A zero stop distance
// yields +Inf when there is any reward and 0 otherwise.
func RiskReward(entry, stop, target decimal.Decimal) float64 {
	reward := target.Sub(entry).Abs()
	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		if reward.IsZero() {
			return 0
		}
		return math.Inf(1)
	}
	return reward.Div(risk).InexactFloat64()
}

// RiskScore combines confidence, size, exposure, reward/risk and market
// regime into a value clamped to [0,1].
func RiskScore(confidence, sizeRatio, exposureRatio, riskReward, regime float64) float64 {
	score := 0.3*(1-clamp01(confidence)) +
		0.2*clamp01(sizeRatio) +
		0.2*clamp01(exposureRatio) +
		0.2*(1-math.Min(riskReward/3, 1)) +
		0.1*clamp01(regime)
	return clamp01(score)
}

// Validate assesses req against the validator's own active orders. Rejections
// are counted in the metrics.
func (v *ExecutionValidator) Validate(req domain.ExecutionRequest) domain.ValidationResult {
	v.mu.Lock()
	defer v.mu.Unlock()

	committed := decimal.Zero
	for _, o := range v.active {
		committed = committed.Add(o.Size)
	}
	res := Assess(v.cfg, req, committed)

	v.scored++
	v.stats.AvgRiskScore += (res.RiskScore - v.stats.AvgRiskScore) / float64(v.scored)

	outcome := "approved"
	if !res.Approved {
		outcome = string(res.Reason)
		v.stats.TotalOrders++
		v.stats.Rejected++
		v.refreshSuccessRate()
		v.logger.Warn("validator: request rejected",
			slog.String("position_id", req.PositionID),
			slog.String("symbol", req.Symbol),
			slog.String("reason", string(res.Reason)),
			slog.Float64("risk_score", res.RiskScore),
		)
	}
	metrics.RecordValidation(outcome, res.RiskScore)
	return res
}

// NewOrder builds a pending order from an approved request. The order is
// tracked until it fills, so closing it early is rejected explicitly.
func (v *ExecutionValidator) NewOrder(req domain.ExecutionRequest, res domain.ValidationResult) domain.ExecutionOrder {
	order := domain.ExecutionOrder{
		ID:         uuid.New().String(),
		PositionID: req.PositionID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Kind:       req.Kind,
		Status:     domain.ExecutionPending,
		Size:       req.Size,
		EntryPrice: req.EntryPrice,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Confidence: req.Confidence,
		RiskScore:  res.RiskScore,
		PnL:        decimal.Zero,
		CreatedAt:  v.now().UTC(),
	}
	v.mu.Lock()
	v.trackUnfilled(order)
	v.mu.Unlock()
	return order
}

// Execute simulates a fill with bounded random slippage. When the slippage
// magnitude exceeds MaxSlippage the order fails and is not applied.
func (v *ExecutionValidator) Execute(ctx context.Context, order domain.ExecutionOrder) (domain.ExecutionOrder, error) {
	start := v.now()
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = start.UTC()
	}
	order.Status = domain.ExecutionExecuting

	slip := v.slippage()
	order.Slippage = slip

	if math.Abs(slip) > v.cfg.MaxSlippage {
		order.Status = domain.ExecutionFailed
		order.FailureReason = string(domain.FailSlippageExceeded)

		v.mu.Lock()
		v.stats.TotalOrders++
		v.stats.Failed++
		v.refreshSuccessRate()
		v.trackUnfilled(order)
		v.mu.Unlock()

		metrics.RecordExecution(string(order.Kind), string(order.Status), 0)
		v.persist(ctx, order)
		v.logger.WarnContext(ctx, "validator: slippage exceeded",
			slog.String("order_id", order.ID),
			slog.Float64("slippage", slip),
			slog.Float64("max_slippage", v.cfg.MaxSlippage),
		)
		return order, &domain.ExecutionError{OrderID: order.ID, Reason: domain.FailSlippageExceeded}
	}

	fill := order.EntryPrice.Mul(decimal.NewFromFloat(1 + slip))
	order.ExecutionPrice = &fill
	// Mark-to-entry P&L: the slippage cost, signed by side.
	order.PnL = order.EntryPrice.Sub(fill).Mul(quantity(order)).Mul(order.Side.Sign())

	done := v.now()
	order.ExecutedAt = &done
	order.Latency = done.Sub(start)
	order.Status = domain.ExecutionExecuted

	v.mu.Lock()
	v.stats.TotalOrders++
	v.stats.Executed++
	v.latency++
	v.stats.AvgLatency += (order.Latency - v.stats.AvgLatency) / time.Duration(v.latency)
	v.refreshSuccessRate()
	v.dropUnfilled(order.ID)
	v.active[order.ID] = order
	v.mu.Unlock()

	metrics.RecordExecution(string(order.Kind), string(order.Status), order.Latency)
	v.persist(ctx, order)

	v.logger.InfoContext(ctx, "validator: order executed",
		slog.String("order_id", order.ID),
		slog.String("position_id", order.PositionID),
		slog.String("kind", string(order.Kind)),
		slog.String("execution_price", fill.String()),
		slog.Float64("slippage", slip),
	)
	return order, nil
}

// Close realises P&L on an executed order. A pending or failed order has no
// execution price and is rejected rather than closed at a wrong P&L.
func (v *ExecutionValidator) Close(ctx context.Context, orderID string, exitPrice decimal.Decimal) (domain.ExecutionOrder, error) {
	v.mu.Lock()
	order, ok := v.active[orderID]
	if !ok {
		order, ok = v.unfilled[orderID]
	}
	if !ok {
		v.mu.Unlock()
		return domain.ExecutionOrder{}, &domain.ExecutionError{OrderID: orderID, Reason: domain.FailUnknownOrder}
	}
	if order.ExecutionPrice == nil {
		v.stats.Failed++
		v.refreshSuccessRate()
		v.mu.Unlock()
		metrics.RecordExecution(string(domain.ExecutionClose), string(domain.ExecutionFailed), 0)
		v.logger.WarnContext(ctx, "validator: close rejected, order never filled",
			slog.String("order_id", orderID),
			slog.String("status", string(order.Status)),
		)
		return order, &domain.ExecutionError{OrderID: orderID, Reason: domain.FailMissingExecutionPrice}
	}

	pnl := exitPrice.Sub(*order.ExecutionPrice).Mul(quantity(order)).Mul(order.Side.Sign())
	closedAt := v.now()
	exit := exitPrice
	order.ExitPrice = &exit
	order.ClosedAt = &closedAt
	order.PnL = pnl

	delete(v.active, orderID)
	v.stats.Closed++
	v.stats.TotalPnL = v.stats.TotalPnL.Add(pnl)
	total := v.stats.TotalPnL
	v.mu.Unlock()

	metrics.RecordExecution(string(domain.ExecutionClose), string(domain.ExecutionExecuted), 0)
	metrics.RealizedPnL.Set(total.InexactFloat64())
	v.persist(ctx, order)

	v.logger.InfoContext(ctx, "validator: order closed",
		slog.String("order_id", orderID),
		slog.String("exit_price", exitPrice.String()),
		slog.String("pnl", pnl.String()),
	)
	return order, nil
}

// Cancel drops an order from tracking without realising P&L, e.g. after the
// underlying position was liquidated.
func (v *ExecutionValidator) Cancel(ctx context.Context, orderID string) (domain.ExecutionOrder, error) {
	v.mu.Lock()
	order, ok := v.active[orderID]
	if !ok {
		order, ok = v.unfilled[orderID]
	}
	if !ok {
		v.mu.Unlock()
		return domain.ExecutionOrder{}, &domain.ExecutionError{OrderID: orderID, Reason: domain.FailUnknownOrder}
	}
	delete(v.active, orderID)
	v.dropUnfilled(orderID)
	order.Status = domain.ExecutionCancelled
	v.stats.Cancelled++
	v.mu.Unlock()

	metrics.RecordExecution(string(order.Kind), string(order.Status), 0)
	v.persist(ctx, order)
	return order, nil
}

// ActiveOrders returns the executed, not yet closed orders.
func (v *ExecutionValidator) ActiveOrders() []domain.ExecutionOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.ExecutionOrder, 0, len(v.active))
	for _, o := range v.active {
		out = append(out, o)
	}
	return out
}

// OrdersForPosition returns active orders belonging to positionID.
func (v *ExecutionValidator) OrdersForPosition(positionID string) []domain.ExecutionOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []domain.ExecutionOrder
	for _, o := range v.active {
		if o.PositionID == positionID {
			out = append(out, o)
		}
	}
	return out
}

// Metrics returns a snapshot of the running execution metrics.
func (v *ExecutionValidator) Metrics() domain.ExecutionMetrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stats
}

// trackUnfilled must be called with mu held.
func (v *ExecutionValidator) trackUnfilled(order domain.ExecutionOrder) {
	if _, ok := v.unfilled[order.ID]; !ok {
		v.unfilledIDs = append(v.unfilledIDs, order.ID)
	}
	v.unfilled[order.ID] = order
	for len(v.unfilledIDs) > maxUnfilledOrders {
		delete(v.unfilled, v.unfilledIDs[0])
		v.unfilledIDs = v.unfilledIDs[1:]
	}
}

// dropUnfilled must be called with mu held.
func (v *ExecutionValidator) dropUnfilled(orderID string) {
	if _, ok := v.unfilled[orderID]; !ok {
		return
	}
	delete(v.unfilled, orderID)
	v.unfilledIDs = slices.DeleteFunc(v.unfilledIDs, func(id string) bool { return id == orderID })
}

// refreshSuccessRate must be called with mu held.
func (v *ExecutionValidator) refreshSuccessRate() {
	if v.stats.TotalOrders == 0 {
		v.stats.SuccessRate = 0
		return
	}
	v.stats.SuccessRate = float64(v.stats.Executed) / float64(v.stats.TotalOrders)
}

func (v *ExecutionValidator) persist(ctx context.Context, order domain.ExecutionOrder) {
	if v.store == nil {
		return
	}
	if err := v.store.Save(ctx, order); err != nil {
		v.logger.WarnContext(ctx, "validator: persist order failed",
			slog.String("order_id", order.ID),
			slog.String("error", err.Error()),
		)
	}
}

func quantity(o domain.ExecutionOrder) decimal.Decimal {
	if !o.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	return o.Size.Div(o.EntryPrice)
}

func ratio(num, den decimal.Decimal) float64 {
	if !den.IsPositive() {
		return 1
	}
	return num.Div(den).InexactFloat64()
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x) || x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
