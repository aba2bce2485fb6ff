package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/metrics"
	"github.com/alanyoungcy/leveragebot/internal/scaling"
)

// Action names reported in alerts and metrics.
const (
	ActionEmergencyMargin = "emergency_margin"
	ActionScaleIn         = "scale_in"
	ActionScaleRejected   = "scale_in_rejected"
	ActionTakeProfit      = "take_profit"
	ActionTrailingStop    = "trailing_stop"
	ActionLiquidated      = "liquidated"
)

// CheckPosition evaluates one position and performs at most one category of
// action. Every failure, including a panic, comes back as a
// *domain.PositionCheckError. A position another tick is already checking is
// skipped.
func (e *Engine) CheckPosition(ctx context.Context, id string) (err error) {
	release, ok := e.inflight.TryAcquire(id)
	if !ok {
		e.logger.DebugContext(ctx, "lifecycle: position check already in flight",
			slog.String("position_id", id))
		return nil
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			err = &domain.PositionCheckError{PositionID: id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if e.locks != nil {
		unlock, lerr := e.locks.Acquire(ctx, "lifecycle:position:"+id, e.cfg.LockTTL)
		if errors.Is(lerr, domain.ErrLockHeld) {
			return nil
		}
		if lerr != nil {
			return &domain.PositionCheckError{PositionID: id, Err: fmt.Errorf("acquire lock: %w", lerr)}
		}
		defer unlock()
	}

	if err := e.check(ctx, id); err != nil {
		return &domain.PositionCheckError{PositionID: id, Err: err}
	}
	return nil
}

func (e *Engine) check(ctx context.Context, id string) error {
	// The store is authoritative; always act on a fresh read.
	pos, err := e.positions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if !pos.Status.IsActive() {
		e.Untrack(id)
		return nil
	}

	price, err := e.fetchPrice(ctx, pos.Symbol)
	if err != nil {
		e.logger.WarnContext(ctx, "lifecycle: price unavailable, skipping position this tick",
			slog.String("position_id", id),
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		return nil
	}

	pos.ClustersAbove, pos.ClustersBelow, _ = e.clustersFor(ctx, pos.Symbol, price)

	snap, err := e.calc.Evaluate(pos, price, e.cfg.Bankroll)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}

	if scaling.LiquidationCrossed(pos.Direction, price, pos.LiquidationPrice) {
		return e.liquidate(ctx, pos, price)
	}

	if e.emergencyDue(pos, price) {
		return e.injectEmergencyMargin(ctx, pos, price)
	}

	if decision := e.DecideScaling(pos, snap); decision.ShouldScale {
		if handled, err := e.scaleIn(ctx, pos, price, snap, decision); handled || err != nil {
			return err
		}
	}

	if !pos.FirstTakeProfitHit {
		trig, err := e.calc.CheckProfitTakingTriggers(pos, price, e.cfg.Bankroll)
		if err != nil {
			return fmt.Errorf("profit triggers: %w", err)
		}
		if trig.Triggered {
			return e.takeProfit(ctx, pos, price, trig)
		}
	}

	if pos.TrailingStop != nil {
		return e.trailingStop(ctx, pos, price)
	}
	return nil
}

func (e *Engine) fetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.prices == nil {
		return decimal.Zero, &domain.FeedError{Source: "price", Symbol: symbol}
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FeedTimeout)
	defer cancel()

	price, err := e.prices.CurrentPrice(fctx, symbol)
	if err == nil && !price.IsPositive() {
		err = fmt.Errorf("non-positive price %s", price)
	}
	if err != nil {
		metrics.FeedFailures.WithLabelValues("price").Inc()
		e.markPriceFailure(symbol)
		var ferr *domain.FeedError
		if errors.As(err, &ferr) {
			return decimal.Zero, err
		}
		return decimal.Zero, &domain.FeedError{Source: "price", Symbol: symbol, Err: err}
	}
	e.markPriceSuccess(symbol)
	return price, nil
}

// emergencyDue reports whether price is within EmergencyProximity of the
// liquidation level and the one-time injection has not been attempted.
func (e *Engine) emergencyDue(pos domain.Position, price decimal.Decimal) bool {
	if !pos.LiquidationPrice.IsPositive() || pos.EmergencyInjected {
		return false
	}
	if scaling.ProximityTo(price, pos.LiquidationPrice) > e.cfg.EmergencyProximity {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.emergency[pos.ID]
}

func (e *Engine) injectEmergencyMargin(ctx context.Context, pos domain.Position, price decimal.Decimal) error {
	e.mu.Lock()
	e.emergency[pos.ID] = true
	e.mu.Unlock()

	alert := domain.Alert{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Actions:    []string{ActionEmergencyMargin},
		Price:      price,
		Severity:   domain.SeverityCritical,
		Reason:     domain.TriggerEmergencyMargin,
	}

	amount, err := e.emergencyAmount(ctx, pos.VaultID)
	if err == nil {
		_, err = e.executor.ApplyMarginInjection(ctx, pos.ID, amount)
	}
	metrics.RecordAction(ActionEmergencyMargin, err)

	attrs := []any{
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("price", price.String()),
		slog.String("liquidation_price", pos.LiquidationPrice.String()),
		slog.String("amount", amount.String()),
	}
	if err != nil {
		alert.Detail = "injection failed: " + err.Error()
		e.logger.Log(ctx, LevelCritical, "lifecycle: emergency margin injection failed",
			append(attrs, slog.String("error", err.Error()))...)
	} else {
		alert.Detail = "injected " + amount.String()
		e.logger.Log(ctx, LevelCritical, "lifecycle: emergency margin injected", attrs...)
	}
	e.emit(ctx, alert)
	// A failed injection is reported through the alert; the tick itself
	// completed.
	return nil
}

// emergencyAmount is EmergencyMarginFraction of the vault balance, bounded by
// the balance.
func (e *Engine) emergencyAmount(ctx context.Context, vaultID string) (decimal.Decimal, error) {
	if e.vaults == nil {
		return decimal.Zero, errors.New("no vault configured")
	}
	vctx, cancel := context.WithTimeout(ctx, e.cfg.FeedTimeout)
	defer cancel()
	balance, err := e.vaults.Balance(vctx, vaultID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault balance: %w", err)
	}
	if !balance.IsPositive() {
		return decimal.Zero, domain.ErrInsufficientFunds
	}
	return decimal.Min(balance.Mul(e.cfg.EmergencyMarginFraction), balance), nil
}

// DecideScaling applies the doubling triggers: margin loss at or above
// DoublingMarginLoss, or price within ClusterProximity of the nearest adverse
// cluster while liquidation would be reached before that cluster.
func (e *Engine) DecideScaling(pos domain.Position, snap scaling.Snapshot) domain.ScalingDecision {
	decision := domain.ScalingDecision{
		Reason:     domain.TriggerNone,
		NextStage:  len(pos.Stages) + 1,
		Confidence: snap.WinRate,
	}
	if !domain.CanTransition(pos.Status, domain.PositionStatusScaling) {
		decision.RiskAssessment = "scaling not allowed from " + string(pos.Status)
		return decision
	}

	if snap.MarginLoss >= e.cfg.DoublingMarginLoss {
		decision.ShouldScale = true
		decision.Reason = domain.TriggerMarginLoss
		decision.RiskAssessment = fmt.Sprintf("margin loss %.1f%% of invested", snap.MarginLoss*100)
		return decision
	}

	adverse := pos.AdverseClusters()
	if len(adverse) == 0 || !pos.LiquidationPrice.IsPositive() {
		return decision
	}
	nearestCluster := adverse[0]
	fartherCluster := nearestCluster
	if len(adverse) > 1 {
		fartherCluster = adverse[1]
	}
	proximity := scaling.ProximityTo(snap.Price, nearestCluster.Price)
	if proximity > e.cfg.ClusterProximity {
		return decision
	}
	placement := scaling.ClassifyLiquidation(pos.Direction, pos.LiquidationPrice, nearestCluster.Price, fartherCluster.Price)
	decision.RiskAssessment = fmt.Sprintf("price %.3f%% from cluster %s, liquidation %s clusters",
		proximity*100, nearestCluster.Price, placement)
	if placement == domain.LiquidationBeforeClusters {
		decision.ShouldScale = true
		decision.Reason = domain.TriggerClusterProximity
	}
	return decision
}

// scaleIn gates the next stage through the validator and applies it. handled
// is false when no further stage is allowed so that lower-priority checks
// still run.
func (e *Engine) scaleIn(ctx context.Context, pos domain.Position, price decimal.Decimal, snap scaling.Snapshot, decision domain.ScalingDecision) (handled bool, err error) {
	stage, ok, err := e.calc.NextStage(pos.Stages, price, decision.Confidence, e.now().UTC())
	if err != nil {
		return true, fmt.Errorf("next stage: %w", err)
	}
	if !ok {
		e.logger.InfoContext(ctx, "lifecycle: doubling triggered but max stages reached",
			slog.String("position_id", pos.ID),
			slog.Int("stages", len(pos.Stages)),
		)
		return false, nil
	}

	req, err := e.scaleRequest(pos, price, stage)
	if err != nil {
		return true, err
	}
	alert := domain.Alert{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Price:      price,
		Reason:     decision.Reason,
		Detail:     decision.RiskAssessment,
	}

	res := e.gate.Validate(req)
	if !res.Approved {
		metrics.RecordAction(ActionScaleRejected, nil)
		alert.Actions = []string{ActionScaleRejected}
		alert.Severity = domain.SeverityWarning
		alert.Detail = string(res.Reason)
		e.emit(ctx, alert)
		e.logger.WarnContext(ctx, "lifecycle: scale-in rejected",
			slog.String("position_id", pos.ID),
			slog.String("reason", string(res.Reason)),
			slog.Float64("risk_score", res.RiskScore),
		)
		return true, nil
	}

	order, err := e.gate.Execute(ctx, e.gate.NewOrder(req, res))
	if err != nil {
		metrics.RecordAction(ActionScaleIn, err)
		alert.Actions = []string{ActionScaleIn}
		alert.Severity = domain.SeverityWarning
		alert.Detail = err.Error()
		e.emit(ctx, alert)
		return true, nil
	}

	updated, err := e.executor.ApplyScaleIn(ctx, pos.ID, price, stage)
	metrics.RecordAction(ActionScaleIn, err)
	if err != nil {
		if _, cerr := e.gate.Cancel(ctx, order.ID); cerr != nil {
			e.logger.WarnContext(ctx, "lifecycle: cancel order after failed scale-in",
				slog.String("order_id", order.ID),
				slog.String("error", cerr.Error()),
			)
		}
		return true, fmt.Errorf("apply scale-in: %w", err)
	}

	alert.Actions = []string{ActionScaleIn}
	alert.Severity = domain.SeverityWarning
	e.emit(ctx, alert)
	e.logger.InfoContext(ctx, "lifecycle: scaled in",
		slog.String("position_id", pos.ID),
		slog.String("reason", string(decision.Reason)),
		slog.Int("stage", stage.Number),
		slog.String("investment", stage.Investment.String()),
		slog.Int("leverage", stage.Leverage),
		slog.String("liquidation_price", updated.LiquidationPrice.String()),
		slog.String("margin_value", snap.MarginValue.String()),
	)
	return true, nil
}

// scaleRequest describes the next stage to the validator. The stop is the
// projected liquidation price and the target the projected take-profit
// price, both after the stage is added.
func (e *Engine) scaleRequest(pos domain.Position, price decimal.Decimal, stage domain.Stage) (domain.ExecutionRequest, error) {
	projected := pos.Clone()
	projected.Stages = append(projected.Stages, stage)
	liq, err := e.calc.PositionLiquidationPrice(projected)
	if err != nil {
		return domain.ExecutionRequest{}, fmt.Errorf("projected liquidation: %w", err)
	}
	tp, err := e.calc.TakeProfitPrice(projected)
	if err != nil {
		return domain.ExecutionRequest{}, fmt.Errorf("projected take-profit: %w", err)
	}
	return domain.ExecutionRequest{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Direction,
		Kind:       domain.ExecutionScaleIn,
		Confidence: stage.Confidence,
		Size:       stage.Investment,
		EntryPrice: price,
		StopLoss:   liq,
		TakeProfit: tp,
	}, nil
}

func (e *Engine) takeProfit(ctx context.Context, pos domain.Position, price decimal.Decimal, trig scaling.ProfitTrigger) error {
	updated, err := e.executor.ApplyTakeProfit(ctx, pos.ID, price, trig.TakeFraction, trig.TrailingStop)
	metrics.RecordAction(ActionTakeProfit, err)
	if err != nil {
		return fmt.Errorf("apply take-profit: %w", err)
	}
	if updated.Status.IsActive() {
		e.mu.Lock()
		e.trail[pos.ID] = trig.TrailingStop
		e.mu.Unlock()
	}

	e.emit(ctx, domain.Alert{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Actions:    []string{ActionTakeProfit},
		Price:      price,
		Severity:   domain.SeverityInfo,
		Reason:     domain.TriggerTakeProfit,
		Detail:     "took " + trig.TakeAmount.StringFixed(2) + ", trailing stop " + trig.TrailingStop.String(),
	})
	e.logger.InfoContext(ctx, "lifecycle: take-profit executed",
		slog.String("position_id", pos.ID),
		slog.String("price", price.String()),
		slog.String("take_amount", trig.TakeAmount.String()),
		slog.String("margin_value", trig.Snapshot.MarginValue.String()),
		slog.String("trigger", trig.Snapshot.FirstTakeProfitTrigger.String()),
		slog.String("realized_pnl", updated.RealizedPnL.String()),
	)
	return nil
}

// trailingStop closes the position when price retraces through the stop and
// otherwise ratchets the in-memory stop in the position's favour.
func (e *Engine) trailingStop(ctx context.Context, pos domain.Position, price decimal.Decimal) error {
	stop := *pos.TrailingStop
	e.mu.Lock()
	if ratcheted, ok := e.trail[pos.ID]; ok {
		if pos.Direction == domain.DirectionShort {
			stop = decimal.Min(stop, ratcheted)
		} else {
			stop = decimal.Max(stop, ratcheted)
		}
	}
	e.mu.Unlock()

	if !scaling.TrailingStopHit(pos.Direction, price, stop) {
		e.mu.Lock()
		e.trail[pos.ID] = e.calc.RaiseTrailingStop(pos.Direction, stop, price)
		e.mu.Unlock()
		return nil
	}

	updated, err := e.executor.ApplyTrailingStop(ctx, pos.ID, price)
	metrics.RecordAction(ActionTrailingStop, err)
	if err != nil {
		return fmt.Errorf("apply trailing stop: %w", err)
	}
	for _, o := range e.gate.OrdersForPosition(pos.ID) {
		if _, cerr := e.gate.Close(ctx, o.ID, price); cerr != nil {
			e.logger.WarnContext(ctx, "lifecycle: close order failed",
				slog.String("order_id", o.ID),
				slog.String("error", cerr.Error()),
			)
		}
	}
	e.Untrack(pos.ID)

	e.emit(ctx, domain.Alert{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Actions:    []string{ActionTrailingStop},
		Price:      price,
		Severity:   domain.SeverityInfo,
		Reason:     domain.TriggerTrailingStop,
		Detail:     "stop " + stop.String() + " hit, realized " + updated.RealizedPnL.StringFixed(2),
	})
	e.logger.InfoContext(ctx, "lifecycle: trailing stop hit",
		slog.String("position_id", pos.ID),
		slog.String("price", price.String()),
		slog.String("stop", stop.String()),
	)
	return nil
}

func (e *Engine) liquidate(ctx context.Context, pos domain.Position, price decimal.Decimal) error {
	_, err := e.executor.ApplyLiquidation(ctx, pos.ID, price)
	metrics.RecordAction(ActionLiquidated, err)
	if err != nil {
		return fmt.Errorf("apply liquidation: %w", err)
	}
	for _, o := range e.gate.OrdersForPosition(pos.ID) {
		if _, cerr := e.gate.Cancel(ctx, o.ID); cerr != nil {
			e.logger.WarnContext(ctx, "lifecycle: cancel order failed",
				slog.String("order_id", o.ID),
				slog.String("error", cerr.Error()),
			)
		}
	}
	e.Untrack(pos.ID)

	e.emit(ctx, domain.Alert{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Actions:    []string{ActionLiquidated},
		Price:      price,
		Severity:   domain.SeverityCritical,
		Reason:     domain.TriggerLiquidation,
		Detail:     "liquidation price " + pos.LiquidationPrice.String() + " crossed",
	})
	e.logger.Log(ctx, LevelCritical, "lifecycle: position liquidated",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("price", price.String()),
		slog.String("liquidation_price", pos.LiquidationPrice.String()),
	)
	return nil
}
