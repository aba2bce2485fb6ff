package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/scaling"
)

// Position events go to a pub/sub channel for live subscribers and to a
// stream for replay.
const (
	PositionEventsChannel = "positions"
	PositionEventsStream  = "positions:events"
)

// PositionService is the authoritative PositionExecutor. Every Apply call
// re-reads the stored position, checks the status transition, persists the
// result and then publishes an event and an audit record.
type PositionService struct {
	positions domain.PositionStore
	vaults    domain.VaultStore
	bus       domain.SignalBus
	audit     domain.AuditStore
	calc      *scaling.Calculator
	now       func() time.Time
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. bus and audit may be nil.
func NewPositionService(
	positions domain.PositionStore,
	vaults domain.VaultStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	calc *scaling.Calculator,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		vaults:    vaults,
		bus:       bus,
		audit:     audit,
		calc:      calc,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// OpenRequest describes the first stage of a new position.
type OpenRequest struct {
	Symbol     string
	Direction  domain.Direction
	Investment decimal.Decimal
	Leverage   int
	EntryPrice decimal.Decimal
	Confidence float64
	VaultID    string
}

// OpenPosition creates a position with a single stage.
func (s *PositionService) OpenPosition(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if req.Symbol == "" {
		return domain.Position{}, &domain.ValidationError{Field: "symbol", Reason: "symbol is required"}
	}
	if !req.Direction.Valid() {
		return domain.Position{}, &domain.ValidationError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", req.Direction)}
	}
	now := s.now().UTC()
	pos := domain.Position{
		ID:        uuid.New().String(),
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Status:    domain.PositionStatusOpen,
		Stages: []domain.Stage{{
			Number:     1,
			Investment: req.Investment,
			Leverage:   req.Leverage,
			EntryPrice: req.EntryPrice,
			Confidence: req.Confidence,
			CreatedAt:  now,
		}},
		VaultID:  req.VaultID,
		OpenedAt: now,
	}
	if err := refreshDerived(s.calc, &pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: open: %w", err)
	}
	pos.UpdatedAt = now

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}
	s.record(ctx, "position_opened", pos, map[string]any{
		"entry_price": req.EntryPrice.String(),
		"investment":  req.Investment.String(),
		"leverage":    req.Leverage,
	})
	return pos, nil
}

// ApplyScaleIn appends stage and moves the position to scaling.
func (s *PositionService) ApplyScaleIn(ctx context.Context, positionID string, price decimal.Decimal, stage domain.Stage) (domain.Position, error) {
	return s.mutate(ctx, positionID, "position_scaled", func(pos *domain.Position) (map[string]any, error) {
		if err := scaleIn(s.calc, pos, stage, s.now()); err != nil {
			return nil, err
		}
		return map[string]any{
			"price":      price.String(),
			"stage":      stage.Number,
			"investment": stage.Investment.String(),
			"leverage":   stage.Leverage,
		}, nil
	})
}

// ApplyTakeProfit closes fraction of the remaining exposure at price and arms
// the trailing stop. A position whose first take-profit already fired is
// returned unchanged.
func (s *PositionService) ApplyTakeProfit(ctx context.Context, positionID string, price, fraction, trailingStop decimal.Decimal) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if pos.FirstTakeProfitHit {
		return pos, nil
	}
	return s.mutate(ctx, positionID, "position_take_profit", func(pos *domain.Position) (map[string]any, error) {
		realized, err := takeProfit(s.calc, pos, price, fraction, trailingStop, s.now())
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"price":         price.String(),
			"fraction":      fraction.String(),
			"realized":      realized.String(),
			"trailing_stop": trailingStop.String(),
		}, nil
	})
}

// ApplyTrailingStop closes the remaining exposure at price.
func (s *PositionService) ApplyTrailingStop(ctx context.Context, positionID string, price decimal.Decimal) (domain.Position, error) {
	return s.mutate(ctx, positionID, "position_closed", func(pos *domain.Position) (map[string]any, error) {
		realized, err := closeOut(s.calc, pos, price, s.now())
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"price":    price.String(),
			"realized": realized.String(),
		}, nil
	})
}

// ApplyMarginInjection debits the position's vault by amount and adds it as
// margin. It succeeds at most once per position.
func (s *PositionService) ApplyMarginInjection(ctx context.Context, positionID string, amount decimal.Decimal) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	if err := checkInjection(pos, amount); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: inject margin into %q: %w", positionID, err)
	}

	balance, err := s.vaults.Withdraw(ctx, pos.VaultID, amount)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: withdraw %s from vault %q: %w", amount, pos.VaultID, err)
	}

	updated, err := s.mutate(ctx, positionID, "margin_injected", func(pos *domain.Position) (map[string]any, error) {
		if err := injectMargin(s.calc, pos, amount, s.now()); err != nil {
			return nil, err
		}
		return map[string]any{
			"amount":        amount.String(),
			"vault_id":      pos.VaultID,
			"vault_balance": balance.String(),
		}, nil
	})
	if err != nil {
		s.refund(ctx, pos.VaultID, positionID, amount)
		return domain.Position{}, err
	}
	return updated, nil
}

// refund returns a withdrawn injection to the vault after the position write
// failed. It runs even if ctx was cancelled mid-injection.
func (s *PositionService) refund(ctx context.Context, vaultID, positionID string, amount decimal.Decimal) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	balance, err := s.vaults.Deposit(rctx, vaultID, amount)
	if err != nil {
		s.logger.ErrorContext(ctx, "position_service: refund of injected margin failed",
			slog.String("position_id", positionID),
			slog.String("vault_id", vaultID),
			slog.String("amount", amount.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.WarnContext(ctx, "position_service: injected margin refunded",
		slog.String("position_id", positionID),
		slog.String("vault_id", vaultID),
		slog.String("amount", amount.String()),
		slog.String("vault_balance", balance.String()),
	)
}

// ApplyLiquidation marks the position liquidated at price and books the loss
// of its remaining margin.
func (s *PositionService) ApplyLiquidation(ctx context.Context, positionID string, price decimal.Decimal) (domain.Position, error) {
	return s.mutate(ctx, positionID, "position_liquidated", func(pos *domain.Position) (map[string]any, error) {
		loss, err := liquidate(s.calc, pos, s.now())
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"price": price.String(),
			"loss":  loss.String(),
		}, nil
	})
}

func (s *PositionService) mutate(
	ctx context.Context,
	positionID, event string,
	apply func(pos *domain.Position) (map[string]any, error),
) (domain.Position, error) {
	stored, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get position %q: %w", positionID, err)
	}
	pos := stored.Clone()
	detail, err := apply(&pos)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: %s %q: %w", event, positionID, err)
	}
	if err := s.positions.Update(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: update position %q: %w", positionID, err)
	}
	s.record(ctx, event, pos, detail)
	return pos, nil
}

// record publishes the event and writes the audit row. Failures are logged
// only; the stored position is already authoritative.
func (s *PositionService) record(ctx context.Context, event string, pos domain.Position, detail map[string]any) {
	payload := map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"direction":   string(pos.Direction),
		"status":      string(pos.Status),
	}
	for k, v := range detail {
		payload[k] = v
	}

	if s.bus != nil {
		evt, _ := json.Marshal(payload)
		if pubErr := s.bus.Publish(ctx, PositionEventsChannel, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "position_service: publish event failed",
				slog.String("position_id", pos.ID),
				slog.String("event", event),
				slog.String("error", pubErr.Error()),
			)
		}
		if appendErr := s.bus.StreamAppend(ctx, PositionEventsStream, evt); appendErr != nil {
			s.logger.WarnContext(ctx, "position_service: append event failed",
				slog.String("position_id", pos.ID),
				slog.String("event", event),
				slog.String("error", appendErr.Error()),
			)
		}
	}
	if s.audit != nil {
		if auditErr := s.audit.Log(ctx, event, payload); auditErr != nil {
			s.logger.WarnContext(ctx, "position_service: audit log failed",
				slog.String("position_id", pos.ID),
				slog.String("error", auditErr.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "position_service: "+event,
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("status", string(pos.Status)),
		slog.Int("stages", len(pos.Stages)),
	)
}

// The functions below are the state transitions shared by PositionService and
// DryRunExecutor. They mutate pos in place.

func transition(pos *domain.Position, to domain.PositionStatus) error {
	if !domain.CanTransition(pos.Status, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, pos.Status, to)
	}
	pos.Status = to
	return nil
}

// refreshDerived recomputes entry, size, liquidation and take-profit levels
// from the stages.
func refreshDerived(calc *scaling.Calculator, pos *domain.Position) error {
	m, err := scaling.ComputeMetrics(pos.Stages)
	if err != nil {
		return err
	}
	liq, err := calc.PositionLiquidationPrice(*pos)
	if err != nil {
		return err
	}
	tp, err := calc.TakeProfitPrice(*pos)
	if err != nil {
		return err
	}
	pos.AverageEntry = scaling.WeightedEntry(pos.Stages)
	pos.Size = m.TotalPositionValue.Mul(pos.HeldFraction())
	pos.LiquidationPrice = liq
	pos.TakeProfitPrice = tp
	return nil
}

func scaleIn(calc *scaling.Calculator, pos *domain.Position, stage domain.Stage, now time.Time) error {
	if want := len(pos.Stages) + 1; stage.Number != want {
		return &domain.ValidationError{Field: "stage", Reason: fmt.Sprintf("got stage %d, want %d", stage.Number, want)}
	}
	if err := transition(pos, domain.PositionStatusScaling); err != nil {
		return err
	}
	if stage.CreatedAt.IsZero() {
		stage.CreatedAt = now.UTC()
	}
	pos.Stages = append(pos.Stages, stage)
	if err := refreshDerived(calc, pos); err != nil {
		return err
	}
	pos.UpdatedAt = now.UTC()
	return nil
}

func takeProfit(calc *scaling.Calculator, pos *domain.Position, price, fraction, trailingStop decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !fraction.IsPositive() || fraction.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, &domain.ValidationError{Field: "fraction", Reason: "fraction must be in (0,1]"}
	}
	snap, err := calc.Evaluate(*pos, price, decimal.Zero)
	if err != nil {
		return decimal.Zero, err
	}
	remaining := decimal.NewFromInt(1).Sub(fraction)

	// Taking everything leaves nothing for a trailing stop to protect.
	to := domain.PositionStatusPartialClosed
	if remaining.IsZero() {
		to = domain.PositionStatusClosed
	}
	if err := transition(pos, to); err != nil {
		return decimal.Zero, err
	}
	realized := snap.UnrealizedPnL.Mul(fraction)

	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.OpenFraction = pos.HeldFraction().Mul(remaining)
	pos.Size = pos.Size.Mul(remaining)
	pos.FirstTakeProfitHit = true
	pos.UpdatedAt = now.UTC()
	if to == domain.PositionStatusClosed {
		pos.TrailingStop = nil
		closedAt := pos.UpdatedAt
		pos.ClosedAt = &closedAt
		return realized, nil
	}
	ts := trailingStop
	pos.TrailingStop = &ts
	return realized, nil
}

func closeOut(calc *scaling.Calculator, pos *domain.Position, price decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	snap, err := calc.Evaluate(*pos, price, decimal.Zero)
	if err != nil {
		return decimal.Zero, err
	}
	if err := transition(pos, domain.PositionStatusClosed); err != nil {
		return decimal.Zero, err
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(snap.UnrealizedPnL)
	pos.Size = decimal.Zero
	closedAt := now.UTC()
	pos.ClosedAt = &closedAt
	pos.UpdatedAt = closedAt
	return snap.UnrealizedPnL, nil
}

func checkInjection(pos domain.Position, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &domain.ValidationError{Field: "amount", Reason: "injection amount must be positive"}
	}
	if !pos.Status.IsActive() {
		return fmt.Errorf("%w: position is %s", domain.ErrInvalidTransition, pos.Status)
	}
	if pos.EmergencyInjected {
		return fmt.Errorf("emergency margin: %w", domain.ErrAlreadyExists)
	}
	return nil
}

func injectMargin(calc *scaling.Calculator, pos *domain.Position, amount decimal.Decimal, now time.Time) error {
	if err := checkInjection(*pos, amount); err != nil {
		return err
	}
	pos.InjectedMargin = pos.InjectedMargin.Add(amount)
	pos.EmergencyInjected = true
	liq, err := calc.PositionLiquidationPrice(*pos)
	if err != nil {
		return err
	}
	pos.LiquidationPrice = liq
	pos.UpdatedAt = now.UTC()
	return nil
}

func liquidate(calc *scaling.Calculator, pos *domain.Position, now time.Time) (decimal.Decimal, error) {
	m, err := scaling.ComputeMetrics(pos.Stages)
	if err != nil {
		return decimal.Zero, err
	}
	if err := transition(pos, domain.PositionStatusLiquidated); err != nil {
		return decimal.Zero, err
	}
	loss := m.TotalInvested.Mul(pos.HeldFraction()).Add(pos.InjectedMargin)
	pos.RealizedPnL = pos.RealizedPnL.Sub(loss)
	pos.Size = decimal.Zero
	closedAt := now.UTC()
	pos.ClosedAt = &closedAt
	pos.UpdatedAt = closedAt
	return loss, nil
}
