package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/scaling"
)

// DryRunExecutor applies lifecycle actions to an in-memory overlay instead of
// the store. It doubles as the PositionReader for the engine so that later
// ticks see the simulated state. Nothing is persisted and no vault funds move.
type DryRunExecutor struct {
	reader domain.PositionReader
	vaults domain.VaultBalance
	calc   *scaling.Calculator
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	overlay map[string]domain.Position
}

// NewDryRunExecutor creates a DryRunExecutor over reader. vaults may be nil,
// in which case injections are not checked against a balance.
func NewDryRunExecutor(reader domain.PositionReader, vaults domain.VaultBalance, calc *scaling.Calculator, logger *slog.Logger) *DryRunExecutor {
	return &DryRunExecutor{
		reader:  reader,
		vaults:  vaults,
		calc:    calc,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "dry_run")),
		overlay: make(map[string]domain.Position),
	}
}

// ListActive returns stored active positions with simulated state applied.
// Positions the simulation has closed are omitted.
func (d *DryRunExecutor) ListActive(ctx context.Context) ([]domain.Position, error) {
	stored, err := d.reader.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Position, 0, len(stored))
	for _, p := range stored {
		if o, ok := d.overlay[p.ID]; ok {
			p = o.Clone()
		}
		if p.Status.IsActive() {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetByID returns the simulated position if one exists.
func (d *DryRunExecutor) GetByID(ctx context.Context, id string) (domain.Position, error) {
	d.mu.Lock()
	o, ok := d.overlay[id]
	d.mu.Unlock()
	if ok {
		return o.Clone(), nil
	}
	return d.reader.GetByID(ctx, id)
}

func (d *DryRunExecutor) ApplyScaleIn(ctx context.Context, positionID string, price decimal.Decimal, stage domain.Stage) (domain.Position, error) {
	return d.simulate(ctx, positionID, "scale_in", price, func(pos *domain.Position) error {
		return scaleIn(d.calc, pos, stage, d.now())
	})
}

func (d *DryRunExecutor) ApplyTakeProfit(ctx context.Context, positionID string, price, fraction, trailingStop decimal.Decimal) (domain.Position, error) {
	return d.simulate(ctx, positionID, "take_profit", price, func(pos *domain.Position) error {
		if pos.FirstTakeProfitHit {
			return nil
		}
		_, err := takeProfit(d.calc, pos, price, fraction, trailingStop, d.now())
		return err
	})
}

func (d *DryRunExecutor) ApplyTrailingStop(ctx context.Context, positionID string, price decimal.Decimal) (domain.Position, error) {
	return d.simulate(ctx, positionID, "trailing_stop", price, func(pos *domain.Position) error {
		_, err := closeOut(d.calc, pos, price, d.now())
		return err
	})
}

func (d *DryRunExecutor) ApplyMarginInjection(ctx context.Context, positionID string, amount decimal.Decimal) (domain.Position, error) {
	return d.simulate(ctx, positionID, "margin_injection", amount, func(pos *domain.Position) error {
		if d.vaults != nil {
			balance, err := d.vaults.Balance(ctx, pos.VaultID)
			if err != nil {
				return err
			}
			if balance.LessThan(amount) {
				return domain.ErrInsufficientFunds
			}
		}
		return injectMargin(d.calc, pos, amount, d.now())
	})
}

func (d *DryRunExecutor) ApplyLiquidation(ctx context.Context, positionID string, price decimal.Decimal) (domain.Position, error) {
	return d.simulate(ctx, positionID, "liquidation", price, func(pos *domain.Position) error {
		_, err := liquidate(d.calc, pos, d.now())
		return err
	})
}

func (d *DryRunExecutor) simulate(ctx context.Context, positionID, action string, value decimal.Decimal, apply func(pos *domain.Position) error) (domain.Position, error) {
	current, err := d.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("dry_run: get position %q: %w", positionID, err)
	}
	pos := current.Clone()
	if err := apply(&pos); err != nil {
		return domain.Position{}, fmt.Errorf("dry_run: %s %q: %w", action, positionID, err)
	}

	d.mu.Lock()
	d.overlay[positionID] = pos.Clone()
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "dry_run: action simulated",
		slog.String("position_id", positionID),
		slog.String("action", action),
		slog.String("value", value.String()),
		slog.String("status", string(pos.Status)),
	)
	return pos, nil
}
