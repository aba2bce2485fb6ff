package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore. Orders are upserted on
// every state change, so the row always reflects the latest status.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `id, position_id, symbol, side, kind, status,
	size::text, entry_price::text, execution_price::text, exit_price::text,
	stop_loss::text, take_profit::text, confidence, risk_score, slippage,
	pnl::text, failure_reason, latency_us, created_at, executed_at, closed_at`

// Save inserts or updates an order.
func (s *ExecutionStore) Save(ctx context.Context, o domain.ExecutionOrder) error {
	const query = `
		INSERT INTO execution_orders (
			id, position_id, symbol, side, kind, status,
			size, entry_price, execution_price, exit_price,
			stop_loss, take_profit, confidence, risk_score, slippage,
			pnl, failure_reason, latency_us, created_at, executed_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8::numeric, $9::numeric, $10::numeric,
			$11::numeric, $12::numeric, $13, $14, $15,
			$16::numeric, $17, $18, $19, $20, $21
		)
		ON CONFLICT (id) DO UPDATE SET
			status          = EXCLUDED.status,
			execution_price = EXCLUDED.execution_price,
			exit_price      = EXCLUDED.exit_price,
			slippage        = EXCLUDED.slippage,
			pnl             = EXCLUDED.pnl,
			failure_reason  = EXCLUDED.failure_reason,
			latency_us      = EXCLUDED.latency_us,
			executed_at     = EXCLUDED.executed_at,
			closed_at       = EXCLUDED.closed_at`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.PositionID, o.Symbol, string(o.Side), string(o.Kind), string(o.Status),
		o.Size.String(), o.EntryPrice.String(), nullDecimalText(o.ExecutionPrice), nullDecimalText(o.ExitPrice),
		o.StopLoss.String(), o.TakeProfit.String(), o.Confidence, o.RiskScore, o.Slippage,
		o.PnL.String(), o.FailureReason, o.Latency.Microseconds(), o.CreatedAt, o.ExecutedAt, o.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save execution order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns one order, or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionOrder, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionSelectCols+` FROM execution_orders WHERE id = $1`, id)
	o, err := scanExecutionOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ExecutionOrder{}, domain.ErrNotFound
		}
		return domain.ExecutionOrder{}, fmt.Errorf("postgres: get execution order %s: %w", id, err)
	}
	return o, nil
}

// ListRecent returns up to limit orders, newest first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionOrder, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionSelectCols+` FROM execution_orders ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list execution orders: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionOrder
	for rows.Next() {
		o, err := scanExecutionOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list execution orders: %w", err)
	}
	return out, nil
}

func scanExecutionOrder(row pgx.Row) (domain.ExecutionOrder, error) {
	var (
		o                          domain.ExecutionOrder
		side, kind, status         string
		size, entry, stop, tp, pnl string
		execPrice, exitPrice       *string
		latencyUS                  int64
	)
	if err := row.Scan(
		&o.ID, &o.PositionID, &o.Symbol, &side, &kind, &status,
		&size, &entry, &execPrice, &exitPrice,
		&stop, &tp, &o.Confidence, &o.RiskScore, &o.Slippage,
		&pnl, &o.FailureReason, &latencyUS, &o.CreatedAt, &o.ExecutedAt, &o.ClosedAt,
	); err != nil {
		return domain.ExecutionOrder{}, err
	}
	o.Side = domain.Direction(side)
	o.Kind = domain.ExecutionKind(kind)
	o.Status = domain.ExecutionStatus(status)
	o.Latency = time.Duration(latencyUS) * time.Microsecond

	var err error
	if o.Size, err = parseDecimal(size); err != nil {
		return domain.ExecutionOrder{}, fmt.Errorf("size: %w", err)
	}
	if o.EntryPrice, err = parseDecimal(entry); err != nil {
		return domain.ExecutionOrder{}, fmt.Errorf("entry_price: %w", err)
	}
	if o.ExecutionPrice, err = parseNullDecimal(execPrice); err != nil {
		return domain.ExecutionOrder{}, fmt.Errorf("execution_price: %w", err)
	}
	if o.ExitPrice, err = parseNullDecimal(exitPrice); err != nil {
		return domain.ExecutionOrder{}, fmt.Errorf("exit_price: %w", err)
	}
	if o.StopLoss, err = parseDecimal(stop); err != nil {
		return domain.ExecutionOrder{}, fmt.Errorf("stop_loss: %w", err)
	}
	if o.TakeProfit, err = parseDecimal(tp); err != nil {
		return domain.ExecutionOrder{}, fmt.Errorf("take_profit: %w", err)
	}
	if o.PnL, err = parseDecimal(pnl); err != nil {
		return domain.ExecutionOrder{}, fmt.Errorf("pnl: %w", err)
	}
	return o, nil
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)
