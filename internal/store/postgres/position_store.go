package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// PositionStore implements domain.PositionStore. Stages live in their own
// table and are append-only.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, direction, status,
	average_entry::text, size::text, open_fraction::text, take_profit_price::text,
	trailing_stop::text, first_tp_hit, liquidation_price::text,
	injected_margin::text, emergency_injected, realized_pnl::text,
	vault_id, opened_at, updated_at, closed_at`

const activeStatuses = `('open', 'scaling', 'partial_closed')`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                 domain.Position
		direction, status string
		avg, size, frac   string
		tp, liq, inj, pnl string
		trailing          *string
	)
	if err := row.Scan(
		&p.ID, &p.Symbol, &direction, &status,
		&avg, &size, &frac, &tp,
		&trailing, &p.FirstTakeProfitHit, &liq,
		&inj, &p.EmergencyInjected, &pnl,
		&p.VaultID, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	); err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)

	var err error
	if p.AverageEntry, err = parseDecimal(avg); err != nil {
		return domain.Position{}, fmt.Errorf("average_entry: %w", err)
	}
	if p.Size, err = parseDecimal(size); err != nil {
		return domain.Position{}, fmt.Errorf("size: %w", err)
	}
	if p.OpenFraction, err = parseDecimal(frac); err != nil {
		return domain.Position{}, fmt.Errorf("open_fraction: %w", err)
	}
	if p.TakeProfitPrice, err = parseDecimal(tp); err != nil {
		return domain.Position{}, fmt.Errorf("take_profit_price: %w", err)
	}
	if p.TrailingStop, err = parseNullDecimal(trailing); err != nil {
		return domain.Position{}, fmt.Errorf("trailing_stop: %w", err)
	}
	if p.LiquidationPrice, err = parseDecimal(liq); err != nil {
		return domain.Position{}, fmt.Errorf("liquidation_price: %w", err)
	}
	if p.InjectedMargin, err = parseDecimal(inj); err != nil {
		return domain.Position{}, fmt.Errorf("injected_margin: %w", err)
	}
	if p.RealizedPnL, err = parseDecimal(pnl); err != nil {
		return domain.Position{}, fmt.Errorf("realized_pnl: %w", err)
	}
	return p, nil
}

// Create inserts a position and its stages in one transaction.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: begin: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		INSERT INTO positions (
			id, symbol, direction, status,
			average_entry, size, open_fraction, take_profit_price,
			trailing_stop, first_tp_hit, liquidation_price,
			injected_margin, emergency_injected, realized_pnl,
			vault_id, opened_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4,
			$5::numeric, $6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10, $11::numeric,
			$12::numeric, $13, $14::numeric,
			$15, $16, $17, $18
		)`
	_, err = tx.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Direction), string(p.Status),
		p.AverageEntry.String(), p.Size.String(), p.OpenFraction.String(), p.TakeProfitPrice.String(),
		nullDecimalText(p.TrailingStop), p.FirstTakeProfitHit, p.LiquidationPrice.String(),
		p.InjectedMargin.String(), p.EmergencyInjected, p.RealizedPnL.String(),
		p.VaultID, p.OpenedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if err := insertStages(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: create position %s: commit: %w", p.ID, err)
	}
	return nil
}

// Update replaces the mutable fields and appends stages not yet stored.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: begin: %w", p.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const query = `
		UPDATE positions SET
			status             = $2,
			average_entry      = $3::numeric,
			size               = $4::numeric,
			open_fraction      = $5::numeric,
			take_profit_price  = $6::numeric,
			trailing_stop      = $7::numeric,
			first_tp_hit       = $8,
			liquidation_price  = $9::numeric,
			injected_margin    = $10::numeric,
			emergency_injected = $11,
			realized_pnl       = $12::numeric,
			updated_at         = $13,
			closed_at          = $14
		WHERE id = $1`
	tag, err := tx.Exec(ctx, query,
		p.ID, string(p.Status),
		p.AverageEntry.String(), p.Size.String(), p.OpenFraction.String(), p.TakeProfitPrice.String(),
		nullDecimalText(p.TrailingStop), p.FirstTakeProfitHit, p.LiquidationPrice.String(),
		p.InjectedMargin.String(), p.EmergencyInjected, p.RealizedPnL.String(),
		p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	if err := insertStages(ctx, tx, p); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: update position %s: commit: %w", p.ID, err)
	}
	return nil
}

func insertStages(ctx context.Context, tx pgx.Tx, p domain.Position) error {
	const query = `
		INSERT INTO position_stages (
			position_id, number, investment, leverage, entry_price, confidence, created_at
		) VALUES ($1, $2, $3::numeric, $4, $5::numeric, $6, $7)
		ON CONFLICT (position_id, number) DO NOTHING`

	batch := &pgx.Batch{}
	for _, st := range p.Stages {
		batch.Queue(query,
			p.ID, st.Number, st.Investment.String(), st.Leverage,
			st.EntryPrice.String(), st.Confidence, st.CreatedAt,
		)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert stages for %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a position with its stages.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	out := []domain.Position{p}
	if err := s.attachStages(ctx, out); err != nil {
		return domain.Position{}, err
	}
	return out[0], nil
}

// ListActive returns every open, scaling or partially closed position.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	return s.query(ctx, "list active positions",
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN `+activeStatuses+` ORDER BY opened_at`)
}

// ListHistory returns positions newest first with optional time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY opened_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return s.query(ctx, "list position history", query, args...)
}

func (s *PositionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	if err := s.attachStages(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachStages loads stages for all positions in one query.
func (s *PositionStore) attachStages(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, len(positions))
	index := make(map[string]int, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
		index[p.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT position_id, number, investment::text, leverage, entry_price::text, confidence, created_at
		FROM position_stages WHERE position_id = ANY($1)
		ORDER BY position_id, number`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load stages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			posID             string
			st                domain.Stage
			investment, entry string
		)
		if err := rows.Scan(&posID, &st.Number, &investment, &st.Leverage, &entry, &st.Confidence, &st.CreatedAt); err != nil {
			return fmt.Errorf("postgres: scan stage: %w", err)
		}
		if st.Investment, err = parseDecimal(investment); err != nil {
			return fmt.Errorf("postgres: stage investment: %w", err)
		}
		if st.EntryPrice, err = parseDecimal(entry); err != nil {
			return fmt.Errorf("postgres: stage entry_price: %w", err)
		}
		i := index[posID]
		positions[i].Stages = append(positions[i].Stages, st)
	}
	return rows.Err()
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
