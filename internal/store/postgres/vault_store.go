package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// VaultStore implements domain.VaultStore.
type VaultStore struct {
	pool *pgxpool.Pool
}

// NewVaultStore creates a new VaultStore backed by the given connection pool.
func NewVaultStore(pool *pgxpool.Pool) *VaultStore {
	return &VaultStore{pool: pool}
}

// Balance returns the vault balance, or domain.ErrNotFound.
func (s *VaultStore) Balance(ctx context.Context, vaultID string) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT balance::text FROM vaults WHERE id = $1`, vaultID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("postgres: vault balance %s: %w", vaultID, err)
	}
	bal, err := parseDecimal(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: vault balance %s: %w", vaultID, err)
	}
	return bal, nil
}

// Upsert creates the vault or overwrites its balance.
func (s *VaultStore) Upsert(ctx context.Context, v domain.Vault) error {
	const query = `
		INSERT INTO vaults (id, balance, updated_at) VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, v.ID, v.Balance.String()); err != nil {
		return fmt.Errorf("postgres: upsert vault %s: %w", v.ID, err)
	}
	return nil
}

// Withdraw debits amount under a row lock and returns the new balance.
func (s *VaultStore) Withdraw(ctx context.Context, vaultID string, amount decimal.Decimal) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: withdraw %s: begin: %w", vaultID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw string
	err = tx.QueryRow(ctx, `SELECT balance::text FROM vaults WHERE id = $1 FOR UPDATE`, vaultID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("postgres: withdraw %s: %w", vaultID, err)
	}
	bal, err := parseDecimal(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: withdraw %s: %w", vaultID, err)
	}
	if bal.LessThan(amount) {
		return bal, domain.ErrInsufficientFunds
	}

	next := bal.Sub(amount)
	if _, err := tx.Exec(ctx,
		`UPDATE vaults SET balance = $2::numeric, updated_at = NOW() WHERE id = $1`,
		vaultID, next.String(),
	); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: withdraw %s: %w", vaultID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: withdraw %s: commit: %w", vaultID, err)
	}
	return next, nil
}

// Deposit credits amount and returns the new balance.
func (s *VaultStore) Deposit(ctx context.Context, vaultID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`UPDATE vaults SET balance = balance + $2::numeric, updated_at = NOW() WHERE id = $1 RETURNING balance::text`,
		vaultID, amount.String(),
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("postgres: deposit %s: %w", vaultID, err)
	}
	bal, err := parseDecimal(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: deposit %s: %w", vaultID, err)
	}
	return bal, nil
}

// Compile-time interface check.
var _ domain.VaultStore = (*VaultStore)(nil)
