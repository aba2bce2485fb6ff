package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions and their stages.
type PositionStore interface {
	PositionReader
	Create(ctx context.Context, pos Position) error
	// Update replaces the mutable fields of a position and inserts any stages
	// not yet stored.
	Update(ctx context.Context, pos Position) error
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
}

// Vault is a pool of funds used for emergency margin.
type Vault struct {
	ID        string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

// VaultStore persists vault balances.
type VaultStore interface {
	VaultBalance
	Upsert(ctx context.Context, v Vault) error
	// Withdraw debits amount and returns the new balance. It fails with
	// ErrInsufficientFunds when the balance would go negative.
	Withdraw(ctx context.Context, vaultID string, amount decimal.Decimal) (decimal.Decimal, error)
	// Deposit credits amount and returns the new balance.
	Deposit(ctx context.Context, vaultID string, amount decimal.Decimal) (decimal.Decimal, error)
}

// ExecutionStore persists validator orders.
type ExecutionStore interface {
	Save(ctx context.Context, order ExecutionOrder) error
	GetByID(ctx context.Context, id string) (ExecutionOrder, error)
	ListRecent(ctx context.Context, limit int) ([]ExecutionOrder, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	// ListAfter returns entries with ID greater than afterID, oldest first.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]AuditEntry, error)
}
