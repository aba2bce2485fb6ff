package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceFeed returns the latest mark price for a symbol. Implementations
// return an error wrapping ErrFeedUnavailable when no usable price exists.
type PriceFeed interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ClusterProvider returns up to two liquidation clusters on each side of price,
// nearest first.
type ClusterProvider interface {
	Clusters(ctx context.Context, symbol string, price decimal.Decimal) (above, below []LiquidationCluster, err error)
}

// PositionReader is the read side of position persistence used by the engine.
type PositionReader interface {
	ListActive(ctx context.Context) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
}

// PositionExecutor mutates persisted positions. Every call is authoritative
// and returns the updated record.
type PositionExecutor interface {
	ApplyScaleIn(ctx context.Context, positionID string, price decimal.Decimal, stage Stage) (Position, error)
	ApplyTakeProfit(ctx context.Context, positionID string, price, fraction, trailingStop decimal.Decimal) (Position, error)
	ApplyTrailingStop(ctx context.Context, positionID string, price decimal.Decimal) (Position, error)
	ApplyMarginInjection(ctx context.Context, positionID string, amount decimal.Decimal) (Position, error)
	ApplyLiquidation(ctx context.Context, positionID string, price decimal.Decimal) (Position, error)
}

// AlertSink receives lifecycle alerts.
type AlertSink interface {
	Publish(ctx context.Context, alert Alert) error
}

// VaultBalance reports funds available for emergency margin.
type VaultBalance interface {
	Balance(ctx context.Context, vaultID string) (decimal.Decimal, error)
}
