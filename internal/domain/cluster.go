package domain

import "github.com/shopspring/decimal"

// ClusterSide says whether a cluster sits above or below the current price.
type ClusterSide string

const (
	ClusterAbove ClusterSide = "above"
	ClusterBelow ClusterSide = "below"
)

// LiquidationCluster is an externally estimated price level with concentrated
// liquidation volume. Value type; refreshed every cluster tick.
type LiquidationCluster struct {
	Price     decimal.Decimal
	Side      ClusterSide
	Strength  float64 // 0..1
	Volume    decimal.Decimal
	Distance  float64 // signed fraction from current price
	Synthetic bool    // true for fallback estimates
}

// LiquidationPlacement locates a liquidation price relative to the two nearest
// adverse clusters.
type LiquidationPlacement string

const (
	LiquidationBeforeClusters  LiquidationPlacement = "before"
	LiquidationBetweenClusters LiquidationPlacement = "between"
	LiquidationAfterClusters   LiquidationPlacement = "after"
)
