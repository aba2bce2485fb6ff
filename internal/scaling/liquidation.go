package scaling

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// LiquidationPrice estimates the isolated-margin liquidation level for a
// position with the given entry, posted margin and notional. A result of zero
// means the margin covers any adverse move.
func LiquidationPrice(dir domain.Direction, entry, margin, notional, maintenance decimal.Decimal) decimal.Decimal {
	if !notional.IsPositive() || !entry.IsPositive() {
		return decimal.Zero
	}
	one := decimal.NewFromInt(1)
	cushion := margin.Div(notional).Sub(maintenance)
	if dir == domain.DirectionShort {
		return entry.Mul(one.Add(cushion))
	}
	liq := entry.Mul(one.Sub(cushion))
	if liq.IsNegative() {
		return decimal.Zero
	}
	return liq
}

// PositionLiquidationPrice applies LiquidationPrice to every stage of pos plus
// any injected margin.
func (c *Calculator) PositionLiquidationPrice(pos domain.Position) (decimal.Decimal, error) {
	m, err := ComputeMetrics(pos.Stages)
	if err != nil {
		return decimal.Zero, err
	}
	margin := m.TotalInvested.Add(pos.InjectedMargin)
	return LiquidationPrice(pos.Direction, WeightedEntry(pos.Stages), margin, m.TotalPositionValue, c.params.MaintenanceMargin), nil
}

// LiquidationCrossed reports whether price has reached the liquidation level.
func LiquidationCrossed(dir domain.Direction, price, liq decimal.Decimal) bool {
	if !liq.IsPositive() {
		return false
	}
	if dir == domain.DirectionShort {
		return price.GreaterThanOrEqual(liq)
	}
	return price.LessThanOrEqual(liq)
}

// ClassifyLiquidation places liq relative to the nearest and farther adverse
// clusters, walking in the direction the market must move to hurt the
// position. "before" means liquidation is reached first.
func ClassifyLiquidation(dir domain.Direction, liq, nearest, farther decimal.Decimal) domain.LiquidationPlacement {
	if dir == domain.DirectionShort {
		switch {
		case liq.LessThanOrEqual(nearest):
			return domain.LiquidationBeforeClusters
		case liq.LessThanOrEqual(farther):
			return domain.LiquidationBetweenClusters
		default:
			return domain.LiquidationAfterClusters
		}
	}
	switch {
	case liq.GreaterThanOrEqual(nearest):
		return domain.LiquidationBeforeClusters
	case liq.GreaterThanOrEqual(farther):
		return domain.LiquidationBetweenClusters
	default:
		return domain.LiquidationAfterClusters
	}
}

// ProximityTo returns |price - level| / price.
func ProximityTo(price, level decimal.Decimal) float64 {
	if !price.IsPositive() {
		return 0
	}
	return price.Sub(level).Abs().Div(price).InexactFloat64()
}
