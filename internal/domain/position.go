package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a leveraged position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionStatusOpen          PositionStatus = "open"
	PositionStatusScaling       PositionStatus = "scaling"
	PositionStatusPartialClosed PositionStatus = "partial_closed"
	PositionStatusClosed        PositionStatus = "closed"
	PositionStatusLiquidated    PositionStatus = "liquidated"
)

// ValidTransitions lists the allowed status moves. Closed and liquidated are
// terminal.
var ValidTransitions = map[PositionStatus][]PositionStatus{
	PositionStatusOpen: {
		PositionStatusScaling, PositionStatusPartialClosed,
		PositionStatusClosed, PositionStatusLiquidated,
	},
	PositionStatusScaling: {
		PositionStatusScaling, PositionStatusPartialClosed,
		PositionStatusClosed, PositionStatusLiquidated,
	},
	PositionStatusPartialClosed: {
		PositionStatusClosed, PositionStatusLiquidated,
	},
}

// CanTransition reports whether a position may move from one status to another.
func CanTransition(from, to PositionStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// IsActive reports whether positions in this status are still monitored.
func (s PositionStatus) IsActive() bool {
	switch s {
	case PositionStatusOpen, PositionStatusScaling, PositionStatusPartialClosed:
		return true
	default:
		return false
	}
}

// Stage is one capital commitment into a position. Stages are immutable once
// recorded.
type Stage struct {
	Number     int
	Investment decimal.Decimal
	Leverage   int
	EntryPrice decimal.Decimal
	Confidence float64
	CreatedAt  time.Time
}

// Notional is investment multiplied by leverage.
func (s Stage) Notional() decimal.Decimal {
	return s.Investment.Mul(decimal.NewFromInt(int64(s.Leverage)))
}

// Quantity is the base-asset amount bought or sold by this stage.
func (s Stage) Quantity() decimal.Decimal {
	if s.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return s.Notional().Div(s.EntryPrice)
}

// Position is a leveraged exposure to one symbol in one direction. The
// persisted copy is authoritative; the engine only ever holds clones.
type Position struct {
	ID                 string
	Symbol             string
	Direction          Direction
	Status             PositionStatus
	Stages             []Stage
	AverageEntry       decimal.Decimal
	Size               decimal.Decimal // remaining notional
	OpenFraction       decimal.Decimal // share of stage exposure still held after the first take-profit
	TakeProfitPrice    decimal.Decimal
	TrailingStop       *decimal.Decimal
	FirstTakeProfitHit bool
	LiquidationPrice   decimal.Decimal
	InjectedMargin     decimal.Decimal
	EmergencyInjected  bool
	RealizedPnL        decimal.Decimal
	VaultID            string
	OpenedAt           time.Time
	UpdatedAt          time.Time
	ClosedAt           *time.Time

	// Refreshed by the cluster updater, never persisted.
	ClustersAbove []LiquidationCluster
	ClustersBelow []LiquidationCluster
}

// HeldFraction is the share of stage exposure still held. Until the first
// take-profit fires the position is fully held and OpenFraction is ignored.
func (p Position) HeldFraction() decimal.Decimal {
	if !p.FirstTakeProfitHit {
		return decimal.NewFromInt(1)
	}
	if p.OpenFraction.IsNegative() {
		return decimal.Zero
	}
	return p.OpenFraction
}

// LastStage returns the most recent stage.
func (p Position) LastStage() (Stage, bool) {
	if len(p.Stages) == 0 {
		return Stage{}, false
	}
	return p.Stages[len(p.Stages)-1], true
}

// Clone returns a deep copy so callers can mutate it freely.
func (p Position) Clone() Position {
	out := p
	out.Stages = slices.Clone(p.Stages)
	out.ClustersAbove = slices.Clone(p.ClustersAbove)
	out.ClustersBelow = slices.Clone(p.ClustersBelow)
	if p.TrailingStop != nil {
		ts := *p.TrailingStop
		out.TrailingStop = &ts
	}
	if p.ClosedAt != nil {
		c := *p.ClosedAt
		out.ClosedAt = &c
	}
	return out
}

// AdverseClusters returns the clusters lying in the direction that hurts the
// position: below price for a long, above for a short.
func (p Position) AdverseClusters() []LiquidationCluster {
	if p.Direction == DirectionShort {
		return p.ClustersAbove
	}
	return p.ClustersBelow
}
