package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerReason names why the engine decided to act on a position.
type TriggerReason string

const (
	TriggerNone             TriggerReason = "none"
	TriggerMarginLoss       TriggerReason = "margin_loss"
	TriggerClusterProximity TriggerReason = "cluster_proximity"
	TriggerEmergencyMargin  TriggerReason = "emergency_margin"
	TriggerTakeProfit       TriggerReason = "take_profit"
	TriggerTrailingStop     TriggerReason = "trailing_stop"
	TriggerLiquidation      TriggerReason = "liquidation"
)

// ScalingDecision is produced and consumed within a single tick.
type ScalingDecision struct {
	ShouldScale    bool
	Reason         TriggerReason
	NextStage      int
	Confidence     float64
	RiskAssessment string
}

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert reports the actions taken (or attempted) on one position in a tick.
type Alert struct {
	PositionID string
	Symbol     string
	Actions    []string
	Price      decimal.Decimal
	Severity   Severity
	Reason     TriggerReason
	Detail     string
	CreatedAt  time.Time
}
