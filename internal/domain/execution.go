package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExecutionKind distinguishes the risk-gated actions.
type ExecutionKind string

const (
	ExecutionScaleIn ExecutionKind = "scale_in"
	ExecutionClose   ExecutionKind = "close"
)

// ExecutionStatus is the state of an ExecutionOrder.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionExecuting ExecutionStatus = "executing"
	ExecutionExecuted  ExecutionStatus = "executed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionRequest is the input to the pre-trade gate.
type ExecutionRequest struct {
	PositionID string
	Symbol     string
	Side       Direction
	Kind       ExecutionKind
	Confidence float64
	Size       decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// ValidationResult is the outcome of the pre-trade gate.
type ValidationResult struct {
	Approved   bool
	Reason     RejectionReason
	RiskScore  float64
	RiskReward float64
}

// ExecutionOrder is a proposed or completed risk-gated action.
type ExecutionOrder struct {
	ID             string
	PositionID     string
	Symbol         string
	Side           Direction
	Kind           ExecutionKind
	Status         ExecutionStatus
	Size           decimal.Decimal
	EntryPrice     decimal.Decimal
	ExecutionPrice *decimal.Decimal
	ExitPrice      *decimal.Decimal
	StopLoss       decimal.Decimal
	TakeProfit     decimal.Decimal
	Confidence     float64
	RiskScore      float64
	Slippage       float64
	PnL            decimal.Decimal
	FailureReason  string
	Latency        time.Duration
	CreatedAt      time.Time
	ExecutedAt     *time.Time
	ClosedAt       *time.Time
}

// ExecutionMetrics aggregates validator outcomes for the process lifetime.
// Averages are maintained incrementally.
type ExecutionMetrics struct {
	TotalOrders  int64
	Executed     int64
	Failed       int64
	Rejected     int64
	Cancelled    int64
	Closed       int64
	SuccessRate  float64
	AvgLatency   time.Duration
	AvgRiskScore float64
	TotalPnL     decimal.Decimal
}
