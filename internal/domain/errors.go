package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
	ErrFeedUnavailable   = errors.New("feed unavailable")
	ErrStalePrice        = errors.New("stale price")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInsufficientFunds = errors.New("insufficient vault balance")
)

// FeedError reports a failed or timed-out price/cluster fetch. It always
// unwraps to ErrFeedUnavailable so callers can degrade with errors.Is.
type FeedError struct {
	Source string
	Symbol string
	Err    error
}

func (e *FeedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s feed unavailable for %s", e.Source, e.Symbol)
	}
	return fmt.Sprintf("%s feed unavailable for %s: %v", e.Source, e.Symbol, e.Err)
}

func (e *FeedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFeedUnavailable}
	}
	return []error{ErrFeedUnavailable, e.Err}
}

// ValidationError reports malformed calculator input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RejectionReason is the closed set of pre-trade rejection causes.
type RejectionReason string

const (
	RejectLowConfidence    RejectionReason = "confidence_below_threshold"
	RejectSizeExceedsMax   RejectionReason = "size_exceeds_max"
	RejectExposureExceeded RejectionReason = "exposure_exceeds_portfolio_limit"
	RejectLowRiskReward    RejectionReason = "risk_reward_below_minimum"
)

// RejectionError is returned when the validator refuses an order.
type RejectionError struct {
	Reason    RejectionReason
	RiskScore float64
}

func (e *RejectionError) Error() string {
	return "order rejected: " + string(e.Reason)
}

// ExecutionFailure is the closed set of execution failure causes.
type ExecutionFailure string

const (
	FailSlippageExceeded      ExecutionFailure = "slippage_exceeded"
	FailMissingExecutionPrice ExecutionFailure = "missing_execution_price"
	FailUnknownOrder          ExecutionFailure = "unknown_order"
)

// ExecutionError is returned when a fill or close cannot be applied.
type ExecutionError struct {
	OrderID string
	Reason  ExecutionFailure
	Err     error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("order %s failed: %s", e.OrderID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PositionCheckError wraps any failure while evaluating a single position.
type PositionCheckError struct {
	PositionID string
	Err        error
}

func (e *PositionCheckError) Error() string {
	return fmt.Sprintf("check position %s: %v", e.PositionID, e.Err)
}

func (e *PositionCheckError) Unwrap() error { return e.Err }
