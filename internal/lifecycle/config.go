package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config tunes the engine's schedules and trigger thresholds.
type Config struct {
	MonitorInterval time.Duration
	ClusterInterval time.Duration
	HealthInterval  time.Duration
	FeedTimeout     time.Duration

	// Bankroll is the account value used for exposure figures in snapshots.
	Bankroll decimal.Decimal

	EmergencyMarginFraction decimal.Decimal // share of vault balance injected
	EmergencyProximity      float64         // |price-liq|/price at or below which emergency fires
	DoublingMarginLoss      float64         // margin loss at or above which doubling fires
	ClusterProximity        float64         // distance to the nearest adverse cluster

	AlertBuffer int
	LockTTL     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:         5 * time.Second,
		ClusterInterval:         30 * time.Second,
		HealthInterval:          60 * time.Second,
		FeedTimeout:             8 * time.Second,
		Bankroll:                decimal.NewFromInt(10000),
		EmergencyMarginFraction: decimal.RequireFromString("0.15"),
		EmergencyProximity:      0.02,
		DoublingMarginLoss:      0.8,
		ClusterProximity:        0.002,
		AlertBuffer:             256,
		LockTTL:                 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.ClusterInterval <= 0 {
		c.ClusterInterval = def.ClusterInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = def.HealthInterval
	}
	if c.FeedTimeout <= 0 {
		c.FeedTimeout = def.FeedTimeout
	}
	if c.AlertBuffer <= 0 {
		c.AlertBuffer = def.AlertBuffer
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.EmergencyMarginFraction.IsZero() {
		c.EmergencyMarginFraction = def.EmergencyMarginFraction
	}
	if c.EmergencyProximity <= 0 {
		c.EmergencyProximity = def.EmergencyProximity
	}
	if c.DoublingMarginLoss <= 0 {
		c.DoublingMarginLoss = def.DoublingMarginLoss
	}
	if c.ClusterProximity <= 0 {
		c.ClusterProximity = def.ClusterProximity
	}
	return c
}
