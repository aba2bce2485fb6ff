package app

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/config"
	"github.com/alanyoungcy/leveragebot/internal/lifecycle"
	"github.com/alanyoungcy/leveragebot/internal/scaling"
	"github.com/alanyoungcy/leveragebot/internal/service"
)

func scalingParams(cfg *config.Config) scaling.Params {
	return scaling.Params{
		TakeProfitFraction: decimal.NewFromFloat(cfg.Lifecycle.TakeProfitFraction),
		TrailingStopOffset: decimal.NewFromFloat(cfg.Lifecycle.TrailingStopOffset),
		MaintenanceMargin:  decimal.NewFromFloat(cfg.Lifecycle.MaintenanceMargin),
		MaxStages:          cfg.Engine.MaxStages,
	}
}

func validatorConfig(cfg *config.Config) service.ValidatorConfig {
	r := cfg.Risk
	return service.ValidatorConfig{
		MinConfidence:       r.MinConfidence,
		MaxPositionSize:     decimal.NewFromFloat(r.MaxPositionSize),
		PortfolioValue:      decimal.NewFromFloat(r.PortfolioValue),
		MaxExposureFraction: r.MaxExposureFraction,
		MinRiskReward:       r.MinRiskReward,
		MaxSlippage:         r.MaxSlippage,
		SlippageFloor:       r.SlippageFloor,
		SlippageCeiling:     r.SlippageCeiling,
		MarketRegimeRisk:    r.MarketRegimeRisk,
	}
}

func lifecycleConfig(cfg *config.Config) lifecycle.Config {
	e, l := cfg.Engine, cfg.Lifecycle
	return lifecycle.Config{
		MonitorInterval:         e.MonitorInterval.Duration,
		ClusterInterval:         e.ClusterInterval.Duration,
		HealthInterval:          e.HealthInterval.Duration,
		FeedTimeout:             e.FeedTimeout.Duration,
		Bankroll:                decimal.NewFromFloat(e.Bankroll),
		EmergencyMarginFraction: decimal.NewFromFloat(l.EmergencyMarginFraction),
		EmergencyProximity:      l.EmergencyProximity,
		DoublingMarginLoss:      l.DoublingMarginLoss,
		ClusterProximity:        l.ClusterProximity,
		AlertBuffer:             e.AlertBuffer,
		LockTTL:                 e.LockTTL.Duration,
	}
}
