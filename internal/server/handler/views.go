package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// Decimals are rendered as strings so clients never see float rounding.

type stageView struct {
	Number     int       `json:"number"`
	Investment string    `json:"investment"`
	Leverage   int       `json:"leverage"`
	EntryPrice string    `json:"entry_price"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

type clusterView struct {
	Price     string  `json:"price"`
	Strength  float64 `json:"strength"`
	Distance  float64 `json:"distance"`
	Synthetic bool    `json:"synthetic,omitempty"`
}

type positionView struct {
	ID                 string        `json:"id"`
	Symbol             string        `json:"symbol"`
	Direction          string        `json:"direction"`
	Status             string        `json:"status"`
	Stages             []stageView   `json:"stages"`
	AverageEntry       string        `json:"average_entry"`
	Size               string        `json:"size"`
	TotalInvestment    string        `json:"total_investment"`
	TakeProfitPrice    string        `json:"take_profit_price"`
	TrailingStop       *string       `json:"trailing_stop,omitempty"`
	FirstTakeProfitHit bool          `json:"first_take_profit_hit"`
	LiquidationPrice   string        `json:"liquidation_price"`
	InjectedMargin     string        `json:"injected_margin"`
	EmergencyInjected  bool          `json:"emergency_injected"`
	RealizedPnL        string        `json:"realized_pnl"`
	VaultID            string        `json:"vault_id,omitempty"`
	OpenedAt           time.Time     `json:"opened_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	ClosedAt           *time.Time    `json:"closed_at,omitempty"`
	ClustersAbove      []clusterView `json:"clusters_above,omitempty"`
	ClustersBelow      []clusterView `json:"clusters_below,omitempty"`
}

func newPositionView(p domain.Position) positionView {
	v := positionView{
		ID:                 p.ID,
		Symbol:             p.Symbol,
		Direction:          string(p.Direction),
		Status:             string(p.Status),
		Stages:             make([]stageView, 0, len(p.Stages)),
		AverageEntry:       p.AverageEntry.String(),
		Size:               p.Size.String(),
		TotalInvestment:    totalInvestment(p.Stages).String(),
		TakeProfitPrice:    p.TakeProfitPrice.String(),
		FirstTakeProfitHit: p.FirstTakeProfitHit,
		LiquidationPrice:   p.LiquidationPrice.String(),
		InjectedMargin:     p.InjectedMargin.String(),
		EmergencyInjected:  p.EmergencyInjected,
		RealizedPnL:        p.RealizedPnL.String(),
		VaultID:            p.VaultID,
		OpenedAt:           p.OpenedAt,
		UpdatedAt:          p.UpdatedAt,
		ClosedAt:           p.ClosedAt,
		ClustersAbove:      clusterViews(p.ClustersAbove),
		ClustersBelow:      clusterViews(p.ClustersBelow),
	}
	if p.TrailingStop != nil {
		ts := p.TrailingStop.String()
		v.TrailingStop = &ts
	}
	for _, s := range p.Stages {
		v.Stages = append(v.Stages, stageView{
			Number:     s.Number,
			Investment: s.Investment.String(),
			Leverage:   s.Leverage,
			EntryPrice: s.EntryPrice.String(),
			Confidence: s.Confidence,
			CreatedAt:  s.CreatedAt,
		})
	}
	return v
}

func totalInvestment(stages []domain.Stage) decimal.Decimal {
	total := decimal.Zero
	for _, s := range stages {
		total = total.Add(s.Investment)
	}
	return total
}

func clusterViews(cs []domain.LiquidationCluster) []clusterView {
	if len(cs) == 0 {
		return nil
	}
	out := make([]clusterView, 0, len(cs))
	for _, c := range cs {
		out = append(out, clusterView{
			Price:     c.Price.String(),
			Strength:  c.Strength,
			Distance:  c.Distance,
			Synthetic: c.Synthetic,
		})
	}
	return out
}

type orderView struct {
	ID             string     `json:"id"`
	PositionID     string     `json:"position_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	Size           string     `json:"size"`
	EntryPrice     string     `json:"entry_price"`
	ExecutionPrice *string    `json:"execution_price,omitempty"`
	ExitPrice      *string    `json:"exit_price,omitempty"`
	RiskScore      float64    `json:"risk_score"`
	Slippage       float64    `json:"slippage"`
	PnL            string     `json:"pnl"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	LatencyMs      float64    `json:"latency_ms"`
	CreatedAt      time.Time  `json:"created_at"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

func newOrderView(o domain.ExecutionOrder) orderView {
	return orderView{
		ID:             o.ID,
		PositionID:     o.PositionID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Kind:           string(o.Kind),
		Status:         string(o.Status),
		Size:           o.Size.String(),
		EntryPrice:     o.EntryPrice.String(),
		ExecutionPrice: decimalPtr(o.ExecutionPrice),
		ExitPrice:      decimalPtr(o.ExitPrice),
		RiskScore:      o.RiskScore,
		Slippage:       o.Slippage,
		PnL:            o.PnL.String(),
		FailureReason:  o.FailureReason,
		LatencyMs:      float64(o.Latency.Microseconds()) / 1000,
		CreatedAt:      o.CreatedAt,
		ExecutedAt:     o.ExecutedAt,
		ClosedAt:       o.ClosedAt,
	}
}

func decimalPtr(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
