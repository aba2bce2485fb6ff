package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// ExecutionSource exposes the validator's in-memory view.
type ExecutionSource interface {
	Metrics() domain.ExecutionMetrics
	ActiveOrders() []domain.ExecutionOrder
}

// OrderHistory lists persisted validator orders.
type OrderHistory interface {
	ListRecent(ctx context.Context, limit int) ([]domain.ExecutionOrder, error)
}

// ExecutionHandler serves validator metrics and orders.
type ExecutionHandler struct {
	source  ExecutionSource
	history OrderHistory
	logger  *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler. history may be nil, in
// which case orders come from the validator's active set only.
func NewExecutionHandler(source ExecutionSource, history OrderHistory, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{source: source, history: history, logger: logger}
}

type metricsResponse struct {
	TotalOrders  int64   `json:"total_orders"`
	Executed     int64   `json:"executed"`
	Failed       int64   `json:"failed"`
	Rejected     int64   `json:"rejected"`
	Cancelled    int64   `json:"cancelled"`
	Closed       int64   `json:"closed"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	AvgRiskScore float64 `json:"avg_risk_score"`
	TotalPnL     string  `json:"total_pnl"`
}

// Metrics returns the validator's aggregate counters.
// GET /api/execution/metrics
func (h *ExecutionHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m := h.source.Metrics()
	writeJSON(w, http.StatusOK, metricsResponse{
		TotalOrders:  m.TotalOrders,
		Executed:     m.Executed,
		Failed:       m.Failed,
		Rejected:     m.Rejected,
		Cancelled:    m.Cancelled,
		Closed:       m.Closed,
		SuccessRate:  m.SuccessRate,
		AvgLatencyMs: float64(m.AvgLatency.Microseconds()) / 1000,
		AvgRiskScore: m.AvgRiskScore,
		TotalPnL:     m.TotalPnL.String(),
	})
}

type listOrdersResponse struct {
	Orders []orderView `json:"orders"`
}

// ListOrders returns open orders, or persisted ones with ?scope=recent.
// GET /api/execution/orders
func (h *ExecutionHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var orders []domain.ExecutionOrder
	switch r.URL.Query().Get("scope") {
	case "", "active":
		orders = h.source.ActiveOrders()
	case "recent":
		if h.history == nil {
			writeError(w, http.StatusNotImplemented, "order history is not configured")
			return
		}
		limit := 100
		if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
			limit = min(n, 500)
		}
		var err error
		orders, err = h.history.ListRecent(r.Context(), limit)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list orders failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list orders")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "scope must be active or recent")
		return
	}

	resp := listOrdersResponse{Orders: make([]orderView, 0, len(orders))}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, newOrderView(o))
	}
	writeJSON(w, http.StatusOK, resp)
}
