package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/service"
)

// PositionLister is the read side the position endpoints need.
type PositionLister interface {
	ListActive(ctx context.Context) ([]domain.Position, error)
	GetByID(ctx context.Context, id string) (domain.Position, error)
	ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionOpener creates new positions.
type PositionOpener interface {
	OpenPosition(ctx context.Context, req service.OpenRequest) (domain.Position, error)
}

// Tracker is told about positions opened through the API so the engine
// monitors them before its next store sync.
type Tracker interface {
	Track(id, symbol string)
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	positions PositionLister
	opener    PositionOpener
	tracker   Tracker
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler. opener and tracker may be nil,
// in which case POST /api/positions answers 501.
func NewPositionHandler(positions PositionLister, opener PositionOpener, tracker Tracker, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		opener:    opener,
		tracker:   tracker,
		logger:    logger,
	}
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns active positions, or the full history with
// ?scope=history.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var (
		positions []domain.Position
		err       error
	)
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "active":
		positions, err = h.positions.ListActive(r.Context())
	case "history":
		positions, err = h.positions.ListHistory(r.Context(), parseListOpts(r))
	default:
		writeError(w, http.StatusBadRequest, "scope must be active or history")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	resp := listPositionsResponse{Positions: make([]positionView, 0, len(positions))}
	for _, p := range positions {
		resp.Positions = append(resp.Positions, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := h.positions.GetByID(r.Context(), id)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: get position failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, status, "failed to get position")
			return
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

type openPositionRequest struct {
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Investment string  `json:"investment"`
	Leverage   int     `json:"leverage"`
	EntryPrice string  `json:"entry_price"`
	Confidence float64 `json:"confidence"`
	VaultID    string  `json:"vault_id"`
}

// OpenPosition creates a position with a single stage and starts tracking it.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	if h.opener == nil {
		writeError(w, http.StatusNotImplemented, "opening positions is disabled in this mode")
		return
	}

	var body openPositionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	investment, err := decimal.NewFromString(body.Investment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "investment must be a decimal string")
		return
	}
	entry, err := decimal.NewFromString(body.EntryPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, "entry_price must be a decimal string")
		return
	}

	pos, err := h.opener.OpenPosition(r.Context(), service.OpenRequest{
		Symbol:     body.Symbol,
		Direction:  domain.Direction(body.Direction),
		Investment: investment,
		Leverage:   body.Leverage,
		EntryPrice: entry,
		Confidence: body.Confidence,
		VaultID:    body.VaultID,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: open position failed",
				slog.String("symbol", body.Symbol),
				slog.String("error", err.Error()),
			)
			writeError(w, status, "failed to open position")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	if h.tracker != nil {
		h.tracker.Track(pos.ID, pos.Symbol)
	}
	writeJSON(w, http.StatusCreated, newPositionView(pos))
}
