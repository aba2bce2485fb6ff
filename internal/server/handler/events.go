package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// StreamReader replays a durable event stream.
type StreamReader interface {
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error)
}

// EventsHandler replays position events from the stream the position service
// appends to.
type EventsHandler struct {
	reader StreamReader
	stream string
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler reading stream.
func NewEventsHandler(reader StreamReader, stream string, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{reader: reader, stream: stream, logger: logger}
}

type eventView struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

type listEventsResponse struct {
	Events []eventView `json:"events"`
	// Next is the cursor to pass as ?after= on the following call.
	Next string `json:"next,omitempty"`
}

// ListEvents returns up to ?count= events after the ?after= stream ID.
// GET /api/events
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	count := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("count")); err == nil && n > 0 {
		count = min(n, 1000)
	}

	msgs, err := h.reader.StreamRead(r.Context(), h.stream, after, count)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read events failed",
			slog.String("stream", h.stream),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}

	resp := listEventsResponse{Events: make([]eventView, 0, len(msgs)), Next: after}
	for _, m := range msgs {
		payload := json.RawMessage(m.Payload)
		if !json.Valid(payload) {
			raw, _ := json.Marshal(string(m.Payload))
			payload = raw
		}
		resp.Events = append(resp.Events, eventView{ID: m.ID, Event: payload})
		resp.Next = m.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
