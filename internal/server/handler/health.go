package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/leveragebot/internal/lifecycle"
)

// HealthReporter is the engine's self-reported status.
type HealthReporter interface {
	Health() lifecycle.Health
}

// Pinger checks one backing dependency.
type Pinger func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	engine  HealthReporter
	pingers map[string]Pinger
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. engine may be nil when the API
// runs without an engine; pingers are probed on every request.
func NewHealthHandler(engine HealthReporter, pingers map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{engine: engine, pingers: pingers, logger: logger}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Timestamp    string            `json:"timestamp"`
	Engine       *lifecycle.Health `json:"engine,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// HealthCheck reports engine and dependency status. A degraded engine still
// answers 200; a failing dependency answers 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.engine != nil {
		eh := h.engine.Health()
		resp.Engine = &eh
		if eh.Degraded {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if len(h.pingers) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		names := make([]string, 0, len(h.pingers))
		for name := range h.pingers {
			names = append(names, name)
		}
		sort.Strings(names)

		resp.Dependencies = make(map[string]string, len(names))
		for _, name := range names {
			if err := h.pingers[name](ctx); err != nil {
				h.logger.WarnContext(ctx, "handler: dependency unhealthy",
					slog.String("dependency", name),
					slog.String("error", err.Error()),
				)
				resp.Dependencies[name] = "error: " + err.Error()
				resp.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Dependencies[name] = "ok"
		}
	}

	writeJSON(w, status, resp)
}
