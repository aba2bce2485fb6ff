package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/leveragebot/internal/metrics"
)

type healthState struct {
	lastTick       time.Time
	lastCheck      time.Time
	priceFailing   map[string]bool
	clusterFailing bool
}

// Health is the engine's self-reported status.
type Health struct {
	Status           string    `json:"status"`
	Degraded         bool      `json:"degraded"`
	Reasons          []string  `json:"reasons,omitempty"`
	TrackedPositions int       `json:"tracked_positions"`
	LastTick         time.Time `json:"last_tick"`
	LastCheck        time.Time `json:"last_check"`
}

// Health returns the current status without probing anything.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := Health{
		Status:           "ok",
		TrackedPositions: len(e.tracked),
		LastTick:         e.health.lastTick,
		LastCheck:        e.health.lastCheck,
	}
	var failing []string
	for sym, bad := range e.health.priceFailing {
		if bad {
			failing = append(failing, sym)
		}
	}
	sort.Strings(failing)
	for _, sym := range failing {
		h.Reasons = append(h.Reasons, "price feed unavailable for "+sym)
	}
	if e.health.clusterFailing {
		h.Reasons = append(h.Reasons, "cluster provider unavailable, using fallback clusters")
	}
	if !e.health.lastTick.IsZero() && e.now().Sub(e.health.lastTick) > 3*e.cfg.MonitorInterval {
		h.Reasons = append(h.Reasons, "monitor tick overdue")
	}
	if len(h.Reasons) > 0 {
		h.Status = "degraded"
		h.Degraded = true
	}
	return h
}

// CheckHealth probes the price feed for every tracked symbol and logs when
// the engine is degraded. It never touches position state.
func (e *Engine) CheckHealth(ctx context.Context) Health {
	for _, symbol := range e.trackedSymbols() {
		if ctx.Err() != nil {
			break
		}
		// fetchPrice records the outcome in the health state.
		_, _ = e.fetchPrice(ctx, symbol)
	}

	e.mu.Lock()
	e.health.lastCheck = e.now()
	e.mu.Unlock()

	h := e.Health()
	metrics.SetDegraded(h.Degraded)
	if h.Degraded {
		e.logger.WarnContext(ctx, "lifecycle: engine degraded",
			slog.Any("reasons", h.Reasons),
			slog.Int("tracked_positions", h.TrackedPositions),
		)
	} else {
		e.logger.DebugContext(ctx, "lifecycle: health ok",
			slog.Int("tracked_positions", h.TrackedPositions))
	}
	return h
}

func (e *Engine) markPriceFailure(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health.priceFailing == nil {
		e.health.priceFailing = make(map[string]bool)
	}
	e.health.priceFailing[symbol] = true
}

func (e *Engine) markPriceSuccess(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.health.priceFailing, symbol)
}

func (e *Engine) markClusterFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.clusterFailing = true
}

func (e *Engine) markClusterSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.clusterFailing = false
}
