package lifecycle

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/metrics"
)

// LevelCritical is logged for emergency margin and liquidation events.
const LevelCritical = slog.Level(12)

// emit queues an alert without blocking the monitor. A full buffer drops the
// alert.
func (e *Engine) emit(ctx context.Context, alert domain.Alert) {
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = e.now().UTC()
	}
	select {
	case e.alerts <- alert:
	default:
		metrics.AlertsDropped.Inc()
		e.logger.WarnContext(ctx, "lifecycle: alert buffer full, dropping alert",
			slog.String("position_id", alert.PositionID),
			slog.Any("actions", alert.Actions),
		)
	}
}

// dispatchAlerts forwards queued alerts to the sink until ctx is done, then
// drains what is left with a fresh timeout per alert.
func (e *Engine) dispatchAlerts(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drainAlerts()
			return ctx.Err()
		case alert := <-e.alerts:
			e.deliver(ctx, alert)
		}
	}
}

func (e *Engine) drainAlerts() {
	for {
		select {
		case alert := <-e.alerts:
			e.deliver(context.Background(), alert)
		default:
			return
		}
	}
}

func (e *Engine) deliver(ctx context.Context, alert domain.Alert) {
	if e.sink == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, e.cfg.FeedTimeout)
	defer cancel()
	if err := e.sink.Publish(dctx, alert); err != nil {
		e.logger.WarnContext(ctx, "lifecycle: alert delivery failed",
			slog.String("position_id", alert.PositionID),
			slog.String("error", err.Error()),
		)
	}
}
