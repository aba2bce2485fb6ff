package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// AlertsChannel is the pub/sub channel live alert subscribers listen on.
const AlertsChannel = "alerts"

// Publisher is the pub/sub half of domain.SignalBus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// BusSink publishes every alert as JSON on a pub/sub channel.
type BusSink struct {
	bus     Publisher
	channel string
}

// NewBusSink creates a BusSink. An empty channel means AlertsChannel.
func NewBusSink(bus Publisher, channel string) *BusSink {
	if channel == "" {
		channel = AlertsChannel
	}
	return &BusSink{bus: bus, channel: channel}
}

type busAlert struct {
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Actions    []string  `json:"actions"`
	Price      string    `json:"price"`
	Severity   string    `json:"severity"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Publish implements domain.AlertSink.
func (b *BusSink) Publish(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(busAlert{
		PositionID: alert.PositionID,
		Symbol:     alert.Symbol,
		Actions:    alert.Actions,
		Price:      alert.Price.String(),
		Severity:   string(alert.Severity),
		Reason:     string(alert.Reason),
		Detail:     alert.Detail,
		CreatedAt:  alert.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal alert: %w", err)
	}
	if err := b.bus.Publish(ctx, b.channel, payload); err != nil {
		return fmt.Errorf("notify: publish alert on %s: %w", b.channel, err)
	}
	return nil
}

var _ domain.AlertSink = (*BusSink)(nil)
