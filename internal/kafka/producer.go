// Package kafka streams lifecycle alerts to a Kafka topic for downstream
// consumers such as risk dashboards and trade journals.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// messageWriter is the part of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertEvent is the wire form of a lifecycle alert.
type AlertEvent struct {
	EventType  string    `json:"event_type"`
	PositionID string    `json:"position_id"`
	Symbol     string    `json:"symbol"`
	Actions    []string  `json:"actions"`
	Price      string    `json:"price"`
	Severity   string    `json:"severity"`
	Reason     string    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Producer implements domain.AlertSink by writing each alert to a topic,
// keyed by position ID so one position's alerts stay ordered.
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates a Producer for brokers and topic.
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: writer, topic: topic}
}

// Publish writes alert to the topic.
func (p *Producer) Publish(ctx context.Context, alert domain.Alert) error {
	ts := alert.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	event := AlertEvent{
		EventType:  "POSITION_ALERT",
		PositionID: alert.PositionID,
		Symbol:     alert.Symbol,
		Actions:    alert.Actions,
		Price:      alert.Price.String(),
		Severity:   string(alert.Severity),
		Reason:     string(alert.Reason),
		Detail:     alert.Detail,
		Timestamp:  ts,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("kafka: marshal alert %s: %w", alert.PositionID, err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.PositionID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write alert to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Compile-time interface check.
var _ domain.AlertSink = (*Producer)(nil)
