// Package notify fans lifecycle alerts out to chat channels. Operators choose
// which actions or severities they want to hear about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Message is a rendered alert.
type Message struct {
	Title    string
	Body     string
	Severity domain.Severity
}

// Notifier implements domain.AlertSink over a set of Senders.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. events lists the action names (for example
// "emergency_margin") or severities ("critical") to forward; empty forwards
// everything.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Publish renders alert and sends it to every sender. One failing sender does
// not stop the others; their errors are joined.
func (n *Notifier) Publish(ctx context.Context, alert domain.Alert) error {
	if len(n.senders) == 0 || !n.wants(alert) {
		return nil
	}
	return n.dispatch(ctx, Render(alert))
}

func (n *Notifier) wants(alert domain.Alert) bool {
	if len(n.events) == 0 || n.events[string(alert.Severity)] {
		return true
	}
	for _, a := range alert.Actions {
		if n.events[a] {
			return true
		}
	}
	return false
}

func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notify: alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Render turns an alert into a chat message.
func Render(a domain.Alert) Message {
	title := fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(a.Severity)), a.Symbol, strings.Join(a.Actions, ", "))

	var b strings.Builder
	fmt.Fprintf(&b, "position: %s\n", a.PositionID)
	fmt.Fprintf(&b, "price: %s\n", a.Price.String())
	if a.Reason != "" && a.Reason != domain.TriggerNone {
		fmt.Fprintf(&b, "reason: %s\n", a.Reason)
	}
	if a.Detail != "" {
		b.WriteString(a.Detail)
		b.WriteString("\n")
	}
	if !a.CreatedAt.IsZero() {
		b.WriteString(a.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return Message{Title: title, Body: strings.TrimRight(b.String(), "\n"), Severity: a.Severity}
}

// Compile-time interface check.
var _ domain.AlertSink = (*Notifier)(nil)
