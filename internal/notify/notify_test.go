package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

type fakeSender struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Message
}

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleAlert() domain.Alert {
	return domain.Alert{
		PositionID: "pos-1",
		Symbol:     "BTCUSDT",
		Actions:    []string{"emergency_margin"},
		Price:      decimal.RequireFromString("92.2"),
		Severity:   domain.SeverityCritical,
		Reason:     domain.TriggerEmergencyMargin,
		Detail:     "injected 150",
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRender(t *testing.T) {
	msg := Render(sampleAlert())
	assert.Equal(t, "[CRITICAL] BTCUSDT emergency_margin", msg.Title)
	assert.Contains(t, msg.Body, "position: pos-1")
	assert.Contains(t, msg.Body, "price: 92.2")
	assert.Contains(t, msg.Body, "reason: emergency_margin")
	assert.Contains(t, msg.Body, "injected 150")
	assert.Contains(t, msg.Body, "2026-03-01 12:00:00 UTC")
	assert.Equal(t, domain.SeverityCritical, msg.Severity)
}

func TestNotifierFilters(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		alert  func(a *domain.Alert)
		want   int
	}{
		{"no filter forwards", nil, func(*domain.Alert) {}, 1},
		{"action match", []string{"emergency_margin"}, func(*domain.Alert) {}, 1},
		{"severity match", []string{"critical"}, func(a *domain.Alert) { a.Actions = []string{"take_profit"} }, 1},
		{"no match", []string{"liquidated"}, func(a *domain.Alert) { a.Severity = domain.SeverityInfo }, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSender{name: "fake"}
			n := NewNotifier([]Sender{s}, tt.events, discardLogger())
			a := sampleAlert()
			tt.alert(&a)
			require.NoError(t, n.Publish(context.Background(), a))
			assert.Len(t, s.sent, tt.want)
		})
	}
}

func TestNotifierJoinsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &fakeSender{name: "bad", err: boom}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Publish(context.Background(), sampleAlert())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Len(t, good.sent, 1, "a failing sender must not block the rest")
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42").WithBaseURL(srv.URL)
	require.NoError(t, s.Send(context.Background(), Render(sampleAlert())))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, false, got["disable_notification"])
	assert.Contains(t, got["text"], "[CRITICAL] BTCUSDT")
}

func TestTelegramSenderStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "chat not found", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewTelegramSender("T", "1").WithBaseURL(srv.URL).Send(context.Background(), Message{Title: "x"})
	assert.ErrorContains(t, err, "telegram: unexpected status 400")
}

func TestDiscordSender(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewDiscordSender(srv.URL).Send(context.Background(), Render(sampleAlert())))
	assert.Equal(t, "@here", got.Content)
	require.Len(t, got.Embeds, 1)
	assert.Equal(t, 0xe74c3c, got.Embeds[0].Color)
	assert.Equal(t, "[CRITICAL] BTCUSDT emergency_margin", got.Embeds[0].Title)
}

type sinkFunc func(context.Context, domain.Alert) error

func (f sinkFunc) Publish(ctx context.Context, a domain.Alert) error { return f(ctx, a) }

func TestFanOut(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	ok := sinkFunc(func(context.Context, domain.Alert) error { calls++; return nil })
	bad := sinkFunc(func(context.Context, domain.Alert) error { calls++; return boom })

	err := FanOut{bad, ok}.Publish(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)

	assert.NoError(t, FanOut{}.Publish(context.Background(), sampleAlert()))
}

type publishFunc func(ctx context.Context, channel string, payload []byte) error

func (f publishFunc) Publish(ctx context.Context, channel string, payload []byte) error {
	return f(ctx, channel, payload)
}

func TestBusSink(t *testing.T) {
	var gotChannel string
	var got map[string]any
	sink := NewBusSink(publishFunc(func(_ context.Context, channel string, payload []byte) error {
		gotChannel = channel
		return json.Unmarshal(payload, &got)
	}), "")

	require.NoError(t, sink.Publish(context.Background(), sampleAlert()))
	assert.Equal(t, AlertsChannel, gotChannel)
	assert.Equal(t, "pos-1", got["position_id"])
	assert.Equal(t, "92.2", got["price"])
	assert.Equal(t, "critical", got["severity"])

	boom := errors.New("redis down")
	failing := NewBusSink(publishFunc(func(context.Context, string, []byte) error { return boom }), "custom")
	err := failing.Publish(context.Background(), sampleAlert())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "custom")
}
