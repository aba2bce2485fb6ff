// Package feed ingests live mark prices into the price cache the lifecycle
// engine reads from.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/metrics"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	handshakeTimeout  = 15 * time.Second
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// subscribeCommand is sent once per connection.
type subscribeCommand struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}

// markPriceMessage is one push from the exchange. ts is unix milliseconds.
type markPriceMessage struct {
	Type   string          `json:"type"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     int64           `json:"ts"`
}

// MarkPriceFeed keeps a websocket subscription to the exchange's mark-price
// channel and writes every update into a PriceCache. It reconnects with
// exponential backoff until the context is cancelled or Close is called.
type MarkPriceFeed struct {
	wsURL   string
	symbols []string
	cache   domain.PriceCache
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewMarkPriceFeed creates a feed for symbols.
func NewMarkPriceFeed(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *MarkPriceFeed {
	return &MarkPriceFeed{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With(slog.String("component", "mark_price_feed")),
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Close is called. It returns nil in
// both cases.
func (f *MarkPriceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.InfoContext(ctx, "feed: no symbols configured, exiting")
		return nil
	}

	delay := reconnectDelay
	for {
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil || f.closed() {
			return nil
		}
		if connected {
			delay = reconnectDelay
		}
		metrics.FeedFailures.WithLabelValues("mark_price_ws").Inc()
		f.logger.WarnContext(ctx, "feed: mark price stream disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// Close stops the feed and drops the current connection.
func (f *MarkPriceFeed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *MarkPriceFeed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// runConnection dials, subscribes and reads until the connection fails.
// connected reports whether the subscription was established.
func (f *MarkPriceFeed) runConnection(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial: %w", err)
	}

	// Unblock ReadMessage when the caller goes away.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		case <-stop:
		}
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	write := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(msgType, data)
	}

	cmd, _ := json.Marshal(subscribeCommand{Op: "subscribe", Channel: "mark_price", Symbols: f.symbols})
	if err := write(websocket.TextMessage, cmd); err != nil {
		return false, fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "feed: mark price stream subscribed", slog.Int("symbols", len(f.symbols)))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: %w: %v", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		f.handleMessage(ctx, raw)
	}
}

func (f *MarkPriceFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg markPriceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.DebugContext(ctx, "feed: drop unparseable message", slog.String("error", err.Error()))
		return
	}
	if msg.Type != "mark_price" || msg.Symbol == "" || !msg.Price.IsPositive() {
		return
	}
	ts := time.Now()
	if msg.TS > 0 {
		ts = time.UnixMilli(msg.TS)
	}
	if err := f.cache.SetPrice(ctx, msg.Symbol, msg.Price, ts); err != nil {
		f.logger.WarnContext(ctx, "feed: cache mark price failed",
			slog.String("symbol", msg.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
