package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	ts     map[string]time.Time
}

func newMemPriceCache() *memPriceCache {
	return &memPriceCache{prices: map[string]decimal.Decimal{}, ts: map[string]time.Time{}}
}

func (c *memPriceCache) SetPrice(_ context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[symbol] = price
	c.ts[symbol] = ts
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prices[symbol], c.ts[symbol], nil
}

func (c *memPriceCache) GetPrices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (c *memPriceCache) get(symbol string) (decimal.Decimal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[symbol]
	return p, ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMarkPriceFeedWritesCache(t *testing.T) {
	subscribed := make(chan subscribeCommand, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var cmd subscribeCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subscribed <- cmd

		msgs := []string{
			`{"type":"mark_price","symbol":"BTCUSDT","price":"64000.5","ts":1700000000000}`,
			`{"type":"heartbeat"}`,
			`garbage`,
			`{"type":"mark_price","symbol":"ETHUSDT","price":"-1","ts":1700000000000}`,
			`{"type":"mark_price","symbol":"ETHUSDT","price":3100.25}`,
		}
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		// Hold the connection until the client leaves.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	cache := newMemPriceCache()
	f := NewMarkPriceFeed("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"BTCUSDT", "ETHUSDT"}, cache, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	select {
	case cmd := <-subscribed:
		assert.Equal(t, "subscribe", cmd.Op)
		assert.Equal(t, "mark_price", cmd.Channel)
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cmd.Symbols)
	case <-time.After(5 * time.Second):
		t.Fatal("feed never subscribed")
	}

	require.Eventually(t, func() bool {
		_, okB := cache.get("BTCUSDT")
		_, okE := cache.get("ETHUSDT")
		return okB && okE
	}, 5*time.Second, 10*time.Millisecond)

	btc, _ := cache.get("BTCUSDT")
	assert.Equal(t, "64000.5", btc.String())
	eth, _ := cache.get("ETHUSDT")
	assert.Equal(t, "3100.25", eth.String())
	_, ts, _ := cache.GetPrice(context.Background(), "BTCUSDT")
	assert.Equal(t, int64(1700000000000), ts.UnixMilli())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestMarkPriceFeedNoSymbols(t *testing.T) {
	f := NewMarkPriceFeed("ws://unused", nil, newMemPriceCache(), discardLogger())
	assert.NoError(t, f.Run(context.Background()))
}

func TestMarkPriceFeedCloseStopsReconnect(t *testing.T) {
	f := NewMarkPriceFeed("ws://127.0.0.1:1", []string{"BTCUSDT"}, newMemPriceCache(), discardLogger())
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	require.NoError(t, f.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop after Close")
	}
}
