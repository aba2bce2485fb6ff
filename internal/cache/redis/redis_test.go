package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// setupRedis starts a throwaway Redis container and returns a connected
// Client. Skipped under -short.
func setupRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminate redis container: %v", err)
		}
	})

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	c, err := New(ctx, ClientConfig{Addr: addr, PoolSize: 4, KeyPrefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRedis(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()

	t.Run("price cache round trip keeps precision", func(t *testing.T) {
		pc := NewPriceCache(c)
		ts := time.UnixMilli(1_700_000_000_123)
		require.NoError(t, pc.SetPrice(ctx, "BTCUSDT", decimal.RequireFromString("64123.456789"), ts))

		price, got, err := pc.GetPrice(ctx, "BTCUSDT")
		require.NoError(t, err)
		assert.Equal(t, "64123.456789", price.String())
		assert.True(t, ts.Equal(got))

		_, _, err = pc.GetPrice(ctx, "NOPE")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		prices, err := pc.GetPrices(ctx, []string{"BTCUSDT", "NOPE"})
		require.NoError(t, err)
		assert.Len(t, prices, 1)
		assert.True(t, prices["BTCUSDT"].Equal(price))
	})

	t.Run("price feed rejects stale prices", func(t *testing.T) {
		pc := NewPriceCache(c)
		now := time.Now()
		require.NoError(t, pc.SetPrice(ctx, "ETHUSDT", decimal.NewFromInt(3000), now.Add(-time.Minute)))

		feed := NewPriceFeed(pc, 10*time.Second)
		feed.now = func() time.Time { return now }
		_, err := feed.CurrentPrice(ctx, "ETHUSDT")
		assert.ErrorIs(t, err, domain.ErrStalePrice)
		assert.ErrorIs(t, err, domain.ErrFeedUnavailable)

		require.NoError(t, pc.SetPrice(ctx, "ETHUSDT", decimal.NewFromInt(3001), now))
		price, err := feed.CurrentPrice(ctx, "ETHUSDT")
		require.NoError(t, err)
		assert.True(t, price.Equal(decimal.NewFromInt(3001)))
	})

	t.Run("lock is exclusive until released", func(t *testing.T) {
		lm := NewLockManager(c)
		unlock, err := lm.Acquire(ctx, "lifecycle:position:p1", 10*time.Second)
		require.NoError(t, err)

		_, err = lm.Acquire(ctx, "lifecycle:position:p1", 10*time.Second)
		assert.True(t, errors.Is(err, domain.ErrLockHeld))

		unlock()
		unlock()
		again, err := lm.Acquire(ctx, "lifecycle:position:p1", 10*time.Second)
		require.NoError(t, err)
		again()
	})

	t.Run("rate limiter enforces the window", func(t *testing.T) {
		rl := NewRateLimiter(c)
		for i := 0; i < 3; i++ {
			ok, err := rl.Allow(ctx, "1.2.3.4", 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "hit %d", i)
		}
		ok, err := rl.Allow(ctx, "1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("signal bus publishes and replays", func(t *testing.T) {
		sb := NewSignalBus(c, 100)
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := sb.Subscribe(subCtx, "positions")
		require.NoError(t, err)
		require.NoError(t, sb.Publish(ctx, "positions", []byte(`{"event":"opened"}`)))

		select {
		case msg := <-ch:
			assert.JSONEq(t, `{"event":"opened"}`, string(msg))
		case <-time.After(5 * time.Second):
			t.Fatal("no message received")
		}

		require.NoError(t, sb.StreamAppend(ctx, "positions:events", []byte("a")))
		require.NoError(t, sb.StreamAppend(ctx, "positions:events", []byte("b")))
		msgs, err := sb.StreamRead(ctx, "positions:events", "0", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "a", string(msgs[0].Payload))

		rest, err := sb.StreamRead(ctx, "positions:events", msgs[0].ID, 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "b", string(rest[0].Payload))
	})
}
