package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per symbol. Prices
// are stored as decimal strings so no precision is lost on the round trip.
//
// Key schema:
//
//	mark:{symbol} - hash with fields "price" (decimal string) and "ts" (unix ms)
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

func (pc *PriceCache) markKey(symbol string) string { return pc.c.key("mark:" + symbol) }

// SetPrice stores the latest mark price for symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price decimal.Decimal, ts time.Time) error {
	err := pc.c.rdb.HSet(ctx, pc.markKey(symbol),
		"price", price.String(),
		"ts", strconv.FormatInt(ts.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the cached mark price and the time it was observed. It
// returns domain.ErrNotFound when nothing is cached for symbol.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HMGet(ctx, pc.markKey(symbol), "price", "ts").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, time.Time{}, domain.ErrNotFound
		}
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	if len(vals) < 2 || vals[0] == nil {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}

	price, err := decimal.NewFromString(fmt.Sprint(vals[0]))
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	var ts time.Time
	if vals[1] != nil {
		ms, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
		if err != nil {
			return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price ts %s: %w", symbol, err)
		}
		ts = time.UnixMilli(ms)
	}
	return price, ts, nil
}

// GetPrices fetches several symbols in one pipeline. Symbols with no cached
// price are omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(symbols))
	for i, sym := range symbols {
		cmds[i] = pipe.HGet(ctx, pc.markKey(sym), "price")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for i, cmd := range cmds {
		raw, err := cmd.Result()
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		out[symbols[i]] = price
	}
	return out, nil
}

// PriceFeed serves domain.PriceFeed from the cache and refuses prices older
// than maxAge.
type PriceFeed struct {
	cache  domain.PriceCache
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceFeed creates a PriceFeed. A zero maxAge disables the staleness check.
func NewPriceFeed(cache domain.PriceCache, maxAge time.Duration) *PriceFeed {
	return &PriceFeed{cache: cache, maxAge: maxAge, now: time.Now}
}

// CurrentPrice returns the cached mark price for symbol. Missing, stale or
// non-positive prices are reported as a *domain.FeedError.
func (f *PriceFeed) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, ts, err := f.cache.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, &domain.FeedError{Source: "redis", Symbol: symbol, Err: err}
	}
	if f.maxAge > 0 && (ts.IsZero() || f.now().Sub(ts) > f.maxAge) {
		return decimal.Zero, &domain.FeedError{Source: "redis", Symbol: symbol, Err: domain.ErrStalePrice}
	}
	if !price.IsPositive() {
		return decimal.Zero, &domain.FeedError{Source: "redis", Symbol: symbol,
			Err: fmt.Errorf("non-positive price %s", price)}
	}
	return price, nil
}

// Compile-time interface checks.
var (
	_ domain.PriceCache = (*PriceCache)(nil)
	_ domain.PriceFeed  = (*PriceFeed)(nil)
)
