package lifecycle

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/metrics"
)

// Fallback cluster offsets and strengths, nearest first.
var fallbackLevels = []struct {
	offset   decimal.Decimal
	strength float64
}{
	{decimal.RequireFromString("0.05"), 0.8},
	{decimal.RequireFromString("0.10"), 0.6},
}

// FallbackClusters estimates two clusters on each side of price at fixed
// offsets. They are used whenever the provider cannot answer.
func FallbackClusters(price decimal.Decimal) (above, below []domain.LiquidationCluster) {
	one := decimal.NewFromInt(1)
	for _, lvl := range fallbackLevels {
		off := lvl.offset.InexactFloat64()
		above = append(above, domain.LiquidationCluster{
			Price:     price.Mul(one.Add(lvl.offset)),
			Side:      domain.ClusterAbove,
			Strength:  lvl.strength,
			Distance:  off,
			Synthetic: true,
		})
		below = append(below, domain.LiquidationCluster{
			Price:     price.Mul(one.Sub(lvl.offset)),
			Side:      domain.ClusterBelow,
			Strength:  lvl.strength,
			Distance:  -off,
			Synthetic: true,
		})
	}
	return above, below
}

type clusterEntry struct {
	above     []domain.LiquidationCluster
	below     []domain.LiquidationCluster
	fetchedAt time.Time
}

// clusterCache holds the last provider answer per symbol.
type clusterCache struct {
	mu      sync.RWMutex
	entries map[string]clusterEntry
	maxAge  time.Duration
}

func newClusterCache(maxAge time.Duration) *clusterCache {
	return &clusterCache{entries: make(map[string]clusterEntry), maxAge: maxAge}
}

func (c *clusterCache) get(symbol string, now time.Time) (clusterEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok || now.Sub(e.fetchedAt) > c.maxAge {
		return clusterEntry{}, false
	}
	return e, true
}

func (c *clusterCache) put(symbol string, e clusterEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[symbol] = e
}

// clustersFor returns at most two clusters per side for symbol around price,
// nearest first. The cache is consulted first, then the provider; when both
// fail the synthetic estimate is returned and synthetic is true.
func (e *Engine) clustersFor(ctx context.Context, symbol string, price decimal.Decimal) (above, below []domain.LiquidationCluster, synthetic bool) {
	if entry, ok := e.clusters.get(symbol, e.now()); ok {
		return withDistance(entry.above, price), withDistance(entry.below, price), false
	}
	above, below, err := e.fetchClusters(ctx, symbol, price)
	if err == nil {
		return above, below, false
	}
	e.logger.WarnContext(ctx, "lifecycle: cluster provider unavailable, using fallback",
		slog.String("symbol", symbol),
		slog.String("error", err.Error()),
	)
	above, below = FallbackClusters(price)
	return above, below, true
}

// fetchClusters asks the provider under FeedTimeout and caches a good answer.
func (e *Engine) fetchClusters(ctx context.Context, symbol string, price decimal.Decimal) (above, below []domain.LiquidationCluster, err error) {
	if e.clusterSrc == nil {
		return nil, nil, &domain.FeedError{Source: "clusters", Symbol: symbol}
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FeedTimeout)
	defer cancel()

	above, below, err = e.clusterSrc.Clusters(fctx, symbol, price)
	if err != nil {
		metrics.FeedFailures.WithLabelValues("clusters").Inc()
		e.markClusterFailure()
		return nil, nil, &domain.FeedError{Source: "clusters", Symbol: symbol, Err: err}
	}
	above, below = nearest(above, price, 2), nearest(below, price, 2)
	e.clusters.put(symbol, clusterEntry{above: above, below: below, fetchedAt: e.now()})
	e.markClusterSuccess()
	return withDistance(above, price), withDistance(below, price), nil
}

// RefreshClusters fetches clusters for every tracked symbol. Failures leave
// the previous cache entry in place.
func (e *Engine) RefreshClusters(ctx context.Context) {
	for _, symbol := range e.trackedSymbols() {
		if ctx.Err() != nil {
			return
		}
		price, err := e.fetchPrice(ctx, symbol)
		if err != nil {
			continue
		}
		if _, _, err := e.fetchClusters(ctx, symbol, price); err != nil {
			e.logger.WarnContext(ctx, "lifecycle: cluster refresh failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// nearest returns the n clusters closest to price, nearest first.
func nearest(cs []domain.LiquidationCluster, price decimal.Decimal, n int) []domain.LiquidationCluster {
	out := slices.Clone(cs)
	slices.SortStableFunc(out, func(a, b domain.LiquidationCluster) int {
		return a.Price.Sub(price).Abs().Cmp(b.Price.Sub(price).Abs())
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func withDistance(cs []domain.LiquidationCluster, price decimal.Decimal) []domain.LiquidationCluster {
	if !price.IsPositive() {
		return cs
	}
	out := make([]domain.LiquidationCluster, len(cs))
	for i, c := range cs {
		c.Distance = c.Price.Sub(price).Div(price).InexactFloat64()
		out[i] = c
	}
	return out
}
