// Package lifecycle runs the always-on position engine: it watches every
// active position, recomputes thresholds through the scaling calculator,
// gates state changes through the execution validator and asks the position
// executor to apply them.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/metrics"
	"github.com/alanyoungcy/leveragebot/internal/scaling"
)

// OrderGate is the execution validator as seen by the engine.
type OrderGate interface {
	Validate(req domain.ExecutionRequest) domain.ValidationResult
	NewOrder(req domain.ExecutionRequest, res domain.ValidationResult) domain.ExecutionOrder
	Execute(ctx context.Context, order domain.ExecutionOrder) (domain.ExecutionOrder, error)
	Close(ctx context.Context, orderID string, exitPrice decimal.Decimal) (domain.ExecutionOrder, error)
	Cancel(ctx context.Context, orderID string) (domain.ExecutionOrder, error)
	OrdersForPosition(positionID string) []domain.ExecutionOrder
}

// Deps are the collaborators of an Engine. Clusters, Alerts and Locks may be
// nil.
type Deps struct {
	Positions domain.PositionReader
	Executor  domain.PositionExecutor
	Prices    domain.PriceFeed
	Clusters  domain.ClusterProvider
	Vaults    domain.VaultBalance
	Alerts    domain.AlertSink
	Locks     domain.LockManager
	Gate      OrderGate
	Calc      *scaling.Calculator
}

// Engine owns the monitoring tasks. Construct one per process with New and
// pass it by pointer.
type Engine struct {
	cfg        Config
	positions  domain.PositionReader
	executor   domain.PositionExecutor
	prices     domain.PriceFeed
	clusterSrc domain.ClusterProvider
	vaults     domain.VaultBalance
	sink       domain.AlertSink
	locks      domain.LockManager
	gate       OrderGate
	calc       *scaling.Calculator
	now        func() time.Time
	logger     *slog.Logger

	alerts   chan domain.Alert
	inflight *InFlight
	clusters *clusterCache

	mu        sync.Mutex
	tracked   map[string]string // positionID -> symbol
	emergency map[string]bool   // positions whose one-time injection was attempted
	trail     map[string]decimal.Decimal
	health    healthState

	closeOnce sync.Once
	closers   []func() error
}

// New creates an Engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	calc := deps.Calc
	if calc == nil {
		calc = scaling.NewCalculator(scaling.DefaultParams())
	}
	return &Engine{
		cfg:        cfg,
		positions:  deps.Positions,
		executor:   deps.Executor,
		prices:     deps.Prices,
		clusterSrc: deps.Clusters,
		vaults:     deps.Vaults,
		sink:       deps.Alerts,
		locks:      deps.Locks,
		gate:       deps.Gate,
		calc:       calc,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "lifecycle")),
		alerts:     make(chan domain.Alert, cfg.AlertBuffer),
		inflight:   NewInFlight(),
		clusters:   newClusterCache(2 * cfg.ClusterInterval),
		tracked:    make(map[string]string),
		emergency:  make(map[string]bool),
		trail:      make(map[string]decimal.Decimal),
	}
}

// AddCloser registers fn to run on Close. Closers run in reverse order.
func (e *Engine) AddCloser(fn func() error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closers = append(e.closers, fn)
}

// Run starts the position monitor, cluster updater, health checker and alert
// dispatcher and blocks until ctx is cancelled or a task fails. A monitor pass
// in progress is finished before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "lifecycle: engine started",
		slog.Duration("monitor_interval", e.cfg.MonitorInterval),
		slog.Duration("cluster_interval", e.cfg.ClusterInterval),
		slog.Duration("health_interval", e.cfg.HealthInterval),
	)
	defer e.logger.Info("lifecycle: engine stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return every(gctx, e.cfg.MonitorInterval, e.MonitorOnce) })
	g.Go(func() error {
		return every(gctx, e.cfg.ClusterInterval, func(ctx context.Context) { e.RefreshClusters(ctx) })
	})
	g.Go(func() error {
		return every(gctx, e.cfg.HealthInterval, func(ctx context.Context) { e.CheckHealth(ctx) })
	})
	g.Go(func() error { return e.dispatchAlerts(gctx) })

	err := g.Wait()
	e.drainAlerts()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close runs the registered closers exactly once and joins their errors.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		closers := slices.Clone(e.closers)
		e.mu.Unlock()
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i](); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

// every runs fn once per interval on the calling goroutine. A run that
// outlives the interval delays the next one instead of overlapping it.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// MonitorOnce runs a single monitor pass: it syncs the tracked set from the
// store and checks every tracked position. Errors are isolated per position.
func (e *Engine) MonitorOnce(ctx context.Context) {
	start := e.now()
	defer func() {
		metrics.TickDuration.Observe(e.now().Sub(start).Seconds())
		e.mu.Lock()
		e.health.lastTick = e.now()
		e.mu.Unlock()
	}()

	if err := e.syncTracked(ctx); err != nil {
		e.logger.WarnContext(ctx, "lifecycle: list active positions failed, using last known set",
			slog.String("error", err.Error()),
		)
	}

	for _, id := range e.trackedIDs() {
		if ctx.Err() != nil {
			return
		}
		if err := e.CheckPosition(ctx, id); err != nil {
			metrics.RecordAction("check", err)
			e.logger.ErrorContext(ctx, "lifecycle: position check failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Track adds a position to the monitored set.
func (e *Engine) Track(id, symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracked[id] = symbol
	metrics.ActivePositions.Set(float64(len(e.tracked)))
}

// Untrack removes a position and its runtime state.
func (e *Engine) Untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tracked, id)
	delete(e.emergency, id)
	delete(e.trail, id)
	metrics.ActivePositions.Set(float64(len(e.tracked)))
}

// Tracked returns the number of monitored positions.
func (e *Engine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tracked)
}

func (e *Engine) syncTracked(ctx context.Context) error {
	active, err := e.positions.ListActive(ctx)
	if err != nil {
		return err
	}
	next := make(map[string]string, len(active))
	for _, p := range active {
		next[p.ID] = p.Symbol
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.tracked {
		if _, ok := next[id]; !ok {
			delete(e.emergency, id)
			delete(e.trail, id)
		}
	}
	e.tracked = next
	metrics.ActivePositions.Set(float64(len(next)))
	return nil
}

// trackedIDs copies the IDs so iteration never races with Track/Untrack.
func (e *Engine) trackedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.tracked))
	for id := range e.tracked {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) trackedSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]struct{}, len(e.tracked))
	var out []string
	for _, sym := range e.tracked {
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
