package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/feed"
	"github.com/alanyoungcy/leveragebot/internal/lifecycle"
	"github.com/alanyoungcy/leveragebot/internal/notify"
	"github.com/alanyoungcy/leveragebot/internal/scaling"
	"github.com/alanyoungcy/leveragebot/internal/server"
	"github.com/alanyoungcy/leveragebot/internal/server/handler"
	"github.com/alanyoungcy/leveragebot/internal/server/ws"
	"github.com/alanyoungcy/leveragebot/internal/service"
)

const shutdownGrace = 10 * time.Second

// runtime is what one mode hands to run: the position read side, the
// executor the engine acts through and, in engine mode, the opener behind
// POST /api/positions.
type runtime struct {
	positions handler.PositionLister
	reader    domain.PositionReader
	executor  domain.PositionExecutor
	opener    handler.PositionOpener
	validator *service.ExecutionValidator
	calc      *scaling.Calculator
}

// EngineMode runs the lifecycle engine against the live position store. Scale
// ins, emergency margin and exits are persisted and published.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	calc := scaling.NewCalculator(scalingParams(a.cfg))
	svc := service.NewPositionService(deps.Positions, deps.Vaults, deps.Bus, deps.Audit, calc, a.logger)

	return a.run(ctx, deps, runtime{
		positions: deps.Positions,
		reader:    deps.Positions,
		executor:  svc,
		opener:    defaultVault{svc: svc, vaultID: a.cfg.Engine.VaultID},
		validator: service.NewExecutionValidator(validatorConfig(a.cfg), a.logger,
			service.WithExecutionStore(deps.Executions),
		),
		calc: calc,
	})
}

// MonitorMode runs the engine over stored positions but simulates every
// mutation in memory. Nothing is written back and new positions cannot be
// opened.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	calc := scaling.NewCalculator(scalingParams(a.cfg))
	dry := service.NewDryRunExecutor(deps.Positions, deps.Vaults, calc, a.logger)

	return a.run(ctx, deps, runtime{
		positions: monitorPositions{DryRunExecutor: dry, history: deps.Positions},
		reader:    dry,
		executor:  dry,
		validator: service.NewExecutionValidator(validatorConfig(a.cfg), a.logger),
		calc:      calc,
	})
}

// run builds the engine around rt and starts the engine, the price feed, the
// journal scheduler and the HTTP API. It returns when ctx is cancelled or any
// of them fails.
func (a *App) run(ctx context.Context, deps *Dependencies, rt runtime) error {
	engine := lifecycle.New(lifecycleConfig(a.cfg), lifecycle.Deps{
		Positions: rt.reader,
		Executor:  rt.executor,
		Prices:    deps.Prices,
		Clusters:  deps.Clusters,
		Vaults:    deps.Vaults,
		Alerts:    deps.AlertSinks(),
		Locks:     deps.Locks,
		Gate:      rt.validator,
		Calc:      rt.calc,
	}, a.logger)
	a.closers = append(a.closers, func() {
		if err := engine.Close(); err != nil {
			a.logger.Warn("app: engine close", slog.String("error", err.Error()))
		}
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := engine.Run(ctx); err != nil {
			return fmt.Errorf("app: engine: %w", err)
		}
		return nil
	})

	if a.cfg.Feed.WSURL != "" {
		markFeed := feed.NewMarkPriceFeed(a.cfg.Feed.WSURL, a.cfg.Feed.Symbols, deps.PriceCache, a.logger)
		engine.AddCloser(markFeed.Close)
		g.Go(func() error { return markFeed.Run(ctx) })
	} else {
		a.logger.WarnContext(ctx, "app: no mark price stream configured, prices must be written to the cache externally")
	}

	var journal *service.JournalService
	if deps.Journal != nil {
		journal = service.NewJournalService(deps.Journal, a.cfg.Journal.ArchiveCron, a.cfg.Journal.Timeout.Duration, a.logger)
		g.Go(func() error { return journal.Run(ctx) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt, engine, journal)
	}

	a.logger.InfoContext(ctx, "app: running",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("server", a.cfg.Server.Enabled),
		slog.Bool("journal", journal != nil),
	)
	return g.Wait()
}

// startHTTPServer registers the API handlers and the websocket hub on g.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	rt runtime,
	engine *lifecycle.Engine,
	journal *service.JournalService,
) {
	pingers := map[string]handler.Pinger{
		"postgres": deps.Postgres.Ping,
		"redis":    deps.Redis.Ping,
	}
	if deps.Blob != nil {
		pingers["s3"] = deps.Blob.Health
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(engine, pingers, a.logger),
		Positions: handler.NewPositionHandler(rt.positions, rt.opener, engine, a.logger),
		Execution: handler.NewExecutionHandler(rt.validator, deps.Executions, a.logger),
		Events:    handler.NewEventsHandler(deps.Bus, service.PositionEventsStream, a.logger),
	}
	if journal != nil {
		handlers.Journal = handler.NewJournalHandler(deps.Journal, journal, a.logger)
	}

	hub := ws.NewHub(deps.Bus,
		[]string{service.PositionEventsChannel, notify.AlertsChannel},
		func() any { return engine.Health() },
		a.logger,
	)
	g.Go(func() error { return hub.Run(ctx) })

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)
	g.Go(func() error { return srv.Run(ctx, shutdownGrace) })
}

// defaultVault fills in the configured vault for API requests that omit it.
type defaultVault struct {
	svc     handler.PositionOpener
	vaultID string
}

func (d defaultVault) OpenPosition(ctx context.Context, req service.OpenRequest) (domain.Position, error) {
	if req.VaultID == "" {
		req.VaultID = d.vaultID
	}
	return d.svc.OpenPosition(ctx, req)
}

// monitorPositions serves simulated active positions and stored history.
type monitorPositions struct {
	*service.DryRunExecutor
	history domain.PositionStore
}

func (m monitorPositions) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	return m.history.ListHistory(ctx, opts)
}
