package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stakecourt/internal/keeper"
	"github.com/alanyoungcy/stakecourt/internal/pipeline"
	"github.com/alanyoungcy/stakecourt/internal/server"
	"github.com/alanyoungcy/stakecourt/internal/server/handler"
	"github.com/alanyoungcy/stakecourt/internal/server/ws"
	"github.com/alanyoungcy/stakecourt/internal/service"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServerMode serves the HTTP and WebSocket API. Settlement housekeeping is
// left to callers of the timeout and expire endpoints.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the engine headless: scheduled sweeps and, when object
// storage is configured, the archive job.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API, the keeper and the archiver in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	a.startKeeper(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// startHTTPServer registers the hub, the API server and its shutdown hook
// on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Channels:  []string{service.EventChannel},
		Stream:    service.EventStream,
		StartedAt: time.Now(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Checks, time.Now, a.logger),
		Bets:    handler.NewBetHandler(deps.Bets, a.logger),
		Wallets: handler.NewWalletHandler(deps.Wallet, deps.Bets, deps.AuditStore, a.logger),
	}
	if deps.Arbitrator != nil {
		handlers.Arbitrator = handler.NewArbitratorHandler(deps.Arbitrator, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		AdminAPIKey:  a.cfg.Server.AdminAPIKey,
		MaxClockSkew: a.cfg.Server.MaxClockSkew.Duration,
		RateLimit:    a.cfg.Server.RateLimit,
		RateWindow:   a.cfg.Server.RateWindow.Duration,
		ReplayGuard:  deps.ReplayGuard,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startKeeper schedules the settlement sweep on g.
func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var executors []keeper.RulingExecutor
	if deps.Arbitrator != nil {
		executors = append(executors, deps.Arbitrator)
	}
	k := keeper.New(keeper.Config{
		Schedule:     a.cfg.Keeper.Schedule,
		Address:      common.HexToAddress(a.cfg.Keeper.Address),
		LockTTL:      a.cfg.Keeper.LockTTL.Duration,
		RetryCredits: a.cfg.Keeper.RetryCredits,
	}, deps.Bets, executors, deps.LockManager, time.Now, a.logger)

	g.Go(func() error {
		return k.Run(ctx)
	})
}

// startArchiver schedules the cold-storage export on g. It is a no-op
// without object storage.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Archive.Enabled {
		return
	}
	if deps.Archiver == nil {
		a.logger.WarnContext(ctx, "archive enabled but s3 is not configured, skipping")
		return
	}
	arch := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	g.Go(func() error {
		return arch.RunCron(ctx, a.cfg.Archive.Cron)
	})
}
