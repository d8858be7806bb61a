package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stakematch/internal/crypto"
	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/alanyoungcy/stakematch/internal/pipeline"
	"github.com/alanyoungcy/stakematch/internal/server"
	"github.com/alanyoungcy/stakematch/internal/server/handler"
	"github.com/alanyoungcy/stakematch/internal/server/ws"
	"github.com/alanyoungcy/stakematch/internal/service"
)

// services is the engine built on top of Dependencies.
type services struct {
	events     *service.Events
	requests   *service.RequestService
	matches    *service.MatchService
	pairing    *service.PairingEngine
	settlement *service.SettlementService
	engine     *service.Engine
}

// buildServices constructs the matchmaking and settlement services.
func (a *App) buildServices(deps *Dependencies) (*services, error) {
	feeRate, referralRate, err := a.cfg.Escrow.Fees()
	if err != nil {
		return nil, err
	}
	fees := domain.FeeSchedule{FeeRate: feeRate, ReferralRate: referralRate}
	if err := service.ValidateFees(fees); err != nil {
		return nil, err
	}

	s := &services{}
	s.events = service.NewEvents(deps.SignalBus, deps.AuditStore, deps.Notifier, deps.Metrics, a.logger)
	s.requests = service.NewRequestService(deps.Store, deps.Ledger, deps.RateLimiter, s.events, service.RequestConfig{
		RequireDeposit: a.cfg.Escrow.RequireDeposit,
		EscrowAddress:  deps.EscrowAddress,
		RateLimit:      a.cfg.Matchmaking.RateLimit,
		RateWindow:     a.cfg.Matchmaking.RateWindow.Duration,
	}, a.logger)
	s.matches = service.NewMatchService(deps.Store, a.logger)
	s.pairing = service.NewPairingEngine(s.requests, s.matches, deps.Store, s.events, a.cfg.Matchmaking.ScanLimit, a.logger)
	s.settlement = service.NewSettlementService(s.matches, deps.Ledger, deps.LockManager, deps.History, s.events, service.SettlementConfig{
		Fees:              fees,
		EscrowAddress:     deps.EscrowAddress,
		TreasuryAddress:   a.cfg.Escrow.TreasuryAddress,
		ReferralAddress:   a.cfg.Escrow.ReferralAddress,
		PollInterval:      a.cfg.Escrow.PollInterval.Duration,
		Backoff:           a.cfg.Escrow.Backoff.Duration,
		MaxVerifyAttempts: a.cfg.Escrow.MaxVerifyAttempts,
		SubmitRetries:     a.cfg.Escrow.SubmitRetries,
		RefTTL:            a.cfg.Escrow.RefTTL.Duration,
		LeaseTTL:          a.cfg.Escrow.LeaseTTL.Duration,
	}, a.logger)
	s.engine = service.NewEngine(s.requests, s.pairing, s.matches, s.settlement, a.logger)
	return s, nil
}

// ServerMode serves the HTTP API and the WebSocket relay.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// SweeperMode runs the expiry sweeper and the history archiver. Several
// sweeper processes may run; a Redis lease keeps one sweep active at a time.
func (a *App) SweeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweeper mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("sweeper mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps, svc)
	return g.Wait()
}

// FullMode runs the HTTP server and the background jobs in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc, err := a.buildServices(deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps, svc)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// startBackground adds the orchestrator (sweeper plus optional archiver) to g.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	mm := a.cfg.Matchmaking
	sweeper := pipeline.NewExpirySweeper(deps.Store, svc.requests, svc.pairing, deps.LockManager, svc.events, pipeline.SweeperConfig{
		RequestTimeout: mm.RequestTimeout.Duration,
		OrphanGrace:    mm.OrphanGrace.Duration,
		LeaseTTL:       mm.SweepLeaseTTL.Duration,
		Concurrency:    mm.SweepConcurrency,
	}, a.logger)

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	}

	orch := pipeline.NewOrchestrator(sweeper, archiver, mm.SweepInterval.Duration, a.cfg.Archive.Cron, a.logger)
	g.Go(func() error {
		err := orch.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub to g. The server is
// shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: handler.NewStatusHandler(handler.StatusInfo{
			Mode:           a.cfg.Mode,
			Ledger:         deps.LedgerName,
			EscrowAddress:  deps.EscrowAddress,
			FeeRate:        a.cfg.Escrow.FeeRate,
			ReferralRate:   a.cfg.Escrow.ReferralRate,
			RequestTimeout: a.cfg.Matchmaking.RequestTimeout.Duration.String(),
		}, startedAt),
		Requests: handler.NewRequestHandler(svc.engine, a.logger),
		Matches:  handler.NewMatchHandler(svc.engine, a.logger),
		Audit:    handler.NewAuditHandler(deps.AuditStore, a.logger),
		Feed:     handler.NewSettlementFeedHandler(deps.SignalBus, a.logger),
		Metrics:  deps.Metrics.Handler(),
	}

	var resultAuth *crypto.ResultAuth
	if a.cfg.Escrow.ResultSecret != "" {
		resultAuth = &crypto.ResultAuth{
			Secret:  a.cfg.Escrow.ResultSecret,
			MaxSkew: a.cfg.Escrow.ResultMaxSkew.Duration,
		}
	} else {
		a.logger.WarnContext(ctx, "escrow.result_secret not set; match results are accepted with the operator api key only")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, server.Deps{
		Limiter:    deps.RateLimiter,
		ResultAuth: resultAuth,
		Hub:        hub,
	}, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down",
			slog.Int("port", a.cfg.Server.Port),
		)
		return srv.Shutdown(shutCtx)
	})
}
