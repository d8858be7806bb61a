package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the background jobs: the expiry sweeper and, when
// configured, the settlement archiver.
type Orchestrator struct {
	sweeper       *ExpirySweeper
	archiver      *Archiver
	sweepInterval time.Duration
	archiveCron   string
	logger        *slog.Logger
}

// NewOrchestrator creates an Orchestrator. archiver may be nil.
func NewOrchestrator(
	sweeper *ExpirySweeper,
	archiver *Archiver,
	sweepInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sweeper:       sweeper,
		archiver:      archiver,
		sweepInterval: sweepInterval,
		archiveCron:   archiveCron,
		logger:        logger,
	}
}

// Run starts the jobs in an errgroup and blocks until ctx is cancelled or
// one of them fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("sweep_interval", o.sweepInterval),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.sweeper.RunLoop(ctx, o.sweepInterval)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("sweeper: %w", err)
	})

	if o.archiver != nil && o.archiveCron != "" {
		g.Go(func() error {
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
