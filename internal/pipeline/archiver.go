package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// Archiver moves settlement history older than the retention window from
// Postgres to S3 cold storage.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run executes a single archive run and returns how many settlements moved.
func (a *Archiver) Run(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	n, err := a.blobArchiver.ArchiveSettlements(ctx, cutoff)
	if err != nil {
		return n, fmt.Errorf("archiving settlements before %v: %w", cutoff, err)
	}

	a.logger.Info("archive run complete", slog.Int64("settlements_archived", n))
	return n, nil
}

// RunCron runs the archiver on a cron schedule until the context is cancelled.
// See nextCronTime for the accepted expression format.
//
// Example: "0 3 * * *" runs at 3:00 AM UTC every day.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	a.logger.Info("archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, a.now())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
		}

		waitDuration := time.Until(next)
		a.logger.Info("archiver waiting for next cron trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", waitDuration),
		)

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("archiver cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := a.Run(ctx); err != nil {
				a.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
