package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/alanyoungcy/stakematch/internal/service"
)

// sweeperLease is the lock key held by the one sweeper allowed to run.
const sweeperLease = "sweeper"

// SweeperConfig tunes the expiry sweeper.
type SweeperConfig struct {
	RequestTimeout time.Duration // pending requests older than this expire
	OrphanGrace    time.Duration // claims without a match older than this are repaired
	LeaseTTL       time.Duration
	Concurrency    int // buckets swept in parallel
}

// SweepStats counts what one sweep did.
type SweepStats struct {
	Buckets  int
	Expired  int64
	Removed  int64
	Repaired int64
	Skipped  int64
}

// ExpirySweeper expires pending requests that waited too long and cleans
// bucket entries the pairing engine left behind.
type ExpirySweeper struct {
	store    domain.OrderedStore
	requests *service.RequestService
	pairing  *service.PairingEngine
	locks    domain.LockManager
	events   *service.Events
	cfg      SweeperConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewExpirySweeper creates an ExpirySweeper.
func NewExpirySweeper(
	store domain.OrderedStore,
	requests *service.RequestService,
	pairing *service.PairingEngine,
	locks domain.LockManager,
	events *service.Events,
	cfg SweeperConfig,
	logger *slog.Logger,
) *ExpirySweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	return &ExpirySweeper{
		store:    store,
		requests: requests,
		pairing:  pairing,
		locks:    locks,
		events:   events,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "sweeper")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one sweep. It returns zero stats without error when another
// process holds the sweeper lease.
func (s *ExpirySweeper) Run(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	release, err := s.locks.Acquire(ctx, sweeperLease, s.cfg.LeaseTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		s.logger.DebugContext(ctx, "sweep skipped, lease held elsewhere")
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("sweeper: lease: %w", err)
	}
	defer release()

	stakes, err := s.store.ZRange(ctx, service.StakesKey, 0, -1)
	if err != nil {
		return stats, fmt.Errorf("sweeper: list stakes: %w", err)
	}

	now := s.now()
	cutoff := float64(now.Add(-s.cfg.RequestTimeout).UnixMicro())
	var expired, removed, repaired, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, member := range stakes {
		stake, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping malformed stake", slog.String("stake", member))
			continue
		}
		bucket := service.BucketKey(domain.Amount(stake))
		stats.Buckets++

		g.Go(func() error {
			entries, err := s.store.ZRangeByScore(gctx, bucket, 0, cutoff)
			if err != nil {
				return fmt.Errorf("sweeper: scan %s: %w", bucket, err)
			}
			for _, e := range entries {
				if err := gctx.Err(); err != nil {
					return err
				}
				action, err := s.sweepEntry(gctx, bucket, e.Member, now)
				if err != nil {
					s.logger.WarnContext(gctx, "sweep entry failed",
						slog.String("bucket", bucket),
						slog.String("request_id", e.Member),
						slog.String("error", err.Error()),
					)
					continue
				}
				s.events.Metrics().Swept(action)
				switch action {
				case "expired":
					expired.Add(1)
				case "removed":
					removed.Add(1)
				case "repaired":
					repaired.Add(1)
				default:
					skipped.Add(1)
				}
			}
			return nil
		})
	}
	err = g.Wait()

	stats.Expired = expired.Load()
	stats.Removed = removed.Load()
	stats.Repaired = repaired.Load()
	stats.Skipped = skipped.Load()
	if err != nil {
		return stats, err
	}
	if stats.Expired+stats.Removed+stats.Repaired > 0 {
		s.logger.InfoContext(ctx, "sweep complete",
			slog.Int("buckets", stats.Buckets),
			slog.Int64("expired", stats.Expired),
			slog.Int64("removed", stats.Removed),
			slog.Int64("repaired", stats.Repaired),
			slog.Int64("skipped", stats.Skipped),
		)
	}
	return stats, nil
}

// sweepEntry handles one stale bucket entry and names what it did.
func (s *ExpirySweeper) sweepEntry(ctx context.Context, bucket, id string, now time.Time) (string, error) {
	req, err := s.requests.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return "removed", s.store.ZRem(ctx, bucket, id)
	}
	if err != nil {
		return "", err
	}

	switch req.Status {
	case domain.RequestStatusPending:
		_, err := s.requests.Expire(ctx, id)
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			// Claimed since the scan; pairing owns the entry now.
			return "skipped", nil
		}
		if err != nil {
			return "", err
		}
		return "expired", nil

	case domain.RequestStatusMatched:
		orphan, err := s.pairing.ClaimOrphaned(ctx, req)
		if err != nil {
			return "", err
		}
		if !orphan {
			return "removed", s.store.ZRem(ctx, bucket, id)
		}
		if now.Sub(req.UpdatedAt) < s.cfg.OrphanGrace {
			return "skipped", nil
		}
		if _, err := s.pairing.RepairClaim(ctx, id); err != nil {
			return "", err
		}
		return "repaired", nil

	default:
		return "removed", s.store.ZRem(ctx, bucket, id)
	}
}

// RunLoop sweeps on a repeating interval until the context is cancelled.
func (s *ExpirySweeper) RunLoop(ctx context.Context, interval time.Duration) error {
	if _, err := s.Run(ctx); err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
