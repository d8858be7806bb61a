package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/stakematch/internal/cache/redis"
	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/alanyoungcy/stakematch/internal/service"
)

const testStake = domain.Amount(1_000_000_000)

type sweepFixture struct {
	store    *rediscache.OrderedStore
	locks    *rediscache.LockManager
	requests *service.RequestService
	matches  *service.MatchService
	pairing  *service.PairingEngine
	sweeper  *ExpirySweeper
}

func newSweepFixture(t *testing.T, cfg SweeperConfig) *sweepFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := rediscache.Wrap(rdb, "test:")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &sweepFixture{
		store: rediscache.NewOrderedStore(client),
		locks: rediscache.NewLockManager(client),
	}
	events := service.NewEvents(nil, nil, nil, nil, logger)
	f.requests = service.NewRequestService(f.store, nil, nil, events, service.RequestConfig{}, logger)
	f.matches = service.NewMatchService(f.store, logger)
	f.pairing = service.NewPairingEngine(f.requests, f.matches, f.store, events, 0, logger)
	f.sweeper = NewExpirySweeper(f.store, f.requests, f.pairing, f.locks, events, cfg, logger)

	// Everything created by the test is already past the request timeout.
	f.sweeper.now = func() time.Time { return time.Now().UTC().Add(cfg.RequestTimeout + time.Minute) }
	return f
}

func defaultSweepConfig() SweeperConfig {
	return SweeperConfig{
		RequestTimeout: 10 * time.Minute,
		OrphanGrace:    time.Minute,
		LeaseTTL:       time.Minute,
	}
}

func TestSweeperExpiresStaleRequest(t *testing.T) {
	f := newSweepFixture(t, defaultSweepConfig())
	ctx := context.Background()

	r, err := f.requests.Create(ctx, "0xA", testStake, "")
	require.NoError(t, err)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Buckets)
	assert.EqualValues(t, 1, stats.Expired)

	got, err := f.requests.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusExpired, got.Status)

	n, err := f.store.ZCard(ctx, service.BucketKey(testStake))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperLeavesFreshRequests(t *testing.T) {
	f := newSweepFixture(t, defaultSweepConfig())
	f.sweeper.now = func() time.Time { return time.Now().UTC() }
	ctx := context.Background()

	r, err := f.requests.Create(ctx, "0xA", testStake, "")
	require.NoError(t, err)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Expired)

	got, err := f.requests.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, got.Status)
}

func TestSweeperNeverExpiresMatchedRequest(t *testing.T) {
	f := newSweepFixture(t, defaultSweepConfig())
	ctx := context.Background()

	r1, err := f.requests.Create(ctx, "0xA", testStake, "")
	require.NoError(t, err)
	r2, err := f.requests.Create(ctx, "0xB", testStake, "")
	require.NoError(t, err)
	m, matched, err := f.pairing.Pair(ctx, r2.ID)
	require.NoError(t, err)
	require.True(t, matched)

	// The sweep read r1's entry before the pairing removed it.
	require.NoError(t, f.store.ZAdd(ctx, service.BucketKey(testStake), r1.Score(), r1.ID))

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Expired)
	assert.EqualValues(t, 1, stats.Removed)

	for _, id := range []string{r1.ID, r2.ID} {
		got, err := f.requests.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.RequestStatusMatched, got.Status)
		assert.Equal(t, m.ID, got.MatchID)
	}
}

func TestSweeperRepairsOrphanedClaim(t *testing.T) {
	f := newSweepFixture(t, defaultSweepConfig())
	ctx := context.Background()

	r1, err := f.requests.Create(ctx, "0xA", testStake, "")
	require.NoError(t, err)
	r2, err := f.requests.Create(ctx, "0xB", testStake, "")
	require.NoError(t, err)
	_, err = f.requests.Cancel(ctx, r2.ID)
	require.NoError(t, err)
	_, err = f.requests.MarkMatched(ctx, r1.ID, "m-lost", r2.ID)
	require.NoError(t, err)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Repaired)

	got, err := f.requests.Get(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, got.Status)

	// Released but still past its timeout, so the next sweep expires it.
	stats, err = f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Expired)
}

func TestSweeperSkipsFreshOrphan(t *testing.T) {
	cfg := defaultSweepConfig()
	cfg.OrphanGrace = time.Hour
	f := newSweepFixture(t, cfg)
	ctx := context.Background()

	r1, err := f.requests.Create(ctx, "0xA", testStake, "")
	require.NoError(t, err)
	_, err = f.requests.MarkMatched(ctx, r1.ID, "m-inflight", "r-other")
	require.NoError(t, err)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Skipped)

	got, err := f.requests.Get(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusMatched, got.Status)
	n, err := f.store.ZCard(ctx, service.BucketKey(testStake))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSweeperDropsEntriesWithoutRecord(t *testing.T) {
	f := newSweepFixture(t, defaultSweepConfig())
	ctx := context.Background()

	r, err := f.requests.Create(ctx, "0xA", testStake, "")
	require.NoError(t, err)
	_, err = f.requests.Cancel(ctx, r.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.ZAdd(ctx, service.BucketKey(testStake), r.Score(), r.ID))
	require.NoError(t, f.store.ZAdd(ctx, service.BucketKey(testStake), r.Score(), "ghost"))

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Removed)

	got, err := f.requests.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusCancelled, got.Status)
}

func TestSweeperRespectsLease(t *testing.T) {
	f := newSweepFixture(t, defaultSweepConfig())
	ctx := context.Background()

	r, err := f.requests.Create(ctx, "0xA", testStake, "")
	require.NoError(t, err)

	release, err := f.locks.Acquire(ctx, sweeperLease, time.Minute)
	require.NoError(t, err)

	stats, err := f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{}, stats)
	got, err := f.requests.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, got.Status)

	release()
	stats, err = f.sweeper.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Expired)
}
