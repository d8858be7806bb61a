package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/stakematch/internal/cache/redis"
	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/alanyoungcy/stakematch/internal/ledger/memory"
)

const (
	escrowAddr   = "0xescrow"
	treasuryAddr = "0xtreasury"
	referralAddr = "0xreferral"
)

type harness struct {
	mr         *miniredis.Miniredis
	store      *rediscache.OrderedStore
	locks      *rediscache.LockManager
	ledger     *memory.Ledger
	notifier   *recordingNotifier
	events     *Events
	requests   *RequestService
	matches    *MatchService
	pairing    *PairingEngine
	settlement *SettlementService
	engine     *Engine
}

type harnessOpt func(*RequestConfig, *SettlementConfig)

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), PoolSize: 32})
	t.Cleanup(func() { _ = rdb.Close() })
	client := rediscache.Wrap(rdb, "test:")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		mr:       mr,
		store:    rediscache.NewOrderedStore(client),
		locks:    rediscache.NewLockManager(client),
		ledger:   memory.New(),
		notifier: &recordingNotifier{},
	}

	reqCfg := RequestConfig{EscrowAddress: escrowAddr}
	setCfg := SettlementConfig{
		Fees: domain.FeeSchedule{
			FeeRate:      decimal.RequireFromString("0.065"),
			ReferralRate: decimal.RequireFromString("0.154"),
		},
		EscrowAddress:     escrowAddr,
		TreasuryAddress:   treasuryAddr,
		ReferralAddress:   referralAddr,
		MaxVerifyAttempts: 3,
		SubmitRetries:     1,
		LeaseTTL:          time.Minute,
	}
	for _, o := range opts {
		o(&reqCfg, &setCfg)
	}

	var limiter domain.RateLimiter
	if reqCfg.RateLimit > 0 {
		limiter = rediscache.NewRateLimiter(client, reqCfg.RateLimit, reqCfg.RateWindow)
	}

	h.events = NewEvents(nil, nil, h.notifier, nil, logger)
	h.requests = NewRequestService(h.store, h.ledger, limiter, h.events, reqCfg, logger)
	h.matches = NewMatchService(h.store, logger)
	h.pairing = NewPairingEngine(h.requests, h.matches, h.store, h.events, 0, logger)
	h.settlement = NewSettlementService(h.matches, h.ledger, h.locks, nil, h.events, setCfg, logger)
	h.settlement.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	h.engine = NewEngine(h.requests, h.pairing, h.matches, h.settlement, logger)
	return h
}

// activeMatch pairs two fresh players at stake and funds escrow with the pot.
func (h *harness) activeMatch(t *testing.T, stake domain.Amount) domain.Match {
	t.Helper()
	ctx := context.Background()

	_, err := h.engine.CreateRequest(ctx, "0xA", stake, "")
	require.NoError(t, err)
	v, err := h.engine.CreateRequest(ctx, "0xB", stake, "")
	require.NoError(t, err)
	require.NotNil(t, v.Match)

	h.ledger.Fund(escrowAddr, 2*stake)
	return *v.Match
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func coins(s string) domain.Amount {
	a, err := domain.ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}
