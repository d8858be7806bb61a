package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

func TestCreateRequestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.requests.Create(ctx, "0xA", 0, "")
	assert.ErrorIs(t, err, domain.ErrInvalidStake)
	_, err = h.requests.Create(ctx, "0xA", -5, "")
	assert.ErrorIs(t, err, domain.ErrInvalidStake)
	_, err = h.requests.Create(ctx, "  ", 10, "")
	assert.ErrorIs(t, err, domain.ErrInvalidPlayer)
	_, err = h.requests.Create(ctx, "0xA", domain.MaxStake+1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidStake)
	_, err = h.requests.Create(ctx, "0xA", domain.MaxStake, "")
	assert.NoError(t, err)

	_, err = h.requests.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateIndexesRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req, err := h.requests.Create(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, req.Status)
	assert.Equal(t, req.CreatedAt, req.CreatedAt.Truncate(time.Microsecond))

	ids, err := h.store.ZRange(ctx, BucketKey(coins("1")), 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{req.ID}, ids)

	stakes, err := h.store.ZRange(ctx, StakesKey, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{strconv.FormatInt(int64(coins("1")), 10)}, stakes)
}

func TestFirstComeFirstPaired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stake := coins("0.5")

	r1, err := h.engine.CreateRequest(ctx, "0xA", stake, "")
	require.NoError(t, err)
	assert.Equal(t, "pending", r1.Status)
	assert.Nil(t, r1.Match)

	r2, err := h.engine.CreateRequest(ctx, "0xB", stake, "")
	require.NoError(t, err)
	require.Equal(t, "matched", r2.Status)
	require.NotNil(t, r2.Match)

	m := *r2.Match
	assert.Equal(t, "0xA", m.PlayerA)
	assert.Equal(t, "0xB", m.PlayerB)
	assert.Equal(t, r1.Request.ID, m.RequestA)
	assert.Equal(t, r2.Request.ID, m.RequestB)
	assert.Equal(t, domain.MatchStatusActive, m.Status)

	// The earlier request sees the same match on its next poll.
	v, err := h.engine.GetRequestStatus(ctx, r1.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, "matched", v.Status)
	require.NotNil(t, v.Match)
	assert.Equal(t, m.ID, v.Match.ID)

	n, err := h.store.ZCard(ctx, BucketKey(stake))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNoSelfPairing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreateRequest(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)
	v, err := h.engine.CreateRequest(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)
	assert.Equal(t, "pending", v.Status)
	assert.Nil(t, v.Match)
}

func TestDifferentStakesDoNotPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.CreateRequest(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)
	v, err := h.engine.CreateRequest(ctx, "0xB", coins("2"), "")
	require.NoError(t, err)
	assert.Equal(t, "pending", v.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.engine.CreateRequest(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)

	got, err := h.engine.CancelRequest(ctx, r.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusCancelled, got.Status)

	_, err = h.engine.CancelRequest(ctx, r.Request.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	_, err = h.engine.CancelRequest(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A cancelled request is never paired.
	v, err := h.engine.CreateRequest(ctx, "0xB", coins("1"), "")
	require.NoError(t, err)
	assert.Equal(t, "pending", v.Status)

	_, _, err = h.pairing.Pair(ctx, r.Request.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
}

func TestCancelAfterMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	got, err := h.engine.CancelRequest(ctx, m.RequestA)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
	assert.Equal(t, domain.RequestStatusMatched, got.Status)
	assert.Equal(t, m.ID, got.MatchID)
}

func TestThreeConcurrentRequesters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stake := coins("3")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.CreateRequest(ctx, fmt.Sprintf("0xP%d", i), stake, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	matched, pending := settleAll(t, h)
	assert.Len(t, matched, 1)
	assert.Len(t, pending, 1)
}

func TestConcurrentPairingProducesFloorHalfMatches(t *testing.T) {
	for _, n := range []int{2, 7, 20} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			stake := coins("1")

			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					req, err := h.requests.Create(ctx, fmt.Sprintf("0xP%02d", i), stake, "")
					if !assert.NoError(t, err) {
						return
					}
					for try := 0; try < 20; try++ {
						_, _, err = h.pairing.Pair(ctx, req.ID)
						if !errors.Is(err, domain.ErrPairingConflict) {
							break
						}
					}
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			matched, pending := settleAll(t, h)
			assert.Len(t, matched, n/2)
			assert.Len(t, pending, n%2)
		})
	}
}

func TestSimultaneousPairOfTwoMatches(t *testing.T) {
	for round := 0; round < 30; round++ {
		h := newHarness(t)
		ctx := context.Background()
		stake := coins("1")

		a, err := h.requests.Create(ctx, "0xA", stake, "")
		require.NoError(t, err)
		b, err := h.requests.Create(ctx, "0xB", stake, "")
		require.NoError(t, err)

		start := make(chan struct{})
		got := make([]domain.Match, 2)
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i, id := range []string{a.ID, b.ID} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				<-start
				for try := 0; try < 5; try++ {
					var ok bool
					got[i], ok, errs[i] = h.pairing.Pair(ctx, id)
					if errs[i] == nil && !ok {
						errs[i] = fmt.Errorf("%s not matched", id)
						continue
					}
					if !errors.Is(errs[i], domain.ErrPairingConflict) {
						return
					}
				}
			}(i, id)
		}
		close(start)
		wg.Wait()

		require.NoError(t, errs[0], "round %d", round)
		require.NoError(t, errs[1], "round %d", round)
		assert.Equal(t, got[0].ID, got[1].ID)

		matched, pending := settleAll(t, h)
		assert.Len(t, matched, 1)
		assert.Empty(t, pending)
	}
}

func TestCrossedClaimsResolveToSmallerMatchID(t *testing.T) {
	for _, winnerFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("winnerFirst=%v", winnerFirst), func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			a, err := h.requests.Create(ctx, "0xA", coins("1"), "")
			require.NoError(t, err)
			b, err := h.requests.Create(ctx, "0xB", coins("1"), "")
			require.NoError(t, err)

			// A's attempt holds B for m-2; B's attempt holds A for m-1.
			b, err = h.requests.MarkMatched(ctx, b.ID, "m-2", a.ID)
			require.NoError(t, err)
			a, err = h.requests.MarkMatched(ctx, a.ID, "m-1", b.ID)
			require.NoError(t, err)

			fromA := func() (domain.Match, bool, error) { return h.pairing.resolveCrossed(ctx, a, b, "m-2") }
			fromB := func() (domain.Match, bool, error) { return h.pairing.resolveCrossed(ctx, b, a, "m-1") }
			steps := []func() (domain.Match, bool, error){fromA, fromB}
			if winnerFirst {
				steps = []func() (domain.Match, bool, error){fromB, fromA}
			}
			for _, step := range steps {
				m, ok, err := step()
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, "m-1", m.ID)
			}

			_, err = h.matches.Get(ctx, "m-2")
			assert.ErrorIs(t, err, domain.ErrNotFound)
			matched, pending := settleAll(t, h)
			require.Len(t, matched, 1)
			assert.Contains(t, matched, "m-1")
			assert.Empty(t, pending)
		})
	}
}

// settleAll re-polls every request until nothing changes, then checks every
// committed match record: no request sits in two matches and every matched
// request points at the match holding it. It returns committed matches by id
// and the ids still pending.
func settleAll(t *testing.T, h *harness) (map[string]domain.Match, []string) {
	t.Helper()
	ctx := context.Background()

	ids := allRequestIDs(t, h)
	for round := 0; round < 10; round++ {
		changed := false
		for _, id := range ids {
			before, err := h.requests.Get(ctx, id)
			require.NoError(t, err)
			if before.Status == domain.RequestStatusPending || before.Status == domain.RequestStatusMatched {
				_, err = h.engine.GetRequestStatus(ctx, id)
				require.NoError(t, err)
			}
			after, err := h.requests.Get(ctx, id)
			require.NoError(t, err)
			if after.Status != before.Status || after.MatchID != before.MatchID {
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	matches := make(map[string]domain.Match)
	owner := make(map[string]string)
	for _, k := range h.mr.Keys() {
		id, ok := strings.CutPrefix(k, "test:match:")
		if !ok {
			continue
		}
		m, _, err := h.matches.load(ctx, id)
		require.NoError(t, err)
		if m.Status == domain.MatchStatusAborted {
			continue
		}
		require.NotEqual(t, m.PlayerA, m.PlayerB)
		require.NotEqual(t, m.RequestA, m.RequestB)
		for _, rid := range []string{m.RequestA, m.RequestB} {
			prev, dup := owner[rid]
			require.False(t, dup, "request %s is in matches %s and %s", rid, prev, m.ID)
			owner[rid] = m.ID
		}
		matches[m.ID] = m
	}

	var pending []string
	for _, id := range ids {
		req, err := h.requests.Get(ctx, id)
		require.NoError(t, err)
		switch req.Status {
		case domain.RequestStatusPending:
			_, held := owner[id]
			require.False(t, held, "pending request %s is in match %s", id, owner[id])
			pending = append(pending, id)
		case domain.RequestStatusMatched:
			require.Equal(t, owner[id], req.MatchID, "request %s claimed without a match", id)
		default:
			t.Fatalf("request %s unexpectedly %s", id, req.Status)
		}
	}

	for _, m := range matches {
		a, err := h.requests.Get(ctx, m.RequestA)
		require.NoError(t, err)
		b, err := h.requests.Get(ctx, m.RequestB)
		require.NoError(t, err)
		assert.True(t, a.OlderThan(b))
	}
	return matches, pending
}

func allRequestIDs(t *testing.T, h *harness) []string {
	t.Helper()
	var ids []string
	for _, k := range h.mr.Keys() {
		if id, ok := strings.CutPrefix(k, "test:request:"); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func TestRepairClaimFinishesPairing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r1, err := h.requests.Create(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)
	r2, err := h.requests.Create(ctx, "0xB", coins("1"), "")
	require.NoError(t, err)

	// A pairing that died after claiming r1 only.
	_, err = h.requests.MarkMatched(ctx, r1.ID, "m-orphan", r2.ID)
	require.NoError(t, err)

	got, err := h.requests.Get(ctx, r1.ID)
	require.NoError(t, err)
	orphan, err := h.pairing.ClaimOrphaned(ctx, got)
	require.NoError(t, err)
	assert.True(t, orphan)

	m, err := h.pairing.RepairClaim(ctx, r1.ID)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "m-orphan", m.ID)
	assert.Equal(t, r1.ID, m.RequestA)
	assert.Equal(t, r2.ID, m.RequestB)

	b, err := h.requests.Get(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusMatched, b.Status)
	assert.Equal(t, "m-orphan", b.MatchID)
}

func TestRepairClaimReleasesAbandonedClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	stake := coins("1")

	r1, err := h.requests.Create(ctx, "0xA", stake, "")
	require.NoError(t, err)
	r2, err := h.requests.Create(ctx, "0xB", stake, "")
	require.NoError(t, err)
	_, err = h.requests.Cancel(ctx, r2.ID)
	require.NoError(t, err)

	_, err = h.requests.MarkMatched(ctx, r1.ID, "m-dead", r2.ID)
	require.NoError(t, err)
	require.NoError(t, h.store.ZRem(ctx, BucketKey(stake), r1.ID))

	m, err := h.pairing.RepairClaim(ctx, r1.ID)
	require.NoError(t, err)
	assert.Nil(t, m)

	back, err := h.requests.Get(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusPending, back.Status)
	assert.Empty(t, back.MatchID)

	// Re-indexed at its original position.
	entries, err := h.store.ZRangeByScore(ctx, BucketKey(stake), 0, r1.Score())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, r1.ID, entries[0].Member)

	// The abandoned id can never be committed later.
	_, err = h.matches.Get(ctx, "m-dead")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = h.matches.Create(ctx, domain.Match{ID: "m-dead", Status: domain.MatchStatusActive})
	assert.ErrorIs(t, err, domain.ErrPairingConflict)
}

func TestPollingClaimedRequestFinishesPairing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r1, err := h.requests.Create(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)
	r2, err := h.requests.Create(ctx, "0xB", coins("1"), "")
	require.NoError(t, err)
	_, err = h.requests.MarkMatched(ctx, r1.ID, "m-half", r2.ID)
	require.NoError(t, err)

	// r1's entry stays indexed for repair but is not offered to r2.
	v, err := h.engine.GetRequestStatus(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", v.Status)
	n, err := h.store.ZCard(ctx, BucketKey(coins("1")))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	// Polling r1 finishes the pairing it was claimed for.
	v, err = h.engine.GetRequestStatus(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, "matched", v.Status)
	require.NotNil(t, v.Match)
	assert.Equal(t, "m-half", v.Match.ID)

	v, err = h.engine.GetRequestStatus(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, "matched", v.Status)
}

func TestDepositChecks(t *testing.T) {
	h := newHarness(t, func(rc *RequestConfig, _ *SettlementConfig) {
		rc.RequireDeposit = true
	})
	ctx := context.Background()
	stake := coins("1")

	_, err := h.requests.Create(ctx, "0xA", stake, "")
	assert.ErrorIs(t, err, domain.ErrDepositRequired)

	_, err = h.requests.Create(ctx, "0xA", stake, "no-such-ref")
	assert.ErrorIs(t, err, domain.ErrDepositNotVerified)

	small := h.ledger.Deposit("0xA", escrowAddr, stake-1)
	_, err = h.requests.Create(ctx, "0xA", stake, small)
	assert.ErrorIs(t, err, domain.ErrDepositNotVerified)

	elsewhere := h.ledger.Deposit("0xA", "0xsomeone", stake)
	_, err = h.requests.Create(ctx, "0xA", stake, elsewhere)
	assert.ErrorIs(t, err, domain.ErrDepositNotVerified)

	ref := h.ledger.Deposit("0xA", escrowAddr, stake)
	req, err := h.requests.Create(ctx, "0xA", stake, ref)
	require.NoError(t, err)
	assert.Equal(t, ref, req.DepositRef)

	_, err = h.requests.Create(ctx, "0xB", stake, ref)
	assert.ErrorIs(t, err, domain.ErrDepositReused)
}

func TestCreateRateLimited(t *testing.T) {
	h := newHarness(t, func(rc *RequestConfig, _ *SettlementConfig) {
		rc.RateLimit = 2
		rc.RateWindow = time.Minute
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.requests.Create(ctx, "0xA", coins("1"), "")
		require.NoError(t, err)
	}
	_, err := h.requests.Create(ctx, "0xA", coins("1"), "")
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = h.requests.Create(ctx, "0xB", coins("1"), "")
	assert.NoError(t, err)
}

func TestMarkMatchedIdempotentForSameMatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.requests.Create(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)

	_, err = h.requests.MarkMatched(ctx, r.ID, "m1", "other")
	require.NoError(t, err)
	_, err = h.requests.MarkMatched(ctx, r.ID, "m1", "other")
	require.NoError(t, err)
	_, err = h.requests.MarkMatched(ctx, r.ID, "m2", "other")
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)
}

func TestExpire(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r, err := h.requests.Create(ctx, "0xA", coins("1"), "")
	require.NoError(t, err)
	got, err := h.requests.Expire(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusExpired, got.Status)

	_, err = h.requests.Expire(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadyTerminal)

	n, err := h.store.ZCard(ctx, BucketKey(coins("1")))
	require.NoError(t, err)
	assert.Zero(t, n)
}
