package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

func TestSettleWinnerSplitsPot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	res, err := h.engine.SettleMatch(ctx, m.ID, domain.WinnerOutcome("0xB"))
	require.NoError(t, err)

	assert.Equal(t, domain.MatchStatusCompleted, res.Status)
	assert.Equal(t, "0xB", res.Winner)
	assert.Equal(t, domain.Split{
		Pot:           2_000_000_000,
		PlatformFee:   130_000_000,
		ReferralShare: 20_020_000,
		TreasuryShare: 109_980_000,
		Payout:        1_870_000_000,
	}, res.Split)
	require.Len(t, res.Legs, 3)
	for _, l := range res.Legs {
		assert.Equal(t, domain.LegVerified, l.Status)
		assert.NotEmpty(t, l.Ref)
	}

	assert.Equal(t, domain.Amount(1_870_000_000), h.ledger.Balance("0xB"))
	assert.Equal(t, domain.Amount(109_980_000), h.ledger.Balance(treasuryAddr))
	assert.Equal(t, domain.Amount(20_020_000), h.ledger.Balance(referralAddr))
	assert.Zero(t, h.ledger.Balance(escrowAddr))

	stored, err := h.engine.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	require.NotNil(t, stored.Settlement)
	assert.NotNil(t, stored.Settlement.FinishedAt)
	assert.True(t, stored.Settlement.Verified())
}

func TestSettleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	first, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	transfers := h.ledger.Transfers()

	again, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, first.Winner, again.Winner)
	assert.Equal(t, first.Split, again.Split)
	require.Len(t, again.Legs, len(first.Legs))
	for i := range first.Legs {
		assert.Equal(t, first.Legs[i].Ref, again.Legs[i].Ref)
	}
	assert.Equal(t, transfers, h.ledger.Transfers())

	_, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xB"))
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	_, err = h.settlement.Settle(ctx, m.ID, domain.Outcome{Kind: domain.OutcomeDraw})
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
	assert.Equal(t, transfers, h.ledger.Transfers())
}

func TestSettleDrawAndCancelRefund(t *testing.T) {
	cases := []struct {
		outcome domain.Outcome
		status  domain.MatchStatus
		winner  string
	}{
		{domain.Outcome{Kind: domain.OutcomeDraw}, domain.MatchStatusCompleted, domain.WinnerDraw},
		{domain.Outcome{Kind: domain.OutcomeCancelled}, domain.MatchStatusCancelled, ""},
	}
	for _, tc := range cases {
		t.Run(string(tc.outcome.Kind), func(t *testing.T) {
			h := newHarness(t)
			m := h.activeMatch(t, coins("0.25"))

			res, err := h.settlement.Settle(context.Background(), m.ID, tc.outcome)
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.winner, res.Winner)
			assert.Zero(t, res.Split.PlatformFee)
			require.Len(t, res.Legs, 2)
			for _, l := range res.Legs {
				assert.Equal(t, domain.LegRefund, l.Kind)
			}

			assert.Equal(t, coins("0.25"), h.ledger.Balance("0xA"))
			assert.Equal(t, coins("0.25"), h.ledger.Balance("0xB"))
			assert.Zero(t, h.ledger.Balance(treasuryAddr))
		})
	}
}

func TestSettleRejectsInvalidOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xC"))
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
	_, err = h.settlement.Settle(ctx, m.ID, domain.Outcome{Kind: domain.OutcomeDraw, Winner: "0xA"})
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
	_, err = h.settlement.Settle(ctx, m.ID, domain.Outcome{Kind: "forfeit"})
	assert.ErrorIs(t, err, domain.ErrInvalidOutcome)
	_, err = h.settlement.Settle(ctx, "missing", domain.WinnerOutcome("0xA"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, 0, h.ledger.Transfers())
}

func TestSettleVerificationTimeoutResumesWithoutResubmitting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))
	h.ledger.ConfirmAfter(100)

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrVerificationTimedOut)

	stored, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusActive, stored.Status)
	require.NotNil(t, stored.Settlement)
	assert.Equal(t, 3, stored.Settlement.VerifyAttempts)
	assert.Contains(t, stored.Settlement.LastError, "verification timed out")
	for _, l := range stored.Settlement.Legs {
		assert.Equal(t, domain.LegSubmitted, l.Status)
	}
	assert.Contains(t, h.notifier.Events(), domain.EventSettlementTimeout)
	refs := stored.Settlement.Refs()
	transfers := h.ledger.Transfers()

	h.ledger.ConfirmAfter(0)
	res, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusCompleted, res.Status)
	assert.Equal(t, transfers, h.ledger.Transfers())

	final, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, refs, final.Settlement.Refs())
	assert.Empty(t, final.Settlement.LastError)
}

func TestSettleWithDifferentOutcomeWhileRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))
	h.ledger.ConfirmAfter(100)

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrVerificationTimedOut)

	_, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xB"))
	assert.ErrorIs(t, err, domain.ErrSettlementConflict)
}

func TestSettleLeaseHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	release, err := h.locks.Acquire(ctx, "settle:"+m.ID, time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	assert.ErrorIs(t, err, domain.ErrSettlementBusy)
	assert.Zero(t, h.ledger.Transfers())
}

func TestSettleRejectedTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))
	// Escrow holds less than the payout.
	h.ledger.Fund(escrowAddr, -coins("1.5"))

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.Contains(t, h.notifier.Events(), domain.EventSettlementFailed)

	stored, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusActive, stored.Status)
	require.NotNil(t, stored.Settlement)
	assert.Equal(t, domain.LegRejected, stored.Settlement.Legs[0].Status)
	assert.NotEmpty(t, stored.Settlement.LastError)

	// Retrying the result does not re-broadcast, even once escrow could
	// cover the payout.
	h.ledger.Fund(escrowAddr, coins("1.5"))
	before := h.ledger.Transfers()
	_, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.Equal(t, before, h.ledger.Transfers())
	stored, err = h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LegRejected, stored.Settlement.Legs[0].Status)
	assert.Contains(t, stored.Settlement.LastError, "operator resume")

	// The operator resumes it and the next result call pays out.
	resumed, err := h.engine.ResumeSettlement(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LegPlanned, resumed.Legs[0].Status)

	res, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Legs[0].Attempts)
	assert.Equal(t, domain.Amount(1_870_000_000), h.ledger.Balance("0xA"))
}

func TestResumeSettlementPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	_, err := h.settlement.Resume(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "nothing planned yet")
	_, err = h.settlement.Resume(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	release, err := h.locks.Acquire(ctx, "settle:"+m.ID, time.Minute)
	require.NoError(t, err)
	_, err = h.settlement.Resume(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrSettlementBusy)
	release()

	_, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	_, err = h.settlement.Resume(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrAlreadySettled)
}

func TestResumeReleasesInterruptedSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	rec := planSettlement(m, domain.WinnerOutcome("0xA"), h.settlement.cfg, time.Now().UTC())
	rec.Legs[0].Status = domain.LegSubmitting
	_, err := h.matches.RecordSettlement(ctx, m.ID, rec)
	require.NoError(t, err)

	res, err := h.settlement.Resume(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LegPlanned, res.Legs[0].Status)
	assert.Equal(t, "resumed by operator", res.Legs[0].LastError)

	res, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusCompleted, res.Status)
}

func TestSettleReplacesRefReportedFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))
	h.ledger.SettleNextAs(domain.TransferFailed)

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)

	stored, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	failedRef := stored.Settlement.Legs[0].Ref
	assert.Equal(t, domain.LegFailed, stored.Settlement.Legs[0].Status)

	res, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, []string{failedRef}, res.Legs[0].ReplacedRefs)
	assert.NotEqual(t, failedRef, res.Legs[0].Ref)
	assert.Equal(t, domain.Amount(1_870_000_000), h.ledger.Balance("0xA"))
}

func TestSettleReplacesStaleUnconfirmedRef(t *testing.T) {
	h := newHarness(t, func(_ *RequestConfig, sc *SettlementConfig) {
		sc.RefTTL = time.Minute
	})
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))
	h.ledger.SettleNextAs(domain.TransferPending)

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrVerificationTimedOut)
	stored, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	stuck := stored.Settlement.Legs[0].Ref

	// Within the ttl the ref is only re-verified.
	_, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrVerificationTimedOut)
	stored, err = h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, stuck, stored.Settlement.Legs[0].Ref)

	h.settlement.now = func() time.Time { return time.Now().UTC().Add(2 * time.Minute) }
	res, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, []string{stuck}, res.Legs[0].ReplacedRefs)
	assert.Equal(t, 2, res.Legs[0].Attempts)

	// The stuck transfer can no longer land; the winner is paid once.
	st, err := h.ledger.TransferStatus(ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferFailed, st)
	assert.Equal(t, domain.Amount(1_870_000_000), h.ledger.Balance("0xA"))
	assert.Zero(t, h.ledger.Balance(escrowAddr))
}

// plainLedger hides every method beyond domain.Ledger.
type plainLedger struct{ domain.Ledger }

func TestSettleKeepsStaleRefWithoutReplacement(t *testing.T) {
	h := newHarness(t, func(_ *RequestConfig, sc *SettlementConfig) {
		sc.RefTTL = time.Minute
	})
	h.settlement.ledger = plainLedger{h.ledger}
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))
	h.ledger.SettleNextAs(domain.TransferPending)

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrVerificationTimedOut)
	stored, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	stuck := stored.Settlement.Legs[0].Ref
	transfers := h.ledger.Transfers()

	h.settlement.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	_, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrVerificationTimedOut)

	stored, err = h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, stuck, stored.Settlement.Legs[0].Ref)
	assert.Equal(t, domain.LegSubmitted, stored.Settlement.Legs[0].Status)
	assert.Empty(t, stored.Settlement.Legs[0].ReplacedRefs)
	assert.Equal(t, transfers, h.ledger.Transfers())
}

// slotLedger reports fixed statuses per ref, the way a chain reports two
// transactions that share a nonce.
type slotLedger struct {
	status map[string]domain.TransferStatus
}

func (l *slotLedger) Transfer(context.Context, string, string, domain.Amount) (string, error) {
	return "", errors.New("unexpected transfer")
}

func (l *slotLedger) TransferStatus(_ context.Context, ref string) (domain.TransferStatus, error) {
	return l.status[ref], nil
}

func (l *slotLedger) DidReceive(_ context.Context, _ string, _ domain.Amount, ref string) (bool, error) {
	return l.status[ref] == domain.TransferConfirmed, nil
}

func TestSettleAdoptsSupersededRefThatLanded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	rec := planSettlement(m, domain.WinnerOutcome("0xA"), h.settlement.cfg, time.Now().UTC())
	ledger := &slotLedger{status: map[string]domain.TransferStatus{
		"first":       domain.TransferConfirmed,
		"replacement": domain.TransferPending,
	}}
	for i := range rec.Legs {
		leg := &rec.Legs[i]
		leg.Status = domain.LegSubmitted
		leg.Ref = fmt.Sprintf("leg-%d", i)
		ledger.status[leg.Ref] = domain.TransferConfirmed
	}
	rec.Legs[0].Ref = "replacement"
	rec.Legs[0].ReplacedRefs = []string{"first"}
	_, err := h.matches.RecordSettlement(ctx, m.ID, rec)
	require.NoError(t, err)
	h.settlement.ledger = ledger

	res, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusCompleted, res.Status)
	assert.Equal(t, "first", res.Legs[0].Ref)
	assert.Equal(t, []string{"replacement"}, res.Legs[0].ReplacedRefs)
	assert.Equal(t, domain.LegVerified, res.Legs[0].Status)
}

func TestSettleRecordsTimeoutAfterCallerHangsUp(t *testing.T) {
	h := newHarness(t)
	m := h.activeMatch(t, coins("1"))
	h.ledger.ConfirmAfter(100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.settlement.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrVerificationTimedOut)

	stored, err := h.matches.Get(context.Background(), m.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Settlement)
	assert.Contains(t, stored.Settlement.LastError, "context canceled")
	assert.Equal(t, 1, stored.Settlement.VerifyAttempts)
	for _, l := range stored.Settlement.Legs {
		assert.Equal(t, domain.LegSubmitted, l.Status)
		assert.NotEmpty(t, l.Ref)
	}
	assert.Contains(t, h.notifier.Events(), domain.EventSettlementTimeout)
}

func TestSettleRunLosesRecordToNewerWriter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))
	h.ledger.ConfirmAfter(100)

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrVerificationTimedOut)
	stored, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)

	// A run that outlived its lease still holds the record it read.
	rec := cloneRecord(*stored.Settlement)
	stale := &settlementRun{svc: h.settlement, match: stored, rec: &rec}

	newer := cloneRecord(*stored.Settlement)
	newer.VerifyAttempts = 99
	_, err = h.matches.RecordSettlement(ctx, m.ID, newer)
	require.NoError(t, err)

	stale.rec.Legs[0].Status = domain.LegVerified
	require.ErrorIs(t, stale.save(ctx), domain.ErrSettlementBusy)

	final, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, final.Settlement.VerifyAttempts)
	assert.Equal(t, domain.LegSubmitted, final.Settlement.Legs[0].Status)
}

func TestSettleTransientErrorsThenRecovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))
	rpcDown := errors.New("rpc: connection refused")
	h.ledger.FailNextTransfers(rpcDown, rpcDown)

	_, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	stored, err := h.matches.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LegPlanned, stored.Settlement.Legs[0].Status)
	assert.Empty(t, stored.Settlement.Legs[0].Ref)

	res, err := h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusCompleted, res.Status)
}

func TestSettleRetriesOneTransientError(t *testing.T) {
	h := newHarness(t)
	m := h.activeMatch(t, coins("1"))
	h.ledger.FailNextTransfers(errors.New("timeout"))

	res, err := h.settlement.Settle(context.Background(), m.ID, domain.WinnerOutcome("0xA"))
	require.NoError(t, err)
	assert.Equal(t, domain.MatchStatusCompleted, res.Status)
}

func TestSettleInterruptedSubmissionIsFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.activeMatch(t, coins("1"))

	rec := planSettlement(m, domain.WinnerOutcome("0xA"), h.settlement.cfg, time.Now().UTC())
	rec.Legs[0].Status = domain.LegSubmitting
	_, err := h.matches.RecordSettlement(ctx, m.ID, rec)
	require.NoError(t, err)
	before := h.ledger.Transfers()

	_, err = h.settlement.Settle(ctx, m.ID, domain.WinnerOutcome("0xA"))
	require.ErrorIs(t, err, domain.ErrSubmissionFailed)
	assert.Equal(t, before, h.ledger.Transfers())
	assert.Contains(t, h.notifier.Events(), domain.EventSettlementFailed)
}
