package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// SettlementConfig holds the fee schedule, the escrow addresses and the
// retry budget of the settlement coordinator.
type SettlementConfig struct {
	Fees            domain.FeeSchedule
	EscrowAddress   string
	TreasuryAddress string
	ReferralAddress string

	PollInterval      time.Duration // base delay between verification polls
	Backoff           time.Duration // added per further poll
	MaxVerifyAttempts int
	SubmitRetries     int           // transient Transfer errors retried per leg
	RefTTL            time.Duration // unconfirmed refs older than this are replaced; 0 never replaces
	LeaseTTL          time.Duration
}

// SettlementService turns a match outcome into verified ledger transfers.
//
// The plan and every transfer reference are written to the match before
// anything is awaited, so a settlement interrupted at any point resumes by
// re-checking recorded refs instead of paying twice. Record writes ignore
// cancellation of the caller's context: a client that hangs up mid-settle
// still leaves the record describing what was sent.
type SettlementService struct {
	matches *MatchService
	ledger  domain.Ledger
	locks   domain.LockManager
	history domain.SettlementStore
	events  *Events
	cfg     SettlementConfig
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSettlementService creates a SettlementService. locks and history may be
// nil.
func NewSettlementService(
	matches *MatchService,
	ledger domain.Ledger,
	locks domain.LockManager,
	history domain.SettlementStore,
	events *Events,
	cfg SettlementConfig,
	logger *slog.Logger,
) *SettlementService {
	if cfg.MaxVerifyAttempts <= 0 {
		cfg.MaxVerifyAttempts = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	return &SettlementService{
		matches: matches,
		ledger:  ledger,
		locks:   locks,
		history: history,
		events:  events,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "settlement")),
		now:     func() time.Time { return time.Now().UTC() },
		sleep:   sleepCtx,
	}
}

// Settle pays out matchID according to outcome. Calling it again with the
// same outcome after it succeeded returns the recorded result without
// touching the ledger; calling it after a timeout resumes verification.
func (s *SettlementService) Settle(ctx context.Context, matchID string, outcome domain.Outcome) (res domain.SettlementResult, err error) {
	start := time.Now()
	defer func() {
		s.events.Metrics().Settlement(string(outcome.Kind), settleResultLabel(err), time.Since(start))
	}()

	m, err := s.matches.Get(ctx, matchID)
	if err != nil {
		return res, err
	}
	if err := outcome.Validate(m); err != nil {
		return res, err
	}
	if done, err := alreadySettled(m, outcome); done {
		return resultOf(m), err
	}

	if s.locks != nil {
		release, err := s.locks.Acquire(ctx, "settle:"+matchID, s.cfg.LeaseTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			if m.Settlement != nil && !m.Settlement.Outcome.Equal(outcome) {
				return res, domain.ErrSettlementConflict
			}
			return res, domain.ErrSettlementBusy
		}
		if err != nil {
			return res, fmt.Errorf("settlement: lease %s: %w", matchID, err)
		}
		defer release()

		if m, err = s.matches.Get(ctx, matchID); err != nil {
			return res, err
		}
		if done, err := alreadySettled(m, outcome); done {
			return resultOf(m), err
		}
	}

	if m.Settlement == nil {
		rec := planSettlement(m, outcome, s.cfg, s.now())
		m, err = s.matches.RecordSettlement(ctx, matchID, rec)
		if err != nil {
			return res, err
		}
		s.events.Settlement(ctx, domain.EventSettlementStarted, m, outcome.String())
		s.logger.InfoContext(ctx, "settlement planned",
			slog.String("match_id", matchID),
			slog.String("outcome", outcome.String()),
			slog.String("payout", rec.Split.Payout.String()),
			slog.String("platform_fee", rec.Split.PlatformFee.String()),
		)
	} else if !m.Settlement.Outcome.Equal(outcome) {
		return res, fmt.Errorf("settlement: %s recorded as %s: %w", matchID, m.Settlement.Outcome, domain.ErrSettlementConflict)
	}

	rec := cloneRecord(*m.Settlement)
	run := &settlementRun{svc: s, match: m, rec: &rec}

	if err := run.reconcile(ctx); err != nil {
		return resultOf(run.match), err
	}
	if err := run.submitAll(ctx); err != nil {
		return resultOf(run.match), err
	}
	if err := run.verify(ctx); err != nil {
		return resultOf(run.match), err
	}
	return s.finalize(ctx, run)
}

func (s *SettlementService) finalize(ctx context.Context, run *settlementRun) (domain.SettlementResult, error) {
	status, winner := terminalState(run.rec.Outcome)
	now := s.now()
	run.rec.FinishedAt = &now
	run.rec.UpdatedAt = now
	run.rec.LastError = ""

	store := context.WithoutCancel(ctx)
	m, err := s.matches.Finalize(store, run.match.ID, status, winner, *run.rec)
	if err != nil {
		return resultOf(run.match), fmt.Errorf("settlement: finalize %s: %w", run.match.ID, err)
	}

	if s.history != nil {
		if err := s.history.Insert(store, domain.SettlementHistory{
			MatchID:     m.ID,
			PlayerA:     m.PlayerA,
			PlayerB:     m.PlayerB,
			StakeAmount: m.StakeAmount,
			Status:      m.Status,
			Winner:      m.Winner,
			Record:      *m.Settlement,
			SettledAt:   now,
		}); err != nil {
			s.logger.WarnContext(ctx, "settlement history insert failed",
				slog.String("match_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.events.Settlement(store, domain.EventSettlementDone, m, run.rec.Outcome.String())
	s.logger.InfoContext(ctx, "settlement completed",
		slog.String("match_id", m.ID),
		slog.String("status", string(m.Status)),
		slog.String("winner", m.Winner),
		slog.Any("refs", m.Settlement.Refs()),
	)
	return resultOf(m), nil
}

// Resume releases a settlement held by legs the ledger rejected outright or
// by a submission interrupted before its ref was recorded. The operator
// vouches that none of those legs moved funds; they are planned again and
// the next Settle call submits them.
func (s *SettlementService) Resume(ctx context.Context, matchID string) (domain.SettlementResult, error) {
	if s.locks != nil {
		release, err := s.locks.Acquire(ctx, "settle:"+matchID, s.cfg.LeaseTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.SettlementResult{}, domain.ErrSettlementBusy
		}
		if err != nil {
			return domain.SettlementResult{}, fmt.Errorf("settlement: lease %s: %w", matchID, err)
		}
		defer release()
	}

	m, err := s.matches.Get(ctx, matchID)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	if m.Status != domain.MatchStatusActive {
		return resultOf(m), fmt.Errorf("settlement: %s is %s: %w", matchID, m.Status, domain.ErrAlreadySettled)
	}
	if m.Settlement == nil {
		return resultOf(m), fmt.Errorf("settlement: %s has not started: %w", matchID, domain.ErrInvalidTransition)
	}

	rec := cloneRecord(*m.Settlement)
	var held []string
	for i := range rec.Legs {
		leg := &rec.Legs[i]
		if leg.Status != domain.LegRejected && leg.Status != domain.LegSubmitting {
			continue
		}
		held = append(held, fmt.Sprintf("%s leg to %s", leg.Kind, leg.To))
		leg.Status = domain.LegPlanned
		leg.LastError = "resumed by operator"
	}
	if len(held) == 0 {
		return resultOf(m), nil
	}
	rec.LastError = ""
	rec.UpdatedAt = s.now()
	if m, err = s.matches.RecordSettlement(ctx, matchID, rec); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("settlement: resume %s: %w", matchID, err)
	}

	detail := strings.Join(held, ", ")
	s.events.Settlement(ctx, domain.EventSettlementResumed, m, detail)
	s.logger.WarnContext(ctx, "settlement resumed by operator",
		slog.String("match_id", matchID),
		slog.String("legs", detail),
	)
	return resultOf(m), nil
}

// settlementRun carries one Settle call's working copy of the record.
type settlementRun struct {
	svc   *SettlementService
	match domain.Match
	rec   *domain.SettlementRecord
}

// save writes the working record back to the match. It fails with
// domain.ErrSettlementBusy when another run wrote the record since.
func (r *settlementRun) save(ctx context.Context) error {
	r.rec.UpdatedAt = r.svc.now()
	m, err := r.svc.matches.RecordSettlement(context.WithoutCancel(ctx), r.match.ID, cloneRecord(*r.rec))
	if err != nil {
		return fmt.Errorf("settlement: record %s: %w", r.match.ID, err)
	}
	r.match = m
	r.rec.Revision = m.Settlement.Revision
	return nil
}

// fail records a fatal problem, alerts operators and returns
// domain.ErrSubmissionFailed.
func (r *settlementRun) fail(ctx context.Context, reason string) error {
	r.rec.LastError = reason
	if err := r.save(ctx); err != nil {
		r.svc.logger.ErrorContext(ctx, "could not record settlement failure",
			slog.String("match_id", r.match.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
	r.svc.events.Settlement(context.WithoutCancel(ctx), domain.EventSettlementFailed, r.match, reason)
	r.svc.logger.ErrorContext(ctx, "settlement failed",
		slog.String("match_id", r.match.ID),
		slog.String("reason", reason),
	)
	return fmt.Errorf("settlement: %s: %w: %s", r.match.ID, domain.ErrSubmissionFailed, reason)
}

// reconcile re-checks refs recorded by an earlier call. A ref the ledger
// reports as failed is retired and its leg planned again. One still
// unconfirmed after RefTTL is replaced in place when the ledger supports it.
func (r *settlementRun) reconcile(ctx context.Context) error {
	changed := false
	for i := range r.rec.Legs {
		leg := &r.rec.Legs[i]
		if leg.Status != domain.LegSubmitted || leg.Ref == "" {
			continue
		}
		st, err := r.svc.ledger.TransferStatus(ctx, leg.Ref)
		r.svc.events.Metrics().LedgerCall("transfer_status", err)
		if err != nil {
			// Verification polls it again.
			continue
		}

		switch {
		case st == domain.TransferFailed:
			r.retire(leg, "ledger reported transfer failed")
			changed = true
		case st == domain.TransferPending && r.expired(leg):
			got, err := r.svc.ledger.DidReceive(ctx, leg.To, leg.Amount, leg.Ref)
			r.svc.events.Metrics().LedgerCall("did_receive", err)
			if err != nil || got {
				continue
			}
			if err := r.replace(ctx, leg); err != nil {
				return err
			}
		}
	}
	if changed {
		return r.save(ctx)
	}
	return nil
}

func (r *settlementRun) expired(leg *domain.TransferLeg) bool {
	if r.svc.cfg.RefTTL <= 0 || leg.SubmittedAt == nil {
		return false
	}
	return r.svc.now().Sub(*leg.SubmittedAt) > r.svc.cfg.RefTTL
}

// replace supersedes a stale ref. Only a ledger that guarantees the old
// transfer cannot land next to the new one is asked to; otherwise the ref is
// kept and verification goes on polling it.
func (r *settlementRun) replace(ctx context.Context, leg *domain.TransferLeg) error {
	rep, ok := r.svc.ledger.(domain.TransferReplacer)
	if !ok {
		r.svc.logger.WarnContext(ctx, "stale transfer ref kept, ledger cannot replace it",
			slog.String("match_id", r.match.ID),
			slog.String("leg", string(leg.Kind)),
			slog.String("ref", leg.Ref),
		)
		return nil
	}

	old := leg.Ref
	ref, err := rep.ReplaceTransfer(ctx, old, r.svc.cfg.EscrowAddress, leg.To, leg.Amount)
	r.svc.events.Metrics().LedgerCall("replace_transfer", err)
	if err != nil {
		r.svc.logger.WarnContext(ctx, "stale transfer ref kept",
			slog.String("match_id", r.match.ID),
			slog.String("leg", string(leg.Kind)),
			slog.String("ref", old),
			slog.String("error", err.Error()),
		)
		return nil
	}

	now := r.svc.now()
	leg.ReplacedRefs = append(leg.ReplacedRefs, old)
	leg.Ref = ref
	leg.SubmittedAt = &now
	leg.Attempts++
	leg.LastError = "transfer unconfirmed past ref ttl"
	if err := r.save(ctx); err != nil {
		r.svc.logger.ErrorContext(ctx, "transfer replaced but ref not recorded",
			slog.String("match_id", r.match.ID),
			slog.String("leg", string(leg.Kind)),
			slog.String("ref", ref),
			slog.String("replaces", old),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.svc.logger.WarnContext(ctx, "transfer ref replaced",
		slog.String("match_id", r.match.ID),
		slog.String("leg", string(leg.Kind)),
		slog.String("ref", ref),
		slog.String("replaces", old),
	)
	return nil
}

func (r *settlementRun) retire(leg *domain.TransferLeg, reason string) {
	r.svc.logger.Warn("retiring transfer ref",
		slog.String("match_id", r.match.ID),
		slog.String("leg", string(leg.Kind)),
		slog.String("ref", leg.Ref),
		slog.String("reason", reason),
	)
	leg.ReplacedRefs = append(leg.ReplacedRefs, leg.Ref)
	leg.Ref = ""
	leg.SubmittedAt = nil
	leg.Status = domain.LegPlanned
	leg.LastError = reason
}

// submitAll submits every leg that has no live ref.
func (r *settlementRun) submitAll(ctx context.Context) error {
	for i := range r.rec.Legs {
		leg := &r.rec.Legs[i]
		switch leg.Status {
		case domain.LegSubmitted, domain.LegVerified:
			continue
		case domain.LegSubmitting:
			// A previous call died between asking the ledger and recording
			// the ref. Whether funds moved is unknown.
			leg.LastError = "submission interrupted before ref was recorded"
			return r.fail(ctx, fmt.Sprintf("%s leg to %s may have been broadcast without a recorded ref", leg.Kind, leg.To))
		case domain.LegRejected:
			return r.fail(ctx, fmt.Sprintf("%s leg to %s was rejected by the ledger and awaits an operator resume", leg.Kind, leg.To))
		}
		if err := r.submit(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *settlementRun) submit(ctx context.Context, i int) error {
	leg := &r.rec.Legs[i]
	if leg.Ref != "" {
		leg.ReplacedRefs = append(leg.ReplacedRefs, leg.Ref)
		leg.Ref = ""
	}
	leg.Status = domain.LegSubmitting
	leg.Attempts++
	if err := r.save(ctx); err != nil {
		return err
	}

	cfg := r.svc.cfg
	var lastErr error
	for try := 0; try <= cfg.SubmitRetries; try++ {
		if try > 0 {
			if err := r.svc.sleep(ctx, cfg.PollInterval+time.Duration(try-1)*cfg.Backoff); err != nil {
				lastErr = err
				break
			}
		}

		ref, err := r.svc.ledger.Transfer(ctx, cfg.EscrowAddress, leg.To, leg.Amount)
		r.svc.events.Metrics().LedgerCall("transfer", err)
		if err == nil {
			now := r.svc.now()
			leg.Ref = ref
			leg.Status = domain.LegSubmitted
			leg.SubmittedAt = &now
			leg.LastError = ""
			if err := r.save(ctx); err != nil {
				// The ref only exists in this log line now.
				r.svc.logger.ErrorContext(ctx, "transfer broadcast but ref not recorded",
					slog.String("match_id", r.match.ID),
					slog.String("leg", string(leg.Kind)),
					slog.String("ref", ref),
					slog.String("error", err.Error()),
				)
				return err
			}
			r.svc.logger.InfoContext(ctx, "transfer submitted",
				slog.String("match_id", r.match.ID),
				slog.String("leg", string(leg.Kind)),
				slog.String("to", leg.To),
				slog.String("amount", leg.Amount.String()),
				slog.String("ref", ref),
			)
			return nil
		}

		if errors.Is(err, domain.ErrTransferRejected) {
			leg.Status = domain.LegRejected
			leg.LastError = err.Error()
			return r.fail(ctx, fmt.Sprintf("%s leg to %s rejected: %v", leg.Kind, leg.To, err))
		}
		lastErr = err
		r.svc.logger.WarnContext(ctx, "transfer attempt failed",
			slog.String("match_id", r.match.ID),
			slog.String("leg", string(leg.Kind)),
			slog.Int("try", try+1),
			slog.String("error", err.Error()),
		)
	}

	// Nothing was broadcast, so the leg can be planned again.
	leg.Status = domain.LegPlanned
	leg.LastError = lastErr.Error()
	r.rec.LastError = "ledger unavailable: " + lastErr.Error()
	if err := r.save(ctx); err != nil {
		return err
	}
	return fmt.Errorf("settlement: %s: %w: %w", r.match.ID, domain.ErrLedgerUnavailable, lastErr)
}

// verify polls every submitted leg until all are verified, one fails, or
// the attempt budget runs out.
func (r *settlementRun) verify(ctx context.Context) error {
	cfg := r.svc.cfg
	for attempt := 1; attempt <= cfg.MaxVerifyAttempts; attempt++ {
		r.rec.VerifyAttempts++
		pending := 0
		var failed []string

		for i := range r.rec.Legs {
			leg := &r.rec.Legs[i]
			if leg.Status != domain.LegSubmitted {
				continue
			}
			ok, st, err := r.check(ctx, leg)
			switch {
			case err != nil:
				leg.LastError = err.Error()
				pending++
			case st == domain.TransferFailed:
				leg.Status = domain.LegFailed
				leg.LastError = "ledger reported transfer failed"
				failed = append(failed, fmt.Sprintf("%s leg %s", leg.Kind, leg.Ref))
			case ok:
				leg.Status = domain.LegVerified
				leg.LastError = ""
			default:
				pending++
			}
		}

		if len(failed) > 0 {
			return r.fail(ctx, fmt.Sprintf("transfer failed on ledger: %v", failed))
		}
		if err := r.save(ctx); err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
		if attempt == cfg.MaxVerifyAttempts {
			break
		}
		if err := r.svc.sleep(ctx, cfg.PollInterval+time.Duration(attempt-1)*cfg.Backoff); err != nil {
			return r.timeout(ctx, err.Error())
		}
	}
	return r.timeout(ctx, fmt.Sprintf("unverified after %d attempts", r.rec.VerifyAttempts))
}

// check asks the ledger about one leg. ok means the recipient has provably
// received the amount.
func (r *settlementRun) check(ctx context.Context, leg *domain.TransferLeg) (bool, domain.TransferStatus, error) {
	st, err := r.svc.ledger.TransferStatus(ctx, leg.Ref)
	r.svc.events.Metrics().LedgerCall("transfer_status", err)
	if err != nil {
		return false, "", err
	}
	if st == domain.TransferPending && r.adoptReplaced(ctx, leg) {
		return true, domain.TransferConfirmed, nil
	}
	if st != domain.TransferConfirmed {
		return false, st, nil
	}
	got, err := r.svc.ledger.DidReceive(ctx, leg.To, leg.Amount, leg.Ref)
	r.svc.events.Metrics().LedgerCall("did_receive", err)
	if err != nil {
		return false, st, err
	}
	return got, st, nil
}

// adoptReplaced looks for a ref the leg superseded that landed after all.
// A replacement shares its original's slot on the ledger, so at most one of
// them can; the one that did becomes the leg's ref.
func (r *settlementRun) adoptReplaced(ctx context.Context, leg *domain.TransferLeg) bool {
	for i, old := range leg.ReplacedRefs {
		st, err := r.svc.ledger.TransferStatus(ctx, old)
		r.svc.events.Metrics().LedgerCall("transfer_status", err)
		if err != nil || st != domain.TransferConfirmed {
			continue
		}
		got, err := r.svc.ledger.DidReceive(ctx, leg.To, leg.Amount, old)
		r.svc.events.Metrics().LedgerCall("did_receive", err)
		if err != nil || !got {
			continue
		}
		r.svc.logger.WarnContext(ctx, "superseded transfer landed",
			slog.String("match_id", r.match.ID),
			slog.String("leg", string(leg.Kind)),
			slog.String("ref", old),
			slog.String("superseded_by", leg.Ref),
		)
		leg.ReplacedRefs[i] = leg.Ref
		leg.Ref = old
		return true
	}
	return false
}

func (r *settlementRun) timeout(ctx context.Context, reason string) error {
	r.rec.LastError = "verification timed out: " + reason
	if err := r.save(ctx); err != nil {
		r.svc.logger.ErrorContext(ctx, "could not record verification timeout",
			slog.String("match_id", r.match.ID),
			slog.String("error", err.Error()),
		)
	}
	r.svc.events.Settlement(context.WithoutCancel(ctx), domain.EventSettlementTimeout, r.match, reason)
	r.svc.logger.WarnContext(ctx, "settlement verification timed out",
		slog.String("match_id", r.match.ID),
		slog.Int("verify_attempts", r.rec.VerifyAttempts),
	)
	return fmt.Errorf("settlement: %s: %w", r.match.ID, domain.ErrVerificationTimedOut)
}

// alreadySettled reports whether m is past Active. A repeat of the recorded
// outcome is not an error.
func alreadySettled(m domain.Match, outcome domain.Outcome) (bool, error) {
	if m.Status == domain.MatchStatusActive {
		return false, nil
	}
	if m.Settlement != nil && m.Settlement.Outcome.Equal(outcome) {
		return true, nil
	}
	return true, fmt.Errorf("settlement: %s is %s: %w", m.ID, m.Status, domain.ErrAlreadySettled)
}

func resultOf(m domain.Match) domain.SettlementResult {
	res := domain.SettlementResult{
		MatchID: m.ID,
		Status:  m.Status,
		Winner:  m.Winner,
	}
	if m.Settlement != nil {
		res.Outcome = m.Settlement.Outcome
		res.Split = m.Settlement.Split
		res.Legs = m.Settlement.Legs
	}
	return res
}

func cloneRecord(r domain.SettlementRecord) domain.SettlementRecord {
	legs := make([]domain.TransferLeg, len(r.Legs))
	copy(legs, r.Legs)
	for i := range legs {
		if legs[i].ReplacedRefs != nil {
			legs[i].ReplacedRefs = append([]string(nil), legs[i].ReplacedRefs...)
		}
	}
	r.Legs = legs
	return r
}

func settleResultLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, domain.ErrVerificationTimedOut):
		return "timed_out"
	case errors.Is(err, domain.ErrSubmissionFailed):
		return "failed"
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return "ledger_unavailable"
	default:
		return "rejected"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
