package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// PairingEngine binds Pending requests at the same stake into matches.
//
// A pairing claims the candidate first (the linearization point), then the
// requester, then commits the match record with SETNX. Any participant that
// finds a claim without a match record can finish it or abort it; the abort
// is a SETNX of a tombstone on the same key, so exactly one of commit or
// abort ever happens for a match id.
//
// Two requesters that scan each other at the same moment each claim the other
// under their own match id. Both sides resolve that the same way: the smaller
// match id wins and the loser helps finish it.
type PairingEngine struct {
	requests  *RequestService
	matches   *MatchService
	store     domain.OrderedStore
	events    *Events
	scanLimit int64
	logger    *slog.Logger
	now       func() time.Time
}

// NewPairingEngine creates a PairingEngine. scanLimit caps how many bucket
// entries one attempt inspects; zero scans the whole bucket.
func NewPairingEngine(
	requests *RequestService,
	matches *MatchService,
	store domain.OrderedStore,
	events *Events,
	scanLimit int,
	logger *slog.Logger,
) *PairingEngine {
	return &PairingEngine{
		requests:  requests,
		matches:   matches,
		store:     store,
		events:    events,
		scanLimit: int64(scanLimit),
		logger:    logger.With(slog.String("component", "pairing")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Pair tries to match requestID with the oldest compatible Pending request.
// matched is false when nobody is waiting. domain.ErrPairingConflict means a
// claim was lost midway and the call should be repeated.
func (p *PairingEngine) Pair(ctx context.Context, requestID string) (domain.Match, bool, error) {
	req, err := p.requests.Get(ctx, requestID)
	if err != nil {
		return domain.Match{}, false, err
	}
	switch req.Status {
	case domain.RequestStatusMatched:
		return p.resume(ctx, req)
	case domain.RequestStatusPending:
	default:
		return domain.Match{}, false, fmt.Errorf("pairing: %s is %s: %w", req.ID, req.Status, domain.ErrAlreadyTerminal)
	}

	stop := int64(-1)
	if p.scanLimit > 0 {
		stop = p.scanLimit - 1
	}
	bucket := BucketKey(req.StakeAmount)
	ids, err := p.store.ZRange(ctx, bucket, 0, stop)
	if err != nil {
		return domain.Match{}, false, fmt.Errorf("pairing: scan %s: %w", bucket, err)
	}

	for _, id := range ids {
		if id == req.ID {
			continue
		}
		cand, err := p.requests.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				p.dropStale(ctx, bucket, id)
				continue
			}
			return domain.Match{}, false, err
		}
		if cand.PlayerAddress == req.PlayerAddress {
			continue
		}
		if cand.Status != domain.RequestStatusPending {
			p.maybeDropStale(ctx, bucket, cand)
			continue
		}

		m, ok, err := p.claim(ctx, req, cand)
		if err != nil {
			return domain.Match{}, false, err
		}
		if ok {
			return m, true, nil
		}
	}
	return domain.Match{}, false, nil
}

// claim runs one pairing attempt of req with cand. ok is false when cand
// was taken by someone else first.
func (p *PairingEngine) claim(ctx context.Context, req, cand domain.MatchRequest) (domain.Match, bool, error) {
	matchID := uuid.NewString()

	claimed, err := p.requests.MarkMatched(ctx, cand.ID, matchID, req.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyTerminal) {
			return domain.Match{}, false, err
		}
		if claimed.Status == domain.RequestStatusMatched && claimed.OpponentRequestID == req.ID {
			// cand is pairing with us already; finish its attempt.
			return p.resume(ctx, claimed)
		}
		return domain.Match{}, false, nil
	}

	self, err := p.requests.MarkMatched(ctx, req.ID, matchID, cand.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyTerminal) {
			// Unknown whether the write landed; the claim is left for
			// resume or the sweeper to settle.
			return domain.Match{}, false, err
		}
		p.events.Metrics().PairingConflict()
		if self.Status == domain.RequestStatusMatched && self.OpponentRequestID == cand.ID && self.MatchID != matchID {
			return p.resolveCrossed(ctx, self, claimed, matchID)
		}
		committed, rerr := p.abort(ctx, matchID, claimed)
		if rerr != nil {
			return domain.Match{}, false, rerr
		}
		if committed != nil {
			return *committed, true, nil
		}
		return domain.Match{}, false, fmt.Errorf("pairing: %s changed while claiming %s: %w", req.ID, cand.ID, domain.ErrPairingConflict)
	}

	return p.commit(ctx, self, claimed)
}

// resolveCrossed settles two attempts that claimed each other's request:
// self is held for theirs, cand for ours. Both sides pick the smaller id.
func (p *PairingEngine) resolveCrossed(ctx context.Context, self, cand domain.MatchRequest, ours string) (domain.Match, bool, error) {
	theirs := self.MatchID
	if theirs < ours {
		committed, err := p.abort(ctx, ours, cand)
		if err != nil {
			return domain.Match{}, false, err
		}
		if committed != nil {
			return *committed, true, nil
		}
		return p.resume(ctx, self)
	}

	existing, aborted, err := p.matches.Abort(ctx, theirs)
	if err != nil {
		return domain.Match{}, false, err
	}
	if !aborted {
		if _, err := p.abort(ctx, ours, cand); err != nil {
			return domain.Match{}, false, err
		}
		return existing, true, nil
	}
	if _, err := p.requests.ReleaseClaim(ctx, self.ID, theirs); err != nil {
		return domain.Match{}, false, err
	}
	self, err = p.requests.MarkMatched(ctx, self.ID, ours, cand.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrAlreadyTerminal) {
			return domain.Match{}, false, err
		}
		// Someone else took self in the gap.
		committed, rerr := p.abort(ctx, ours, cand)
		if rerr != nil {
			return domain.Match{}, false, rerr
		}
		if committed != nil {
			return *committed, true, nil
		}
		return domain.Match{}, false, fmt.Errorf("pairing: %s taken while resolving %s: %w", self.ID, ours, domain.ErrPairingConflict)
	}
	return p.commit(ctx, self, cand)
}

// commit writes the match for two requests both claimed for the same id.
func (p *PairingEngine) commit(ctx context.Context, a, b domain.MatchRequest) (domain.Match, bool, error) {
	m := domain.NewMatchFromRequests(a.MatchID, a, b, p.now())
	stored, created, err := p.matches.Create(ctx, m)
	if err != nil {
		if errors.Is(err, domain.ErrPairingConflict) {
			p.release(ctx, a.MatchID, a, b)
			p.events.Metrics().PairingConflict()
		}
		return domain.Match{}, false, err
	}

	bucket := BucketKey(m.StakeAmount)
	for _, id := range []string{m.RequestA, m.RequestB} {
		p.dropStale(ctx, bucket, id)
	}

	if created {
		p.events.MatchCreated(ctx, stored)
		p.logger.InfoContext(ctx, "match created",
			slog.String("match_id", stored.ID),
			slog.String("player_a", stored.PlayerA),
			slog.String("player_b", stored.PlayerB),
			slog.String("stake", stored.StakeAmount.String()),
		)
	}
	return stored, true, nil
}

// resume handles a request that is already claimed: return its match, or
// finish or abort the pairing a crashed or concurrent attempt left behind.
func (p *PairingEngine) resume(ctx context.Context, req domain.MatchRequest) (domain.Match, bool, error) {
	m, err := p.matches.Get(ctx, req.MatchID)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Match{}, false, err
	}

	opp, err := p.requests.Get(ctx, req.OpponentRequestID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Match{}, false, err
	}
	if err == nil && opp.Status == domain.RequestStatusPending {
		opp, err = p.requests.MarkMatched(ctx, opp.ID, req.MatchID, req.ID)
		if err != nil && !errors.Is(err, domain.ErrAlreadyTerminal) {
			return domain.Match{}, false, err
		}
	}
	if err == nil && opp.Status == domain.RequestStatusMatched && opp.MatchID == req.MatchID {
		return p.commit(ctx, req, opp)
	}

	committed, err := p.abort(ctx, req.MatchID, req)
	if err != nil {
		return domain.Match{}, false, err
	}
	if committed != nil {
		return *committed, true, nil
	}
	p.events.Metrics().PairingConflict()
	return domain.Match{}, false, fmt.Errorf("pairing: claim of %s abandoned: %w", req.ID, domain.ErrPairingConflict)
}

// RepairClaim settles an orphaned claim found by the sweeper. It returns the
// match when the pairing could be finished.
func (p *PairingEngine) RepairClaim(ctx context.Context, requestID string) (*domain.Match, error) {
	req, err := p.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != domain.RequestStatusMatched {
		return nil, nil
	}
	m, _, err := p.resume(ctx, req)
	switch {
	case err == nil:
		p.events.Metrics().ClaimRepaired("finished")
		return &m, nil
	case errors.Is(err, domain.ErrPairingConflict):
		p.events.Metrics().ClaimRepaired("released")
		p.logger.InfoContext(ctx, "orphaned claim released",
			slog.String("request_id", req.ID),
			slog.String("match_id", req.MatchID),
		)
		return nil, nil
	default:
		return nil, err
	}
}

// ClaimOrphaned reports whether req is claimed for a match id that has no
// committed match.
func (p *PairingEngine) ClaimOrphaned(ctx context.Context, req domain.MatchRequest) (bool, error) {
	if req.Status != domain.RequestStatusMatched {
		return false, nil
	}
	_, err := p.matches.Get(ctx, req.MatchID)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return true, nil
	}
	return false, err
}

// abort tombstones matchID and releases the given claims. If the match was
// committed first, the committed match is returned instead.
func (p *PairingEngine) abort(ctx context.Context, matchID string, claims ...domain.MatchRequest) (*domain.Match, error) {
	existing, aborted, err := p.matches.Abort(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !aborted {
		return &existing, nil
	}
	p.release(ctx, matchID, claims...)
	return nil, nil
}

func (p *PairingEngine) release(ctx context.Context, matchID string, claims ...domain.MatchRequest) {
	for _, c := range claims {
		if _, err := p.requests.ReleaseClaim(ctx, c.ID, matchID); err != nil {
			// The sweeper retries orphaned claims.
			p.logger.WarnContext(ctx, "release claim failed",
				slog.String("request_id", c.ID),
				slog.String("match_id", matchID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// maybeDropStale removes bucket entries that can never be paired again. A
// claim without a committed match stays indexed so the sweeper can find it.
func (p *PairingEngine) maybeDropStale(ctx context.Context, bucket string, req domain.MatchRequest) {
	if req.Status == domain.RequestStatusMatched {
		orphan, err := p.ClaimOrphaned(ctx, req)
		if err != nil || orphan {
			return
		}
	}
	p.dropStale(ctx, bucket, req.ID)
}

func (p *PairingEngine) dropStale(ctx context.Context, bucket, id string) {
	if err := p.store.ZRem(ctx, bucket, id); err != nil {
		p.logger.WarnContext(ctx, "bucket cleanup failed",
			slog.String("bucket", bucket),
			slog.String("request_id", id),
			slog.String("error", err.Error()),
		)
	}
}
