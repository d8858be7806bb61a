package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// casRetries bounds how often a guarded write re-reads after losing a race
// on a record whose status still allows the transition.
const casRetries = 5

// RequestConfig controls request admission.
type RequestConfig struct {
	RequireDeposit bool
	EscrowAddress  string
	RateLimit      int
	RateWindow     time.Duration
}

// RequestService owns MatchRequest records. Every status change is a
// compare-and-swap against the record last read, so racing writers cannot
// both win.
type RequestService struct {
	store   domain.OrderedStore
	ledger  domain.Ledger
	limiter domain.RateLimiter
	events  *Events
	cfg     RequestConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewRequestService creates a RequestService. ledger is only consulted for
// deposit checks and limiter may be nil.
func NewRequestService(
	store domain.OrderedStore,
	ledger domain.Ledger,
	limiter domain.RateLimiter,
	events *Events,
	cfg RequestConfig,
	logger *slog.Logger,
) *RequestService {
	return &RequestService{
		store:   store,
		ledger:  ledger,
		limiter: limiter,
		events:  events,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "requests")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a Pending request. The record is written before its
// bucket entry so any id found in a bucket resolves to a record.
func (s *RequestService) Create(ctx context.Context, player string, stake domain.Amount, depositRef string) (domain.MatchRequest, error) {
	player = strings.TrimSpace(player)
	if player == "" {
		return domain.MatchRequest{}, domain.ErrInvalidPlayer
	}
	if stake <= 0 || stake > domain.MaxStake {
		return domain.MatchRequest{}, fmt.Errorf("%w: %s", domain.ErrInvalidStake, stake)
	}

	if s.limiter != nil && s.cfg.RateLimit > 0 {
		ok, err := s.limiter.Allow(ctx, "requests:"+player, s.cfg.RateLimit, s.cfg.RateWindow)
		if err != nil {
			return domain.MatchRequest{}, fmt.Errorf("requests: rate limiter: %w", err)
		}
		if !ok {
			return domain.MatchRequest{}, domain.ErrRateLimited
		}
	}

	now := s.now().Truncate(time.Microsecond)
	req := domain.MatchRequest{
		ID:            uuid.NewString(),
		PlayerAddress: player,
		StakeAmount:   stake,
		Status:        domain.RequestStatusPending,
		DepositRef:    strings.TrimSpace(depositRef),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.claimDeposit(ctx, req); err != nil {
		return domain.MatchRequest{}, err
	}

	raw, err := encodeRequest(req)
	if err != nil {
		return domain.MatchRequest{}, err
	}
	ok, err := s.store.SetNX(ctx, requestKey(req.ID), raw, 0)
	if err != nil {
		return domain.MatchRequest{}, fmt.Errorf("requests: create %s: %w", req.ID, err)
	}
	if !ok {
		return domain.MatchRequest{}, fmt.Errorf("requests: create %s: %w", req.ID, domain.ErrAlreadyExists)
	}

	if err := s.store.ZAdd(ctx, BucketKey(stake), req.Score(), req.ID); err != nil {
		// An unindexed Pending request could never be paired or swept.
		if _, cerr := s.transition(ctx, req.ID, domain.RequestStatusPending, func(r *domain.MatchRequest) {
			r.Status = domain.RequestStatusCancelled
		}); cerr != nil {
			s.logger.ErrorContext(ctx, "could not retire unindexed request",
				slog.String("request_id", req.ID),
				slog.String("error", cerr.Error()),
			)
		}
		return domain.MatchRequest{}, fmt.Errorf("requests: index %s: %w", req.ID, err)
	}
	if err := s.store.ZAdd(ctx, StakesKey, float64(stake), strconv.FormatInt(int64(stake), 10)); err != nil {
		s.logger.WarnContext(ctx, "stake registry update failed",
			slog.String("stake", stake.String()),
			slog.String("error", err.Error()),
		)
	}

	s.events.RequestChanged(ctx, domain.EventRequestCreated, req)
	s.logger.InfoContext(ctx, "request created",
		slog.String("request_id", req.ID),
		slog.String("player", player),
		slog.String("stake", stake.String()),
	)
	return req, nil
}

// claimDeposit verifies the deposit and reserves its ref for this request.
func (s *RequestService) claimDeposit(ctx context.Context, req domain.MatchRequest) error {
	if req.DepositRef == "" {
		if s.cfg.RequireDeposit {
			return domain.ErrDepositRequired
		}
		return nil
	}
	if s.ledger == nil || s.cfg.EscrowAddress == "" {
		return fmt.Errorf("%w: no escrow ledger configured", domain.ErrDepositNotVerified)
	}

	ok, err := s.ledger.DidReceive(ctx, s.cfg.EscrowAddress, req.StakeAmount, req.DepositRef)
	s.events.Metrics().LedgerCall("did_receive", err)
	if err != nil {
		return fmt.Errorf("requests: verify deposit %s: %w: %w", req.DepositRef, domain.ErrLedgerUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDepositNotVerified, req.DepositRef)
	}

	claimed, err := s.store.SetNX(ctx, depositKey(req.DepositRef), req.ID, 0)
	if err != nil {
		return fmt.Errorf("requests: claim deposit %s: %w", req.DepositRef, err)
	}
	if !claimed {
		return fmt.Errorf("%w: %s", domain.ErrDepositReused, req.DepositRef)
	}
	return nil
}

// Get returns the request or domain.ErrNotFound.
func (s *RequestService) Get(ctx context.Context, id string) (domain.MatchRequest, error) {
	req, _, err := s.load(ctx, id)
	return req, err
}

// Cancel moves a Pending request to Cancelled and drops its bucket entry. A
// request that is already matched, cancelled or expired yields
// domain.ErrAlreadyTerminal and is left as it is.
func (s *RequestService) Cancel(ctx context.Context, id string) (domain.MatchRequest, error) {
	req, err := s.transition(ctx, id, domain.RequestStatusPending, func(r *domain.MatchRequest) {
		r.Status = domain.RequestStatusCancelled
	})
	if err != nil {
		return req, err
	}
	s.unindex(ctx, req)
	s.events.RequestChanged(ctx, domain.EventRequestCancelled, req)
	s.logger.InfoContext(ctx, "request cancelled", slog.String("request_id", id))
	return req, nil
}

// Expire moves a Pending request to Expired and drops its bucket entry.
func (s *RequestService) Expire(ctx context.Context, id string) (domain.MatchRequest, error) {
	req, err := s.transition(ctx, id, domain.RequestStatusPending, func(r *domain.MatchRequest) {
		r.Status = domain.RequestStatusExpired
	})
	if err != nil {
		return req, err
	}
	s.unindex(ctx, req)
	s.events.RequestChanged(ctx, domain.EventRequestExpired, req)
	return req, nil
}

// MarkMatched claims a Pending request for matchID. Claiming a request that
// already belongs to matchID succeeds, so helpers finishing the same pairing
// agree with each other.
func (s *RequestService) MarkMatched(ctx context.Context, id, matchID, opponentID string) (domain.MatchRequest, error) {
	req, err := s.transition(ctx, id, domain.RequestStatusPending, func(r *domain.MatchRequest) {
		r.Status = domain.RequestStatusMatched
		r.MatchID = matchID
		r.OpponentRequestID = opponentID
	})
	if errors.Is(err, domain.ErrAlreadyTerminal) && req.Status == domain.RequestStatusMatched && req.MatchID == matchID {
		return req, nil
	}
	return req, err
}

// ReleaseClaim returns a request claimed for an abandoned matchID to Pending
// and restores its bucket entry at its original position. It is the only
// transition out of Matched and is only used once the match id is aborted.
func (s *RequestService) ReleaseClaim(ctx context.Context, id, matchID string) (domain.MatchRequest, error) {
	for i := 0; i < casRetries; i++ {
		cur, raw, err := s.load(ctx, id)
		if err != nil {
			return cur, err
		}
		if cur.Status != domain.RequestStatusMatched || cur.MatchID != matchID {
			// Already released, or never claimed for this match.
			return cur, nil
		}
		next := cur
		next.Status = domain.RequestStatusPending
		next.MatchID = ""
		next.OpponentRequestID = ""
		next.UpdatedAt = s.now()

		ok, err := s.swap(ctx, id, raw, next)
		if err != nil {
			return cur, err
		}
		if !ok {
			continue
		}
		if err := s.store.ZAdd(ctx, BucketKey(next.StakeAmount), next.Score(), id); err != nil {
			return next, fmt.Errorf("requests: reindex %s: %w", id, err)
		}
		s.logger.InfoContext(ctx, "claim released",
			slog.String("request_id", id),
			slog.String("match_id", matchID),
		)
		return next, nil
	}
	return domain.MatchRequest{}, fmt.Errorf("requests: release %s: %w", id, domain.ErrPairingConflict)
}

// unindex removes the request's bucket entry.
func (s *RequestService) unindex(ctx context.Context, req domain.MatchRequest) {
	if err := s.store.ZRem(ctx, BucketKey(req.StakeAmount), req.ID); err != nil {
		// The entry is stale now and the next scan drops it.
		s.logger.WarnContext(ctx, "bucket cleanup failed",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
	}
}

// transition applies mutate to a request whose status is from. It returns
// the current record together with domain.ErrAlreadyTerminal when the
// request has left from.
func (s *RequestService) transition(ctx context.Context, id string, from domain.RequestStatus, mutate func(*domain.MatchRequest)) (domain.MatchRequest, error) {
	for i := 0; i < casRetries; i++ {
		cur, raw, err := s.load(ctx, id)
		if err != nil {
			return cur, err
		}
		if cur.Status != from {
			return cur, fmt.Errorf("requests: %s is %s: %w", id, cur.Status, domain.ErrAlreadyTerminal)
		}

		next := cur
		mutate(&next)
		next.UpdatedAt = s.now()

		ok, err := s.swap(ctx, id, raw, next)
		if err != nil {
			return cur, err
		}
		if ok {
			return next, nil
		}
	}
	return domain.MatchRequest{}, fmt.Errorf("requests: update %s: %w", id, domain.ErrPairingConflict)
}

func (s *RequestService) load(ctx context.Context, id string) (domain.MatchRequest, string, error) {
	raw, err := s.store.Get(ctx, requestKey(id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MatchRequest{}, "", fmt.Errorf("requests: %s: %w", id, domain.ErrNotFound)
		}
		return domain.MatchRequest{}, "", fmt.Errorf("requests: get %s: %w", id, err)
	}
	var req domain.MatchRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return domain.MatchRequest{}, "", fmt.Errorf("requests: decode %s: %w", id, err)
	}
	return req, raw, nil
}

func (s *RequestService) swap(ctx context.Context, id, prev string, next domain.MatchRequest) (bool, error) {
	raw, err := encodeRequest(next)
	if err != nil {
		return false, err
	}
	ok, err := s.store.CompareAndSwap(ctx, requestKey(id), prev, raw)
	if err != nil {
		return false, fmt.Errorf("requests: swap %s: %w", id, err)
	}
	return ok, nil
}

func encodeRequest(r domain.MatchRequest) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("requests: encode %s: %w", r.ID, err)
	}
	return string(b), nil
}
