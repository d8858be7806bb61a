package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// pairRetries bounds the immediate pairing attempts made for one call.
// A request left unpaired is retried on the next status poll.
const pairRetries = 3

// RequestView is what a player sees for a request. Status is "matched" only
// once the match record exists.
type RequestView struct {
	Request domain.MatchRequest `json:"request"`
	Status  string              `json:"status"`
	Match   *domain.Match       `json:"match,omitempty"`
}

// Engine is the public surface of the matchmaking and settlement engine.
type Engine struct {
	requests   *RequestService
	pairing    *PairingEngine
	matches    *MatchService
	settlement *SettlementService
	logger     *slog.Logger
}

// NewEngine assembles an Engine from its services.
func NewEngine(requests *RequestService, pairing *PairingEngine, matches *MatchService, settlement *SettlementService, logger *slog.Logger) *Engine {
	return &Engine{
		requests:   requests,
		pairing:    pairing,
		matches:    matches,
		settlement: settlement,
		logger:     logger.With(slog.String("component", "engine")),
	}
}

// CreateRequest registers a request and tries to pair it straight away.
func (e *Engine) CreateRequest(ctx context.Context, player string, stake domain.Amount, depositRef string) (RequestView, error) {
	req, err := e.requests.Create(ctx, player, stake, depositRef)
	if err != nil {
		return RequestView{}, err
	}
	return e.view(ctx, req.ID)
}

// CancelRequest cancels a Pending request.
func (e *Engine) CancelRequest(ctx context.Context, id string) (domain.MatchRequest, error) {
	return e.requests.Cancel(ctx, id)
}

// GetRequestStatus reports the request and, while it is still searching,
// makes another pairing attempt.
func (e *Engine) GetRequestStatus(ctx context.Context, id string) (RequestView, error) {
	return e.view(ctx, id)
}

// GetMatch returns a match by id.
func (e *Engine) GetMatch(ctx context.Context, id string) (domain.Match, error) {
	return e.matches.Get(ctx, id)
}

// SettleMatch settles a match with the reported outcome.
func (e *Engine) SettleMatch(ctx context.Context, matchID string, outcome domain.Outcome) (domain.SettlementResult, error) {
	return e.settlement.Settle(ctx, matchID, outcome)
}

// ResumeSettlement releases a settlement held for manual intervention.
func (e *Engine) ResumeSettlement(ctx context.Context, matchID string) (domain.SettlementResult, error) {
	return e.settlement.Resume(ctx, matchID)
}

func (e *Engine) view(ctx context.Context, id string) (RequestView, error) {
	req, err := e.requests.Get(ctx, id)
	if err != nil {
		return RequestView{}, err
	}

	if req.Status == domain.RequestStatusPending || req.Status == domain.RequestStatusMatched {
		e.tryPair(ctx, id)
		if req, err = e.requests.Get(ctx, id); err != nil {
			return RequestView{}, err
		}
	}

	v := RequestView{Request: req, Status: string(req.Status)}
	if req.Status != domain.RequestStatusMatched {
		return v, nil
	}
	m, err := e.matches.Get(ctx, req.MatchID)
	switch {
	case err == nil:
		v.Match = &m
	case errors.Is(err, domain.ErrNotFound):
		// Claimed but not committed yet.
		v.Status = string(domain.RequestStatusPending)
	default:
		return RequestView{}, err
	}
	return v, nil
}

func (e *Engine) tryPair(ctx context.Context, id string) {
	for i := 0; i < pairRetries; i++ {
		_, _, err := e.pairing.Pair(ctx, id)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrPairingConflict) {
			continue
		}
		if !errors.Is(err, domain.ErrAlreadyTerminal) {
			e.logger.WarnContext(ctx, "pairing attempt failed",
				slog.String("request_id", id),
				slog.String("error", err.Error()),
			)
		}
		return
	}
}
