package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// MatchHandler serves match lookups and result reporting.
type MatchHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewMatchHandler creates a MatchHandler.
func NewMatchHandler(engine Engine, logger *slog.Logger) *MatchHandler {
	return &MatchHandler{engine: engine, logger: logger}
}

// Get returns a match.
// GET /api/matches/{id}
func (h *MatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.GetMatch(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, h.logger, "get match", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// settleBody is the result reported by the game server:
// {"outcome":"winner","winner":"0x..."}, {"outcome":"draw"} or
// {"outcome":"cancelled"}.
type settleBody struct {
	Outcome domain.OutcomeKind `json:"outcome"`
	Winner  string             `json:"winner"`
}

// settleResponse carries the settlement state. Error is set when the
// settlement is still in flight (202) or failed.
type settleResponse struct {
	domain.SettlementResult
	Error string `json:"error,omitempty"`
}

// Settle pays out a finished match. The route is protected by the result
// signature middleware.
// POST /api/matches/{id}/settle
func (h *MatchHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var body settleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := h.engine.SettleMatch(r.Context(), id, domain.Outcome{Kind: body.Outcome, Winner: body.Winner})
	if err == nil {
		writeJSON(w, http.StatusOK, settleResponse{SettlementResult: res})
		return
	}

	// Settlements that got as far as recording a plan report their state.
	if res.MatchID != "" && (errors.Is(err, domain.ErrVerificationTimedOut) ||
		errors.Is(err, domain.ErrSubmissionFailed) ||
		errors.Is(err, domain.ErrLedgerUnavailable)) {
		h.logger.WarnContext(r.Context(), "handler: settlement incomplete",
			slog.String("match_id", id),
			slog.String("error", err.Error()),
		)
		writeJSON(w, errorStatus(err), settleResponse{SettlementResult: res, Error: err.Error()})
		return
	}
	writeEngineError(w, r, h.logger, "settle match", err)
}

// Resume releases a settlement held after an outright ledger rejection or an
// interrupted submission. The operator has checked that the held legs moved
// no funds; the game server's next settle call submits them again.
// POST /api/matches/{id}/resume
func (h *MatchHandler) Resume(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	res, err := h.engine.ResumeSettlement(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "resume settlement", err)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: settlement resumed", slog.String("match_id", id))
	writeJSON(w, http.StatusOK, settleResponse{SettlementResult: res})
}
