package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/alanyoungcy/stakematch/internal/service"
)

// Engine is the part of service.Engine the HTTP layer uses.
type Engine interface {
	CreateRequest(ctx context.Context, player string, stake domain.Amount, depositRef string) (service.RequestView, error)
	CancelRequest(ctx context.Context, id string) (domain.MatchRequest, error)
	GetRequestStatus(ctx context.Context, id string) (service.RequestView, error)
	GetMatch(ctx context.Context, id string) (domain.Match, error)
	SettleMatch(ctx context.Context, matchID string, outcome domain.Outcome) (domain.SettlementResult, error)
	ResumeSettlement(ctx context.Context, matchID string) (domain.SettlementResult, error)
}

// RequestHandler serves the matchmaking request endpoints.
type RequestHandler struct {
	engine Engine
	logger *slog.Logger
}

// NewRequestHandler creates a RequestHandler.
func NewRequestHandler(engine Engine, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{engine: engine, logger: logger}
}

// createRequestBody is the body of POST /api/requests. Stake is a decimal
// string in whole coins, e.g. "0.5".
type createRequestBody struct {
	PlayerAddress string `json:"player_address"`
	Stake         string `json:"stake"`
	DepositRef    string `json:"deposit_ref"`
}

// Create registers a request and makes one pairing attempt.
// POST /api/requests
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	stake, err := domain.ParseAmount(strings.TrimSpace(body.Stake))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, err := h.engine.CreateRequest(r.Context(), body.PlayerAddress, stake, body.DepositRef)
	if err != nil {
		writeEngineError(w, r, h.logger, "create request", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// Get reports the request's status. Polling it while the request is still
// searching makes another pairing attempt.
// GET /api/requests/{id}
func (h *RequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}

	view, err := h.engine.GetRequestStatus(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "get request", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Cancel withdraws a pending request.
// DELETE /api/requests/{id}
func (h *RequestHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing request id")
		return
	}

	req, err := h.engine.CancelRequest(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, h.logger, "cancel request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
