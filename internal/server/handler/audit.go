package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// AuditHandler lets operators page through the audit trail, e.g. to find
// deposits of cancelled requests that need refunding.
type AuditHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit domain.AuditStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

type auditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// List returns audit entries newest first.
// GET /api/audit?limit=50&offset=0&since=...&until=...
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Entries: entries})
}

// SettlementFeedHandler serves the settlements stream so operators can tail
// settlement events from a known position.
type SettlementFeedHandler struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewSettlementFeedHandler creates a SettlementFeedHandler.
func NewSettlementFeedHandler(bus domain.SignalBus, logger *slog.Logger) *SettlementFeedHandler {
	return &SettlementFeedHandler{bus: bus, logger: logger}
}

type feedEntry struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

type feedResponse struct {
	Entries []feedEntry `json:"entries"`
	// Next is the id to pass as ?after= on the following call.
	Next string `json:"next"`
}

// List returns settlement events after the given stream id, oldest first.
// GET /api/settlements?after=0&limit=50
func (h *SettlementFeedHandler) List(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := parseListOpts(r).Limit

	msgs, err := h.bus.StreamRead(r.Context(), domain.StreamSettlements, after, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read settlement feed failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read settlement feed")
		return
	}

	resp := feedResponse{Entries: make([]feedEntry, 0, len(msgs)), Next: after}
	for _, m := range msgs {
		resp.Next = m.ID
		if !json.Valid(m.Payload) {
			continue
		}
		resp.Entries = append(resp.Entries, feedEntry{ID: m.ID, Event: m.Payload})
	}
	writeJSON(w, http.StatusOK, resp)
}
