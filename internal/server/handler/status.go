package handler

import (
	"net/http"
	"time"
)

// StatusInfo is the static part of GET /api/status.
type StatusInfo struct {
	Mode           string `json:"mode"`
	Ledger         string `json:"ledger"`
	EscrowAddress  string `json:"escrow_address"`
	FeeRate        string `json:"fee_rate"`
	ReferralRate   string `json:"referral_rate"`
	RequestTimeout string `json:"request_timeout"`
}

// StatusHandler serves the engine's runtime configuration.
type StatusHandler struct {
	info      StatusInfo
	startedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(info StatusInfo, startedAt time.Time) *StatusHandler {
	return &StatusHandler{info: info, startedAt: startedAt}
}

// GetStatus responds with the mode, ledger and fee schedule.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		StatusInfo
		UptimeSeconds int64 `json:"uptime_seconds"`
	}{
		StatusInfo:    h.info,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	})
}
