package domain

import "time"

// RequestStatus tracks the matchmaking request lifecycle. Transitions only
// leave Pending.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusMatched   RequestStatus = "matched"
	RequestStatusCancelled RequestStatus = "cancelled"
	RequestStatusExpired   RequestStatus = "expired"
)

// Terminal reports whether no further transition is legal.
func (s RequestStatus) Terminal() bool {
	return s != RequestStatusPending
}

// MatchRequest is one player's intent to play at a stake.
type MatchRequest struct {
	ID                string        `json:"id"`
	PlayerAddress     string        `json:"player_address"`
	StakeAmount       Amount        `json:"stake_amount"`
	Status            RequestStatus `json:"status"`
	MatchID           string        `json:"match_id,omitempty"`
	OpponentRequestID string        `json:"opponent_request_id,omitempty"`
	DepositRef        string        `json:"deposit_ref,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Score is the bucket score for the request: creation time in microseconds,
// which fits a float64 exactly.
func (r MatchRequest) Score() float64 {
	return float64(r.CreatedAt.UnixMicro())
}

// OlderThan orders two requests by creation time, falling back to id so the
// ordering is total.
func (r MatchRequest) OlderThan(o MatchRequest) bool {
	if r.CreatedAt.Equal(o.CreatedAt) {
		return r.ID < o.ID
	}
	return r.CreatedAt.Before(o.CreatedAt)
}
