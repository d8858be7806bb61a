package domain

import "time"

// MatchStatus tracks the match lifecycle.
type MatchStatus string

const (
	MatchStatusActive    MatchStatus = "active"
	MatchStatusCompleted MatchStatus = "completed"
	MatchStatusCancelled MatchStatus = "cancelled"

	// MatchStatusAborted marks a match id whose pairing was abandoned before
	// the match was created. It is never returned to callers.
	MatchStatusAborted MatchStatus = "aborted"
)

// WinnerDraw is the winner value recorded for a drawn match.
const WinnerDraw = "draw"

// Match is a bound pair of requests sharing a stake. PlayerA always belongs to
// the earlier-created request.
type Match struct {
	ID          string            `json:"id"`
	PlayerA     string            `json:"player_a"`
	PlayerB     string            `json:"player_b"`
	RequestA    string            `json:"request_a"`
	RequestB    string            `json:"request_b"`
	StakeAmount Amount            `json:"stake_amount"`
	Status      MatchStatus       `json:"status"`
	Winner      string            `json:"winner,omitempty"`
	Settlement  *SettlementRecord `json:"settlement,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// HasPlayer reports whether addr is one of the two participants.
func (m Match) HasPlayer(addr string) bool {
	return addr != "" && (addr == m.PlayerA || addr == m.PlayerB)
}

// Pot is the combined stake of both players.
func (m Match) Pot() Amount {
	return 2 * m.StakeAmount
}

// NewMatchFromRequests builds the active Match binding two claimed requests.
func NewMatchFromRequests(id string, a, b MatchRequest, now time.Time) Match {
	if b.OlderThan(a) {
		a, b = b, a
	}
	return Match{
		ID:          id,
		PlayerA:     a.PlayerAddress,
		PlayerB:     b.PlayerAddress,
		RequestA:    a.ID,
		RequestB:    b.ID,
		StakeAmount: a.StakeAmount,
		Status:      MatchStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
