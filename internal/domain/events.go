package domain

import "time"

// Pub/sub channels and streams carrying engine events.
const (
	ChannelRequest    = "ch:request"
	ChannelMatch      = "ch:match"
	StreamSettlements = "settlements"
	StreamAudit       = "audit"
)

// Event names published on the channels above and written to the audit log.
const (
	EventRequestCreated    = "request_created"
	EventRequestCancelled  = "request_cancelled"
	EventRequestExpired    = "request_expired"
	EventMatchCreated      = "match_created"
	EventSettlementStarted = "settlement_started"
	EventSettlementDone    = "settlement_completed"
	EventSettlementFailed  = "settlement_failed"
	EventSettlementTimeout = "settlement_timed_out"
	EventSettlementResumed = "settlement_resumed"
)

// Event is the JSON envelope published for clients and operators.
type Event struct {
	Event     string    `json:"event"`
	RequestID string    `json:"request_id,omitempty"`
	MatchID   string    `json:"match_id,omitempty"`
	Player    string    `json:"player,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}
