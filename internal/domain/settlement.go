package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeKind classifies a match result.
type OutcomeKind string

const (
	OutcomeWinner    OutcomeKind = "winner"
	OutcomeDraw      OutcomeKind = "draw"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the game result handed to the settlement coordinator. Winner is
// only set for OutcomeWinner.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	Winner string      `json:"winner,omitempty"`
}

// WinnerOutcome is shorthand for a decided result.
func WinnerOutcome(addr string) Outcome {
	return Outcome{Kind: OutcomeWinner, Winner: addr}
}

// Equal compares two outcomes.
func (o Outcome) Equal(other Outcome) bool {
	return o.Kind == other.Kind && o.Winner == other.Winner
}

func (o Outcome) String() string {
	if o.Kind == OutcomeWinner {
		return "winner=" + o.Winner
	}
	return string(o.Kind)
}

// Validate checks the outcome against the match participants.
func (o Outcome) Validate(m Match) error {
	switch o.Kind {
	case OutcomeWinner:
		if !m.HasPlayer(o.Winner) {
			return fmt.Errorf("%w: winner %q is not a participant of match %s", ErrInvalidOutcome, o.Winner, m.ID)
		}
	case OutcomeDraw, OutcomeCancelled:
		if o.Winner != "" {
			return fmt.Errorf("%w: %s outcome must not name a winner", ErrInvalidOutcome, o.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown outcome kind %q", ErrInvalidOutcome, o.Kind)
	}
	return nil
}

// FeeSchedule holds the platform's fee split. Rates are exact decimals
// (e.g. 0.065) so no float rounding enters the money path.
type FeeSchedule struct {
	FeeRate      decimal.Decimal
	ReferralRate decimal.Decimal
}

// Split is the fee breakdown of one pot. For a decided match
// Payout + TreasuryShare + ReferralShare == Pot.
type Split struct {
	Pot           Amount `json:"pot"`
	PlatformFee   Amount `json:"platform_fee"`
	ReferralShare Amount `json:"referral_share"`
	TreasuryShare Amount `json:"treasury_share"`
	Payout        Amount `json:"payout"`
}

// ComputeSplit derives the fee split for a decided match from the combined
// pot. Fees come off the pot, never off each stake.
func (f FeeSchedule) ComputeSplit(stake Amount) Split {
	pot := 2 * stake
	fee := pot.MulFloor(f.FeeRate)
	referral := fee.MulFloor(f.ReferralRate)
	return Split{
		Pot:           pot,
		PlatformFee:   fee,
		ReferralShare: referral,
		TreasuryShare: fee - referral,
		Payout:        pot - fee,
	}
}

// LegKind names the purpose of one transfer in a settlement.
type LegKind string

const (
	LegPayout   LegKind = "payout"
	LegRefund   LegKind = "refund"
	LegTreasury LegKind = "treasury"
	LegReferral LegKind = "referral"
)

// LegStatus tracks one transfer through submission and verification.
type LegStatus string

const (
	LegPlanned    LegStatus = "planned"
	LegSubmitting LegStatus = "submitting"
	LegSubmitted  LegStatus = "submitted"
	LegVerified   LegStatus = "verified"
	LegFailed     LegStatus = "failed"
	// LegRejected legs were refused outright by the ledger. They hold the
	// settlement until an operator resumes it.
	LegRejected   LegStatus = "rejected"
)

// TransferLeg is one ledger transfer of a settlement.
type TransferLeg struct {
	Kind         LegKind    `json:"kind"`
	To           string     `json:"to"`
	Amount       Amount     `json:"amount"`
	Ref          string     `json:"ref,omitempty"`
	ReplacedRefs []string   `json:"replaced_refs,omitempty"`
	Status       LegStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// SettlementRecord is the fee split and transfer references for one match
// payout. It is written to the Match before any transfer is awaited so an
// interrupted settlement resumes from the recorded references.
type SettlementRecord struct {
	Outcome        Outcome       `json:"outcome"`
	Split          Split         `json:"split"`
	Legs           []TransferLeg `json:"legs"`
	VerifyAttempts int           `json:"verify_attempts"`
	LastError      string        `json:"last_error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	// Revision counts writes of the record. A write must name the revision
	// it read.
	Revision       int64         `json:"revision"`
}

// Verified reports whether every leg has been confirmed on the ledger.
func (r *SettlementRecord) Verified() bool {
	for _, l := range r.Legs {
		if l.Status != LegVerified {
			return false
		}
	}
	return true
}

// Refs returns every recorded transaction reference in leg order.
func (r *SettlementRecord) Refs() []string {
	refs := make([]string, 0, len(r.Legs))
	for _, l := range r.Legs {
		if l.Ref != "" {
			refs = append(refs, l.Ref)
		}
	}
	return refs
}

// SettlementResult is what Settle hands back to callers.
type SettlementResult struct {
	MatchID string       `json:"match_id"`
	Status  MatchStatus  `json:"status"`
	Winner  string       `json:"winner,omitempty"`
	Outcome Outcome      `json:"outcome"`
	Split   Split        `json:"split"`
	Legs    []TransferLeg `json:"legs"`
}
