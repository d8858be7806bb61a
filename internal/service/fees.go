package service

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

// ValidateFees checks that both rates lie in [0, 1).
func ValidateFees(f domain.FeeSchedule) error {
	one := decimal.NewFromInt(1)
	if f.FeeRate.IsNegative() || f.FeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("fee rate %s outside [0, 1)", f.FeeRate)
	}
	if f.ReferralRate.IsNegative() || f.ReferralRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("referral rate %s outside [0, 1)", f.ReferralRate)
	}
	return nil
}

// planSettlement builds the split and the transfer legs for outcome. A
// decided match pays the winner the pot minus the platform fee and splits
// the fee between treasury and referral pool. A draw or cancellation refunds
// both stakes in full; no fee is taken.
func planSettlement(m domain.Match, outcome domain.Outcome, cfg SettlementConfig, now time.Time) domain.SettlementRecord {
	rec := domain.SettlementRecord{
		Outcome:   outcome,
		StartedAt: now,
		UpdatedAt: now,
	}

	if outcome.Kind != domain.OutcomeWinner {
		rec.Split = domain.Split{Pot: m.Pot()}
		rec.Legs = []domain.TransferLeg{
			{Kind: domain.LegRefund, To: m.PlayerA, Amount: m.StakeAmount, Status: domain.LegPlanned},
			{Kind: domain.LegRefund, To: m.PlayerB, Amount: m.StakeAmount, Status: domain.LegPlanned},
		}
		return rec
	}

	split := cfg.Fees.ComputeSplit(m.StakeAmount)
	rec.Split = split
	rec.Legs = []domain.TransferLeg{
		{Kind: domain.LegPayout, To: outcome.Winner, Amount: split.Payout, Status: domain.LegPlanned},
	}
	if split.TreasuryShare > 0 {
		rec.Legs = append(rec.Legs, domain.TransferLeg{
			Kind: domain.LegTreasury, To: cfg.TreasuryAddress, Amount: split.TreasuryShare, Status: domain.LegPlanned,
		})
	}
	if split.ReferralShare > 0 {
		rec.Legs = append(rec.Legs, domain.TransferLeg{
			Kind: domain.LegReferral, To: cfg.ReferralAddress, Amount: split.ReferralShare, Status: domain.LegPlanned,
		})
	}
	return rec
}

// terminalState maps an outcome to the match status and winner it ends in.
func terminalState(outcome domain.Outcome) (domain.MatchStatus, string) {
	switch outcome.Kind {
	case domain.OutcomeWinner:
		return domain.MatchStatusCompleted, outcome.Winner
	case domain.OutcomeDraw:
		return domain.MatchStatusCompleted, domain.WinnerDraw
	default:
		return domain.MatchStatusCancelled, ""
	}
}
