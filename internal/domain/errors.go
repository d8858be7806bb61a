package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Validation.
	ErrInvalidStake       = errors.New("stake must be positive")
	ErrInvalidPlayer      = errors.New("player address required")
	ErrInvalidOutcome     = errors.New("invalid outcome")
	ErrDepositRequired    = errors.New("escrow deposit reference required")
	ErrDepositNotVerified = errors.New("escrow deposit not verified")
	ErrDepositReused      = errors.New("escrow deposit already used")

	// Contention.
	ErrAlreadyTerminal    = errors.New("request already terminal")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrPairingConflict    = errors.New("pairing conflict, retry")
	ErrAlreadySettled     = errors.New("match already settled")
	ErrSettlementConflict = errors.New("settlement in progress for a different outcome")
	ErrSettlementBusy     = errors.New("settlement already in progress")

	// Ledger.
	ErrTransferRejected     = errors.New("transfer rejected by ledger")
	ErrSubmissionFailed     = errors.New("settlement submission failed")
	ErrVerificationTimedOut = errors.New("settlement verification timed out")
	ErrLedgerUnavailable    = errors.New("ledger unavailable, try again")
)
