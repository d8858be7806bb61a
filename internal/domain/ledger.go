package domain

import "context"

// TransferStatus is the ledger's view of a submitted transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// Ledger moves funds and answers whether a transfer landed. A Transfer error
// wrapping ErrTransferRejected means the ledger refused the transfer and
// nothing was broadcast.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount Amount) (ref string, err error)
	TransferStatus(ctx context.Context, ref string) (TransferStatus, error)
	DidReceive(ctx context.Context, address string, minAmount Amount, ref string) (bool, error)
}

// TransferReplacer is implemented by ledgers that can supersede an
// unconfirmed transfer in place, so that at most one of the old and the new
// transfer ever lands. ReplaceTransfer fails when the old transfer cannot be
// superseded; it must then be left to land or fail on its own.
type TransferReplacer interface {
	ReplaceTransfer(ctx context.Context, ref, from, to string, amount Amount) (newRef string, err error)
}
