// Package memory is an in-process ledger. It backs paper mode and the
// settlement tests, and can be scripted to delay, fail or reject transfers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/stakematch/internal/domain"
)

type transfer struct {
	from, to string
	amount   domain.Amount
	status   domain.TransferStatus
	polls    int
	deposit  bool
}

// Ledger implements domain.Ledger in memory.
type Ledger struct {
	mu        sync.Mutex
	seq       int
	balances  map[string]domain.Amount
	transfers map[string]*transfer
	order     []string

	// confirmAfter is how many TransferStatus polls a transfer stays pending.
	confirmAfter int
	// failures queued for the next Transfer calls.
	transferErrs []error
	// refs whose transfers the ledger reports as failed.
	failRefs map[string]bool
	// nextStatus overrides the final status of the next transfers.
	nextStatus []domain.TransferStatus
}

// New returns an empty ledger whose transfers confirm on the first poll.
func New() *Ledger {
	return &Ledger{
		balances:  make(map[string]domain.Amount),
		transfers: make(map[string]*transfer),
		failRefs:  make(map[string]bool),
	}
}

// ConfirmAfter keeps every transfer pending for n status polls.
func (l *Ledger) ConfirmAfter(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confirmAfter = n
}

// FailNextTransfers makes the following Transfer calls return errs in order.
func (l *Ledger) FailNextTransfers(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transferErrs = append(l.transferErrs, errs...)
}

// SettleNextAs makes the following transfers end in the given statuses
// instead of confirming. domain.TransferPending never resolves.
func (l *Ledger) SettleNextAs(statuses ...domain.TransferStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextStatus = append(l.nextStatus, statuses...)
}

// Fund credits addr without a transfer record.
func (l *Ledger) Fund(addr string, amount domain.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
}

// Deposit records a confirmed transfer into escrow and returns its ref, as a
// player's wallet would before creating a request.
func (l *Ledger) Deposit(from, escrow string, amount domain.Amount) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ref := l.nextRef()
	l.transfers[ref] = &transfer{from: from, to: escrow, amount: amount, status: domain.TransferConfirmed, deposit: true}
	l.order = append(l.order, ref)
	l.balances[escrow] += amount
	return ref
}

// Transfer records a transfer. It is rejected when from cannot cover amount.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount domain.Amount) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transfer(from, to, amount)
}

// ReplaceTransfer supersedes a transfer that has not confirmed. The old
// transfer reports failed from then on and its funds are back with the
// sender before the replacement moves them.
func (l *Ledger) ReplaceTransfer(ctx context.Context, ref, from, to string, amount domain.Amount) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transfers[ref]
	if !ok {
		return "", fmt.Errorf("memory ledger: transfer %s: %w", ref, domain.ErrNotFound)
	}
	if t.deposit || t.from != from || t.to != to || t.amount != amount {
		return "", fmt.Errorf("memory ledger: %s is not a %s transfer from %s to %s", ref, amount, from, to)
	}
	if l.failRefs[ref] {
		return "", fmt.Errorf("memory ledger: %s already failed", ref)
	}
	if t.status == domain.TransferConfirmed && t.polls > l.confirmAfter {
		return "", fmt.Errorf("memory ledger: %s already confirmed", ref)
	}

	l.failRefs[ref] = true
	l.balances[from] += amount
	l.balances[to] -= amount
	newRef, err := l.transfer(from, to, amount)
	if err != nil {
		delete(l.failRefs, ref)
		l.balances[from] -= amount
		l.balances[to] += amount
		return "", err
	}
	return newRef, nil
}

func (l *Ledger) transfer(from, to string, amount domain.Amount) (string, error) {
	if len(l.transferErrs) > 0 {
		err := l.transferErrs[0]
		l.transferErrs = l.transferErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if amount <= 0 {
		return "", fmt.Errorf("memory ledger: amount %s: %w", amount, domain.ErrTransferRejected)
	}
	if l.balances[from] < amount {
		return "", fmt.Errorf("memory ledger: %s balance %s below %s: %w",
			from, l.balances[from], amount, domain.ErrTransferRejected)
	}

	final := domain.TransferConfirmed
	if len(l.nextStatus) > 0 {
		final = l.nextStatus[0]
		l.nextStatus = l.nextStatus[1:]
	}

	ref := l.nextRef()
	l.transfers[ref] = &transfer{from: from, to: to, amount: amount, status: final}
	l.order = append(l.order, ref)
	if final == domain.TransferFailed {
		l.failRefs[ref] = true
	} else {
		l.balances[from] -= amount
		l.balances[to] += amount
	}
	return ref, nil
}

// TransferStatus reports pending until confirmAfter polls have passed.
func (l *Ledger) TransferStatus(ctx context.Context, ref string) (domain.TransferStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transfers[ref]
	if !ok {
		return "", fmt.Errorf("memory ledger: transfer %s: %w", ref, domain.ErrNotFound)
	}
	t.polls++
	if l.failRefs[ref] {
		return domain.TransferFailed, nil
	}
	if t.polls <= l.confirmAfter {
		return domain.TransferPending, nil
	}
	return t.status, nil
}

// DidReceive reports whether ref is a confirmed transfer of at least
// minAmount into address.
func (l *Ledger) DidReceive(ctx context.Context, address string, minAmount domain.Amount, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.transfers[ref]
	if !ok || l.failRefs[ref] || t.status != domain.TransferConfirmed {
		return false, nil
	}
	if !t.deposit && t.polls <= l.confirmAfter {
		return false, nil
	}
	return t.to == address && t.amount >= minAmount, nil
}

// Balance returns addr's current balance.
func (l *Ledger) Balance(addr string) domain.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// Transfers returns the number of transfers recorded, deposits included.
func (l *Ledger) Transfers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *Ledger) nextRef() string {
	l.seq++
	return fmt.Sprintf("mem-%06d", l.seq)
}

var (
	_ domain.Ledger           = (*Ledger)(nil)
	_ domain.TransferReplacer = (*Ledger)(nil)
)
