// Package evm settles stakes on an EVM chain. Amount base units are gwei, so
// one whole coin is one ether.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/stakematch/internal/crypto"
	"github.com/alanyoungcy/stakematch/internal/domain"
)

// weiPerUnit converts domain base units (10^9 per coin) to wei (10^18).
var weiPerUnit = big.NewInt(1_000_000_000)

const defaultGasLimit = 21_000

// Nodes only accept a same-nonce replacement priced at least 10% above the
// original; replacements bid this many percent more.
const replacementBumpPercent = 125

// chainClient is the subset of *ethclient.Client the ledger uses.
type chainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config configures the EVM ledger.
type Config struct {
	RPCURL           string
	ChainID          int64
	GasLimit         uint64
	MinConfirmations uint64
}

// Ledger implements domain.Ledger with native-coin transfers signed by the
// escrow key.
type Ledger struct {
	client chainClient
	signer *crypto.Signer
	cfg    Config
	logger *slog.Logger

	// limiter, when set, throttles RPC calls across every process sharing
	// the endpoint.
	limiter domain.RateLimiter

	// Serialises nonce assignment for the escrow account.
	mu sync.Mutex
}

// Dial connects to the RPC endpoint.
func Dial(ctx context.Context, cfg Config, signer *crypto.Signer, logger *slog.Logger) (*Ledger, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	return New(ec, cfg, signer, logger), ec, nil
}

// New builds a Ledger on an existing client.
func New(client chainClient, cfg Config, signer *crypto.Signer, logger *slog.Logger) *Ledger {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	return &Ledger{
		client: client,
		signer: signer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "evm_ledger")),
	}
}

// WithRateLimiter makes every ledger call wait for a slot on the shared
// "rpc" limiter key first.
func (l *Ledger) WithRateLimiter(rl domain.RateLimiter) *Ledger {
	l.limiter = rl
	return l
}

func (l *Ledger) throttle(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	if err := l.limiter.Wait(ctx, "rpc"); err != nil {
		return fmt.Errorf("evm: rpc throttle: %w", err)
	}
	return nil
}

// EscrowAddress is the address stakes are deposited to and paid from.
func (l *Ledger) EscrowAddress() string {
	return l.signer.Address().Hex()
}

// Transfer signs and broadcasts a value transfer from the escrow account.
// Transfers from any other account, to a malformed address, or that the node
// refuses outright wrap domain.ErrTransferRejected.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount domain.Amount) (string, error) {
	if !crypto.SameAddress(from, l.EscrowAddress()) {
		return "", fmt.Errorf("evm: can only sign for %s, not %s: %w", l.EscrowAddress(), from, domain.ErrTransferRejected)
	}
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("evm: recipient %q: %w", to, domain.ErrTransferRejected)
	}
	if amount <= 0 {
		return "", fmt.Errorf("evm: amount %s: %w", amount, domain.ErrTransferRejected)
	}

	if err := l.throttle(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	nonce, err := l.client.PendingNonceAt(ctx, l.signer.Address())
	if err != nil {
		return "", fmt.Errorf("evm: pending nonce: %w", err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("evm: gas price: %w", err)
	}

	recipient := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    toWei(amount),
		Gas:      l.cfg.GasLimit,
		GasPrice: gasPrice,
	})
	signed, err := l.signer.SignTx(tx)
	if err != nil {
		return "", fmt.Errorf("evm: %w: %w", domain.ErrTransferRejected, err)
	}
	ref := signed.Hash().Hex()

	if err := l.client.SendTransaction(ctx, signed); err != nil {
		if isRejection(err) {
			return "", fmt.Errorf("evm: send %s: %w: %w", ref, domain.ErrTransferRejected, err)
		}
		// The node may have accepted the tx before the call failed. If it
		// knows the hash the transfer is in flight and ref is valid.
		if _, _, lookupErr := l.client.TransactionByHash(ctx, signed.Hash()); lookupErr == nil {
			l.logger.WarnContext(ctx, "send errored but tx is known to the node",
				slog.String("ref", ref),
				slog.String("error", err.Error()),
			)
			return ref, nil
		}
		return "", fmt.Errorf("evm: send %s: %w", ref, err)
	}

	l.logger.InfoContext(ctx, "transfer broadcast",
		slog.String("ref", ref),
		slog.String("to", recipient.Hex()),
		slog.String("amount", amount.String()),
		slog.Uint64("nonce", nonce),
	)
	return ref, nil
}

// ReplaceTransfer re-signs a transfer still waiting in the pool at the same
// nonce with a higher gas price. Both transactions spend one nonce, so at
// most one of them is ever mined. A ref the node no longer knows, or one
// already mined, is refused: without its nonce nothing can be superseded.
func (l *Ledger) ReplaceTransfer(ctx context.Context, ref, from, to string, amount domain.Amount) (string, error) {
	if !crypto.SameAddress(from, l.EscrowAddress()) {
		return "", fmt.Errorf("evm: can only sign for %s, not %s: %w", l.EscrowAddress(), from, domain.ErrTransferRejected)
	}
	if err := l.throttle(ctx); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	old, pending, err := l.client.TransactionByHash(ctx, common.HexToHash(ref))
	if err != nil {
		return "", fmt.Errorf("evm: replace %s: %w", ref, err)
	}
	if !pending {
		return "", fmt.Errorf("evm: replace %s: already mined", ref)
	}
	recipient := common.HexToAddress(to)
	if old.To() == nil || *old.To() != recipient || old.Value().Cmp(toWei(amount)) != 0 {
		return "", fmt.Errorf("evm: replace %s: not a transfer of %s to %s", ref, amount, recipient.Hex())
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("evm: gas price: %w", err)
	}
	bumped := new(big.Int).Mul(old.GasPrice(), big.NewInt(replacementBumpPercent))
	bumped.Div(bumped, big.NewInt(100))
	if gasPrice.Cmp(bumped) < 0 {
		gasPrice = bumped
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    old.Nonce(),
		To:       &recipient,
		Value:    old.Value(),
		Gas:      old.Gas(),
		GasPrice: gasPrice,
	})
	signed, err := l.signer.SignTx(tx)
	if err != nil {
		return "", fmt.Errorf("evm: replace %s: %w", ref, err)
	}
	newRef := signed.Hash().Hex()

	if err := l.client.SendTransaction(ctx, signed); err != nil {
		if _, _, lookupErr := l.client.TransactionByHash(ctx, signed.Hash()); lookupErr == nil {
			l.logger.WarnContext(ctx, "replacement send errored but tx is known to the node",
				slog.String("ref", newRef),
				slog.String("error", err.Error()),
			)
			return newRef, nil
		}
		return "", fmt.Errorf("evm: replace %s with %s: %w", ref, newRef, err)
	}

	l.logger.InfoContext(ctx, "transfer replaced",
		slog.String("ref", newRef),
		slog.String("replaces", ref),
		slog.Uint64("nonce", old.Nonce()),
		slog.String("gas_price", gasPrice.String()),
	)
	return newRef, nil
}

// TransferStatus maps the receipt to a status. A missing receipt or one with
// too few confirmations is pending.
func (l *Ledger) TransferStatus(ctx context.Context, ref string) (domain.TransferStatus, error) {
	if err := l.throttle(ctx); err != nil {
		return "", err
	}
	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(ref))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.TransferPending, nil
		}
		return "", fmt.Errorf("evm: receipt %s: %w", ref, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.TransferFailed, nil
	}
	ok, err := l.confirmed(ctx, receipt)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.TransferPending, nil
	}
	return domain.TransferConfirmed, nil
}

// DidReceive reports whether ref is a successful, sufficiently confirmed
// transfer of at least minAmount to address.
func (l *Ledger) DidReceive(ctx context.Context, address string, minAmount domain.Amount, ref string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, nil
	}
	if err := l.throttle(ctx); err != nil {
		return false, err
	}
	hash := common.HexToHash(ref)

	tx, pending, err := l.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("evm: tx %s: %w", ref, err)
	}
	if pending || tx.To() == nil || *tx.To() != common.HexToAddress(address) {
		return false, nil
	}
	if tx.Value().Cmp(toWei(minAmount)) < 0 {
		return false, nil
	}

	receipt, err := l.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, fmt.Errorf("evm: receipt %s: %w", ref, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}
	return l.confirmed(ctx, receipt)
}

func (l *Ledger) confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if receipt.BlockNumber == nil {
		return false, nil
	}
	head, err := l.client.BlockNumber(ctx)
	if err != nil {
		return false, fmt.Errorf("evm: block number: %w", err)
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return false, nil
	}
	return head-mined+1 >= l.cfg.MinConfirmations, nil
}

func toWei(a domain.Amount) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(a)), weiPerUnit)
}

// isRejection matches node errors that mean the tx was refused and never
// entered the pool.
func isRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"insufficient funds",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"invalid sender",
		"nonce too low",
		"negative value",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var (
	_ domain.Ledger           = (*Ledger)(nil)
	_ domain.TransferReplacer = (*Ledger)(nil)
)
