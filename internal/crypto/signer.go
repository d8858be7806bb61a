package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the escrow account key and signs outgoing transfers.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	signer     types.Signer
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key for
// the given chain.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		signer:     types.LatestSignerForChainID(big.NewInt(chainID)),
	}, nil
}

// Address returns the escrow account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTx signs tx for the configured chain.
func (s *Signer) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: sign tx: %w", err)
	}
	return signed, nil
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return common.IsHexAddress(s) && strings.HasPrefix(s, "0x")
}

// SameAddress compares two hex addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
