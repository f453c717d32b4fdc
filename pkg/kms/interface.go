package kms

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Custody modes reported by Signer.CustodyMode.
const (
	CustodyLocal  = "local"
	CustodyRemote = "remote"
)

// Signer is the wallet signing capability consumed by the request signer and
// the credits session. Implementations may be remote and slow; every call is
// fallible.
type Signer interface {
	// Address returns the 0x-prefixed checksummed wallet address.
	Address() string

	// SignMessage produces an EIP-191 personal_sign signature over msg:
	// 65 bytes r||s||v with v in {27, 28}.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)

	// CustodyMode is a human readable label, "local" or "remote".
	CustodyMode() string
}

// TransactionSigner signs EVM transactions for broadcast.
type TransactionSigner interface {
	SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Wallet is a Signer that can also sign transactions. Both custody variants
// implement it.
type Wallet interface {
	Signer
	TransactionSigner
}

var (
	ErrSignerUnavailable = errors.New("signer unavailable")
	ErrNoWallet          = errors.New("no wallet configured")
	ErrInvalidKey        = errors.New("invalid private key")
	ErrInvalidPath       = errors.New("invalid derivation path")
)
