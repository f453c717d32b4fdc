package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

var ErrInvalidTransaction = errors.New("invalid unsigned transaction")

// UnsignedTransaction is the payload the agent queues for broadcast. The nonce
// is deliberately absent: it is assigned by the queue right before signing.
type UnsignedTransaction struct {
	Chain    string `json:"chain,omitempty"` // informational, e.g. "base"
	From     string `json:"from,omitempty"`  // optional; must match the signing wallet when set
	To       string `json:"to"`
	Amount   string `json:"amount"`              // base units (wei) as a decimal string
	GasLimit uint64 `json:"gas_limit,omitempty"` // 0 = estimate
	GasPrice string `json:"gas_price,omitempty"` // legacy pricing, wei

	MaxFeePerGas         string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`

	Data    string `json:"data,omitempty"` // 0x-prefixed calldata
	ChainID int64  `json:"chain_id"`
}

// SignedTransaction is what the chain client hands back after signing.
type SignedTransaction struct {
	TxHash string `json:"tx_hash"`
	RawTx  string `json:"raw_tx"` // RLP encoded hex
}

// DecodeUnsigned parses and validates a queued payload.
func DecodeUnsigned(payload []byte) (*UnsignedTransaction, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidTransaction)
	}
	var tx UnsignedTransaction
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Validate checks every field that signing would otherwise trip over.
func (u *UnsignedTransaction) Validate() error {
	if !common.IsHexAddress(u.To) {
		return fmt.Errorf("%w: bad recipient %q", ErrInvalidTransaction, u.To)
	}
	if u.From != "" && !common.IsHexAddress(u.From) {
		return fmt.Errorf("%w: bad sender %q", ErrInvalidTransaction, u.From)
	}
	if u.ChainID <= 0 {
		return fmt.Errorf("%w: chain_id must be positive", ErrInvalidTransaction)
	}
	if _, err := u.AmountWei(); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"gas_price":                u.GasPrice,
		"max_fee_per_gas":          u.MaxFeePerGas,
		"max_priority_fee_per_gas": u.MaxPriorityFeePerGas,
	} {
		if v == "" {
			continue
		}
		if _, err := parseWei(name, v); err != nil {
			return err
		}
	}
	if u.GasPrice != "" && u.MaxFeePerGas != "" {
		return fmt.Errorf("%w: gas_price and max_fee_per_gas are mutually exclusive", ErrInvalidTransaction)
	}
	if _, err := u.DataBytes(); err != nil {
		return err
	}
	return nil
}

// AmountWei returns the transfer value.
func (u *UnsignedTransaction) AmountWei() (*big.Int, error) {
	if u.Amount == "" {
		return new(big.Int), nil
	}
	return parseWei("amount", u.Amount)
}

// GasPriceWei returns nil when the field is unset.
func (u *UnsignedTransaction) GasPriceWei() *big.Int {
	return mustWei(u.GasPrice)
}

func (u *UnsignedTransaction) MaxFeeWei() *big.Int {
	return mustWei(u.MaxFeePerGas)
}

func (u *UnsignedTransaction) MaxPriorityFeeWei() *big.Int {
	return mustWei(u.MaxPriorityFeePerGas)
}

// IsDynamicFee reports whether the payload asks for an EIP-1559 transaction.
func (u *UnsignedTransaction) IsDynamicFee() bool {
	return u.GasPrice == ""
}

// DataBytes decodes the calldata.
func (u *UnsignedTransaction) DataBytes() ([]byte, error) {
	if u.Data == "" || u.Data == "0x" {
		return nil, nil
	}
	b, err := hexutil.Decode(u.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrInvalidTransaction, err)
	}
	return b, nil
}

func parseWei(field, v string) (*big.Int, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTransaction, field, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %s must not be negative", ErrInvalidTransaction, field)
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s must be an integer amount of wei", ErrInvalidTransaction, field)
	}
	return d.BigInt(), nil
}

func mustWei(v string) *big.Int {
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil
	}
	return d.BigInt()
}
