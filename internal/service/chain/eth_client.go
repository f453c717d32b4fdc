package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"agent-wallet-core/pkg/kms"
	"agent-wallet-core/pkg/logger"
	wtypes "agent-wallet-core/pkg/wallet/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Backend is the subset of *ethclient.Client the queue needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient broadcasts queued payloads to an EVM chain.
type EthClient struct {
	backend       Backend
	signer        kms.TransactionSigner
	from          common.Address
	chainID       *big.Int
	confirmations uint64
	log           *zap.Logger
	closeFn       func()
}

func NewEthClient(backend Backend, signer kms.TransactionSigner, from string, chainID int64, confirmations uint64) *EthClient {
	if confirmations == 0 {
		confirmations = 1
	}
	return &EthClient{
		backend:       backend,
		signer:        signer,
		from:          common.HexToAddress(from),
		chainID:       big.NewInt(chainID),
		confirmations: confirmations,
		log:           logger.Named("chain"),
	}
}

// Dial connects to rpcURL and checks the node serves chainID.
func Dial(ctx context.Context, rpcURL string, wallet kms.Wallet, chainID int64, confirmations uint64) (*EthClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}
	remote, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if remote.Int64() != chainID {
		client.Close()
		return nil, fmt.Errorf("rpc %s serves chain %s, configured %d", rpcURL, remote, chainID)
	}
	c := NewEthClient(client, wallet, wallet.Address(), chainID, confirmations)
	c.closeFn = client.Close
	return c, nil
}

func (c *EthClient) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

func (c *EthClient) NextNonce(ctx context.Context, address string) (uint64, error) {
	if !common.IsHexAddress(address) {
		return 0, fmt.Errorf("invalid address %q", address)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, common.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

// Broadcast signs payload with nonce and submits it. A node that already has
// the identical transaction, or a receipt for it, counts as success, so a
// resumed broadcast is idempotent.
func (c *EthClient) Broadcast(ctx context.Context, payload []byte, nonce uint64) (string, error) {
	utx, err := wtypes.DecodeUnsigned(payload)
	if err != nil {
		return "", Permanent(err)
	}
	if utx.ChainID != c.chainID.Int64() {
		return "", Permanent(fmt.Errorf("payload chain %d, client chain %s", utx.ChainID, c.chainID))
	}

	tx, err := c.build(ctx, utx, nonce)
	if err != nil {
		return "", err
	}
	signed, err := c.signer.SignTransaction(ctx, tx, c.chainID)
	if err != nil {
		return "", Transient(err)
	}
	hash := signed.Hash()

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		if isAlreadyKnown(err) {
			c.log.Info("transaction already known", zap.String("hash", hash.Hex()))
			return hash.Hex(), nil
		}
		if _, rerr := c.backend.TransactionReceipt(ctx, hash); rerr == nil {
			c.log.Info("transaction already mined", zap.String("hash", hash.Hex()))
			return hash.Hex(), nil
		}
		return "", classify(err)
	}
	c.log.Info("transaction sent", zap.String("hash", hash.Hex()), zap.Uint64("nonce", nonce))
	return hash.Hex(), nil
}

func (c *EthClient) build(ctx context.Context, utx *wtypes.UnsignedTransaction, nonce uint64) (*types.Transaction, error) {
	to := common.HexToAddress(utx.To)
	value, err := utx.AmountWei()
	if err != nil {
		return nil, Permanent(err)
	}
	data, err := utx.DataBytes()
	if err != nil {
		return nil, Permanent(err)
	}

	gas := utx.GasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: data})
		if err != nil {
			return nil, classify(fmt.Errorf("estimate gas: %w", err))
		}
	}

	if !utx.IsDynamicFee() {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    value,
			Gas:      gas,
			GasPrice: utx.GasPriceWei(),
			Data:     data,
		}), nil
	}

	tip := utx.MaxPriorityFeeWei()
	if tip == nil {
		if tip, err = c.backend.SuggestGasTipCap(ctx); err != nil {
			return nil, Transient(fmt.Errorf("suggest tip: %w", err))
		}
	}
	feeCap := utx.MaxFeeWei()
	if feeCap == nil {
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, Transient(fmt.Errorf("latest header: %w", err))
		}
		if head.BaseFee == nil {
			return nil, Permanent(errors.New("chain has no base fee; set gas_price"))
		}
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		To:        &to,
		Value:     value,
		Gas:       gas,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	}), nil
}

// ConfirmationStatus reports confirmed once the receipt is at least
// confirmations blocks deep.
func (c *EthClient) ConfirmationStatus(ctx context.Context, txHash string) (ConfirmationStatus, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return ConfirmationPending, nil
	}
	if err != nil {
		return ConfirmationPending, fmt.Errorf("receipt %s: %w", txHash, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return ConfirmationReverted, nil
	}

	latest, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return ConfirmationPending, fmt.Errorf("block number: %w", err)
	}
	if receipt.BlockNumber == nil || latest+1 < receipt.BlockNumber.Uint64()+c.confirmations {
		return ConfirmationPending, nil
	}
	return ConfirmationConfirmed, nil
}
