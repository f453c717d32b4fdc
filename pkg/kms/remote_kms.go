package kms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RemoteSigner delegates to a custodial signing service. The private key
// lives on the other side; this process only ever sees signatures.
//
//	POST {base}/v1/wallets/{address}/sign-message      {"message":"0x.."}        -> {"signature":"0x.."}
//	POST {base}/v1/wallets/{address}/sign-transaction  {"chain_id":n,"tx":"0x.."} -> {"raw_tx":"0x.."}
type RemoteSigner struct {
	baseURL string
	apiKey  string
	address common.Address
	client  *http.Client
}

func NewRemoteSigner(baseURL, apiKey, address string, timeout time.Duration) (*RemoteSigner, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("%w: remote signer url is empty", ErrNoWallet)
	}
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: remote signer address %q", ErrNoWallet, address)
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		address: common.HexToAddress(address),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *RemoteSigner) Address() string {
	return s.address.Hex()
}

func (s *RemoteSigner) CustodyMode() string {
	return CustodyRemote
}

type signMessageRequest struct {
	Message string `json:"message"`
}

type signMessageResponse struct {
	Signature string `json:"signature"`
}

func (s *RemoteSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	var resp signMessageResponse
	if err := s.call(ctx, "sign-message", signMessageRequest{Message: hexutil.Encode(msg)}, &resp); err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(resp.Signature)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: malformed signature from remote signer", ErrSignerUnavailable)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

type signTxRequest struct {
	ChainID string `json:"chain_id"`
	Tx      string `json:"tx"`
}

type signTxResponse struct {
	RawTx string `json:"raw_tx"`
}

func (s *RemoteSigner) SignTransaction(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode tx: %w", err)
	}
	var resp signTxResponse
	req := signTxRequest{ChainID: chainID.String(), Tx: hexutil.Encode(unsigned)}
	if err := s.call(ctx, "sign-transaction", req, &resp); err != nil {
		return nil, err
	}
	raw, err := hexutil.Decode(resp.RawTx)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed raw tx: %v", ErrSignerUnavailable, err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: malformed raw tx: %v", ErrSignerUnavailable, err)
	}

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil || from != s.address {
		return nil, fmt.Errorf("%w: remote signer returned a tx for %s", ErrSignerUnavailable, from.Hex())
	}
	if signed.Nonce() != tx.Nonce() || signed.To() == nil || tx.To() == nil || *signed.To() != *tx.To() {
		return nil, fmt.Errorf("%w: remote signer altered the transaction", ErrSignerUnavailable)
	}
	return signed, nil
}

func (s *RemoteSigner) call(ctx context.Context, op string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/wallets/%s/%s", s.baseURL, s.address.Hex(), op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrSignerUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d: %s", ErrSignerUnavailable, op, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrSignerUnavailable, err)
	}
	return nil
}
