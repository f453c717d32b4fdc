package erc8128

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agent-wallet-core/pkg/crypto_util"
	"agent-wallet-core/pkg/kms"
	"agent-wallet-core/pkg/monitor"
	"agent-wallet-core/pkg/safe_random"
)

const (
	Label = "eth"

	HeaderSignatureInput = "Signature-Input"
	HeaderSignature      = "Signature"
	HeaderContentDigest  = "Content-Digest"

	DefaultTTL    = 60 * time.Second
	nonceBytes    = 16
	maxSignedBody = 8 << 20
)

var ErrSigningUnavailable = errors.New("erc8128: signing unavailable")

// SignatureMaterial is the transport form of one signature. It is used once
// and never persisted.
type SignatureMaterial struct {
	SignatureInput string // value of the signature-input header
	Signature      string // value of the signature header
	ContentDigest  string // empty when the request has no body

	KeyID   string
	Created int64
	Expires int64
	Nonce   string
}

// Apply writes the signature headers onto h.
func (m *SignatureMaterial) Apply(h http.Header) {
	h.Set(HeaderSignatureInput, m.SignatureInput)
	h.Set(HeaderSignature, m.Signature)
	if m.ContentDigest != "" {
		h.Set(HeaderContentDigest, m.ContentDigest)
	}
}

type Option func(*Signer)

// WithTTL sets how long a signature stays valid after creation.
func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// Signer binds HTTP requests to a wallet identity on one chain.
type Signer struct {
	wallet  kms.Signer
	chainID int64
	ttl     time.Duration
	now     func() time.Time
}

func NewSigner(wallet kms.Signer, chainID int64, opts ...Option) *Signer {
	s := &Signer{
		wallet:  wallet,
		chainID: chainID,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Signer) ChainID() int64 { return s.chainID }

// KeyID identifies the signing wallet and chain, "erc8128:<chainId>:<address>".
func (s *Signer) KeyID() string {
	return KeyID(s.chainID, s.wallet.Address())
}

func KeyID(chainID int64, address string) string {
	return "erc8128:" + strconv.FormatInt(chainID, 10) + ":" + address
}

// SignRequest produces fresh signature material for req. The only blocking
// step is the wallet call; it is not retried here.
func (s *Signer) SignRequest(ctx context.Context, req Request) (*SignatureMaterial, error) {
	if s == nil || s.wallet == nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, kms.ErrNoWallet)
	}
	req.Method = strings.ToUpper(req.Method)
	req.Authority = strings.ToLower(req.Authority)
	req.Path = normalizePath(req.Path)
	if err := req.validate(); err != nil {
		return nil, err
	}

	nonce, err := safe_random.GenerateRandomHexString(nonceBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	created := s.now().Unix()
	m := &SignatureMaterial{
		KeyID:   s.KeyID(),
		Created: created,
		Expires: created + int64(s.ttl/time.Second),
		Nonce:   nonce,
	}
	if req.Body != nil {
		m.ContentDigest = crypto_util.ContentDigest(req.Body)
	}

	components := coveredComponents(req)
	params := signatureParams(components, m.Created, m.Expires, m.Nonce, m.KeyID)
	base := signatureBase(req, components, m.ContentDigest, params)

	sig, err := s.wallet.SignMessage(ctx, []byte(base))
	if err != nil {
		if monitor.Business != nil {
			monitor.Business.SignaturesTotal.WithLabelValues(s.wallet.CustodyMode(), "error").Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	if monitor.Business != nil {
		monitor.Business.SignaturesTotal.WithLabelValues(s.wallet.CustodyMode(), "ok").Inc()
	}

	m.SignatureInput = Label + "=" + params
	m.Signature = Label + "=:" + base64.StdEncoding.EncodeToString(sig) + ":"
	return m, nil
}

// SignHTTP signs r in place. The body is read through GetBody so r stays
// sendable.
func (s *Signer) SignHTTP(r *http.Request) error {
	var body []byte
	if r.GetBody != nil && r.ContentLength != 0 {
		rc, err := r.GetBody()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		defer rc.Close()
		body, err = io.ReadAll(io.LimitReader(rc, maxSignedBody))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", ErrInvalidTarget, err)
		}
		if len(body) == 0 {
			body = nil
		}
	}
	req := Request{
		Method:    r.Method,
		Authority: r.URL.Host,
		Path:      r.URL.EscapedPath(),
		Query:     r.URL.RawQuery,
		Body:      body,
	}
	m, err := s.SignRequest(r.Context(), req)
	if err != nil {
		return err
	}
	m.Apply(r.Header)
	return nil
}
