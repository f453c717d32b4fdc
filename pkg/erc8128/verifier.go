package erc8128

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agent-wallet-core/pkg/cache"
	"agent-wallet-core/pkg/crypto_util"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature = errors.New("erc8128: invalid signature")
	ErrMissingSignature = fmt.Errorf("%w: missing signature headers", ErrInvalidSignature)
	ErrSignatureExpired = fmt.Errorf("%w: expired or not yet valid", ErrInvalidSignature)
	ErrWrongChain       = fmt.Errorf("%w: chain id mismatch", ErrInvalidSignature)
	ErrDigestMismatch   = fmt.Errorf("%w: content-digest mismatch", ErrInvalidSignature)
	ErrSignerMismatch   = fmt.Errorf("%w: signer does not match keyid", ErrInvalidSignature)
	ErrReplayed         = fmt.Errorf("%w: nonce already used", ErrInvalidSignature)
)

const (
	defaultMaxSkew     = 30 * time.Second
	defaultMaxValidity = 5 * time.Minute
)

// Verifier checks ERC-8128 signed requests and recovers the wallet address.
type Verifier struct {
	ChainID     int64
	MaxSkew     time.Duration // tolerated clock drift on created
	MaxValidity time.Duration // upper bound on expires - created
	Nonces      cache.Cache   // optional replay guard
	Now         func() time.Time
}

func NewVerifier(chainID int64, nonces cache.Cache) *Verifier {
	return &Verifier{
		ChainID:     chainID,
		MaxSkew:     defaultMaxSkew,
		MaxValidity: defaultMaxValidity,
		Nonces:      nonces,
		Now:         time.Now,
	}
}

type parsedInput struct {
	raw        string
	components []string
	created    int64
	expires    int64
	nonce      string
	keyID      string
}

// Verify authenticates r. The body is buffered and restored so handlers can
// still read it.
func (v *Verifier) Verify(r *http.Request) (common.Address, error) {
	inputHeader := r.Header.Get(HeaderSignatureInput)
	sigHeader := r.Header.Get(HeaderSignature)
	if inputHeader == "" || sigHeader == "" {
		return common.Address{}, ErrMissingSignature
	}

	in, err := parseSignatureInput(inputHeader)
	if err != nil {
		return common.Address{}, err
	}
	sig, err := parseSignature(sigHeader)
	if err != nil {
		return common.Address{}, err
	}

	chainID, addr, err := parseKeyID(in.keyID)
	if err != nil {
		return common.Address{}, err
	}
	if chainID != v.ChainID {
		return common.Address{}, ErrWrongChain
	}

	now := v.now().Unix()
	if in.expires <= in.created || in.expires-in.created > int64(v.MaxValidity/time.Second) {
		return common.Address{}, fmt.Errorf("%w: validity window %ds", ErrInvalidSignature, in.expires-in.created)
	}
	if now >= in.expires || in.created > now+int64(v.MaxSkew/time.Second) {
		return common.Address{}, ErrSignatureExpired
	}

	body, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}
	req := Request{
		Method:    strings.ToUpper(r.Method),
		Authority: strings.ToLower(r.Host),
		Path:      normalizePath(r.URL.EscapedPath()),
		Query:     r.URL.RawQuery,
		Body:      body,
	}
	if err := requireCovered(in.components, req); err != nil {
		return common.Address{}, err
	}

	digest := ""
	if contains(in.components, compContentDigest) {
		digest = r.Header.Get(HeaderContentDigest)
		if digest != crypto_util.ContentDigest(body) {
			return common.Address{}, ErrDigestMismatch
		}
	}

	base := signatureBase(req, in.components, digest, in.raw)
	recovered, err := recoverSigner([]byte(base), sig)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != addr {
		return common.Address{}, ErrSignerMismatch
	}

	if v.Nonces != nil {
		ttl := time.Duration(in.expires-now+1) * time.Second
		fresh, err := v.Nonces.Add(r.Context(), "erc8128:nonce:"+in.keyID+":"+in.nonce, true, ttl)
		if err != nil {
			return common.Address{}, fmt.Errorf("erc8128: nonce store: %w", err)
		}
		if !fresh {
			return common.Address{}, ErrReplayed
		}
	}
	return recovered, nil
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// requireCovered rejects signatures that leave part of the request unsigned.
func requireCovered(components []string, req Request) error {
	for _, c := range components {
		switch c {
		case compMethod, compAuthority, compPath, compQuery, compContentDigest:
		default:
			return fmt.Errorf("%w: unsupported component %q", ErrInvalidSignature, c)
		}
	}
	need := []string{compMethod, compAuthority, compPath}
	if req.Query != "" {
		need = append(need, compQuery)
	}
	if len(req.Body) > 0 {
		need = append(need, compContentDigest)
	}
	for _, c := range need {
		if !contains(components, c) {
			return fmt.Errorf("%w: %s not covered", ErrInvalidSignature, c)
		}
	}
	return nil
}

func recoverSigner(base, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature length %d", ErrInvalidSignature, len(sig))
	}
	cp := make([]byte, len(sig))
	copy(cp, sig)
	if cp[crypto.RecoveryIDOffset] >= 27 {
		cp[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(base), cp)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func parseSignatureInput(h string) (*parsedInput, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(h), Label+"=")
	if !ok {
		return nil, fmt.Errorf("%w: no %q label in signature-input", ErrInvalidSignature, Label)
	}
	if !strings.HasPrefix(raw, "(") {
		return nil, fmt.Errorf("%w: malformed component list", ErrInvalidSignature)
	}
	end := strings.IndexByte(raw, ')')
	if end < 0 {
		return nil, fmt.Errorf("%w: malformed component list", ErrInvalidSignature)
	}

	in := &parsedInput{raw: raw}
	for _, item := range strings.Fields(raw[1:end]) {
		c, err := strconv.Unquote(item)
		if err != nil {
			return nil, fmt.Errorf("%w: component %s", ErrInvalidSignature, item)
		}
		in.components = append(in.components, c)
	}

	for _, kv := range strings.Split(raw[end+1:], ";") {
		if kv == "" {
			continue
		}
		k, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q", ErrInvalidSignature, kv)
		}
		var err error
		switch k {
		case "created":
			in.created, err = strconv.ParseInt(val, 10, 64)
		case "expires":
			in.expires, err = strconv.ParseInt(val, 10, 64)
		case "nonce":
			in.nonce, err = strconv.Unquote(val)
		case "keyid":
			in.keyID, err = strconv.Unquote(val)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parameter %s: %v", ErrInvalidSignature, k, err)
		}
	}
	if in.created == 0 || in.expires == 0 || in.nonce == "" || in.keyID == "" {
		return nil, fmt.Errorf("%w: created, expires, nonce and keyid are required", ErrInvalidSignature)
	}
	return in, nil
}

func parseSignature(h string) ([]byte, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(h), Label+"=:")
	if !ok || !strings.HasSuffix(raw, ":") {
		return nil, fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(raw, ":"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return sig, nil
}

// parseKeyID splits "erc8128:<chainId>:<address>".
func parseKeyID(keyID string) (int64, common.Address, error) {
	parts := strings.Split(keyID, ":")
	if len(parts) != 3 || parts[0] != "erc8128" || !common.IsHexAddress(parts[2]) {
		return 0, common.Address{}, fmt.Errorf("%w: keyid %q", ErrInvalidSignature, keyID)
	}
	chainID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("%w: keyid chain %q", ErrInvalidSignature, parts[1])
	}
	return chainID, common.HexToAddress(parts[2]), nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("erc8128: read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
