package credits

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agent-wallet-core/pkg/erc8128"
	"agent-wallet-core/pkg/kms"
	"agent-wallet-core/pkg/logger"
	"agent-wallet-core/pkg/monitor"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RefreshMargin is how long before expires_at a session stops being served.
const RefreshMargin = 60 * time.Second

const sessionPath = "/credits/session"

var ErrSessionEstablishFailed = errors.New("credits: session establish failed")

// Session is an immutable snapshot of the current credits session.
type Session struct {
	Token     string    `json:"session_token"`
	ExpiresAt time.Time `json:"expires_at"`
	Wallet    string    `json:"wallet"`
}

// usable reports whether s can still be handed out at now.
func (s *Session) usable(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt.Add(-RefreshMargin))
}

type Options struct {
	BaseURL string
	ChainID int64         // billing chain, 8453 when zero
	Timeout time.Duration // per handshake, 30s when zero
	TTL     time.Duration // signature validity
	Store   SessionStore  // optional, shares sessions across processes
	HTTP    *http.Client
	Now     func() time.Time
}

// Client owns the one current session for a wallet. Reads take the read
// lock; the only writer is the establish path, run under a single flight.
type Client struct {
	wallet     kms.Signer
	signer     *erc8128.Signer
	sessionURL string
	timeout    time.Duration
	httpClient *http.Client
	store      SessionStore
	now        func() time.Time
	log        *zap.Logger

	mu    sync.RWMutex
	state *Session
	group singleflight.Group
}

func NewClient(wallet kms.Signer, opts Options) *Client {
	if opts.ChainID == 0 {
		opts.ChainID = 8453
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Client{
		wallet:     wallet,
		sessionURL: strings.TrimRight(opts.BaseURL, "/") + sessionPath,
		timeout:    opts.Timeout,
		httpClient: opts.HTTP,
		store:      opts.Store,
		now:        opts.Now,
		log:        logger.Named("credits"),
	}
	if wallet != nil {
		c.signer = erc8128.NewSigner(wallet, opts.ChainID, erc8128.WithTTL(opts.TTL), erc8128.WithClock(opts.Now))
	}
	return c
}

// WalletAddress is the address sessions are established for.
func (c *Client) WalletAddress() string {
	if c.wallet == nil {
		return ""
	}
	return c.wallet.Address()
}

// Signer exposes the request signer bound to the billing chain.
func (c *Client) Signer() *erc8128.Signer {
	return c.signer
}

// Current returns a copy of the cached session, if any.
func (c *Client) Current() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == nil {
		return Session{}, false
	}
	return *c.state, true
}

// GetToken returns a bearer token, establishing a session when none is
// cached or the cached one is inside RefreshMargin. Concurrent callers on
// the slow path share one handshake and its outcome.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	if s := c.valid(); s != nil {
		return s.Token, nil
	}

	ch := c.group.DoChan("session", func() (interface{}, error) {
		if s := c.valid(); s != nil {
			return s.Token, nil
		}
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		if s := c.fromStore(hctx); s != nil {
			c.publish(s)
			return s.Token, nil
		}
		s, err := c.establish(hctx)
		if err != nil {
			return nil, err
		}
		c.publish(s)
		if c.store != nil {
			if err := c.store.Save(hctx, c.WalletAddress(), s, s.ExpiresAt.Sub(c.now())); err != nil {
				c.log.Warn("session store save failed", zap.Error(err))
			}
		}
		return s.Token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// BearerHeader is GetToken formatted for the Authorization header.
func (c *Client) BearerHeader(ctx context.Context) (string, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}

// Invalidate drops the cached session unconditionally, typically after the
// billing service answered 401 to its token.
func (c *Client) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.state = nil
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete(ctx, c.WalletAddress()); err != nil {
			c.log.Warn("session store delete failed", zap.Error(err))
		}
	}
	c.log.Info("session invalidated")
}

func (c *Client) valid() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.usable(c.now()) {
		return c.state
	}
	return nil
}

func (c *Client) publish(s *Session) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) fromStore(ctx context.Context) *Session {
	if c.store == nil {
		return nil
	}
	s, err := c.store.Load(ctx, c.WalletAddress())
	if err != nil {
		if !errors.Is(err, ErrNoSession) {
			c.log.Warn("session store load failed", zap.Error(err))
		}
		return nil
	}
	if !s.usable(c.now()) || !strings.EqualFold(s.Wallet, c.WalletAddress()) {
		return nil
	}
	c.log.Debug("reusing shared session", zap.Time("expires_at", s.ExpiresAt))
	return s
}

type sessionResponse struct {
	SessionToken *string `json:"session_token"`
	ExpiresAt    *int64  `json:"expires_at"`
	Wallet       *string `json:"wallet"`
}

// EstablishSession performs one signed handshake and returns its result
// without touching the cache.
func (c *Client) EstablishSession(ctx context.Context) (*Session, error) {
	return c.establish(ctx)
}

func (c *Client) establish(ctx context.Context) (s *Session, err error) {
	defer func() {
		if monitor.Business == nil {
			return
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		monitor.Business.SessionHandshakesTotal.WithLabelValues(result).Inc()
	}()

	if c.signer == nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionEstablishFailed, kms.ErrNoWallet)
	}
	c.log.Info("establishing credits session", zap.String("url", c.sessionURL))

	body := []byte("{}")
	target, err := erc8128.ParseTarget(http.MethodPost, c.sessionURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionEstablishFailed, err)
	}
	material, err := c.signer.SignRequest(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionEstablishFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sessionURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	material.Apply(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrSessionEstablishFailed, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrSessionEstablishFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrSessionEstablishFailed, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed sessionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid response json: %v", ErrSessionEstablishFailed, err)
	}
	switch {
	case parsed.SessionToken == nil || *parsed.SessionToken == "":
		return nil, fmt.Errorf("%w: missing session_token", ErrSessionEstablishFailed)
	case parsed.ExpiresAt == nil:
		return nil, fmt.Errorf("%w: missing expires_at", ErrSessionEstablishFailed)
	case parsed.Wallet == nil:
		return nil, fmt.Errorf("%w: missing wallet", ErrSessionEstablishFailed)
	}

	s = &Session{
		Token:     *parsed.SessionToken,
		ExpiresAt: time.Unix(*parsed.ExpiresAt, 0),
		Wallet:    *parsed.Wallet,
	}
	if !s.usable(c.now()) {
		c.log.Warn("session expires within refresh margin", zap.Time("expires_at", s.ExpiresAt))
	}
	c.log.Info("credits session established",
		zap.String("wallet", s.Wallet),
		zap.String("token", logger.MaskSecret(s.Token)),
		zap.Time("expires_at", s.ExpiresAt))
	return s, nil
}
