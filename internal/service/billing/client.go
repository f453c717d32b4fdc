package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"agent-wallet-core/internal/service/credits"
	"agent-wallet-core/pkg/erc8128"
	"agent-wallet-core/pkg/logger"
	"agent-wallet-core/pkg/monitor"

	"go.uber.org/zap"
)

// PaymentMode selects how outbound calls are paid for.
type PaymentMode string

const (
	ModeCredits PaymentMode = "credits" // session bearer, then ERC-8128 signed requests
	ModeCustom  PaymentMode = "custom"  // self-hosted endpoint, no payment protocol
)

// HeaderCreditsSupport is set to "true" on a 402 by endpoints that accept
// ERC-8128 credits.
const HeaderCreditsSupport = "X-Erc8128-Credits"

var (
	ErrInsufficientCredits = errors.New("billing: insufficient credits")
	ErrCreditsUnsupported  = errors.New("billing: endpoint returned 402 without credits support")
	ErrSessionRejected     = errors.New("billing: session token rejected after re-establishment")
)

func ParseMode(s string) (PaymentMode, error) {
	switch PaymentMode(strings.ToLower(s)) {
	case ModeCredits, "":
		return ModeCredits, nil
	case ModeCustom:
		return ModeCustom, nil
	default:
		return "", fmt.Errorf("unknown payment mode %q", s)
	}
}

type Options struct {
	Mode    PaymentMode
	Session *credits.Client // optional; enables the bearer path
	Signer  *erc8128.Signer // defaults to the session's signer
	Timeout time.Duration
	HTTP    *http.Client
}

// Client makes billed POST calls against metered endpoints.
type Client struct {
	mode    PaymentMode
	session *credits.Client
	signer  *erc8128.Signer
	http    *http.Client
	log     *zap.Logger

	mu    sync.Mutex
	hosts map[string]struct{} // hosts that advertised credits support
}

func NewClient(opts Options) *Client {
	if opts.Mode == "" {
		opts.Mode = ModeCredits
	}
	if opts.HTTP == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		opts.HTTP = &http.Client{Timeout: timeout}
	}
	if opts.Signer == nil && opts.Session != nil {
		opts.Signer = opts.Session.Signer()
	}
	return &Client{
		mode:    opts.Mode,
		session: opts.Session,
		signer:  opts.Signer,
		http:    opts.HTTP,
		log:     logger.Named("billing"),
		hosts:   make(map[string]struct{}),
	}
}

func (c *Client) Mode() PaymentMode { return c.mode }

// PostJSON marshals body and calls Post.
func (c *Client) PostJSON(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("billing: encode body: %w", err)
	}
	return c.Post(ctx, url, data)
}

// Post sends body to url, paying with credits when the endpoint asks for it.
// The caller closes the returned body.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	if c.mode == ModeCustom {
		return c.send(ctx, "custom", url, body, nil)
	}

	if c.session != nil {
		resp, err := c.viaSession(ctx, url, body)
		switch {
		case err == nil:
			return resp, nil
		case errors.Is(err, ErrInsufficientCredits), errors.Is(err, ErrSessionRejected):
			return nil, err
		default:
			c.log.Warn("session path failed, falling back to signed request", zap.Error(err))
		}
	}

	if c.isCreditsHost(url) {
		resp, err := c.signed(ctx, "erc8128", url, body)
		if err == nil {
			if resp.StatusCode == http.StatusPaymentRequired {
				drain(resp)
				return nil, fmt.Errorf("%w: signed request got 402", ErrInsufficientCredits)
			}
			return resp, nil
		}
		c.log.Warn("proactive signed request failed", zap.Error(err))
	}

	resp, err := c.send(ctx, "probe", url, body, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}
	advertised := strings.EqualFold(resp.Header.Get(HeaderCreditsSupport), "true")
	drain(resp)
	if !advertised {
		return nil, ErrCreditsUnsupported
	}

	c.markCreditsHost(url)
	resp, err = c.signed(ctx, "erc8128", url, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		drain(resp)
		return nil, fmt.Errorf("%w: signed request got 402", ErrInsufficientCredits)
	}
	return resp, nil
}

// Get is unbilled.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// viaSession sends with the cached bearer token. A 401 invalidates the
// session and retries exactly once with a fresh token.
func (c *Client) viaSession(ctx context.Context, url string, body []byte) (*http.Response, error) {
	bearer, err := c.session.BearerHeader(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, "session", url, body, http.Header{"Authorization": {bearer}})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		c.log.Info("bearer token rejected, re-establishing session")
		c.session.Invalidate(ctx)

		bearer, err = c.session.BearerHeader(ctx)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, "session_retry", url, body, http.Header{"Authorization": {bearer}})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			drain(resp)
			return nil, ErrSessionRejected
		}
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		drain(resp)
		return nil, fmt.Errorf("%w: 402 with session auth", ErrInsufficientCredits)
	}
	return resp, nil
}

func (c *Client) signed(ctx context.Context, path, url string, body []byte) (*http.Response, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("billing: %w", erc8128.ErrSigningUnavailable)
	}
	target, err := erc8128.ParseTarget(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	m, err := c.signer.SignRequest(ctx, target)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	m.Apply(h)
	return c.send(ctx, path, url, body, h)
}

func (c *Client) send(ctx context.Context, path, url string, body []byte, extra http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("billing: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if monitor.Business != nil {
		status := "error"
		if err == nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		monitor.Business.BilledCallsTotal.WithLabelValues(path, status).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("billing: request failed: %w", err)
	}
	c.log.Debug("billed call", zap.String("path", path), zap.String("url", url), zap.Int("status", resp.StatusCode))
	return resp, nil
}

func (c *Client) isCreditsHost(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.hosts[hostOf(url)]
	return ok
}

func (c *Client) markCreditsHost(url string) {
	host := hostOf(url)
	c.mu.Lock()
	c.hosts[host] = struct{}{}
	c.mu.Unlock()
	c.log.Info("discovered credits support", zap.String("host", host))
}

func hostOf(url string) string {
	t, err := erc8128.ParseTarget(http.MethodPost, url, nil)
	if err != nil {
		return url
	}
	return t.Authority
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
