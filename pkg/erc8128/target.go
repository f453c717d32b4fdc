package erc8128

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidTarget = errors.New("erc8128: invalid request target")

// Request is the part of an outbound HTTP request that gets signed.
type Request struct {
	Method    string
	Authority string // host[:port], lower case
	Path      string // escaped path, "/" when empty
	Query     string // raw query without the leading '?'
	Body      []byte // nil means no content-digest
}

// ParseTarget splits an absolute http(s) URL into the signed components.
func ParseTarget(method, rawURL string, body []byte) (Request, error) {
	if method == "" {
		return Request{}, fmt.Errorf("%w: empty method", ErrInvalidTarget)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Request{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return Request{}, fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, rawURL)
	}

	return Request{
		Method:    strings.ToUpper(method),
		Authority: strings.ToLower(u.Host),
		Path:      normalizePath(u.EscapedPath()),
		Query:     u.RawQuery,
		Body:      body,
	}, nil
}

func (r Request) validate() error {
	if r.Method == "" || r.Authority == "" {
		return fmt.Errorf("%w: method and authority are required", ErrInvalidTarget)
	}
	if strings.ContainsAny(r.Authority, "/ \t\r\n") {
		return fmt.Errorf("%w: malformed authority %q", ErrInvalidTarget, r.Authority)
	}
	if strings.ContainsAny(r.Path, "\r\n") || strings.ContainsAny(r.Query, "\r\n") {
		return fmt.Errorf("%w: line break in path or query", ErrInvalidTarget)
	}
	return nil
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
