package erc8128

import (
	"strconv"
	"strings"
)

// Component identifiers, RFC 9421 section 2.
const (
	compMethod        = "@method"
	compAuthority     = "@authority"
	compPath          = "@path"
	compQuery         = "@query"
	compContentDigest = "content-digest"
	compParams        = "@signature-params"
)

func coveredComponents(req Request) []string {
	c := []string{compMethod, compAuthority, compPath}
	if req.Query != "" {
		c = append(c, compQuery)
	}
	if req.Body != nil {
		c = append(c, compContentDigest)
	}
	return c
}

// signatureParams renders the inner list that is both signed (as the
// @signature-params line) and sent in signature-input.
func signatureParams(components []string, created, expires int64, nonce, keyID string) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, c := range components {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Quote(c))
	}
	b.WriteByte(')')
	b.WriteString(";created=")
	b.WriteString(strconv.FormatInt(created, 10))
	b.WriteString(";expires=")
	b.WriteString(strconv.FormatInt(expires, 10))
	b.WriteString(";nonce=")
	b.WriteString(strconv.Quote(nonce))
	b.WriteString(";keyid=")
	b.WriteString(strconv.Quote(keyID))
	return b.String()
}

// signatureBase builds the exact bytes handed to the wallet: one
// `"<component>": <value>` line per covered component followed by the
// @signature-params line, joined with '\n' and no trailing newline.
func signatureBase(req Request, components []string, contentDigest, params string) string {
	var b strings.Builder
	for _, c := range components {
		b.WriteString(strconv.Quote(c))
		b.WriteString(": ")
		switch c {
		case compMethod:
			b.WriteString(req.Method)
		case compAuthority:
			b.WriteString(req.Authority)
		case compPath:
			b.WriteString(req.Path)
		case compQuery:
			b.WriteString("?" + req.Query)
		case compContentDigest:
			b.WriteString(contentDigest)
		}
		b.WriteByte('\n')
	}
	b.WriteString(strconv.Quote(compParams))
	b.WriteString(": ")
	b.WriteString(params)
	return b.String()
}
