package handler

import (
	"net/http"
	"strings"

	"agent-wallet-core/internal/handler/response"
	"agent-wallet-core/pkg/erc8128"
	"agent-wallet-core/pkg/errno"
	"agent-wallet-core/pkg/logger"
	"agent-wallet-core/pkg/monitor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SignerKey holds the verified request signer in the gin context.
const SignerKey = "erc8128_signer"

// ERC8128Auth admits only requests signed by an allow-listed wallet. An
// empty allow-list rejects everything unless open is set, in which case
// requests pass unverified.
func ERC8128Auth(v *erc8128.Verifier, allow []string, open bool) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allow))
	for _, a := range allow {
		allowed[strings.ToLower(strings.TrimSpace(a))] = true
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			if !open {
				response.Abort(c, http.StatusForbidden, errno.ErrSubmitDisabled)
				return
			}
			c.Next()
			return
		}
		addr, err := v.Verify(c.Request)
		if err != nil {
			logger.Debug("rejected unsigned or bad request", zap.String("path", c.FullPath()), zap.Error(err))
			response.Abort(c, http.StatusUnauthorized, err)
			return
		}
		if !allowed[strings.ToLower(addr.Hex())] {
			logger.Warn("signer not allowed", zap.String("signer", addr.Hex()))
			response.Abort(c, http.StatusForbidden, errno.ErrSignatureInvalid)
			return
		}
		c.Set(SignerKey, addr.Hex())
		c.Next()
	}
}

// Caller labels a finished request for metrics by whether ERC8128Auth
// admitted a signer.
func Caller(c *gin.Context) string {
	if _, ok := c.Get(SignerKey); ok {
		return monitor.CallerSigned
	}
	return monitor.CallerAnonymous
}
