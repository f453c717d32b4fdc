package handler

import (
	"time"

	"agent-wallet-core/internal/handler/response"
	"agent-wallet-core/internal/service/credits"
	"agent-wallet-core/pkg/kms"

	"github.com/gin-gonic/gin"
)

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

type HealthHandler struct {
	wallet      kms.Signer // nil when no wallet is configured
	chainID     int64
	paymentMode string
	session     *credits.Client
}

func NewHealthHandler(wallet kms.Signer, chainID int64, paymentMode string, session *credits.Client) *HealthHandler {
	return &HealthHandler{wallet: wallet, chainID: chainID, paymentMode: paymentMode, session: session}
}

type sessionStatus struct {
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type configStatus struct {
	WalletConfigured bool           `json:"wallet_configured"`
	Address          string         `json:"address,omitempty"`
	CustodyMode      string         `json:"custody_mode,omitempty"`
	ChainID          int64          `json:"chain_id"`
	PaymentMode      string         `json:"payment_mode"`
	Session          *sessionStatus `json:"session,omitempty"`
}

// ConfigStatus reports how the payment layer is wired. It never triggers a
// handshake.
func (h *HealthHandler) ConfigStatus(c *gin.Context) {
	out := configStatus{ChainID: h.chainID, PaymentMode: h.paymentMode}
	if h.wallet != nil && h.wallet.Address() != "" {
		out.WalletConfigured = true
		out.Address = h.wallet.Address()
		out.CustodyMode = h.wallet.CustodyMode()
	}
	if h.session != nil {
		st := &sessionStatus{}
		if s, ok := h.session.Current(); ok && time.Now().Before(s.ExpiresAt) {
			st.Active = true
			st.ExpiresAt = &s.ExpiresAt
		}
		out.Session = st
	}
	response.Success(c, out)
}
