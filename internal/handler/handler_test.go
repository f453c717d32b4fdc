package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"agent-wallet-core/internal/service/txqueue"
	"agent-wallet-core/pkg/erc8128"
	"agent-wallet-core/pkg/errno"
	"agent-wallet-core/pkg/kms"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	otherKey  = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	recipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, req *http.Request) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func newQueue(t *testing.T, wallet kms.Signer) *txqueue.Queue {
	t.Helper()
	q := txqueue.New(txqueue.NewMemoryStore(), nil, wallet, txqueue.Config{MaxPending: 3})
	require.NoError(t, q.Recover(t.Context()))
	return q
}

func txRouter(h *TxQueueHandler, mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	g := r.Group("/api/tx-queue")
	g.GET("", h.List)
	g.GET("/pending", h.Pending)
	g.GET("/:uuid", h.Get)
	g.POST("", append(mw, h.Submit)...)
	return r
}

func submitBody(id string, amount int) []byte {
	body := fmt.Sprintf(`{"payload":{"to":%q,"amount":"%d","chain_id":8453}`, recipient, amount)
	if id != "" {
		body += fmt.Sprintf(`,"id":%q`, id)
	}
	return []byte(body + "}")
}

func TestHealth(t *testing.T) {
	w, err := kms.NewLocalSignerFromHex(testKey)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/health", HealthCheck)
	r.GET("/config", NewHealthHandler(w, 8453, "credits", nil).ConfigStatus)
	r.GET("/config-empty", NewHealthHandler(nil, 8453, "custom", nil).ConfigStatus)

	_, env := do(t, r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, errno.OK.Code, env.Code)

	_, env = do(t, r, httptest.NewRequest(http.MethodGet, "/config", nil))
	var st configStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.True(t, st.WalletConfigured)
	assert.Equal(t, w.Address(), st.Address)
	assert.Equal(t, kms.CustodyLocal, st.CustodyMode)
	assert.Equal(t, int64(8453), st.ChainID)

	_, env = do(t, r, httptest.NewRequest(http.MethodGet, "/config-empty", nil))
	st = configStatus{}
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.WalletConfigured)
	assert.Equal(t, "custom", st.PaymentMode)
}

func TestTxQueueHandler(t *testing.T) {
	w, err := kms.NewLocalSignerFromHex(testKey)
	require.NoError(t, err)
	r := txRouter(NewTxQueueHandler(newQueue(t, w)))

	id := uuid.New()
	_, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader(submitBody(id.String(), 1))))
	require.Equal(t, errno.OK.Code, env.Code, env.Msg)
	assert.Contains(t, string(env.Data), id.String())

	_, env = do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader(submitBody("", 2))))
	require.Equal(t, errno.OK.Code, env.Code)

	t.Run("duplicate", func(t *testing.T) {
		_, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader(submitBody(id.String(), 3))))
		assert.Equal(t, errno.ErrDuplicateTx.Code, env.Code)
	})

	t.Run("bad payload", func(t *testing.T) {
		body := []byte(`{"payload":{"to":"0xnope","amount":"1","chain_id":8453}}`)
		_, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader(body)))
		assert.Equal(t, errno.ErrInvalidPayload.Code, env.Code)

		_, env = do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader([]byte(`{}`))))
		assert.Equal(t, errno.ErrBind.Code, env.Code)

		_, env = do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader(submitBody("x", 1))))
		assert.Equal(t, errno.ErrBind.Code, env.Code)
	})

	t.Run("list", func(t *testing.T) {
		_, env := do(t, r, httptest.NewRequest(http.MethodGet, "/api/tx-queue", nil))
		require.Equal(t, errno.OK.Code, env.Code)
		var out struct {
			Items  []txqueue.Summary `json:"items"`
			Counts map[string]int    `json:"counts"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &out))
		require.Len(t, out.Items, 2)
		assert.NotEqual(t, id, out.Items[0].ID)
		assert.Equal(t, id, out.Items[1].ID)
		assert.Equal(t, 2, out.Counts["pending"])
		assert.Equal(t, 0, out.Counts["confirmed"])

		_, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/tx-queue?status=pending&limit=1", nil))
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.Len(t, out.Items, 1)

		_, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/tx-queue?status=confirmed&limit=500", nil))
		out.Items = nil
		require.NoError(t, json.Unmarshal(env.Data, &out))
		assert.Empty(t, out.Items)

		_, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/tx-queue?status=lost", nil))
		assert.Equal(t, errno.ErrBind.Code, env.Code)
	})

	t.Run("pending and get", func(t *testing.T) {
		_, env := do(t, r, httptest.NewRequest(http.MethodGet, "/api/tx-queue/pending", nil))
		assert.Contains(t, string(env.Data), id.String())

		_, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/tx-queue/"+id.String(), nil))
		var s txqueue.Summary
		require.NoError(t, json.Unmarshal(env.Data, &s))
		assert.Equal(t, txqueue.StatusPending, s.Status)
		assert.Equal(t, w.Address(), s.Wallet)

		_, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/tx-queue/"+uuid.NewString(), nil))
		assert.Equal(t, errno.ErrTxNotFound.Code, env.Code)

		_, env = do(t, r, httptest.NewRequest(http.MethodGet, "/api/tx-queue/123", nil))
		assert.Equal(t, errno.ErrBind.Code, env.Code)
	})

	t.Run("queue full", func(t *testing.T) {
		_, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader(submitBody("", 4))))
		require.Equal(t, errno.OK.Code, env.Code)
		_, env = do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader(submitBody("", 5))))
		assert.Equal(t, errno.ErrQueueFull.Code, env.Code)
	})
}

func TestTxQueueHandler_NoWallet(t *testing.T) {
	r := txRouter(NewTxQueueHandler(newQueue(t, nil)))
	_, env := do(t, r, httptest.NewRequest(http.MethodPost, "/api/tx-queue", bytes.NewReader(submitBody("", 1))))
	assert.Equal(t, errno.ErrWalletUnavailable.Code, env.Code)
}

func signedSubmit(t *testing.T, key string, body []byte) *http.Request {
	t.Helper()
	w, err := kms.NewLocalSignerFromHex(key)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://payments.local/api/tx-queue", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	require.NoError(t, erc8128.NewSigner(w, 8453).SignHTTP(req))
	return req
}

func TestERC8128Auth(t *testing.T) {
	w, err := kms.NewLocalSignerFromHex(testKey)
	require.NoError(t, err)
	verifier := erc8128.NewVerifier(8453, nil)
	r := txRouter(NewTxQueueHandler(newQueue(t, w)), ERC8128Auth(verifier, []string{w.Address()}, false))

	code, env := do(t, r, signedSubmit(t, testKey, submitBody("", 1)))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, errno.OK.Code, env.Code, env.Msg)

	req, err := http.NewRequest(http.MethodPost, "http://payments.local/api/tx-queue", bytes.NewReader(submitBody("", 2)))
	require.NoError(t, err)
	code, env = do(t, r, req)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, errno.ErrSignatureInvalid.Code, env.Code)

	code, _ = do(t, r, signedSubmit(t, otherKey, submitBody("", 3)))
	assert.Equal(t, http.StatusForbidden, code)

	// body swapped after signing
	tampered := signedSubmit(t, testKey, submitBody("", 5))
	tampered.Body = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(submitBody("", 6))).Body
	code, _ = do(t, r, tampered)
	assert.Equal(t, http.StatusUnauthorized, code)

}

func TestERC8128Auth_EmptyAllowlist(t *testing.T) {
	w, err := kms.NewLocalSignerFromHex(testKey)
	require.NoError(t, err)
	verifier := erc8128.NewVerifier(8453, nil)
	unsigned := func(amount int) *http.Request {
		req, err := http.NewRequest(http.MethodPost, "http://payments.local/api/tx-queue", bytes.NewReader(submitBody("", amount)))
		require.NoError(t, err)
		return req
	}

	q := newQueue(t, w)
	closed := txRouter(NewTxQueueHandler(q), ERC8128Auth(verifier, nil, false))
	code, env := do(t, closed, unsigned(7))
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, errno.ErrSubmitDisabled.Code, env.Code)
	code, _ = do(t, closed, signedSubmit(t, testKey, submitBody("", 8)))
	assert.Equal(t, http.StatusForbidden, code)
	assert.Zero(t, q.CountByStatus(txqueue.StatusPending))

	open := txRouter(NewTxQueueHandler(newQueue(t, w)), ERC8128Auth(verifier, nil, true))
	_, env = do(t, open, unsigned(9))
	assert.Equal(t, errno.OK.Code, env.Code)
}
