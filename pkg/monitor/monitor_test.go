package monitor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(http.StatusOK))
	assert.Equal(t, "4xx", StatusClass(http.StatusUnauthorized))
	assert.Equal(t, "5xx", StatusClass(http.StatusBadGateway))
	assert.Equal(t, "other", StatusClass(0))
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	Init()

	r := gin.New()
	r.Use(HTTPMiddleware(func(c *gin.Context) string {
		if c.GetHeader("Signature") != "" {
			return CallerSigned
		}
		return CallerAnonymous
	}))
	r.POST("/api/tx-queue", func(c *gin.Context) {
		assert.Equal(t, float64(1), testutil.ToFloat64(APIInFlight))
		c.Status(http.StatusAccepted)
	})

	signed := APIRequestsTotal.WithLabelValues(http.MethodPost, "/api/tx-queue", "2xx", CallerSigned)
	before := testutil.ToFloat64(signed)

	req := httptest.NewRequest(http.MethodPost, "/api/tx-queue", nil)
	req.Header.Set("Signature", "eth=:AA==:")
	r.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, before+1, testutil.ToFloat64(signed))
	assert.Zero(t, testutil.ToFloat64(APIInFlight))

	// unmatched routes leave no series behind
	n := testutil.CollectAndCount(APIRequestsTotal)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, n, testutil.CollectAndCount(APIRequestsTotal))
}
