package server

import (
	"agent-wallet-core/internal/handler"
	"agent-wallet-core/pkg/erc8128"
	"agent-wallet-core/pkg/monitor"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps carries the handlers the HTTP surface exposes.
type RouterDeps struct {
	Health          *handler.HealthHandler
	TxQueue         *handler.TxQueueHandler
	Verifier        *erc8128.Verifier // checks signed submissions
	SubmitAllowlist []string
	SubmitOpen      bool // accept unsigned submissions when the allow-list is empty
}

// NewHTTPRouter builds the gin engine.
func NewHTTPRouter(deps RouterDeps) *gin.Engine {
	monitor.Init()

	r := gin.New()
	r.Use(gin.Recovery(), monitor.HTTPMiddleware(handler.Caller))

	r.GET("/health", handler.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		if deps.Health != nil {
			api.GET("/health/config", deps.Health.ConfigStatus)
		}
		if deps.TxQueue != nil {
			registerTxQueueRoutes(api, deps)
		}
	}
	return r
}

func registerTxQueueRoutes(rg *gin.RouterGroup, deps RouterDeps) {
	q := rg.Group("/tx-queue")
	{
		q.GET("", deps.TxQueue.List)
		q.GET("/pending", deps.TxQueue.Pending)
		q.GET("/:uuid", deps.TxQueue.Get)
		q.POST("", handler.ERC8128Auth(deps.Verifier, deps.SubmitAllowlist, deps.SubmitOpen), deps.TxQueue.Submit)
	}
}
