package monitor

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Caller labels for API traffic.
const (
	CallerSigned    = "signed"    // verified ERC-8128 signature
	CallerAnonymous = "anonymous" // read endpoints, or rejected before verification
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wallet",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route template, status class and caller.",
		},
		[]string{"method", "route", "class", "caller"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "wallet",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "API latency by route template.",
			// signature recovery and store round-trips sit in the low milliseconds
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "route"},
	)

	APIInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wallet",
		Subsystem: "api",
		Name:      "in_flight_requests",
		Help:      "API requests being served.",
	})

	initOnce sync.Once
)

// Init registers the API and business metrics. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(APIRequestsTotal, APIRequestDuration, APIInFlight)
		InitBusinessMetrics()
	})
}

// StatusClass folds a status code into "2xx", "4xx" and so on.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// HTTPMiddleware records API metrics. caller runs after the handler chain so
// it can see what auth middleware stored on the context; nil labels every
// request anonymous. Unmatched routes are not recorded.
func HTTPMiddleware(caller func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			c.Next()
			return
		}
		APIInFlight.Inc()
		start := time.Now()

		c.Next()

		APIInFlight.Dec()
		who := CallerAnonymous
		if caller != nil {
			who = caller(c)
		}
		APIRequestsTotal.WithLabelValues(c.Request.Method, route, StatusClass(c.Writer.Status()), who).Inc()
		APIRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
