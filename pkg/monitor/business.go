package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics covers the payment layer: request signatures, credits
// sessions, billed calls and the transaction queue.
type BusinessMetrics struct {
	SignaturesTotal        *prometheus.CounterVec   // custody, result
	SessionHandshakesTotal *prometheus.CounterVec   // result
	BilledCallsTotal       *prometheus.CounterVec   // path, status
	QueueTransitionsTotal  *prometheus.CounterVec   // status
	BroadcastAttemptsTotal *prometheus.CounterVec   // result
	QueueDepth             *prometheus.GaugeVec     // status
	ConfirmationLatency    *prometheus.HistogramVec // chain
}

// Business is nil until InitBusinessMetrics runs; callers guard on it.
var Business *BusinessMetrics

var businessOnce sync.Once

// InitBusinessMetrics registers the business collectors once per process.
func InitBusinessMetrics() {
	businessOnce.Do(initBusiness)
}

func initBusiness() {
	Business = &BusinessMetrics{
		SignaturesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_erc8128_signatures_total",
			Help: "Request signatures produced, by custody mode and result",
		}, []string{"custody", "result"}),
		SessionHandshakesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_credits_handshakes_total",
			Help: "Credits session handshakes, by result",
		}, []string{"result"}),
		BilledCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_billed_calls_total",
			Help: "Billed HTTP calls, by auth path and status",
		}, []string{"path", "status"}),
		QueueTransitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_txqueue_transitions_total",
			Help: "Queued transaction transitions, by target status",
		}, []string{"status"}),
		BroadcastAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_txqueue_broadcast_attempts_total",
			Help: "Broadcast attempts, by result",
		}, []string{"result"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wallet_txqueue_depth",
			Help: "Queued transactions per status",
		}, []string{"status"}),
		ConfirmationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_txqueue_confirmation_seconds",
			Help:    "Time from submission to confirmation",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 900},
		}, []string{"chain"}),
	}
}
