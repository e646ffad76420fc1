// Package telemetry exposes Prometheus collectors for sessions, the
// broadcast hub, backtests and broker calls.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strategylab_sessions",
		Help: "Sessions currently registered, by status",
	}, []string{"status"})

	transitionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategylab_session_transitions_total",
		Help: "Lifecycle transitions applied to sessions",
	}, []string{"from", "to"})

	fillsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategylab_fills_total",
		Help: "Fills booked into session ledgers",
	}, []string{"instrument"})

	rejectedFillsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategylab_fills_rejected_total",
		Help: "Fills rejected before reaching the broker, by reason",
	}, []string{"reason"})

	loopFailuresCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategylab_loop_failures_total",
		Help: "Session loops halted by an error, by error kind",
	}, []string{"kind"})

	subscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "strategylab_hub_subscribers",
		Help: "Connected push subscribers",
	})

	droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategylab_hub_dropped_subscribers_total",
		Help: "Subscribers removed after a failed or slow delivery",
	})

	broadcastsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "strategylab_hub_broadcasts_total",
		Help: "Session list broadcasts sent to all subscribers",
	})

	backtestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strategylab_backtest_duration_seconds",
		Help:    "Wall time of backtest runs, including candle retrieval",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})

	brokerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "strategylab_broker_requests_total",
		Help: "Broker REST requests, by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
)

func init() {
	prometheus.MustRegister(
		sessionsGauge,
		transitionsCounter,
		fillsCounter,
		rejectedFillsCounter,
		loopFailuresCounter,
		subscribersGauge,
		droppedCounter,
		broadcastsCounter,
		backtestDuration,
		brokerRequests,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSessionCounts replaces the per-status session gauge.
func SetSessionCounts(counts map[string]int) {
	sessionsGauge.Reset()
	for status, n := range counts {
		sessionsGauge.WithLabelValues(status).Set(float64(n))
	}
}

func ObserveTransition(from, to string) {
	transitionsCounter.WithLabelValues(from, to).Inc()
}

func ObserveFill(instrument string) {
	fillsCounter.WithLabelValues(instrument).Inc()
}

func ObserveRejectedFill(reason string) {
	rejectedFillsCounter.WithLabelValues(reason).Inc()
}

func ObserveLoopFailure(kind string) {
	loopFailuresCounter.WithLabelValues(kind).Inc()
}

func SetSubscribers(n int) {
	subscribersGauge.Set(float64(n))
}

func ObserveDroppedSubscriber() {
	droppedCounter.Inc()
}

func ObserveBroadcast() {
	broadcastsCounter.Inc()
}

func ObserveBacktest(strategy string, d time.Duration) {
	backtestDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func ObserveBrokerRequest(endpoint, outcome string) {
	brokerRequests.WithLabelValues(endpoint, outcome).Inc()
}
