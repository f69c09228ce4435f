// Package metrics holds the Prometheus instrumentation exposed by both
// mistica-client and mistica-server over the health/metrics HTTP
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric emitted by the protocol core,
// the router, and the wrapper/overlay layers.
type Metrics struct {
	PacketsSentTotal     *prometheus.CounterVec
	PacketsReceivedTotal *prometheus.CounterVec
	RetriesTotal         prometheus.Counter
	ReinitsTotal         prometheus.Counter
	CommsBrokenTotal     *prometheus.CounterVec

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	RouterRoutesActive  prometheus.Gauge
	RouterPendingInit   prometheus.Gauge
	RouterRejectedTotal *prometheus.CounterVec

	CarrierTransactionsTotal *prometheus.CounterVec
	CarrierLatency           *prometheus.HistogramVec
}

// New creates and registers every Mística metric.
func New() *Metrics {
	return &Metrics{
		PacketsSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mistica_packets_sent_total",
				Help: "SOTP packets handed to a wrapper for transmission",
			},
			[]string{"role"},
		),
		PacketsReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mistica_packets_received_total",
				Help: "SOTP packets decoded from a wrapper response",
			},
			[]string{"role"},
		),
		RetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mistica_retries_total",
				Help: "Resends of the last packet triggered by a failed pre-check",
			},
		),
		ReinitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mistica_reinits_total",
				Help: "Completed sequence-counter reinitializations",
			},
		),
		CommsBrokenTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mistica_comms_broken_total",
				Help: "Sessions torn down after retries exhausted or a carrier failure",
			},
			[]string{"reason"},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mistica_sessions_active",
				Help: "Currently active SOTP sessions",
			},
		),
		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mistica_sessions_total",
				Help: "Sessions started, labeled by outcome",
			},
			[]string{"outcome"},
		),
		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mistica_session_duration_seconds",
				Help:    "Session lifetime from Response-Auth to Terminate",
				Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
			},
		),
		RouterRoutesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mistica_router_routes_active",
				Help: "Active router routes",
			},
		),
		RouterPendingInit: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mistica_router_pending_init",
				Help: "Entries awaiting the first confirmed packet of a new session",
			},
		),
		RouterRejectedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mistica_router_rejected_total",
				Help: "Session-initiation requests rejected by the router",
			},
			[]string{"reason"},
		),
		CarrierTransactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mistica_carrier_transactions_total",
				Help: "Wrapper wrap/unwrap transactions, labeled by wrapper and result",
			},
			[]string{"wrapper", "result"},
		),
		CarrierLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mistica_carrier_latency_seconds",
				Help:    "Round-trip latency of one wrapper transaction",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"wrapper"},
		),
	}
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
