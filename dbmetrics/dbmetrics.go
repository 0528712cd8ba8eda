// Package dbmetrics instruments the manager, engine, and pool with real
// Prometheus metrics via the official client library and its
// registry/HTTP handler.
package dbmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every counter, gauge, and histogram this binary exports.
type Metrics struct {
	TransactionsStarted   *prometheus.CounterVec
	TransactionsCompleted *prometheus.CounterVec
	TransactionsFailed    *prometheus.CounterVec
	TransactionsInFlight  prometheus.Gauge
	BatchDuration         *prometheus.HistogramVec

	PoolActiveWorkers prometheus.Gauge
	PoolRespawns      prometheus.Counter
}

// New registers all metrics against a fresh registry and returns both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		TransactionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idb_transactions_started_total",
			Help: "Transactions dispatched to the engine, by mode.",
		}, []string{"mode"}),
		TransactionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idb_transactions_completed_total",
			Help: "Transactions whose batch finished without error, by mode.",
		}, []string{"mode"}),
		TransactionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "idb_transactions_failed_total",
			Help: "Transactions whose batch could not begin a writer or failed to commit, by mode.",
		}, []string{"mode"}),
		TransactionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idb_transactions_in_flight",
			Help: "Transactions currently dispatched to the engine and not yet complete.",
		}),
		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idb_batch_duration_seconds",
			Help:    "Wall time spent executing one transaction's batch on a pool worker.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		PoolActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idb_pool_active_workers",
			Help: "Worker goroutines currently running in the transaction pool.",
		}),
		PoolRespawns: factory.NewCounter(prometheus.CounterOpts{
			Name: "idb_pool_worker_respawns_total",
			Help: "Worker goroutines respawned after a panic.",
		}),
	}, reg
}

// Handler returns the HTTP handler to mount at the configured metrics
// address's /metrics path.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
