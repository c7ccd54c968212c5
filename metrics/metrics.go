// Package metrics exposes Prometheus collectors for the ledger engine and
// the HTTP surface. Collectors live on a private registry so tests can
// create as many instances as they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/pool-ledger/ledger"
)

// Metrics implements ledger.Observer.
type Metrics struct {
	registry *prometheus.Registry

	transactions  *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	skippedGuests prometheus.Counter
	requests      *prometheus.CounterVec
	reminders     *prometheus.CounterVec
}

var _ ledger.Observer = (*Metrics)(nil)

// New registers the collectors (plus Go and process collectors) on a new
// registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pool",
			Name:      "transactions_total",
			Help:      "Transactions submitted to the engine, by type and outcome.",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pool",
			Name:      "transaction_duration_seconds",
			Help:      "Time spent applying a transaction, including lock waits.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"type"}),
		skippedGuests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pool",
			Name:      "refund_skipped_guests_total",
			Help:      "Guests skipped during refunds because their user record was missing.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pool",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status code.",
		}, []string{"route", "method", "code"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pool",
			Name:      "payment_reminders_total",
			Help:      "Payment reminders handed to the notifier, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.transactions,
		m.duration,
		m.skippedGuests,
		m.requests,
		m.reminders,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveTransaction records one engine call.
func (m *Metrics) ObserveTransaction(t ledger.TransactionType, outcome string, d time.Duration) {
	typ := string(t)
	if !t.Valid() {
		typ = "unknown"
	}
	m.transactions.WithLabelValues(typ, outcome).Inc()
	m.duration.WithLabelValues(typ).Observe(d.Seconds())
}

// ObserveSkippedGuests records guests a refund could not credit.
func (m *Metrics) ObserveSkippedGuests(n int) {
	m.skippedGuests.Add(float64(n))
}

// ObserveRequest records one HTTP response.
func (m *Metrics) ObserveRequest(route, method string, status int) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

// ObserveReminder records one reminder delivery attempt.
func (m *Metrics) ObserveReminder(err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.reminders.WithLabelValues(result).Inc()
}

// Registry exposes the private registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
