package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	Checkouts       *prometheus.CounterVec
	Confirmations   *prometheus.CounterVec
	StockDeducted   prometheus.Counter
	OutboxPublished prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. Passing a fresh registry keeps tests
// independent of the process-wide default one.
func New(service string, reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		Confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "payment_confirmations_total",
			Help:      "Payment confirmations by outcome.",
		}, []string{"outcome"}),
		StockDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "stock_units_deducted_total",
			Help:      "Units removed from stock by confirmed orders.",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shop",
			Subsystem: service,
			Name:      "outbox_published_total",
			Help:      "Outbox records handed to the broker.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(m.Requests, m.LatencyMS, m.Checkouts, m.Confirmations, m.StockDeducted, m.OutboxPublished)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
