// Package metrics exposes Prometheus collectors for the draw service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fairdraw"

// Metrics holds one registry and the collectors registered on it.
type Metrics struct {
	Registry *prometheus.Registry

	purchases     *prometheus.CounterVec
	units         *prometheus.CounterVec
	purchaseTime  prometheus.Histogram
	errors        *prometheus.CounterVec
	reveals       *prometheus.CounterVec
	verifications *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "purchases_total",
			Help:      "Completed purchases by product mode.",
		}, []string{"mode"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "units_total",
			Help:      "Units allocated by tier source.",
		}, []string{"source"}),
		purchaseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "purchase_duration_seconds",
			Help:      "Time spent reserving and allocating one purchase.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "errors_total",
			Help:      "Failed operations by error kind.",
		}, []string{"kind"}),
		reveals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commitment",
			Name:      "reveals_total",
			Help:      "Seed reveals by termination.",
		}, []string{"termination"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verify",
			Name:      "runs_total",
			Help:      "Verification runs by outcome.",
		}, []string{"ok"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
	}
	m.Registry.MustRegister(
		m.purchases, m.units, m.purchaseTime, m.errors, m.reveals, m.verifications,
		m.httpRequests, m.httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// ObservePurchase records one successful purchase.
func (m *Metrics) ObservePurchase(mode string, sources []string, d time.Duration) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(mode).Inc()
	for _, s := range sources {
		m.units.WithLabelValues(s).Inc()
	}
	m.purchaseTime.Observe(d.Seconds())
}

// ObserveError counts a failure by kind.
func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "internal"
	}
	m.errors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveReveal(termination string) {
	if m == nil {
		return
	}
	m.reveals.WithLabelValues(termination).Inc()
}

func (m *Metrics) ObserveVerification(ok bool) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequests.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
