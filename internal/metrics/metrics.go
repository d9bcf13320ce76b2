package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lending"

// Collector holds the Prometheus collectors for lending operations.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	borrows       *prometheus.CounterVec
	returns       *prometheus.CounterVec
	holds         *prometheus.CounterVec
	busy          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	overdueMarked prometheus.Counter
}

// NewCollector creates a Collector registered on its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		borrows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loans",
				Name:      "borrow_requests_total",
				Help:      "Borrow requests by outcome.",
			},
			[]string{"outcome"},
		),
		returns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loans",
				Name:      "returns_total",
				Help:      "Completed returns, labelled by whether a hold was promoted.",
			},
			[]string{"promoted", "overdue"},
		),
		holds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "holds",
				Name:      "transitions_total",
				Help:      "Hold state transitions.",
			},
			[]string{"status"},
		),
		busy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "locks",
				Name:      "busy_total",
				Help:      "Operations rejected because a lock wait timed out.",
			},
			[]string{"operation"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "internal_errors_total",
				Help:      "Operations aborted by an internal error.",
			},
			[]string{"operation"},
		),
		overdueMarked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "loans",
				Name:      "marked_overdue_total",
				Help:      "Loans marked overdue by the sweep.",
			},
		),
	}

	c.registry.MustRegister(
		c.borrows,
		c.returns,
		c.holds,
		c.busy,
		c.failures,
		c.overdueMarked,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registered metrics
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Borrow counts a borrow request with outcome "loan", "queued" or an error kind
func (c *Collector) Borrow(outcome string) {
	if c == nil {
		return
	}
	c.borrows.WithLabelValues(outcome).Inc()
}

// Return counts a completed return
func (c *Collector) Return(promoted, overdue bool) {
	if c == nil {
		return
	}
	c.returns.WithLabelValues(boolLabel(promoted), boolLabel(overdue)).Inc()
}

// Hold counts a hold transition into status
func (c *Collector) Hold(status string) {
	if c == nil {
		return
	}
	c.holds.WithLabelValues(status).Inc()
}

// Busy counts a lock timeout for operation
func (c *Collector) Busy(operation string) {
	if c == nil {
		return
	}
	c.busy.WithLabelValues(operation).Inc()
}

// Failure counts an internal error for operation
func (c *Collector) Failure(operation string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(operation).Inc()
}

// OverdueMarked adds n loans marked overdue
func (c *Collector) OverdueMarked(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.overdueMarked.Add(float64(n))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
