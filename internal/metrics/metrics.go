// Package metrics exposes Prometheus counters and gauges for a pgwireemu
// server, fed by wire.SessionObserver without the core package depending on
// this one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgwireemu/pgwireemu/pkg/types"
)

// Collector implements wire.SessionObserver and registers its metrics on a
// private registry, so constructing more than one Collector (e.g. in tests)
// never panics on a duplicate registration.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive prometheus.Gauge
	messagesTotal  *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
}

// New creates and registers all pgwireemu Prometheus metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgwireemu_sessions_active",
			Help: "Number of currently registered client sessions",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwireemu_messages_total",
			Help: "Total number of client messages dispatched, by message type",
		}, []string{"type"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgwireemu_errors_total",
			Help: "Total number of errors returned by command handlers, by SQLSTATE code",
		}, []string{"code"}),
	}

	reg.MustRegister(c.sessionsActive, c.messagesTotal, c.errorsTotal)
	return c
}

// SessionOpened implements wire.SessionObserver.
func (c *Collector) SessionOpened(active int) {
	c.sessionsActive.Set(float64(active))
}

// SessionClosed implements wire.SessionObserver.
func (c *Collector) SessionClosed(active int) {
	c.sessionsActive.Set(float64(active))
}

// MessageHandled implements wire.SessionObserver.
func (c *Collector) MessageHandled(t types.ClientMessage) {
	c.messagesTotal.WithLabelValues(t.String()).Inc()
}

// ErrorHandled implements wire.SessionObserver.
func (c *Collector) ErrorHandled(code string) {
	c.errorsTotal.WithLabelValues(code).Inc()
}

// Handler returns the HTTP handler serving this collector's metrics in the
// Prometheus exposition format, bound to its private registry rather than
// the global default one.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}
