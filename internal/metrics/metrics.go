// Package metrics holds the Prometheus series exported on /metrics.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "p2pescrow"

// HTTP
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route"})

	HTTPInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Requests currently being served.",
	})
)

// Escrow
var (
	// EscrowInstructionsTotal is labelled with the error code, or "ok".
	EscrowInstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "instructions_total",
		Help:      "Escrow instructions by instruction and result.",
	}, []string{"instruction", "result"})

	EscrowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Committed escrow transitions by resulting status.",
	}, []string{"status"})

	// EscrowLockedUnits is process-local: units locked minus units paid out
	// since start.
	EscrowLockedUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "locked_units",
		Help:      "Base units locked since process start, net of payouts.",
	})

	EscrowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "duration_seconds",
		Help:      "Time from lock to terminal state by resolution.",
		Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 21600, 86400, 604800},
	}, []string{"resolution"})

	ReclaimableNoticesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escrow",
		Name:      "reclaimable_notices_total",
		Help:      "escrow.reclaimable events published by the expiry watcher.",
	})
)

// Realtime
var ActiveWebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "realtime",
	Name:      "clients",
	Help:      "Connected WebSocket clients.",
})

// RegisterDB exports connection pool stats for db under the given name.
// Registering the same name twice is a no-op.
func RegisterDB(db *sql.DB, name string) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, name))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware records per-route request counts and latency. Unmatched routes
// are reported as "unmatched" so scanners cannot blow up label cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))
		c.Next()
		timer.ObserveDuration()

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
