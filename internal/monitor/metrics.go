// Package monitor holds the gateway's prometheus collectors and the
// optional /metrics listener.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "execgate",
		Subsystem: "session",
		Name:      "active_count",
		Help:      "Number of currently live sessions",
	})

	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "execgate",
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Total number of sessions created",
	})

	SessionsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "execgate",
		Subsystem: "session",
		Name:      "closed_total",
		Help:      "Total number of sessions closed explicitly",
	})

	SessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "execgate",
		Subsystem: "session",
		Name:      "reaped_total",
		Help:      "Total number of sessions closed by the idle reaper",
	})

	ExecutionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "execgate",
		Subsystem: "exec",
		Name:      "total",
		Help:      "Total number of execute calls",
	})

	ExecutionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "execgate",
		Subsystem: "exec",
		Name:      "errors_total",
		Help:      "Total number of execute calls that failed",
	})

	ExecutionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "execgate",
		Subsystem: "exec",
		Name:      "duration_seconds",
		Help:      "Wall time of execute calls",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)
