package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keepup"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	ensureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "ensure_total",
			Help:      "EnsureRunning calls by outcome (reused, started, failed).",
		}, []string{"service", "outcome"},
	)
	killsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "kills_total",
			Help:      "Kills of stale processes by result.",
		}, []string{"service", "result"},
	)
	discoveryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "discovery_errors_total",
			Help:      "Host listing failures treated as no process found.",
		}, []string{"service"},
	)
	readinessSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "readiness_wait_seconds",
			Help:      "Time spent waiting for readiness, by phase (existing, new) and result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"service", "phase", "result"},
	)
	hostStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "starts_total",
			Help:      "Processes launched by the local host.",
		}, []string{"name"},
	)
	hostKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "kills_total",
			Help:      "Processes killed by the local host.",
		}, []string{"name"},
	)
	hostLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "host",
			Name:      "live_processes",
			Help:      "Processes in starting or running state per name.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{ensureTotal, killsTotal, discoveryErrors, readinessSeconds, hostStarts, hostKills, hostLive}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// allows double Register with the default registry
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncEnsure(service, outcome string) {
	if regOK.Load() {
		ensureTotal.WithLabelValues(service, outcome).Inc()
	}
}

func IncKill(service string, ok bool) {
	if regOK.Load() {
		killsTotal.WithLabelValues(service, result(ok)).Inc()
	}
}

func IncDiscoveryError(service string) {
	if regOK.Load() {
		discoveryErrors.WithLabelValues(service).Inc()
	}
}

func ObserveReadiness(service, phase string, ok bool, seconds float64) {
	if regOK.Load() {
		readinessSeconds.WithLabelValues(service, phase, result(ok)).Observe(seconds)
	}
}

func IncHostStart(name string) {
	if regOK.Load() {
		hostStarts.WithLabelValues(name).Inc()
	}
}

func IncHostKill(name string) {
	if regOK.Load() {
		hostKills.WithLabelValues(name).Inc()
	}
}

func SetLive(name string, n int) {
	if regOK.Load() {
		hostLive.WithLabelValues(name).Set(float64(n))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
