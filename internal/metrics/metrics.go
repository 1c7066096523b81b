package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	recordsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connlog",
			Subsystem: "records",
			Name:      "emitted_total",
			Help:      "Number of connection records written to a sink.",
		}, []string{"output", "encoding"},
	)
	emitFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connlog",
			Subsystem: "records",
			Name:      "failures_total",
			Help:      "Number of connection records that could not be emitted.",
		}, []string{"output", "reason"},
	)
	emitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "connlog",
			Subsystem: "records",
			Name:      "emit_duration_seconds",
			Help:      "Time spent rendering and writing one connection record.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
		}, []string{"output"},
	)
	connections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connlog",
			Subsystem: "connections",
			Name:      "finalized_total",
			Help:      "Number of finalized connections by terminal status.",
		}, []string{"status"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "connlog",
			Subsystem: "connections",
			Name:      "stage_duration_seconds",
			Help:      "Time a connection spent reaching each stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"},
	)
	rotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connlog",
			Subsystem: "logfile",
			Name:      "rotations_total",
			Help:      "Number of log file rotations by trigger.",
		}, []string{"trigger"},
	)
	rotationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connlog",
			Subsystem: "logfile",
			Name:      "rotation_failures_total",
			Help:      "Number of failed rotation steps.",
		}, []string{"step"},
	)
	debugEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "connlog",
			Subsystem: "debug",
			Name:      "events_total",
			Help:      "Debug channel events by outcome (written, dropped, failed).",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{recordsEmitted, emitFailures, emitDuration, connections, stageDuration, rotations, rotationFailures, debugEvents}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncRecord(output, encoding string) {
	if regOK.Load() {
		recordsEmitted.WithLabelValues(output, encoding).Inc()
	}
}

func IncEmitFailure(output, reason string) {
	if regOK.Load() {
		emitFailures.WithLabelValues(output, reason).Inc()
	}
}

func ObserveEmitDuration(output string, seconds float64) {
	if regOK.Load() {
		emitDuration.WithLabelValues(output).Observe(seconds)
	}
}

func IncConnection(status string) {
	if regOK.Load() {
		connections.WithLabelValues(status).Inc()
	}
}

func ObserveStageDuration(stage string, seconds float64) {
	if regOK.Load() {
		stageDuration.WithLabelValues(stage).Observe(seconds)
	}
}

func IncRotation(trigger string) {
	if regOK.Load() {
		rotations.WithLabelValues(trigger).Inc()
	}
}

func IncRotationFailure(step string) {
	if regOK.Load() {
		rotationFailures.WithLabelValues(step).Inc()
	}
}

func IncDebugEvent(outcome string) {
	if regOK.Load() {
		debugEvents.WithLabelValues(outcome).Inc()
	}
}
