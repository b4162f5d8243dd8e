// Package metrics exposes harness instrumentation on a dedicated Prometheus
// registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	waitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modharness",
		Name:      "wait_duration_seconds",
		Help:      "Time spent in bounded waits, by lifecycle phase and outcome.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"phase", "outcome"})

	deployments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modharness",
		Name:      "deployments_total",
		Help:      "Deploy and undeploy operations by result.",
	}, []string{"operation", "result"})

	trackedModules = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "modharness",
		Name:      "tracked_modules",
		Help:      "Number of caller artifacts currently tracked, summed over all lifecycle managers.",
	})

	stopFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "modharness",
		Name:      "stop_failures_total",
		Help:      "Teardown steps that failed during stop.",
	})

	launches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modharness",
		Name:      "runtime_launches_total",
		Help:      "Runtime start attempts by mode and result.",
	}, []string{"mode", "result"})
)

func init() {
	registry.MustRegister(waitDuration, deployments, trackedModules, stopFailures, launches)
}

// Registry returns the Prometheus registry containing all harness metrics.
func Registry() *prometheus.Registry {
	return registry
}

// ObserveWait records how long a wait in phase took. outcome is "ok",
// "timeout" or "error".
func ObserveWait(phase, outcome string, d time.Duration) {
	if phase == "" {
		phase = "unknown"
	}
	waitDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

// RecordDeploy counts a deploy or undeploy outcome.
func RecordDeploy(operation string, err error) {
	deployments.WithLabelValues(operation, result(err)).Inc()
}

// AddTracked adjusts the tracked caller artifact count by delta. Managers
// report changes rather than totals so several can share the gauge.
func AddTracked(delta int) {
	trackedModules.Add(float64(delta))
}

func IncStopFailure() {
	stopFailures.Inc()
}

// RecordLaunch counts a runtime start attempt.
func RecordLaunch(mode string, err error) {
	launches.WithLabelValues(mode, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
