package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK    atomic.Bool
	gatherer atomic.Value // prometheus.Gatherer of the last successful Register

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgfeed",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of services launched by the supervisor.",
		}, []string{"service"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgfeed",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of service trees terminated by the supervisor.",
		}, []string{"service"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgfeed",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"service", "from", "to"},
	)
	readinessAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pkgfeed",
			Subsystem: "readiness",
			Name:      "attempts",
			Help:      "Probe attempts spent before the endpoint became ready or the poller gave up.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60},
		}, []string{"endpoint", "outcome"},
	)
	mirrorResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgfeed",
			Subsystem: "mirror",
			Name:      "results_total",
			Help:      "Repository mirror attempts by outcome.",
		}, []string{"repo", "outcome"},
	)
	publishResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgfeed",
			Subsystem: "publish",
			Name:      "results_total",
			Help:      "Package publish decisions by outcome (published, skipped, failed).",
		}, []string{"outcome"},
	)
	syncFiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pkgfeed",
			Subsystem: "sync",
			Name:      "files_total",
			Help:      "Resource files handled by the syncer by outcome.",
		}, []string{"outcome"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		serviceStarts, serviceStops, stateTransitions, readinessAttempts,
		mirrorResults, publishResults, syncFiles,
		serviceCPUPercent, serviceMemoryMB,
	}
}

// Register registers all metrics with the provided registry.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r *prometheus.Registry) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with the same registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	gatherer.Store(prometheus.Gatherer(r))
	regOK.Store(true)
	return nil
}

// WriteTextfile writes the registered metrics in the node_exporter textfile format.
// It is a no-op when path is empty or Register was never called.
func WriteTextfile(path string) error {
	if path == "" || !regOK.Load() {
		return nil
	}
	g, _ := gatherer.Load().(prometheus.Gatherer)
	if g == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("metrics textfile dir: %w", err)
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service).Inc()
	}
}

func IncStop(service string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service).Inc()
	}
}

func RecordStateTransition(service, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(service, from, to).Inc()
	}
}

func ObserveReadiness(endpoint string, attempts int, ready bool) {
	if regOK.Load() {
		outcome := "ready"
		if !ready {
			outcome = "timeout"
		}
		readinessAttempts.WithLabelValues(endpoint, outcome).Observe(float64(attempts))
	}
}

func IncMirror(repo, outcome string) {
	if regOK.Load() {
		mirrorResults.WithLabelValues(repo, outcome).Inc()
	}
}

func AddPublish(outcome string, n int) {
	if regOK.Load() && n > 0 {
		publishResults.WithLabelValues(outcome).Add(float64(n))
	}
}

func AddSync(outcome string, n int) {
	if regOK.Load() && n > 0 {
		syncFiles.WithLabelValues(outcome).Add(float64(n))
	}
}
