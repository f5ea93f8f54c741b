// Package metrics exports release counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"cascade/internal/domain"
)

// Collector implements orchestrator.Metrics using Prometheus.
type Collector struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	backoff  *prometheus.HistogramVec
	packages *prometheus.CounterVec
	runs     *prometheus.CounterVec
}

// NewCollector registers the release metrics on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_registry_attempts_total",
				Help: "Registry calls made while releasing, by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		backoff: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cascade_backoff_seconds",
				Help:    "Wait before a registry retry or visibility poll",
				Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64, 128},
			},
			[]string{"phase"},
		),
		packages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_packages_total",
				Help: "Packages that reached a final state",
			},
			[]string{"state"},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cascade_runs_total",
				Help: "Release runs by outcome",
			},
			[]string{"outcome", "dry_run"},
		),
	}
}

// Registry exposes the underlying registry for HTTP export.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Attempt(phase domain.AttemptPhase, outcome domain.AttemptOutcome) {
	c.attempts.WithLabelValues(string(phase), string(outcome)).Inc()
}

func (c *Collector) Backoff(phase domain.AttemptPhase, d time.Duration) {
	c.backoff.WithLabelValues(string(phase)).Observe(d.Seconds())
}

func (c *Collector) PackageDone(state domain.PackageState) {
	c.packages.WithLabelValues(string(state)).Inc()
}

// RunDone counts a finished run.
func (c *Collector) RunDone(rep domain.RunReport) {
	dry := "false"
	if rep.DryRun {
		dry = "true"
	}
	c.runs.WithLabelValues(string(rep.Outcome), dry).Inc()
}

// WriteTextfile writes the current values in the node_exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}
