// Package metrics exposes prometheus collectors of the derivative pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "archive_iiif"

var (
	// CacheLookups - результат поиска в кэше артефактов: hit/miss
	CacheLookups = MustRegisterCounterVec(namespace, "cache", "lookups_total",
		"Artifact cache lookups by result.", "result")

	// SharedRequests counts requests that attached to an in-flight generation instead of starting one.
	SharedRequests = MustRegisterCounterVec(namespace, "orchestrator", "shared_requests_total",
		"Requests joined to an existing generation.", "via")

	GenerationOutcomes = MustRegisterCounterVec(namespace, "generation", "outcomes_total",
		"Finished generation attempts by outcome and error kind.", "outcome", "kind")

	GenerationDuration = MustRegisterHistogramVec(namespace, "generation", "duration_seconds",
		"Duration of a generation attempt by stage.",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}, "stage")

	InFlight = MustRegisterGauge(namespace, "generation", "in_flight",
		"Generations currently executed by this process.")

	Revived = MustRegisterCounterVec(namespace, "recovery", "records_total",
		"Orphaned generation records handled by the recovery loop.", "action")
)

func MustRegisterCounterVec(namespace, component, name, help string, labelNames ...string) *prometheus.CounterVec {
	m := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}

func MustRegisterGauge(namespace, component, name, help string) prometheus.Gauge {
	m := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
	})
	prometheus.MustRegister(m)
	return m
}

func MustRegisterHistogramVec(namespace, component, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	m := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: component,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labelNames)
	prometheus.MustRegister(m)
	return m
}
