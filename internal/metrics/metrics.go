// Package metrics exposes controller counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attendance"

// Metrics groups the collectors the device controller updates.
type Metrics struct {
	registry *prometheus.Registry

	Scans         *prometheus.CounterVec
	Enrollments   *prometheus.CounterVec
	SmsFailures   prometheus.Counter
	JobDuration   *prometheus.HistogramVec
	SlotsOccupied prometheus.Gauge
	Aborts        prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Attendance scans by outcome.",
		}, []string{"outcome"}),
		Enrollments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrollments_total",
			Help:      "Enrollment attempts by result.",
		}, []string{"result"}),
		SmsFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sms_failures_total",
			Help:      "Parent notifications that could not be sent.",
		}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_job_duration_seconds",
			Help:      "Time the device worker spent on each job.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"job"}),
		SlotsOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_occupied",
			Help:      "Fingerprint template slots bound to a student.",
		}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_aborts_total",
			Help:      "Operator aborts of a running device job.",
		}),
	}
	reg.MustRegister(
		m.Scans,
		m.Enrollments,
		m.SmsFailures,
		m.JobDuration,
		m.SlotsOccupied,
		m.Aborts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
