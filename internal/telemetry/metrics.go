package telemetry

import (
	"net/http"

	"github.com/lartpang/runit/internal/jobtable"
	"github.com/lartpang/runit/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus series runit exports, registered against a
// private registry rather than the global default so a single process can
// run more than one scheduler instance in tests without collector
// collisions.
type Metrics struct {
	registry *prometheus.Registry

	gpuFreeMB        *prometheus.GaugeVec
	jobsByStatus     *prometheus.GaugeVec
	admissionDenials prometheus.Counter
}

// NewMetrics builds and registers the metric family.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		gpuFreeMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runit_gpu_free_mb",
			Help: "Free memory per GPU as tracked by the resource ledger, in MB. In exclusive mode this is 1 (free) or 0 (held).",
		}, []string{"gpu_id"}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "runit_jobs",
			Help: "Number of jobs currently in each lifecycle status.",
		}, []string{"status"}),
		admissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runit_admission_denials_total",
			Help: "Total number of times a pending job failed admission in a scheduling pass.",
		}),
	}

	reg.MustRegister(m.gpuFreeMB, m.jobsByStatus, m.admissionDenials)
	return m
}

// Handler returns the HTTP handler to serve on --metrics-addr.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAdmissionDenial increments the denial counter. The Scheduling Loop
// calls this once per pending job that fails TryReserve in a pass.
func (m *Metrics) RecordAdmissionDenial() {
	m.admissionDenials.Inc()
}

// ObserveLedger refreshes the per-GPU free-resource gauges from a ledger
// snapshot.
func (m *Metrics) ObserveLedger(snap ledger.Snapshot) {
	for id, free := range snap.Free {
		m.gpuFreeMB.WithLabelValues(id).Set(float64(free))
	}
}

// ObserveJobTable refreshes the per-status job count gauges.
func (m *Metrics) ObserveJobTable(counts map[jobtable.Status]int) {
	for status, n := range counts {
		m.jobsByStatus.WithLabelValues(status.String()).Set(float64(n))
	}
}
