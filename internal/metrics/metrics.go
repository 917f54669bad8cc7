// Package metrics exposes Prometheus collectors for the orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the gateway serves at /metrics. One instance
// per process; constructed explicitly and registered on an explicit
// registry, never on the global default.
type Metrics struct {
	AdmissionsGranted  *prometheus.CounterVec
	AdmissionsRejected *prometheus.CounterVec
	AdmissionsTimeout  *prometheus.CounterVec

	SessionsCreated   prometheus.Counter
	SessionsFailed    prometheus.Counter
	SessionsRecovered prometheus.Counter
	SessionsActive    prometheus.Gauge

	JobsSubmitted prometheus.Counter
	JobsSucceeded prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCancelled prometheus.Counter

	ScalingIntents *prometheus.CounterVec

	ReservedSlots *prometheus.GaugeVec
	EngineHealth  *prometheus.GaugeVec
}

// New builds the collector set with the given metric name prefix.
func New(prefix string) *Metrics {
	name := func(s string) string {
		if prefix == "" {
			return s
		}
		return prefix + "_" + s
	}
	return &Metrics{
		AdmissionsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("admissions_granted_total"),
			Help: "Total admissions granted",
		}, []string{"queue"}),
		AdmissionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("admissions_rejected_total"),
			Help: "Total admissions rejected with QueueFull",
		}, []string{"queue"}),
		AdmissionsTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("admissions_timeout_total"),
			Help: "Total queued admissions that timed out",
		}, []string{"queue"}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("sessions_created_total"),
			Help: "Total sessions created",
		}),
		SessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("sessions_failed_total"),
			Help: "Total sessions that reached failed",
		}),
		SessionsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("sessions_recovered_total"),
			Help: "Total sessions rebound after engine loss",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name("sessions_active"),
			Help: "Sessions currently active or idle",
		}),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("jobs_submitted_total"),
			Help: "Total job units submitted",
		}),
		JobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("jobs_succeeded_total"),
			Help: "Total job units succeeded",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("jobs_failed_total"),
			Help: "Total job units failed",
		}),
		JobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: name("jobs_cancelled_total"),
			Help: "Total job units cancelled",
		}),
		ScalingIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name("scaling_intents_total"),
			Help: "Total scaling intents emitted",
		}, []string{"direction"}),
		ReservedSlots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("queue_reserved_slots"),
			Help: "Currently reserved slots per queue",
		}, []string{"queue"}),
		EngineHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name("engines"),
			Help: "Engine count per health state",
		}, []string{"health"}),
	}
}

// Register registers every collector on the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.AdmissionsGranted,
		m.AdmissionsRejected,
		m.AdmissionsTimeout,
		m.SessionsCreated,
		m.SessionsFailed,
		m.SessionsRecovered,
		m.SessionsActive,
		m.JobsSubmitted,
		m.JobsSucceeded,
		m.JobsFailed,
		m.JobsCancelled,
		m.ScalingIntents,
		m.ReservedSlots,
		m.EngineHealth,
	)
}
