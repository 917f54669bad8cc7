package metrics

import (
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/queue"
	"gorm.io/gorm"
)

// AdmissionObserver adapts Metrics to queue.Observer so the queue manager
// can report outcomes without depending on this package. Chain lets the
// scaling coordinator keep receiving the same stream.
type AdmissionObserver struct {
	Metrics *Metrics
	Chain   queue.Observer
}

// ObserveAdmission implements queue.Observer.
func (o *AdmissionObserver) ObserveAdmission(queueName, outcome string) {
	switch outcome {
	case queue.OutcomeGranted:
		o.Metrics.AdmissionsGranted.WithLabelValues(queueName).Inc()
	case queue.OutcomeRejected:
		o.Metrics.AdmissionsRejected.WithLabelValues(queueName).Inc()
	case queue.OutcomeTimeout:
		o.Metrics.AdmissionsTimeout.WithLabelValues(queueName).Inc()
	}
	if o.Chain != nil {
		o.Chain.ObserveAdmission(queueName, outcome)
	}
}

// JobObserver adapts Metrics to the dispatcher's terminal-outcome hook.
type JobObserver struct {
	Metrics *Metrics
}

// ObserveJobTerminal implements dispatch.Observer.
func (o *JobObserver) ObserveJobTerminal(state string) {
	switch state {
	case models.JobSucceeded:
		o.Metrics.JobsSucceeded.Inc()
	case models.JobFailed:
		o.Metrics.JobsFailed.Inc()
	case models.JobCancelled:
		o.Metrics.JobsCancelled.Inc()
	}
}

// IntentObserver adapts Metrics to the scaling coordinator's emit hook.
type IntentObserver struct {
	Metrics *Metrics
}

// ObserveIntent implements scaling.IntentObserver.
func (o *IntentObserver) ObserveIntent(direction string) {
	o.Metrics.ScalingIntents.WithLabelValues(direction).Inc()
}

// Refresh recomputes the gauge collectors from current database state.
// Cheap enough to run on every reconcile pass.
func (m *Metrics) Refresh(db *gorm.DB) {
	var queues []models.Queue
	if err := db.Find(&queues).Error; err == nil {
		for _, q := range queues {
			m.ReservedSlots.WithLabelValues(q.Name).Set(float64(q.ReservedSlots))
		}
	}

	for _, health := range []string{models.HealthHealthy, models.HealthDegraded, models.HealthUnreachable} {
		var count int64
		if err := db.Model(&models.EngineInstance{}).Where("health = ?", health).Count(&count).Error; err == nil {
			m.EngineHealth.WithLabelValues(health).Set(float64(count))
		}
	}

	var active int64
	if err := db.Model(&models.Session{}).
		Where("state IN ?", []string{models.SessionActive, models.SessionIdle}).
		Count(&active).Error; err == nil {
		m.SessionsActive.Set(float64(active))
	}
}
