package dispatch

import (
	"context"
	"fmt"

	"github.com/zulandar/sparkyard/internal/engineapi"
	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
)

// Poll returns the unit's current state, refreshing non-terminal units from
// downstream truth first. Failures observed while running are terminal and
// are never retried.
func (d *Dispatcher) Poll(ctx context.Context, jobID string) (*models.JobUnit, error) {
	job, err := d.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() || job.EngineJobID == "" {
		return job, nil
	}

	sess, err := d.sessions.Get(job.SessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Bound() {
		return job, nil
	}
	eng, err := d.registry.Get(sess.EngineID)
	if err != nil {
		return job, nil
	}

	res, err := d.engines.JobStatus(ctx, eng.Address, sess.EngineSessionID, job.EngineJobID)
	if err != nil {
		// Downstream unreachable; report local state, reconciliation keeps
		// re-polling.
		return job, nil
	}
	if err := d.applyStatus(job, res); err != nil {
		return nil, err
	}
	return d.Get(jobID)
}

// applyStatus folds one downstream status report into the unit.
func (d *Dispatcher) applyStatus(job *models.JobUnit, res engineapi.JobResult) error {
	switch {
	case res.Status == engineapi.StatusRunning || res.Status == engineapi.StatusBusy:
		err := d.db.Model(&models.JobUnit{}).
			Where("id = ? AND state = ?", job.ID, models.JobSubmitted).
			Update("state", models.JobRunning).Error
		if err != nil {
			return fmt.Errorf("dispatch: mark %s running: %w", job.ID, err)
		}
	case res.Status == engineapi.StatusSucceeded:
		d.markTerminal(job.ID, models.JobSucceeded, "")
		if res.ResultRef != "" {
			d.db.Model(&models.JobUnit{}).Where("id = ?", job.ID).
				Update("result_ref", res.ResultRef)
		}
	case res.Status == engineapi.StatusError:
		d.markTerminal(job.ID, models.JobFailed, "downstream error")
	case res.Status == engineapi.StatusCancelled:
		d.markTerminal(job.ID, models.JobCancelled, string(fault.Cancelled))
	}
	return nil
}

// Cancel cancels a unit cooperatively: local cancelled mark plus a
// best-effort downstream cancel bounded by the cancel timeout. When the
// engine does not acknowledge in time the unit is force-marked cancelled
// anyway; local state is authoritative for the orchestration layer.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*models.JobUnit, error) {
	job, err := d.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, fault.Wrap(fault.InvalidState, jobID, job.State,
			fmt.Errorf("job already %s", job.State))
	}

	if job.EngineJobID != "" {
		sess, serr := d.sessions.Get(job.SessionID)
		if serr == nil && sess.Bound() {
			if eng, gerr := d.registry.Get(sess.EngineID); gerr == nil {
				cctx, cancel := context.WithTimeout(ctx, d.cfg.CancelTimeout)
				_ = d.engines.CancelJob(cctx, eng.Address, sess.EngineSessionID, job.EngineJobID)
				cancel()
			}
		}
	}

	d.markTerminal(jobID, models.JobCancelled, string(fault.Cancelled))
	return d.Get(jobID)
}

// RepollRunning re-polls downstream truth for every submitted or running
// unit of a bound session; a unit that downstream no longer knows burns one
// drift miss, and past the threshold it fails with ReconciliationTimeout.
// Called by the reconciliation loop.
func (d *Dispatcher) RepollRunning(ctx context.Context, sessionID string, driftMisses int) error {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if !sess.Bound() {
		return nil
	}
	eng, err := d.registry.Get(sess.EngineID)
	if err != nil {
		return nil
	}

	var inflight []models.JobUnit
	err = d.db.Where("session_id = ? AND state IN ?", sessionID,
		[]string{models.JobSubmitted, models.JobRunning}).
		Order("seq ASC").
		Find(&inflight).Error
	if err != nil {
		return fmt.Errorf("dispatch: list in-flight for %s: %w", sessionID, err)
	}

	for i := range inflight {
		job := &inflight[i]
		res, perr := d.engines.JobStatus(ctx, eng.Address, sess.EngineSessionID, job.EngineJobID)
		if perr != nil || res.Status == engineapi.StatusNotFound {
			misses := job.Attempts + 1
			if misses > driftMisses {
				d.markTerminal(job.ID, models.JobFailed, string(fault.ReconciliationTimeout))
				continue
			}
			d.db.Model(&models.JobUnit{}).Where("id = ?", job.ID).
				Update("attempts", misses)
			continue
		}
		if err := d.applyStatus(job, res); err != nil {
			return err
		}
		// Healthy poll resets the drift count.
		if job.Attempts > 0 {
			d.db.Model(&models.JobUnit{}).Where("id = ?", job.ID).
				Update("attempts", 0)
		}
	}
	return nil
}
