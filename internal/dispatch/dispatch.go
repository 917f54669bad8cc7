// Package dispatch submits job units against live sessions and tracks their
// execution state: queued -> submitted -> running -> succeeded/failed/
// cancelled. Units queued while a session is not yet active drain strictly
// in submission order once it is.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/engineapi"
	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/registry"
	"github.com/zulandar/sparkyard/internal/session"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Observer receives the terminal outcome of every job unit. Implementations
// must not block.
type Observer interface {
	ObserveJobTerminal(state string)
}

// Dispatcher is the explicit job-dispatch authority for all sessions.
type Dispatcher struct {
	db       *gorm.DB
	sessions *session.Sessions
	registry *registry.Registry
	engines  engineapi.Client
	cfg      config.DispatchConfig
	observer Observer
}

// SetObserver attaches a terminal-outcome observer.
func (d *Dispatcher) SetObserver(obs Observer) {
	d.observer = obs
}

// New builds a Dispatcher over the given collaborators.
func New(db *gorm.DB, sessions *session.Sessions, reg *registry.Registry, engines engineapi.Client, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{db: db, sessions: sessions, registry: reg, engines: engines, cfg: cfg}
}

// JobSpec describes one unit of work.
type JobSpec struct {
	Kind    string // statement or application
	Payload string
}

// Submit files a job unit against a session. When the session is active the
// unit is pushed downstream immediately (after any earlier queued units
// drain, preserving FIFO); otherwise it stays queued for the drain that runs
// when the session becomes active. Terminal sessions reject with
// InvalidState.
func (d *Dispatcher) Submit(ctx context.Context, sessionID string, spec JobSpec) (*models.JobUnit, error) {
	if spec.Payload == "" {
		return nil, fmt.Errorf("dispatch: payload is required")
	}
	if spec.Kind == "" {
		spec.Kind = models.JobKindStatement
	}

	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, fault.Wrap(fault.InvalidState, sessionID, sess.State,
			fmt.Errorf("cannot submit to a %s session", sess.State))
	}

	job, err := d.enqueue(sessionID, spec)
	if err != nil {
		return nil, err
	}

	// New dispatch revives an idle session and counts as activity.
	if err := d.sessions.Touch(sessionID); err != nil {
		return nil, err
	}

	sess, err = d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State == models.SessionActive {
		if err := d.Drain(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return d.Get(job.ID)
}

// enqueue creates the unit with the next per-session sequence number. The
// session row is locked for the read-then-insert, so concurrent submits to
// one session serialize into a total order; the unique index on
// (session_id, seq) backstops the lock.
func (d *Dispatcher) enqueue(sessionID string, spec JobSpec) (*models.JobUnit, error) {
	id, err := models.NewID("job")
	if err != nil {
		return nil, err
	}
	var job models.JobUnit
	err = d.db.Transaction(func(tx *gorm.DB) error {
		var owner models.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).First(&owner).Error; err != nil {
			return fmt.Errorf("dispatch: lock session %s: %w", sessionID, err)
		}

		var maxSeq int
		row := tx.Model(&models.JobUnit{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), 0)").
			Row()
		if err := row.Scan(&maxSeq); err != nil {
			return fmt.Errorf("dispatch: next seq for %s: %w", sessionID, err)
		}
		job = models.JobUnit{
			ID:          id,
			SessionID:   sessionID,
			Seq:         maxSeq + 1,
			Kind:        spec.Kind,
			Payload:     spec.Payload,
			State:       models.JobQueued,
			SubmittedAt: time.Now(),
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("dispatch: create job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Drain releases queued units for a session downstream in Seq order,
// stopping at the first failure so later units never overtake earlier ones.
// No-op unless the session is active.
func (d *Dispatcher) Drain(ctx context.Context, sessionID string) error {
	sess, err := d.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if sess.State != models.SessionActive {
		return nil
	}
	eng, err := d.registry.Get(sess.EngineID)
	if err != nil {
		return err
	}

	var queued []models.JobUnit
	err = d.db.Where("session_id = ? AND state = ?", sessionID, models.JobQueued).
		Order("seq ASC").
		Find(&queued).Error
	if err != nil {
		return fmt.Errorf("dispatch: list queued for %s: %w", sessionID, err)
	}

	for i := range queued {
		if err := d.submitDownstream(ctx, sess, eng, &queued[i]); err != nil {
			return err
		}
	}
	return nil
}

// submitDownstream pushes one unit, retrying transient failures with backoff
// up to the bounded attempt count. Exhausted retries fail the unit.
func (d *Dispatcher) submitDownstream(ctx context.Context, sess *models.Session, eng *models.EngineInstance, job *models.JobUnit) error {
	// Claim the unit so a concurrent drain cannot double-submit it.
	result := d.db.Model(&models.JobUnit{}).
		Where("id = ? AND state = ?", job.ID, models.JobQueued).
		Update("state", models.JobSubmitted)
	if result.Error != nil {
		return fmt.Errorf("dispatch: claim %s: %w", job.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	var engineJobID string
	err := fault.Retry(ctx, d.cfg.MaxSubmitAttempts, 500*time.Millisecond, 5*time.Second, func() error {
		var serr error
		engineJobID, serr = d.engines.Submit(ctx, eng.Address, sess.EngineSessionID, job.Kind, job.Payload)
		return serr
	})
	if err != nil {
		d.markTerminal(job.ID, models.JobFailed, string(fault.ReasonOf(err)))
		return fault.Wrap(fault.ReasonOf(err), job.ID, models.JobSubmitted, err)
	}

	err = d.db.Model(&models.JobUnit{}).
		Where("id = ?", job.ID).
		Update("engine_job_id", engineJobID).Error
	if err != nil {
		return fmt.Errorf("dispatch: record engine job id for %s: %w", job.ID, err)
	}
	return nil
}

// Get returns one job unit.
func (d *Dispatcher) Get(id string) (*models.JobUnit, error) {
	var job models.JobUnit
	if err := d.db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, fmt.Errorf("dispatch: job %q not found: %w", id, err)
	}
	return &job, nil
}

// List returns a session's units in submission order.
func (d *Dispatcher) List(sessionID string) ([]models.JobUnit, error) {
	var jobs []models.JobUnit
	err := d.db.Where("session_id = ?", sessionID).Order("seq ASC").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("dispatch: list jobs for %s: %w", sessionID, err)
	}
	return jobs, nil
}

// markTerminal finalizes a unit from any non-terminal state. Terminal states
// never move again; a cancelled unit that later turns out to have completed
// downstream stays cancelled.
func (d *Dispatcher) markTerminal(id, state, reason string) {
	result := d.db.Model(&models.JobUnit{}).
		Where("id = ? AND state NOT IN ?", id, []string{models.JobSucceeded, models.JobFailed, models.JobCancelled}).
		Updates(map[string]interface{}{
			"state":        state,
			"reason":       reason,
			"completed_at": time.Now(),
		})
	if result.RowsAffected > 0 && d.observer != nil {
		d.observer.ObserveJobTerminal(state)
	}
}

// Reap deletes terminal units older than the retention window. Units of
// destroyed sessions go with their session regardless of age.
func (d *Dispatcher) Reap(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result := d.db.Where("state IN ? AND completed_at < ?",
		[]string{models.JobSucceeded, models.JobFailed, models.JobCancelled}, cutoff).
		Delete(&models.JobUnit{})
	if result.Error != nil {
		return 0, fmt.Errorf("dispatch: reap: %w", result.Error)
	}
	return result.RowsAffected, nil
}
