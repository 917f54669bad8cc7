// Package reconcile re-synchronizes orchestrator state against downstream
// ground truth on a fixed interval: engine health, session liveness, running
// jobs, idle windows, scaling decisions, and retention. It is the only
// component that forces transitions without an originating external request,
// and it does so through the same CAS primitives as every foreground path.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/dispatch"
	"github.com/zulandar/sparkyard/internal/engineapi"
	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/metrics"
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/registry"
	"github.com/zulandar/sparkyard/internal/scaling"
	"github.com/zulandar/sparkyard/internal/session"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions for the deep sweep.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Reconciler drives the loop.
type Reconciler struct {
	db          *gorm.DB
	registry    *registry.Registry
	sessions    *session.Sessions
	dispatcher  *dispatch.Dispatcher
	scaling     *scaling.Coordinator
	engines     engineapi.Client
	cfg         config.ReconcileConfig
	dispatchCfg config.DispatchConfig
	metrics     *metrics.Metrics

	kick chan struct{}
}

// New builds a Reconciler over the given collaborators.
func New(db *gorm.DB, reg *registry.Registry, sessions *session.Sessions, dispatcher *dispatch.Dispatcher, coord *scaling.Coordinator, engines engineapi.Client, cfg config.ReconcileConfig, dispatchCfg config.DispatchConfig) *Reconciler {
	return &Reconciler{
		db:          db,
		registry:    reg,
		sessions:    sessions,
		dispatcher:  dispatcher,
		scaling:     coord,
		engines:     engines,
		cfg:         cfg,
		dispatchCfg: dispatchCfg,
		kick:        make(chan struct{}, 1),
	}
}

// SetMetrics attaches the collector set; each pass then refreshes the gauges
// and counts recoveries.
func (r *Reconciler) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Kick requests an immediate reconcile pass, for callers that just detected
// an anomaly. Non-blocking; a pending kick coalesces.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// RunLoop runs reconcile passes until ctx is cancelled. The deep sweep
// (terminal job reaping) runs on the configured cron expression.
func (r *Reconciler) RunLoop(ctx context.Context, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	sched, err := cronParser.Parse(r.cfg.DeepSweepCron)
	if err != nil {
		return fmt.Errorf("reconcile: parse deep sweep cron %q: %w", r.cfg.DeepSweepCron, err)
	}
	nextSweep := sched.Next(time.Now())

	fmt.Fprintf(out, "Reconciler starting (every %s, deep sweep at %s)...\n",
		r.cfg.Interval, nextSweep.Format(time.RFC3339))

	for {
		if err := r.RunOnce(ctx); err != nil {
			log.Printf("reconcile pass error: %v", err)
		}

		if now := time.Now(); now.After(nextSweep) {
			if reaped, err := r.dispatcher.Reap(r.dispatchCfg.Retention); err != nil {
				log.Printf("reconcile deep sweep error: %v", err)
			} else if reaped > 0 {
				fmt.Fprintf(out, "Deep sweep reaped %d terminal jobs\n", reaped)
			}
			nextSweep = sched.Next(now)
		}

		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "Reconciler stopped.\n")
			return nil
		case <-r.kick:
		case <-time.After(r.cfg.Interval):
		}
	}
}

// RunOnce executes one reconcile pass: each phase logs and continues rather
// than aborting the pass, matching how the daemon treats partial failure.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	now := time.Now()

	// Phase 1: engine health transitions and grace removals.
	removed, err := r.registry.SweepHealth(now)
	if err != nil {
		log.Printf("reconcile health sweep: %v", err)
	}
	for _, engineID := range removed {
		if err := r.recoverSessionsOn(ctx, engineID); err != nil {
			log.Printf("reconcile recover sessions on removed engine %s: %v", engineID, err)
		}
	}

	// Phase 2: drain the registry change feed; unreachable engines fail
	// their sessions into recovery without waiting for phase 3.
	r.drainFeed(ctx)

	// Phase 3: confirm every bound, non-terminal session against downstream
	// truth.
	if err := r.reconcileSessions(ctx); err != nil {
		log.Printf("reconcile sessions: %v", err)
	}

	// Phase 4: release units queued while their session was not active,
	// including sessions that just came back through recovery.
	if err := r.drainQueued(ctx); err != nil {
		log.Printf("reconcile drain: %v", err)
	}

	// Phase 5: re-poll running jobs for drift.
	if err := r.reconcileJobs(ctx); err != nil {
		log.Printf("reconcile jobs: %v", err)
	}

	// Phase 6: idle windows.
	if _, err := r.sessions.SweepIdle(ctx, now); err != nil {
		log.Printf("reconcile idle sweep: %v", err)
	}

	// Phase 7: scaling decision and intent expiry.
	if err := r.scaling.Evaluate(ctx, now); err != nil {
		log.Printf("reconcile scaling: %v", err)
	}

	if r.metrics != nil {
		r.metrics.Refresh(r.db)
	}
	return nil
}

// drainFeed consumes buffered registry change events.
func (r *Reconciler) drainFeed(ctx context.Context) {
	for {
		select {
		case ev := <-r.registry.Events():
			if ev.Change == registry.ChangeRemoved || (ev.Change == registry.ChangeHealth && ev.Health == models.HealthUnreachable) {
				if err := r.recoverSessionsOn(ctx, ev.EngineID); err != nil {
					log.Printf("reconcile feed recover on %s: %v", ev.EngineID, err)
				}
			}
		default:
			return
		}
	}
}

// recoverSessionsOn fails and rebinds every non-terminal session bound to a
// lost engine. Recovery failures end the session terminally; that error is
// already recorded on the session row.
func (r *Reconciler) recoverSessionsOn(ctx context.Context, engineID string) error {
	sessions, err := r.sessions.List(session.ListFilters{EngineID: engineID})
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.Terminal() {
			continue
		}
		r.recoverSession(ctx, sess.ID, "engine lost")
	}
	return nil
}

// reconcileSessions checks each bound session's engine health and downstream
// liveness; drift drives the session into recovery.
func (r *Reconciler) reconcileSessions(ctx context.Context) error {
	var bound []models.Session
	err := r.db.Where("state IN ? AND engine_id != ''",
		[]string{models.SessionActive, models.SessionIdle}).
		Find(&bound).Error
	if err != nil {
		return fmt.Errorf("reconcile: list bound sessions: %w", err)
	}

	for _, sess := range bound {
		eng, err := r.registry.Get(sess.EngineID)
		if err != nil {
			// Engine row is gone; the session lost its binding.
			r.recoverSession(ctx, sess.ID, "engine gone")
			continue
		}
		if eng.Health == models.HealthUnreachable {
			r.recoverSession(ctx, sess.ID, "engine unreachable")
			continue
		}

		status, err := r.engines.SessionStatus(ctx, eng.Address, sess.EngineSessionID)
		if err != nil {
			// Transient: the health sweep decides when the engine is truly
			// gone.
			continue
		}
		if !status.Live() {
			r.recoverSession(ctx, sess.ID, "downstream "+string(status))
		}
	}
	return nil
}

// recoverSession runs one recovery, logging failure and counting success.
func (r *Reconciler) recoverSession(ctx context.Context, sessionID, why string) {
	if _, err := r.sessions.Recover(ctx, sessionID); err != nil {
		log.Printf("reconcile recover %s (%s): %v", sessionID, why, err)
		return
	}
	if r.metrics != nil {
		r.metrics.SessionsRecovered.Inc()
	}
}

// drainQueued pushes queued units downstream for every session holding them.
// Drain itself skips sessions that are still not active, so deferred units
// wait for the next pass.
func (r *Reconciler) drainQueued(ctx context.Context) error {
	var ids []string
	err := r.db.Model(&models.JobUnit{}).
		Where("state = ?", models.JobQueued).
		Distinct("session_id").
		Pluck("session_id", &ids).Error
	if err != nil {
		return fmt.Errorf("reconcile: list sessions with queued units: %w", err)
	}
	for _, sessionID := range ids {
		if err := r.dispatcher.Drain(ctx, sessionID); err != nil {
			log.Printf("reconcile drain %s: %v", sessionID, err)
		}
	}
	return nil
}

// reconcileJobs re-polls downstream truth for in-flight units of every bound
// session.
func (r *Reconciler) reconcileJobs(ctx context.Context) error {
	var ids []string
	err := r.db.Model(&models.JobUnit{}).
		Where("state IN ?", []string{models.JobSubmitted, models.JobRunning}).
		Distinct("session_id").
		Pluck("session_id", &ids).Error
	if err != nil {
		return fmt.Errorf("reconcile: list in-flight sessions: %w", err)
	}
	for _, sessionID := range ids {
		if err := r.dispatcher.RepollRunning(ctx, sessionID, r.cfg.DriftMisses); err != nil {
			if fault.ReasonOf(err) == fault.InvalidState {
				continue
			}
			log.Printf("reconcile repoll %s: %v", sessionID, err)
		}
	}
	return nil
}
