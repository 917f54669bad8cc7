package session

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/queue"
)

// Recover handles engine loss for a bound session: the session fails, then,
// within the bounded retry budget, re-enters requested and rebinds to a
// fresh engine under the same logical key. JobUnits that were in flight on
// the lost engine are marked uncertain and surfaced as
// RecoveredWithUncertainResult; they are never replayed automatically, since
// the work may not be idempotent. Queued units that never left the gateway
// stay queued and drain once the session is active again.
func (s *Sessions) Recover(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Terminal() {
		return nil, fault.Wrap(fault.InvalidState, id, sess.State, fmt.Errorf("cannot recover a %s session", sess.State))
	}

	lostEngine := sess.EngineID
	if err := s.forceTerminal(id, models.SessionFailed, string(fault.EngineUnreachable)); err != nil {
		return nil, err
	}
	if err := s.releaseResources(sess); err != nil {
		return nil, err
	}
	if err := s.markInFlightUncertain(id, lostEngine); err != nil {
		return nil, err
	}

	if sess.Attempts >= s.cfg.MaxBindAttempts {
		return nil, fault.Wrap(fault.NoCapacity, id, models.SessionFailed,
			fmt.Errorf("recovery attempts exhausted after engine %s loss", lostEngine))
	}

	// failed -> requested, preserving the logical key on the same row so no
	// competing request can slip in between.
	err = s.Transition(nil, id, models.SessionFailed, models.SessionRequested, map[string]interface{}{
		"attempts":          sess.Attempts + 1,
		"uncertain":         true,
		"reason":            string(fault.RecoveredWithUncertainResult),
		"engine_id":         "",
		"engine_session_id": "",
		"reservation_id":    "",
		"closed_at":         nil,
		"last_activity":     time.Now(),
	})
	if err != nil {
		return nil, err
	}

	rsv, err := s.queues.Admit(ctx, sess.WorkspaceID, queue.AdmitOpts{})
	if err != nil {
		_ = s.forceTerminal(id, models.SessionFailed, string(fault.ReasonOf(err)))
		return nil, err
	}
	if err := s.Transition(nil, id, models.SessionRequested, models.SessionAdmitted, map[string]interface{}{
		"reservation_id": rsv.ID,
	}); err != nil {
		_ = s.queues.Release(rsv.ID)
		return nil, err
	}
	if err := s.queues.BindSession(rsv.ID, id); err != nil {
		return nil, err
	}

	fresh, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.bind(ctx, fresh); err != nil {
		return nil, err
	}
	return s.Get(id)
}

// markInFlightUncertain flags units that were submitted or running on the
// lost engine. Their results cannot be trusted either way.
func (s *Sessions) markInFlightUncertain(sessionID, engineID string) error {
	now := time.Now()
	err := s.db.Model(&models.JobUnit{}).
		Where("session_id = ? AND state IN ?", sessionID, []string{models.JobSubmitted, models.JobRunning}).
		Updates(map[string]interface{}{
			"state":        models.JobFailed,
			"reason":       string(fault.RecoveredWithUncertainResult),
			"uncertain":    true,
			"completed_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("session: mark in-flight units on %s uncertain (engine %s): %w", sessionID, engineID, err)
	}
	return nil
}
