// Package session owns the lifecycle state machine for sessions:
// requested -> admitted -> binding -> active <-> idle -> closing -> closed,
// with a failed path and bounded recovery. Every state change goes through
// the Transition CAS; there is no privileged bypass, for the reconciliation
// loop or anyone else.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/engineapi"
	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/queue"
	"github.com/zulandar/sparkyard/internal/registry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sessions is the explicit, lifetime-scoped session authority. All
// collaborators are injected; tests run isolated instances.
type Sessions struct {
	db       *gorm.DB
	registry *registry.Registry
	queues   *queue.Manager
	engines  engineapi.Client
	cfg      config.SessionConfig
}

// New builds a Sessions over the given collaborators.
func New(db *gorm.DB, reg *registry.Registry, queues *queue.Manager, engines engineapi.Client, cfg config.SessionConfig) *Sessions {
	return &Sessions{db: db, registry: reg, queues: queues, engines: engines, cfg: cfg}
}

// RequestOpts selects admission behavior for a session request.
type RequestOpts struct {
	Wait         bool // queue for admission instead of rejecting immediately
	HighPriority bool
}

// errDuplicateKey aborts a create transaction that lost the logical-key race.
var errDuplicateKey = errors.New("session: logical key raced")

// Request returns the live session for the logical key, creating, admitting,
// and binding a new one when none exists. A request for a key that already
// has a non-terminal session returns that session unchanged: at most one
// live session per logical key.
func (s *Sessions) Request(ctx context.Context, workspaceID, logicalKey, kind string, opts RequestOpts) (*models.Session, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("session: workspace id is required")
	}
	if logicalKey == "" {
		return nil, fmt.Errorf("session: logical key is required")
	}
	if kind == "" {
		kind = models.KindInteractiveSQL
	}

	sess, created, err := s.findOrCreate(workspaceID, logicalKey, kind)
	if err != nil {
		return nil, err
	}
	if !created {
		return sess, nil
	}

	// Admission. Rejection terminates the fresh session so the key frees up.
	rsv, err := s.queues.Admit(ctx, workspaceID, queue.AdmitOpts{
		Wait:         opts.Wait,
		WaitBound:    s.cfg.AdmitWait,
		HighPriority: opts.HighPriority,
	})
	if err != nil {
		reason := string(fault.ReasonOf(err))
		_ = s.forceTerminal(sess.ID, models.SessionFailed, reason)
		return nil, err
	}
	if err := s.Transition(nil, sess.ID, models.SessionRequested, models.SessionAdmitted, map[string]interface{}{
		"reservation_id": rsv.ID,
	}); err != nil {
		_ = s.queues.Release(rsv.ID)
		return nil, err
	}
	if err := s.queues.BindSession(rsv.ID, sess.ID); err != nil {
		return nil, err
	}
	sess.State = models.SessionAdmitted
	sess.ReservationID = rsv.ID

	if err := s.bind(ctx, sess); err != nil {
		return nil, err
	}
	return s.Get(sess.ID)
}

// findOrCreate resolves the logical key to exactly one session. The select
// locks matching rows; the post-create recount catches the no-row race,
// rolling the loser back onto the reuse path.
func (s *Sessions) findOrCreate(workspaceID, logicalKey, kind string) (*models.Session, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var sess models.Session
		created := false
		err := s.db.Transaction(func(tx *gorm.DB) error {
			result := tx.Where("logical_key = ? AND state IN ?", logicalKey, models.NonTerminalSessionStates()).
				Clauses(clause.Locking{Strength: "UPDATE"}).
				Limit(1).
				Find(&sess)
			if result.Error != nil {
				return fmt.Errorf("session: lookup key %q: %w", logicalKey, result.Error)
			}
			if result.RowsAffected > 0 {
				return nil
			}

			id, err := models.NewID("ses")
			if err != nil {
				return err
			}
			now := time.Now()
			sess = models.Session{
				ID:           id,
				WorkspaceID:  workspaceID,
				LogicalKey:   logicalKey,
				Kind:         kind,
				State:        models.SessionRequested,
				CreatedAt:    now,
				LastActivity: now,
			}
			if err := tx.Create(&sess).Error; err != nil {
				return fmt.Errorf("session: create: %w", err)
			}

			var count int64
			if err := tx.Model(&models.Session{}).
				Where("logical_key = ? AND state IN ?", logicalKey, models.NonTerminalSessionStates()).
				Count(&count).Error; err != nil {
				return fmt.Errorf("session: recount key %q: %w", logicalKey, err)
			}
			if count > 1 {
				return errDuplicateKey
			}
			created = true
			return nil
		})
		if err == nil {
			return &sess, created, nil
		}
		if !errors.Is(err, errDuplicateKey) {
			return nil, false, err
		}
		// Lost the race; loop back and adopt the winner.
	}
	return nil, false, fmt.Errorf("session: could not resolve logical key %q", logicalKey)
}

// Transition is the single compare-and-swap primitive for session state.
// Zero rows affected means the session was not in the expected state, which
// surfaces as InvalidState. A nil tx runs against the base handle.
func (s *Sessions) Transition(tx *gorm.DB, id, from, to string, fields map[string]interface{}) error {
	if tx == nil {
		tx = s.db
	}
	updates := map[string]interface{}{"state": to}
	for k, v := range fields {
		updates[k] = v
	}
	result := tx.Model(&models.Session{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("session: transition %s %s->%s: %w", id, from, to, result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.Wrap(fault.InvalidState, id, from, fmt.Errorf("expected state %s", from))
	}
	return nil
}

// Get returns one session.
func (s *Sessions) Get(id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, fmt.Errorf("session: %q not found: %w", id, err)
	}
	return &sess, nil
}

// ListFilters narrows List.
type ListFilters struct {
	WorkspaceID string
	State       string
	EngineID    string
}

// List returns sessions matching the filters, newest first.
func (s *Sessions) List(filters ListFilters) ([]models.Session, error) {
	query := s.db.Model(&models.Session{})
	if filters.WorkspaceID != "" {
		query = query.Where("workspace_id = ?", filters.WorkspaceID)
	}
	if filters.State != "" {
		query = query.Where("state = ?", filters.State)
	}
	if filters.EngineID != "" {
		query = query.Where("engine_id = ?", filters.EngineID)
	}
	var sessions []models.Session
	if err := query.Order("created_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return sessions, nil
}

// Touch records dispatch activity, reviving an idle session.
func (s *Sessions) Touch(id string) error {
	now := time.Now()
	// idle -> active is a legal reverse edge on new dispatch.
	err := s.Transition(nil, id, models.SessionIdle, models.SessionActive, map[string]interface{}{
		"last_activity": now,
	})
	if err == nil {
		return nil
	}
	if fault.ReasonOf(err) != fault.InvalidState {
		return err
	}
	uerr := s.db.Model(&models.Session{}).Where("id = ?", id).
		Update("last_activity", now).Error
	if uerr != nil {
		return fmt.Errorf("session: touch %s: %w", id, uerr)
	}
	return nil
}

// Close drives a session to closed: best-effort downstream close, then
// release of the queue reservation and the engine binding.
func (s *Sessions) Close(ctx context.Context, id string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		return fault.Wrap(fault.InvalidState, id, sess.State, fmt.Errorf("session already %s", sess.State))
	}

	if err := s.forceTo(id, models.SessionClosing, ""); err != nil {
		return err
	}

	if sess.Bound() && sess.EngineSessionID != "" {
		if eng, gerr := s.registry.Get(sess.EngineID); gerr == nil {
			_ = s.engines.CloseSession(ctx, eng.Address, sess.EngineSessionID)
		}
	}

	now := time.Now()
	if err := s.Transition(nil, id, models.SessionClosing, models.SessionClosed, map[string]interface{}{
		"closed_at": now,
	}); err != nil {
		return err
	}
	return s.releaseResources(sess)
}

// Fail drives a session to failed, releasing its resources. The logical key
// becomes reusable once this completes.
func (s *Sessions) Fail(id, reason string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	if sess.Terminal() {
		return nil
	}
	if err := s.forceTerminal(id, models.SessionFailed, reason); err != nil {
		return err
	}
	return s.releaseResources(sess)
}

// forceTo walks a session to the target state using the CAS primitive on
// whatever state it currently observes; the retry bound covers writers
// racing us.
func (s *Sessions) forceTo(id, to, reason string) error {
	fields := map[string]interface{}{}
	if reason != "" {
		fields["reason"] = reason
	}
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := s.Get(id)
		if err != nil {
			return err
		}
		if sess.State == to {
			return nil
		}
		if sess.Terminal() {
			return fault.Wrap(fault.InvalidState, id, sess.State, fmt.Errorf("session already %s", sess.State))
		}
		err = s.Transition(nil, id, sess.State, to, fields)
		if err == nil {
			return nil
		}
		if fault.ReasonOf(err) != fault.InvalidState {
			return err
		}
	}
	return fault.Wrap(fault.InvalidState, id, "", fmt.Errorf("could not reach state %s", to))
}

func (s *Sessions) forceTerminal(id, to, reason string) error {
	fields := map[string]interface{}{"closed_at": time.Now()}
	if reason != "" {
		fields["reason"] = reason
	}
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := s.Get(id)
		if err != nil {
			return err
		}
		if sess.Terminal() {
			return nil
		}
		err = s.Transition(nil, id, sess.State, to, fields)
		if err == nil {
			return nil
		}
		if fault.ReasonOf(err) != fault.InvalidState {
			return err
		}
	}
	return fault.Wrap(fault.InvalidState, id, "", fmt.Errorf("could not reach state %s", to))
}

// releaseResources frees the reservation and the engine slot. Safe to call
// more than once.
func (s *Sessions) releaseResources(sess *models.Session) error {
	if sess.ReservationID != "" {
		if err := s.queues.Release(sess.ReservationID); err != nil {
			return err
		}
	}
	if sess.EngineID != "" {
		if err := s.registry.ReleaseSlot(s.db, sess.EngineID); err != nil {
			return err
		}
		err := s.db.Model(&models.Session{}).Where("id = ?", sess.ID).
			Updates(map[string]interface{}{"engine_id": "", "engine_session_id": ""}).Error
		if err != nil {
			return fmt.Errorf("session: clear binding on %s: %w", sess.ID, err)
		}
	}
	return nil
}

// DB exposes the handle for collaborators (dispatcher, reconciler) that join
// session state into their own queries.
func (s *Sessions) DB() *gorm.DB {
	return s.db
}
