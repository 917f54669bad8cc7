package session

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/sparkyard/internal/engineapi"
	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
	"github.com/zulandar/sparkyard/internal/registry"
	"gorm.io/gorm"
)

// bindLookupTick paces registry polls while waiting for capacity.
const bindLookupTick = 1 * time.Second

// bind takes an admitted session to active: registry lookup within a bounded
// wait, downstream session creation, and the two-sided session<->engine
// association written under one transaction. No candidate within the wait
// fails the session with NoCapacity; transient engine errors burn one of the
// bounded bind attempts each.
func (s *Sessions) bind(ctx context.Context, sess *models.Session) error {
	if err := s.Transition(nil, sess.ID, models.SessionAdmitted, models.SessionBinding, nil); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.BindWait)
	attempts := sess.Attempts
	for {
		candidates, err := s.registry.Lookup(sess.Kind, registry.LookupFilter{})
		if err != nil {
			return s.bindFailed(sess, string(fault.NoCapacity), err)
		}

		for _, eng := range candidates {
			bindErr := s.bindTo(ctx, sess, &eng)
			if bindErr == nil {
				return nil
			}
			if !fault.IsTransient(bindErr) {
				// Engine full or gone between lookup and bind; try the next.
				continue
			}
			attempts++
			if attempts >= s.cfg.MaxBindAttempts {
				// Exhausted transient retries surface their own class;
				// NoCapacity is reserved for "no eligible engine".
				reason := fault.ReasonOf(bindErr)
				err := fault.Wrap(reason, sess.ID, models.SessionBinding,
					fmt.Errorf("bind attempts exhausted: %w", bindErr))
				return s.bindFailed(sess, string(reason), err)
			}
			if err := s.db.Model(&models.Session{}).Where("id = ?", sess.ID).
				Update("attempts", attempts).Error; err != nil {
				return fmt.Errorf("session: record bind attempt: %w", err)
			}
			select {
			case <-ctx.Done():
				err := fault.Wrap(fault.Cancelled, sess.ID, models.SessionBinding, ctx.Err())
				return s.bindFailed(sess, string(fault.Cancelled), err)
			case <-time.After(fault.Backoff(s.cfg.BackoffBase, s.cfg.BackoffMax, attempts-1)):
			}
		}

		if time.Now().After(deadline) {
			err := fault.Wrap(fault.NoCapacity, sess.ID, models.SessionBinding,
				fmt.Errorf("no eligible engine within %s", s.cfg.BindWait))
			return s.bindFailed(sess, string(fault.NoCapacity), err)
		}
		select {
		case <-ctx.Done():
			err := fault.Wrap(fault.Cancelled, sess.ID, models.SessionBinding, ctx.Err())
			return s.bindFailed(sess, string(fault.Cancelled), err)
		case <-time.After(bindLookupTick):
		}
	}
}

// bindTo attempts one engine: slot reservation, downstream session creation,
// then the active transition with both sides of the association.
func (s *Sessions) bindTo(ctx context.Context, sess *models.Session, eng *models.EngineInstance) error {
	if err := s.registry.ReserveSlot(s.db, eng.ID); err != nil {
		return err
	}

	engineSessionID, err := s.engines.CreateSession(ctx, eng.Address, engineapi.SessionConfig{
		Kind: sess.Kind,
		Name: sess.ID,
	})
	if err != nil {
		_ = s.registry.ReleaseSlot(s.db, eng.ID)
		if fault.IsTransient(err) {
			return err
		}
		return fault.Wrap(fault.EngineUnreachable, eng.ID, "", err)
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.Transition(tx, sess.ID, models.SessionBinding, models.SessionActive, map[string]interface{}{
			"engine_id":         eng.ID,
			"engine_session_id": engineSessionID,
			"last_activity":     time.Now(),
		})
	})
	if err != nil {
		// Session moved under us (closed or failed by another writer);
		// give the downstream session and the slot back.
		_ = s.engines.CloseSession(ctx, eng.Address, engineSessionID)
		_ = s.registry.ReleaseSlot(s.db, eng.ID)
		return err
	}
	sess.State = models.SessionActive
	sess.EngineID = eng.ID
	sess.EngineSessionID = engineSessionID
	return nil
}

// bindFailed terminates the session, releasing admission, and surfaces err.
func (s *Sessions) bindFailed(sess *models.Session, reason string, err error) error {
	if ferr := s.forceTerminal(sess.ID, models.SessionFailed, reason); ferr != nil {
		return ferr
	}
	if rerr := s.releaseResources(sess); rerr != nil {
		return rerr
	}
	return err
}
