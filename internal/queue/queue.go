// Package queue enforces per-workspace and per-queue resource admission.
// The reserved-slot counter only moves through a conditional UPDATE inside a
// transaction, so reserved never exceeds total under concurrent
// admit/release.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Wait ticks for queued admission. High-priority waiters retry on a shorter
// tick, so they overtake normal waiters without ever preempting a granted
// reservation.
const (
	waitTick         = 500 * time.Millisecond
	priorityWaitTick = 150 * time.Millisecond
)

// defaultAdmitWait caps wait-mode admission when the caller sets no bound of
// its own. A waiter never blocks past this even on a deadline-free context.
const defaultAdmitWait = time.Minute

// Observer receives admission outcomes; the scaling coordinator implements
// it to measure queue pressure. A nil observer is ignored.
type Observer interface {
	ObserveAdmission(queue, outcome string)
}

// Admission outcomes reported to the Observer.
const (
	OutcomeGranted  = "granted"
	OutcomeQueued   = "queued"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
)

// Manager is an explicit, lifetime-scoped admission authority for all
// queues.
type Manager struct {
	db       *gorm.DB
	observer Observer
}

// NewManager builds a Manager over the given database.
func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// SetObserver wires an admission observer (the scaling coordinator).
func (m *Manager) SetObserver(obs Observer) {
	m.observer = obs
}

func (m *Manager) observe(queue, outcome string) {
	if m.observer != nil {
		m.observer.ObserveAdmission(queue, outcome)
	}
}

// AdmitOpts selects the admission mode.
type AdmitOpts struct {
	Slots        int           // defaults to 1
	Wait         bool          // queue instead of rejecting when full
	WaitBound    time.Duration // cap on the wait; defaultAdmitWait when zero
	HighPriority bool          // overtake normal waiters, never granted reservations
}

// Admit reserves capacity for one session of the workspace. In immediate
// mode a full queue rejects with QueueFull; in wait mode the request retries
// up to the wait bound or the caller's ctx deadline, whichever comes first,
// then times out. The workspace's max-session quota is checked alongside
// queue capacity.
func (m *Manager) Admit(ctx context.Context, workspaceID string, opts AdmitOpts) (*models.Reservation, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("queue: workspace id is required")
	}
	if opts.Slots <= 0 {
		opts.Slots = 1
	}
	if opts.Wait {
		bound := opts.WaitBound
		if bound <= 0 {
			bound = defaultAdmitWait
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, bound)
		defer cancel()
	}

	var ws models.Workspace
	if err := m.db.Where("id = ?", workspaceID).First(&ws).Error; err != nil {
		return nil, fmt.Errorf("queue: workspace %q not found: %w", workspaceID, err)
	}

	rsv, err := m.tryAdmit(&ws, opts.Slots)
	if err == nil {
		m.observe(ws.Queue, OutcomeGranted)
		return rsv, nil
	}
	if fault.ReasonOf(err) != fault.QueueFull || !opts.Wait {
		m.observe(ws.Queue, OutcomeRejected)
		return nil, err
	}

	// Bounded wait: poll until the ctx deadline.
	m.observe(ws.Queue, OutcomeQueued)
	tick := waitTick
	if opts.HighPriority {
		tick = priorityWaitTick
	}
	for {
		select {
		case <-ctx.Done():
			m.observe(ws.Queue, OutcomeTimeout)
			return nil, fault.Wrap(fault.Timeout, ws.Queue, "", ctx.Err())
		case <-time.After(tick):
		}
		rsv, err := m.tryAdmit(&ws, opts.Slots)
		if err == nil {
			m.observe(ws.Queue, OutcomeGranted)
			return rsv, nil
		}
		if fault.ReasonOf(err) != fault.QueueFull {
			return nil, err
		}
	}
}

// tryAdmit performs one atomic admission attempt: workspace session quota
// check plus the queue counter CAS, in a single transaction.
func (m *Manager) tryAdmit(ws *models.Workspace, slots int) (*models.Reservation, error) {
	id, err := models.NewID("rsv")
	if err != nil {
		return nil, err
	}

	var rsv *models.Reservation
	err = m.db.Transaction(func(tx *gorm.DB) error {
		// Lock the workspace row so concurrent admissions serialize on the
		// quota count instead of each passing against the same snapshot.
		var locked models.Workspace
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", ws.ID).First(&locked).Error; err != nil {
			return fmt.Errorf("queue: lock workspace %s: %w", ws.ID, err)
		}

		// Workspace quota: live reservations count as sessions.
		var live int64
		if err := tx.Model(&models.Reservation{}).
			Where("workspace_id = ? AND released_at IS NULL", ws.ID).
			Count(&live).Error; err != nil {
			return fmt.Errorf("queue: count live reservations: %w", err)
		}
		if live >= int64(locked.MaxSessions) {
			return fault.Wrap(fault.QueueFull, ws.ID, "", fmt.Errorf("workspace at max %d sessions", locked.MaxSessions))
		}

		// Queue capacity CAS: grants only when the increment stays within
		// total_slots.
		result := tx.Model(&models.Queue{}).
			Where("name = ? AND reserved_slots + ? <= total_slots", ws.Queue, slots).
			Update("reserved_slots", gorm.Expr("reserved_slots + ?", slots))
		if result.Error != nil {
			return fmt.Errorf("queue: reserve on %s: %w", ws.Queue, result.Error)
		}
		if result.RowsAffected == 0 {
			return fault.Wrap(fault.QueueFull, ws.Queue, "", nil)
		}

		rsv = &models.Reservation{
			ID:          id,
			QueueName:   ws.Queue,
			WorkspaceID: ws.ID,
			Slots:       slots,
			CreatedAt:   time.Now(),
		}
		if err := tx.Create(rsv).Error; err != nil {
			return fmt.Errorf("queue: create reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rsv, nil
}

// Release returns a reservation's capacity to its queue. Idempotent: a
// reservation released twice decrements the counter once.
func (m *Manager) Release(reservationID string) error {
	if reservationID == "" {
		return fmt.Errorf("queue: reservation id is required")
	}

	return m.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		// Stamp released_at first; zero rows means already released or
		// unknown, both no-ops.
		result := tx.Model(&models.Reservation{}).
			Where("id = ? AND released_at IS NULL", reservationID).
			Update("released_at", now)
		if result.Error != nil {
			return fmt.Errorf("queue: release %s: %w", reservationID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		var rsv models.Reservation
		if err := tx.Where("id = ?", reservationID).First(&rsv).Error; err != nil {
			return fmt.Errorf("queue: load reservation %s: %w", reservationID, err)
		}
		err := tx.Model(&models.Queue{}).
			Where("name = ? AND reserved_slots >= ?", rsv.QueueName, rsv.Slots).
			Update("reserved_slots", gorm.Expr("reserved_slots - ?", rsv.Slots)).Error
		if err != nil {
			return fmt.Errorf("queue: return slots to %s: %w", rsv.QueueName, err)
		}
		return nil
	})
}

// BindSession records which session holds a reservation.
func (m *Manager) BindSession(reservationID, sessionID string) error {
	err := m.db.Model(&models.Reservation{}).
		Where("id = ?", reservationID).
		Update("session_id", sessionID).Error
	if err != nil {
		return fmt.Errorf("queue: bind reservation %s to %s: %w", reservationID, sessionID, err)
	}
	return nil
}

// Snapshot reports a queue's current counters.
func (m *Manager) Snapshot(name string) (*models.Queue, error) {
	var q models.Queue
	if err := m.db.Where("name = ?", name).First(&q).Error; err != nil {
		return nil, fmt.Errorf("queue: %q not found: %w", name, err)
	}
	return &q, nil
}
