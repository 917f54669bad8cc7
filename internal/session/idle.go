package session

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/sparkyard/internal/fault"
	"github.com/zulandar/sparkyard/internal/models"
)

// SweepIdle walks sessions through the idle windows as of now:
// active with no dispatch inside IdleWindow -> idle, and idle past IdleClose
// -> closing -> closed (reservation released). Returns how many sessions
// moved. Called by the reconciliation loop; uses the same CAS transitions as
// everything else.
func (s *Sessions) SweepIdle(ctx context.Context, now time.Time) (int, error) {
	moved := 0

	var active []models.Session
	cutoff := now.Add(-s.cfg.IdleWindow)
	err := s.db.Where("state = ? AND last_activity < ?", models.SessionActive, cutoff).
		Find(&active).Error
	if err != nil {
		return 0, fmt.Errorf("session: list idle-eligible: %w", err)
	}
	for _, sess := range active {
		// A dispatch may have touched the session since the query; the CAS
		// guard on last_activity keeps a busy session active.
		result := s.db.Model(&models.Session{}).
			Where("id = ? AND state = ? AND last_activity < ?", sess.ID, models.SessionActive, cutoff).
			Update("state", models.SessionIdle)
		if result.Error != nil {
			return moved, fmt.Errorf("session: idle %s: %w", sess.ID, result.Error)
		}
		if result.RowsAffected > 0 {
			moved++
		}
	}

	var idle []models.Session
	closeCutoff := now.Add(-s.cfg.IdleClose)
	err = s.db.Where("state = ? AND last_activity < ?", models.SessionIdle, closeCutoff).
		Find(&idle).Error
	if err != nil {
		return moved, fmt.Errorf("session: list close-eligible: %w", err)
	}
	for _, sess := range idle {
		if err := s.Close(ctx, sess.ID); err != nil {
			if fault.ReasonOf(err) == fault.InvalidState {
				continue
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}
