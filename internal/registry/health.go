package registry

import (
	"fmt"
	"time"

	"github.com/zulandar/sparkyard/internal/models"
)

// SweepHealth applies missed-heartbeat transitions as of now:
// healthy -> degraded after DegradedAfter consecutive misses, degraded ->
// unreachable after UnreachableAfter further misses, unreachable -> removed
// once the removal grace has elapsed since the engine went unreachable. An
// engine is never removed on the sweep that marks it unreachable. Each
// transition is published on the change feed. Returns the ids of removed
// engines.
func (r *Registry) SweepHealth(now time.Time) ([]string, error) {
	var engines []models.EngineInstance
	if err := r.db.Find(&engines).Error; err != nil {
		return nil, fmt.Errorf("registry: health sweep: %w", err)
	}

	var removed []string
	for _, eng := range engines {
		// Removal first: the grace is measured from the moment the engine
		// went unreachable, not from its last heartbeat, and does not depend
		// on the miss count advancing.
		if eng.Health == models.HealthUnreachable && eng.UnreachableSince != nil &&
			now.Sub(*eng.UnreachableSince) >= r.cfg.RemovalGrace {
			result := r.db.Where("id = ? AND last_heartbeat = ?", eng.ID, eng.LastHeartbeat).
				Delete(&models.EngineInstance{})
			if result.Error != nil {
				return removed, fmt.Errorf("registry: remove %s: %w", eng.ID, result.Error)
			}
			if result.RowsAffected > 0 {
				removed = append(removed, eng.ID)
				r.feed.Publish(ChangeEvent{EngineID: eng.ID, Change: ChangeRemoved})
			}
			continue
		}

		elapsed := now.Sub(eng.LastHeartbeat)
		misses := int(elapsed / r.cfg.HeartbeatInterval)
		if misses <= eng.MissedBeats {
			continue
		}

		health := eng.Health
		switch {
		case misses >= r.cfg.DegradedAfter+r.cfg.UnreachableAfter:
			health = models.HealthUnreachable
		case misses >= r.cfg.DegradedAfter:
			health = models.HealthDegraded
		}

		updates := map[string]interface{}{
			"missed_beats": misses,
			"health":       health,
		}
		if health == models.HealthUnreachable && eng.UnreachableSince == nil {
			updates["unreachable_since"] = now
		}

		// Guard on last_heartbeat so a concurrent heartbeat wins the race.
		result := r.db.Model(&models.EngineInstance{}).
			Where("id = ? AND last_heartbeat = ?", eng.ID, eng.LastHeartbeat).
			Updates(updates)
		if result.Error != nil {
			return removed, fmt.Errorf("registry: mark %s %s: %w", eng.ID, health, result.Error)
		}
		if result.RowsAffected > 0 && health != eng.Health {
			r.feed.Publish(ChangeEvent{EngineID: eng.ID, Change: ChangeHealth, Health: health})
		}
	}
	return removed, nil
}

// Utilization returns the aggregate used/total slot ratio across engines of
// all kinds, and the total slot count. Engines marked unreachable are
// excluded from capacity.
func (r *Registry) Utilization() (ratio float64, totalSlots int, err error) {
	var engines []models.EngineInstance
	if err := r.db.Where("health != ?", models.HealthUnreachable).Find(&engines).Error; err != nil {
		return 0, 0, fmt.Errorf("registry: utilization: %w", err)
	}
	used := 0
	for _, eng := range engines {
		totalSlots += eng.TotalSlots
		used += eng.UsedSlots
	}
	if totalSlots == 0 {
		return 0, 0, nil
	}
	return float64(used) / float64(totalSlots), totalSlots, nil
}
