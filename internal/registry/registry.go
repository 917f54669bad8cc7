// Package registry tracks downstream execution engines: registration,
// heartbeats, health transitions, and candidate selection for session
// binding.
package registry

import (
	"fmt"
	"time"

	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/models"
	"gorm.io/gorm"
)

// Registry is an explicit, lifetime-scoped state object; nothing in it is a
// package-level singleton, so tests can run isolated instances.
type Registry struct {
	db   *gorm.DB
	cfg  config.RegistryConfig
	feed *Feed
}

// New builds a Registry over the given database.
func New(db *gorm.DB, cfg config.RegistryConfig) *Registry {
	return &Registry{db: db, cfg: cfg, feed: NewFeed(64)}
}

// Events exposes the registry change feed consumed by the reconciliation
// loop.
func (r *Registry) Events() <-chan ChangeEvent {
	return r.feed.C()
}

// Descriptor is what an engine supplies at registration.
type Descriptor struct {
	ID         string // engine-chosen id; generated when empty
	Kind       string
	Address    string
	TotalSlots int
}

// Register creates or re-registers an engine instance. Re-registration of a
// known id refreshes address and capacity and restores it to healthy.
func (r *Registry) Register(desc Descriptor) (string, error) {
	if desc.Kind == "" {
		return "", fmt.Errorf("registry: kind is required")
	}
	if desc.Address == "" {
		return "", fmt.Errorf("registry: address is required")
	}
	if desc.TotalSlots <= 0 {
		desc.TotalSlots = 1
	}
	if desc.ID == "" {
		id, err := models.NewID("eng")
		if err != nil {
			return "", err
		}
		desc.ID = id
	}

	now := time.Now()
	var existing models.EngineInstance
	result := r.db.Where("id = ?", desc.ID).First(&existing)
	if result.Error != nil {
		eng := models.EngineInstance{
			ID:            desc.ID,
			Kind:          desc.Kind,
			Address:       desc.Address,
			TotalSlots:    desc.TotalSlots,
			Health:        models.HealthHealthy,
			LastHeartbeat: now,
			RegisteredAt:  now,
		}
		if err := r.db.Create(&eng).Error; err != nil {
			return "", fmt.Errorf("registry: register %s: %w", desc.ID, err)
		}
		r.feed.Publish(ChangeEvent{EngineID: desc.ID, Change: ChangeRegistered, Health: models.HealthHealthy})
		return desc.ID, nil
	}

	err := r.db.Model(&models.EngineInstance{}).Where("id = ?", desc.ID).Updates(map[string]interface{}{
		"kind":              desc.Kind,
		"address":           desc.Address,
		"total_slots":       desc.TotalSlots,
		"health":            models.HealthHealthy,
		"missed_beats":      0,
		"unreachable_since": nil,
		"last_heartbeat":    now,
	}).Error
	if err != nil {
		return "", fmt.Errorf("registry: re-register %s: %w", desc.ID, err)
	}
	if existing.Health != models.HealthHealthy {
		r.feed.Publish(ChangeEvent{EngineID: desc.ID, Change: ChangeHealth, Health: models.HealthHealthy})
	}
	return desc.ID, nil
}

// HealthSnapshot is the payload an engine reports with each heartbeat.
type HealthSnapshot struct {
	UsedSlots int
}

// Heartbeat records a heartbeat. Misses reset to zero; an engine that had
// degraded or gone unreachable is restored to healthy.
func (r *Registry) Heartbeat(id string, snap HealthSnapshot) error {
	if id == "" {
		return fmt.Errorf("registry: engine id is required")
	}

	var eng models.EngineInstance
	if err := r.db.Where("id = ?", id).First(&eng).Error; err != nil {
		return fmt.Errorf("registry: heartbeat %s: engine not found: %w", id, err)
	}

	updates := map[string]interface{}{
		"missed_beats":      0,
		"health":            models.HealthHealthy,
		"unreachable_since": nil,
		"last_heartbeat":    time.Now(),
	}
	if snap.UsedSlots >= 0 {
		updates["used_slots"] = snap.UsedSlots
	}
	if err := r.db.Model(&models.EngineInstance{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", id, err)
	}
	if eng.Health != models.HealthHealthy {
		r.feed.Publish(ChangeEvent{EngineID: id, Change: ChangeHealth, Health: models.HealthHealthy})
	}
	return nil
}

// Deregister removes an engine.
func (r *Registry) Deregister(id string) error {
	if id == "" {
		return fmt.Errorf("registry: engine id is required")
	}
	result := r.db.Where("id = ?", id).Delete(&models.EngineInstance{})
	if result.Error != nil {
		return fmt.Errorf("registry: deregister %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("registry: deregister %s: engine not found", id)
	}
	r.feed.Publish(ChangeEvent{EngineID: id, Change: ChangeRemoved})
	return nil
}

// Get returns one engine instance.
func (r *Registry) Get(id string) (*models.EngineInstance, error) {
	var eng models.EngineInstance
	if err := r.db.Where("id = ?", id).First(&eng).Error; err != nil {
		return nil, fmt.Errorf("registry: engine %q not found: %w", id, err)
	}
	return &eng, nil
}

// List returns all engines, optionally filtered by kind.
func (r *Registry) List(kind string) ([]models.EngineInstance, error) {
	query := r.db.Model(&models.EngineInstance{})
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var engines []models.EngineInstance
	if err := query.Order("registered_at").Find(&engines).Error; err != nil {
		return nil, fmt.Errorf("registry: list engines: %w", err)
	}
	return engines, nil
}

// LookupFilter narrows candidate selection.
type LookupFilter struct {
	MinFreeSlots int
	BestEffort   bool // allow degraded engines when no healthy candidate exists
}

// Lookup returns candidate engines of the given kind ordered least-loaded
// first. Healthy instances are preferred; degraded ones appear only when the
// caller marks the request best-effort and no healthy instance qualifies.
func (r *Registry) Lookup(kind string, filter LookupFilter) ([]models.EngineInstance, error) {
	if kind == "" {
		return nil, fmt.Errorf("registry: kind is required")
	}
	minFree := filter.MinFreeSlots
	if minFree <= 0 {
		minFree = 1
	}

	var healthy []models.EngineInstance
	err := r.db.Where("kind = ? AND health = ? AND total_slots - used_slots >= ?", kind, models.HealthHealthy, minFree).
		Order("total_slots - used_slots DESC, registered_at ASC").
		Find(&healthy).Error
	if err != nil {
		return nil, fmt.Errorf("registry: lookup %s: %w", kind, err)
	}
	if len(healthy) > 0 || !filter.BestEffort {
		return healthy, nil
	}

	var degraded []models.EngineInstance
	err = r.db.Where("kind = ? AND health = ? AND total_slots - used_slots >= ?", kind, models.HealthDegraded, minFree).
		Order("total_slots - used_slots DESC, registered_at ASC").
		Find(&degraded).Error
	if err != nil {
		return nil, fmt.Errorf("registry: lookup %s degraded: %w", kind, err)
	}
	return degraded, nil
}

// ReserveSlot accounts one more used slot on an engine, failing when the
// engine is already full. Conditional update keeps the counter within
// capacity under concurrent binds.
func (r *Registry) ReserveSlot(tx *gorm.DB, id string) error {
	result := tx.Model(&models.EngineInstance{}).
		Where("id = ? AND used_slots < total_slots", id).
		Update("used_slots", gorm.Expr("used_slots + 1"))
	if result.Error != nil {
		return fmt.Errorf("registry: reserve slot on %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("registry: engine %s has no free slot", id)
	}
	return nil
}

// ReleaseSlot returns one used slot, floored at zero.
func (r *Registry) ReleaseSlot(tx *gorm.DB, id string) error {
	err := tx.Model(&models.EngineInstance{}).
		Where("id = ? AND used_slots > 0", id).
		Update("used_slots", gorm.Expr("used_slots - 1")).Error
	if err != nil {
		return fmt.Errorf("registry: release slot on %s: %w", id, err)
	}
	return nil
}

// DB exposes the underlying handle for callers that join registry state into
// their own transactions.
func (r *Registry) DB() *gorm.DB {
	return r.db
}
