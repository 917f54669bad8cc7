package models

import "time"

// Engine kinds, matching the downstream execution surfaces.
const (
	KindInteractiveSQL = "interactive-sql"
	KindBatch          = "batch"
	KindStreaming      = "streaming"
)

// Engine health states.
const (
	HealthHealthy     = "healthy"
	HealthDegraded    = "degraded"
	HealthUnreachable = "unreachable"
)

// EngineInstance is a downstream execution engine process (a Livy-style
// session server or Kyuubi-style SQL engine). Created on registration,
// removed after sustained unreachability.
type EngineInstance struct {
	ID               string    `gorm:"primaryKey;size:64"`
	Kind             string    `gorm:"size:16;not null;index"`
	Address          string    `gorm:"size:256;not null"`
	TotalSlots       int       `gorm:"default:1"`
	UsedSlots        int       `gorm:"default:0"`
	Health           string    `gorm:"size:16;default:healthy;index"`
	MissedBeats      int       `gorm:"default:0"`
	LastHeartbeat    time.Time `gorm:"index"`
	UnreachableSince *time.Time
	RegisteredAt     time.Time
}

// FreeSlots returns remaining capacity, never negative.
func (e *EngineInstance) FreeSlots() int {
	free := e.TotalSlots - e.UsedSlots
	if free < 0 {
		return 0
	}
	return free
}
