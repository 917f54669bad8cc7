package models

import "time"

// Queue is a named capacity pool shared by one or more workspaces.
// Invariant: ReservedSlots never exceeds TotalSlots; the counter only moves
// through the conditional-update CAS in internal/queue.
type Queue struct {
	Name          string `gorm:"primaryKey;size:64"`
	TotalSlots    int    `gorm:"not null"`
	ReservedSlots int    `gorm:"default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Reservation is one granted admission. Every admitted session holds exactly
// one live reservation (ReleasedAt nil) until release.
type Reservation struct {
	ID          string `gorm:"primaryKey;size:32"`
	QueueName   string `gorm:"size:64;not null;index"`
	WorkspaceID string `gorm:"size:64;not null;index"`
	Slots       int    `gorm:"not null"`
	SessionID   string `gorm:"size:32;index"`
	CreatedAt   time.Time
	ReleasedAt  *time.Time

	Queue     Queue     `gorm:"foreignKey:QueueName"`
	Workspace Workspace `gorm:"foreignKey:WorkspaceID"`
}

// Live reports whether the reservation still holds queue capacity.
func (r *Reservation) Live() bool {
	return r.ReleasedAt == nil
}
