package models

import "time"

// Scaling intent directions and statuses.
const (
	ScaleUp   = "up"
	ScaleDown = "down"

	IntentPending  = "pending"
	IntentAcked    = "acked"
	IntentRejected = "rejected"
	IntentExpired  = "expired"
)

// ScalingIntent is an advisory request to the external cluster resource
// manager to change available capacity. It expires if unacknowledged past
// its deadline; the coordinator keeps at most one pending intent per
// direction.
type ScalingIntent struct {
	ID            string `gorm:"primaryKey;size:32"`
	Direction     string `gorm:"size:8;not null;index"`
	Delta         int    `gorm:"not null"`
	Justification string `gorm:"type:text"`
	Status        string `gorm:"size:16;default:pending;index"`
	IssuedAt      time.Time
	ResolvedAt    *time.Time
}

// Resolved reports whether the resource manager (or expiry) settled the
// intent.
func (i *ScalingIntent) Resolved() bool {
	return i.Status != IntentPending
}
