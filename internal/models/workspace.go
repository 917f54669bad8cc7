package models

import "time"

// Workspace is the tenancy boundary. Rows are created by administrative
// action (config seeding); the core references them but never mutates them.
type Workspace struct {
	ID          string `gorm:"primaryKey;size:64"`
	Queue       string `gorm:"size:64;not null;index"`
	MaxSessions int    `gorm:"default:5"`
	MaxCPU      int    `gorm:"default:8"`
	MaxMemoryMB int    `gorm:"default:16384"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
