package db

import (
	"fmt"

	"github.com/zulandar/sparkyard/internal/config"
	"github.com/zulandar/sparkyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Workspace{},
		&models.Queue{},
		&models.Reservation{},
		&models.EngineInstance{},
		&models.Session{},
		&models.JobUnit{},
		&models.ScalingIntent{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedQueues upserts Queue rows from configuration. Reserved counters are
// left untouched on existing rows so a reseed never forgets live
// reservations.
func SeedQueues(db *gorm.DB, queues []config.QueueConfig) error {
	for _, qc := range queues {
		queue := models.Queue{
			Name:       qc.Name,
			TotalSlots: qc.TotalSlots,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"total_slots"}),
		}).Create(&queue)
		if result.Error != nil {
			return fmt.Errorf("db: seed queue %q: %w", qc.Name, result.Error)
		}
	}
	return nil
}

// SeedWorkspaces upserts Workspace rows from configuration.
func SeedWorkspaces(db *gorm.DB, workspaces []config.WorkspaceConfig) error {
	for _, wc := range workspaces {
		ws := models.Workspace{
			ID:          wc.ID,
			Queue:       wc.Queue,
			MaxSessions: wc.MaxSessions,
			MaxCPU:      wc.MaxCPU,
			MaxMemoryMB: wc.MaxMemoryMB,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"queue", "max_sessions", "max_cpu", "max_memory_mb"}),
		}).Create(&ws)
		if result.Error != nil {
			return fmt.Errorf("db: seed workspace %q: %w", wc.ID, result.Error)
		}
	}
	return nil
}
