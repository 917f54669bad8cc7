package models

import "time"

// JobUnit states.
const (
	JobQueued    = "queued"
	JobSubmitted = "submitted"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job kinds.
const (
	JobKindStatement   = "statement"
	JobKindApplication = "application"
)

// JobUnit is one dispatched unit of work within a session: a SQL statement
// or a submitted application. Owned by its parent session; Seq preserves
// per-session FIFO dispatch order.
type JobUnit struct {
	ID          string `gorm:"primaryKey;size:32"`
	SessionID   string `gorm:"size:32;not null;uniqueIndex:idx_job_units_session_seq,priority:1"`
	Seq         int    `gorm:"not null;uniqueIndex:idx_job_units_session_seq,priority:2"`
	Kind        string `gorm:"size:16;default:statement"`
	Payload     string `gorm:"type:text"`
	State       string `gorm:"size:16;default:queued;index"`
	Reason      string `gorm:"size:64"`
	EngineJobID string `gorm:"size:64"`
	ResultRef   string `gorm:"size:256"`
	Attempts    int    `gorm:"default:0"`
	Uncertain   bool   `gorm:"default:false"`
	SubmittedAt time.Time
	CompletedAt *time.Time

	Session Session `gorm:"foreignKey:SessionID"`
}

// Terminal reports whether the job unit reached a final state.
func (j *JobUnit) Terminal() bool {
	return j.State == JobSucceeded || j.State == JobFailed || j.State == JobCancelled
}

// ResubmitSafe reports whether re-submitting this unit is safe: only if it
// was never observed running downstream.
func (j *JobUnit) ResubmitSafe() bool {
	return j.State == JobQueued || (j.State == JobFailed && j.EngineJobID == "")
}
