package models

import "time"

// Session lifecycle states.
const (
	SessionRequested = "requested"
	SessionAdmitted  = "admitted"
	SessionBinding   = "binding"
	SessionActive    = "active"
	SessionIdle      = "idle"
	SessionClosing   = "closing"
	SessionClosed    = "closed"
	SessionFailed    = "failed"
)

// Session is one logical unit of continued interaction bound to at most one
// EngineInstance at a time. At most one non-terminal Session exists per
// LogicalKey; the key becomes reusable only once the session is terminal.
type Session struct {
	ID              string `gorm:"primaryKey;size:32"`
	WorkspaceID     string `gorm:"size:64;not null;index"`
	LogicalKey      string `gorm:"size:128;not null;index"`
	Kind            string `gorm:"size:16;default:interactive-sql"`
	State           string `gorm:"size:16;default:requested;index"`
	Reason          string `gorm:"size:64"`
	EngineID        string `gorm:"size:64;index"`
	EngineSessionID string `gorm:"size:64"`
	ReservationID   string `gorm:"size:32"`
	Attempts        int    `gorm:"default:0"`
	Uncertain       bool   `gorm:"default:false"`
	CreatedAt       time.Time
	LastActivity    time.Time `gorm:"index"`
	ClosedAt        *time.Time

	Workspace Workspace `gorm:"foreignKey:WorkspaceID"`
	Jobs      []JobUnit `gorm:"foreignKey:SessionID"`
}

// Terminal reports whether the session reached a final state.
func (s *Session) Terminal() bool {
	return s.State == SessionClosed || s.State == SessionFailed
}

// Bound reports whether the session currently holds an engine binding.
func (s *Session) Bound() bool {
	return s.EngineID != ""
}

// NonTerminalSessionStates lists every state in which a logical key is
// considered occupied.
func NonTerminalSessionStates() []string {
	return []string{
		SessionRequested, SessionAdmitted, SessionBinding,
		SessionActive, SessionIdle, SessionClosing,
	}
}
