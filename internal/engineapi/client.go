// Package engineapi is the contract the orchestration core requires from a
// downstream execution engine (a Livy-style session server or Kyuubi-style
// SQL engine). The core treats timeouts and non-2xx responses as transient
// failures subject to its retry policy.
package engineapi

import "context"

// Status is a downstream session or job status report.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusIdle      Status = "idle"
	StatusBusy      Status = "busy"
	StatusRunning   Status = "running"
	StatusAvailable Status = "available"
	StatusSucceeded Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
	StatusDead      Status = "dead"
	StatusNotFound  Status = "not_found"
)

// Live reports whether a session status means the downstream session still
// exists and can take work.
func (s Status) Live() bool {
	switch s {
	case StatusStarting, StatusIdle, StatusBusy, StatusRunning, StatusAvailable:
		return true
	}
	return false
}

// Terminal reports whether a job status is final downstream.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusError, StatusCancelled:
		return true
	}
	return false
}

// SessionConfig carries the options forwarded when creating a downstream
// session.
type SessionConfig struct {
	Kind string            // interactive-sql, batch, streaming
	Name string            // orchestrator session id, for downstream labeling
	Conf map[string]string // passthrough engine configuration
}

// JobResult is the downstream answer to a job status poll.
type JobResult struct {
	Status    Status
	ResultRef string // opaque handle to partial or final output
}

// Client is the downstream engine surface the core dispatches against. One
// Client serves all engine instances; calls carry the instance address.
type Client interface {
	CreateSession(ctx context.Context, addr string, cfg SessionConfig) (engineSessionID string, err error)
	SessionStatus(ctx context.Context, addr, engineSessionID string) (Status, error)
	CloseSession(ctx context.Context, addr, engineSessionID string) error

	Submit(ctx context.Context, addr, engineSessionID, kind, payload string) (engineJobID string, err error)
	JobStatus(ctx context.Context, addr, engineSessionID, engineJobID string) (JobResult, error)
	CancelJob(ctx context.Context, addr, engineSessionID, engineJobID string) error
}
