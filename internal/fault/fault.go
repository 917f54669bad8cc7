// Package fault defines the error taxonomy shared by the orchestration core.
// Every surfaced error names the entity it concerns, the state it was in, and
// whether a caller retry is safe.
package fault

import (
	"errors"
	"fmt"
)

// Reason classifies an orchestration failure.
type Reason string

const (
	QueueFull                    Reason = "QueueFull"
	Timeout                      Reason = "Timeout"
	NoCapacity                   Reason = "NoCapacity"
	EngineUnreachable            Reason = "EngineUnreachable"
	RecoveredWithUncertainResult Reason = "RecoveredWithUncertainResult"
	ReconciliationTimeout        Reason = "ReconciliationTimeout"
	Cancelled                    Reason = "Cancelled"
	InvalidState                 Reason = "InvalidState"
)

// Transient reports whether the reason is retried internally with backoff
// before being surfaced. Structural reasons surface immediately.
func (r Reason) Transient() bool {
	return r == Timeout || r == EngineUnreachable
}

// Error is a classified orchestration failure.
type Error struct {
	Reason    Reason
	EntityID  string // session, job, queue, or engine id
	State     string // entity state at the time of failure
	RetrySafe bool   // whether re-issuing the caller's request is safe
	Err       error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := string(e.Reason)
	if e.EntityID != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.EntityID)
	}
	if e.State != "" {
		msg = fmt.Sprintf("%s (state %s)", msg, e.State)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches against another *Error by reason, so errors.Is(err, fault.New(
// fault.QueueFull)) and the ReasonOf helper both work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Reason == t.Reason
	}
	return false
}

// New builds a bare Error for a reason, mostly useful as an errors.Is target.
func New(reason Reason) *Error {
	return &Error{Reason: reason}
}

// Wrap builds an Error around a cause.
func Wrap(reason Reason, entityID, state string, err error) *Error {
	return &Error{Reason: reason, EntityID: entityID, State: state, Err: err, RetrySafe: defaultRetrySafe(reason)}
}

// defaultRetrySafe encodes the contract: re-requesting a session by logical
// key is always safe; most structural rejections are safe to re-issue later.
// Uncertain-result recovery is explicitly not safe to blindly retry.
func defaultRetrySafe(reason Reason) bool {
	switch reason {
	case RecoveredWithUncertainResult, InvalidState:
		return false
	default:
		return true
	}
}

// ReasonOf extracts the Reason from err, or "" when err carries none.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// IsTransient reports whether err should be retried internally.
func IsTransient(err error) bool {
	return ReasonOf(err).Transient()
}
