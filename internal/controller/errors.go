package controller

import (
	"fmt"

	"tracecheck/internal/eventpipe"
)

// SessionStartError reports that no trace session could be opened. Nothing
// was collected and the connection, if any, has been closed.
type SessionStartError struct {
	PID    int
	Reason string
	Err    error
}

func (e *SessionStartError) Error() string {
	msg := fmt.Sprintf("failed to start trace session in process %d: %s", e.PID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionStartError) Unwrap() error { return e.Err }

// SessionAlreadyStoppedError reports a stop request for a session that was
// already stopped.
type SessionAlreadyStoppedError struct {
	PID int
	ID  eventpipe.SessionID
}

func (e *SessionAlreadyStoppedError) Error() string {
	return fmt.Sprintf("trace session %d in process %d is already stopped", e.ID, e.PID)
}
