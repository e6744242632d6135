package harness

import (
	"fmt"
	"time"
)

// DecodeTimeoutError reports that the decoder did not finish within the join
// bound after the session was stopped, or that the run's context ended first
// (Err is then the context error). Counts gathered before the stream was
// closed are kept in the RunResult.
type DecodeTimeoutError struct {
	Timeout time.Duration
	Phase   string
	Events  int
	Err     error
}

func (e *DecodeTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("trace decoder stopped %s: %v (%d events decoded)", e.Phase, e.Err, e.Events)
	}
	return fmt.Sprintf("trace decoder did not finish %s within %s (%d events decoded)", e.Phase, e.Timeout, e.Events)
}

func (e *DecodeTimeoutError) Unwrap() error { return e.Err }

// InspectorError wraps a rejection returned by an Inspector.
type InspectorError struct {
	Err error
}

func (e *InspectorError) Error() string { return "trace inspection failed: " + e.Err.Error() }

func (e *InspectorError) Unwrap() error { return e.Err }
