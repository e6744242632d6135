package harness

import (
	"tracecheck/internal/eventpipe"
	"tracecheck/internal/validate"
)

// FailureKind classifies the outcome of a run.
type FailureKind string

const (
	KindPass         FailureKind = "pass"
	KindMismatch     FailureKind = "mismatch"
	KindSessionStart FailureKind = "session_start"
	KindSessionStop  FailureKind = "session_stop"
	KindDecode       FailureKind = "decode"
	KindTimeout      FailureKind = "timeout"
	KindConfig       FailureKind = "config"
	KindInspector    FailureKind = "inspector"
)

var exitCodes = map[FailureKind]int{
	KindPass:         0,
	KindMismatch:     1,
	KindSessionStart: 2,
	KindSessionStop:  2,
	KindDecode:       3,
	KindTimeout:      4,
	KindConfig:       5,
	KindInspector:    6,
}

// RunResult is the outcome of one validation run.
type RunResult struct {
	Passed bool
	Kind   FailureKind
	// Err is the root cause of a failure. A decode error takes precedence
	// over the validation error it may have caused.
	Err error
	// ValidationErr is the validator's verdict on the counts, kept even when
	// Err reports an earlier failure.
	ValidationErr error

	Config     *eventpipe.SessionConfig
	SessionID  eventpipe.SessionID
	Expected   validate.Expectations
	Counts     map[string]int
	LostEvents uint64
	Summary    *TraceSummary
}

// ExitCode maps the outcome to a process exit status.
func (r *RunResult) ExitCode() int {
	if code, ok := exitCodes[r.Kind]; ok {
		return code
	}
	return 1
}

func (r *RunResult) fail(kind FailureKind, err error) *RunResult {
	r.Passed = false
	r.Kind = kind
	r.Err = err
	return r
}
