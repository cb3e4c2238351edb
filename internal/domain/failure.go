package domain

import "fmt"

type FailureClass string

const (
	// FailureIntegrity is a checksum mismatch. Never retried.
	FailureIntegrity FailureClass = "integrity"

	// FailureExecution is a build stage that exited non-zero.
	FailureExecution FailureClass = "execution"

	// FailureTransport is an unreachable or erroring peer service.
	FailureTransport FailureClass = "transport"

	// FailureTimeout is a builder that stayed silent past the liveness timeout.
	FailureTimeout FailureClass = "timeout"

	// FailureInterrupted is a build cut short by a builder restart.
	FailureInterrupted FailureClass = "interrupted"

	// FailureConflict is a dispatch rejected by an occupied builder, which
	// never ends a job, or an artifact the index refused because its
	// name-version-release is already published with another digest.
	FailureConflict FailureClass = "conflict"

	// FailureCancelled is an operator cancellation. Never retried.
	FailureCancelled FailureClass = "cancelled"

	// FailureInvalid is a request or source that no retry can fix.
	FailureInvalid FailureClass = "invalid"
)

// Failure is the structured reason attached to a failed job or build.
type Failure struct {
	Class    FailureClass `json:"class"`
	Stage    string       `json:"stage,omitempty"`
	ExitCode int          `json:"exit_code,omitempty"`
	Detail   string       `json:"detail"`

	// Output is the tail of the failing stage's combined output.
	Output string `json:"output,omitempty"`
}

func (f Failure) Error() string {
	if f.Stage != "" {
		return fmt.Sprintf("%s failure in stage %s (exit %d): %s", f.Class, f.Stage, f.ExitCode, f.Detail)
	}
	return fmt.Sprintf("%s failure: %s", f.Class, f.Detail)
}

// Retryable reports whether a failure of this class may consume another attempt.
func (c FailureClass) Retryable(retryExecution bool) bool {
	switch c {
	case FailureTransport, FailureTimeout, FailureInterrupted:
		return true
	case FailureExecution:
		return retryExecution
	default:
		return false
	}
}
