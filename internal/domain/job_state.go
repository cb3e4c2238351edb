package domain

import "strings"

// JobStatus is the coordinator-side lifecycle state of a build job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobDispatched JobStatus = "dispatched"
	JobRunning    JobStatus = "running"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func NormalizeJobStatus(value string) JobStatus {
	switch s := JobStatus(strings.ToLower(strings.TrimSpace(value))); s {
	case JobPending, JobDispatched, JobRunning, JobSucceeded, JobFailed, JobCancelled:
		return s
	default:
		return ""
	}
}

func (s JobStatus) Terminal() bool {
	return jobStatusOrder(s) == 4
}

// CanTransitionJob enforces forward-only progression within one attempt:
// pending, dispatched, running, then exactly one terminal state. The only way
// back is a retry, which moves a dispatched or running job to pending and
// starts the next attempt.
func CanTransitionJob(current, next JobStatus) bool {
	cur, nxt := jobStatusOrder(current), jobStatusOrder(next)
	if cur == 0 || nxt == 0 || cur == 4 {
		return false
	}
	if next == JobPending {
		return current == JobDispatched || current == JobRunning
	}
	return cur < nxt
}

func jobStatusOrder(s JobStatus) int {
	switch s {
	case JobPending:
		return 1
	case JobDispatched:
		return 2
	case JobRunning:
		return 3
	case JobSucceeded, JobFailed, JobCancelled:
		return 4
	default:
		return 0
	}
}

// BuildStatus is the builder-side state of one (job, attempt) execution.
type BuildStatus string

const (
	BuildAccepted  BuildStatus = "accepted"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

func (s BuildStatus) Terminal() bool {
	return s == BuildSucceeded || s == BuildFailed || s == BuildCancelled
}

// JobStatus maps a builder status onto the coordinator's lifecycle.
func (s BuildStatus) JobStatus() JobStatus {
	switch s {
	case BuildAccepted:
		return JobDispatched
	case BuildRunning:
		return JobRunning
	case BuildSucceeded:
		return JobSucceeded
	case BuildFailed:
		return JobFailed
	case BuildCancelled:
		return JobCancelled
	default:
		return ""
	}
}
