package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/packfarm/packfarm/internal/domain"
)

// ApplyReport folds a builder's status report into the job. Reports for an
// older attempt or from a builder that was not offered the job are rejected
// with domain.ErrConflict. Repeats of an applied report are no-ops.
func (s *Service) ApplyReport(ctx context.Context, report domain.Report) (domain.Job, error) {
	target := report.Status.JobStatus()
	if target == "" {
		return domain.Job{}, fmt.Errorf("%w: unknown build status %q", domain.ErrInvalidArgument, report.Status)
	}
	if report.BuilderID == "" {
		return domain.Job{}, fmt.Errorf("%w: builder id is required", domain.ErrInvalidArgument)
	}

	return s.mutate(ctx, report.JobID, report.BuilderID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if report.Attempt != job.Attempt {
			return nil, fmt.Errorf("%w: report for attempt %d, job is at attempt %d", domain.ErrConflict, report.Attempt, job.Attempt)
		}
		if job.Status == domain.JobPending {
			// The builder reported before our dispatch write landed. Only the
			// builder the attempt was offered to may do that.
			if job.BuilderID == "" {
				return nil, fmt.Errorf("%w: job %s is not dispatched", domain.ErrConflict, job.ID)
			}
			if job.BuilderID != report.BuilderID {
				return nil, fmt.Errorf("%w: job %s was offered to %s, not %s", domain.ErrConflict, job.ID, job.BuilderID, report.BuilderID)
			}
		} else if job.BuilderID != report.BuilderID {
			return nil, fmt.Errorf("%w: job %s is assigned to %s, not %s", domain.ErrConflict, job.ID, job.BuilderID, report.BuilderID)
		}

		if job.Status.Terminal() {
			if job.Status == target {
				return nil, errNoChange
			}
			return nil, fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, job.ID, job.Status)
		}

		var events []domain.JobEvent
		step := func(to domain.JobStatus, reason string) {
			events = append(events, domain.JobEvent{Attempt: job.Attempt, From: job.Status, To: to, BuilderID: report.BuilderID, Reason: reason})
			job.Status = to
		}
		job.LastHeartbeatAt = now
		if job.Status == domain.JobPending {
			job.BuilderID = report.BuilderID
			job.ClaimedBy = ""
			job.ClaimExpiresAt = time.Time{}
			job.NextAttemptAt = time.Time{}
			step(domain.JobDispatched, "dispatched")
		}
		if !target.Terminal() {
			if target == domain.JobRunning && job.Status == domain.JobDispatched {
				step(domain.JobRunning, "build started")
			}
			return events, nil
		}
		if job.Status == domain.JobDispatched {
			step(domain.JobRunning, "build started")
		}

		switch target {
		case domain.JobSucceeded:
			if report.Result == nil || report.Result.Digest == "" {
				return nil, fmt.Errorf("%w: success report without a result", domain.ErrInvalidArgument)
			}
			job.Result = report.Result
			job.Failure = nil
			step(domain.JobSucceeded, "build succeeded")
		case domain.JobCancelled:
			job.Failure = failureOr(report.Failure, domain.Failure{Class: domain.FailureCancelled, Detail: "cancelled by builder"})
			step(domain.JobCancelled, "build cancelled")
		default:
			f := failureOr(report.Failure, domain.Failure{Class: domain.FailureExecution, Detail: "builder reported failure"})
			if f.Class == domain.FailureCancelled || job.CancelRequested {
				job.Failure = f
				step(domain.JobCancelled, "build cancelled")
				break
			}
			events = append(events, s.retryOrFail(job, *f, now)...)
		}
		return events, nil
	})
}

func failureOr(f *domain.Failure, fallback domain.Failure) *domain.Failure {
	if f != nil && f.Class != "" {
		return f
	}
	return &fallback
}

// Cancel stops a job. A pending job is cancelled at once; a dispatched or
// running one is marked and the builder is told to stop, and the builder's
// cancelled report finishes it.
func (s *Service) Cancel(ctx context.Context, id string, actor string) (domain.Job, error) {
	job, err := s.mutate(ctx, id, actor, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		switch {
		case job.Status == domain.JobCancelled:
			return nil, errNoChange
		case job.Status.Terminal():
			return nil, fmt.Errorf("%w: job %s is already %s", domain.ErrInvalidTransition, job.ID, job.Status)
		case job.Status == domain.JobPending:
			ev := domain.JobEvent{Attempt: job.Attempt, From: job.Status, To: domain.JobCancelled, Reason: "cancelled by " + actorOr(actor)}
			job.Status = domain.JobCancelled
			job.CancelRequested = true
			job.Failure = &domain.Failure{Class: domain.FailureCancelled, Detail: "cancelled before dispatch"}
			job.ClaimedBy = ""
			job.ClaimExpiresAt = time.Time{}
			return []domain.JobEvent{ev}, nil
		case job.CancelRequested:
			return nil, errNoChange
		default:
			job.CancelRequested = true
			return nil, nil
		}
	})
	if err != nil || job.Status.Terminal() {
		return job, err
	}

	b, ok := s.builder(ctx, job.BuilderID)
	if !ok {
		return s.cancelLocally(ctx, id, "builder unknown")
	}
	err = s.dispatch.Cancel(ctx, b.Endpoint, id)
	switch {
	case err == nil:
		s.logger.Info("cancel forwarded", "job_id", id, "builder", b.ID)
	case errors.Is(err, domain.ErrNotFound):
		return s.cancelLocally(ctx, id, "builder has no record")
	default:
		// The reconciler cancels locally once the builder has been silent
		// past the liveness timeout.
		s.logger.Warn("forward cancel failed", "job_id", id, "builder", b.ID, "error", err)
	}
	return s.jobs.GetJob(ctx, id)
}

// cancelLocally records cancellation without the builder's confirmation.
func (s *Service) cancelLocally(ctx context.Context, id string, reason string) (domain.Job, error) {
	return s.mutate(ctx, id, s.cfg.ID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if job.Status.Terminal() || !job.CancelRequested {
			return nil, errNoChange
		}
		ev := domain.JobEvent{Attempt: job.Attempt, From: job.Status, To: domain.JobCancelled, BuilderID: job.BuilderID, Reason: "cancelled: " + reason}
		job.Status = domain.JobCancelled
		job.Failure = &domain.Failure{Class: domain.FailureCancelled, Detail: reason}
		return []domain.JobEvent{ev}, nil
	})
}

func actorOr(actor string) string {
	if actor == "" {
		return "operator"
	}
	return actor
}
