package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/repo"
)

// Run reconciles on every tick until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.Reconcile(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reconcile drives every incomplete job one step: prepare or dispatch due
// pending jobs, check on silent builders and publish unacknowledged successes.
func (s *Service) Reconcile(ctx context.Context) {
	active, err := s.jobs.ListJobs(ctx, repo.JobFilter{Active: true, Limit: 500})
	if err != nil {
		s.logger.Warn("list active jobs failed", "error", err)
		return
	}
	for _, job := range active {
		if ctx.Err() != nil {
			return
		}
		logger := s.logger.With("job_id", job.ID, "attempt", job.Attempt)
		now := s.now().UTC()
		switch job.Status {
		case domain.JobPending:
			if job.Claimed(now) || now.Before(job.NextAttemptAt) {
				continue
			}
			if _, err := s.Dispatch(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrBusy) && !errors.Is(err, domain.ErrConflict) {
				logger.Warn("dispatch failed", "error", err)
			}
		case domain.JobDispatched, domain.JobRunning:
			if now.Sub(job.LastHeartbeatAt) < s.cfg.PollInterval {
				continue
			}
			if _, err := s.checkBuilder(ctx, job); err != nil && !errors.Is(err, domain.ErrConflict) {
				logger.Warn("builder check failed", "error", err)
			}
		case domain.JobSucceeded:
			if _, err := s.Publish(ctx, job.ID); err != nil {
				logger.Warn("publish failed", "error", err)
			}
		}
	}
}

// checkBuilder asks the assigned builder for its record of a silent job and
// applies it. A builder that stays unreachable or has no record past the
// liveness timeout fails the attempt with a timeout.
func (s *Service) checkBuilder(ctx context.Context, job domain.Job) (domain.Job, error) {
	b, known := s.builder(ctx, job.BuilderID)
	var build domain.Build
	var err error
	if known {
		build, err = s.dispatch.GetBuild(ctx, b.Endpoint, job.ID)
	} else {
		err = domain.ErrNotFound
	}
	if err == nil && build.Attempt == job.Attempt {
		if build.Status == domain.BuildAccepted && job.Status == domain.JobDispatched {
			return s.heartbeat(ctx, job)
		}
		return s.ApplyReport(ctx, build.Report(job.BuilderID, s.now().UTC()))
	}

	now := s.now().UTC()
	if now.Sub(job.LastHeartbeatAt) < s.cfg.LivenessTimeout {
		return job, err
	}
	if job.CancelRequested {
		return s.cancelLocally(ctx, job.ID, "builder silent after cancel")
	}
	detail := "builder silent past liveness timeout"
	if err != nil {
		detail += ": " + err.Error()
	}
	return s.mutate(ctx, job.ID, s.cfg.ID, func(cur *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if cur.Attempt != job.Attempt || cur.Status != job.Status || !cur.LastHeartbeatAt.Equal(job.LastHeartbeatAt) {
			return nil, errNoChange
		}
		return s.retryOrFail(cur, domain.Failure{Class: domain.FailureTimeout, Detail: detail}, now), nil
	})
}

// heartbeat notes that the builder still holds the job.
func (s *Service) heartbeat(ctx context.Context, job domain.Job) (domain.Job, error) {
	return s.mutate(ctx, job.ID, s.cfg.ID, func(cur *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if cur.Attempt != job.Attempt || cur.Status.Terminal() {
			return nil, errNoChange
		}
		cur.LastHeartbeatAt = now
		return nil, nil
	})
}
