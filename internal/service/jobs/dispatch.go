package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/packfarm/packfarm/internal/domain"
)

// ErrNoBuilder means no builder could take the job right now. The job stays
// pending; it is not a failure.
var ErrNoBuilder = fmt.Errorf("%w: no builder available", domain.ErrBusy)

// Dispatch claims a pending job and hands it to the first builder that
// accepts. Only one concurrent caller can hold the claim; the others get
// domain.ErrConflict.
func (s *Service) Dispatch(ctx context.Context, id string) (domain.Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status == domain.JobPending && !prepared(job) {
		if job, err = s.prepare(ctx, id); err != nil {
			return job, err
		}
		if job.Status != domain.JobPending || !prepared(job) {
			return job, nil
		}
	}

	claim := s.cfg.ID + "/" + uuid.NewString()
	job, err = s.claim(ctx, job, claim)
	if err != nil {
		return job, err
	}

	pool, err := s.eligibleBuilders(ctx)
	if err != nil {
		_, _ = s.release(ctx, id, claim)
		return job, err
	}

	req := domain.BuildRequest{
		JobID:      job.ID,
		Attempt:    job.Attempt,
		Recipe:     job.Recipe,
		Sources:    job.Sources,
		SourcesURL: s.cfg.SourcesURL,
		Remotes:    s.cfg.Remotes,
	}
	for _, b := range pool {
		logger := s.logger.With("job_id", job.ID, "attempt", job.Attempt, "builder", b.ID)
		job, err = s.target(ctx, id, claim, b.ID)
		if err != nil {
			return job, err
		}
		_, err = s.dispatch.Dispatch(ctx, b.Endpoint, req)
		switch {
		case err == nil:
			return s.dispatched(ctx, job, claim, b)
		case errors.Is(err, domain.ErrBusy), errors.Is(err, domain.ErrConflict):
			logger.Info("builder busy")
			b.Busy = true
			if err := s.builders.UpsertBuilder(ctx, b); err != nil {
				logger.Warn("mark builder busy failed", "error", err)
			}
		case errors.Is(err, domain.ErrInvalidArgument):
			logger.Warn("builder rejected job", "error", err)
			return s.mutate(ctx, id, s.cfg.ID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
				if job.Status != domain.JobPending || job.ClaimedBy != claim {
					return nil, errNoChange
				}
				return []domain.JobEvent{s.fail(job, domain.Failure{Class: domain.FailureInvalid, Detail: err.Error()}, now)}, nil
			})
		default:
			// The builder may have accepted before the answer was lost, so
			// no other builder gets this attempt.
			logger.Warn("dispatch failed", "error", err)
			return s.abandon(ctx, claim, job, b, err)
		}
	}

	job, err = s.release(ctx, id, claim)
	if err != nil {
		return job, err
	}
	return job, ErrNoBuilder
}

// target records which builder the claimed attempt is being offered to.
// Until the dispatch lands, only that builder's reports are accepted.
func (s *Service) target(ctx context.Context, id, claim, builderID string) (domain.Job, error) {
	return s.mutate(ctx, id, s.cfg.ID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if job.Status != domain.JobPending || job.ClaimedBy != claim {
			return nil, fmt.Errorf("%w: job %s changed during dispatch", domain.ErrConflict, job.ID)
		}
		job.BuilderID = builderID
		return nil, nil
	})
}

// abandon gives up on an attempt whose dispatch ended in a transport error.
// The builder is asked to drop the job and the attempt is charged to the
// retry budget; any report for it arrives stale.
func (s *Service) abandon(ctx context.Context, claim string, claimed domain.Job, b domain.BuilderInfo, cause error) (domain.Job, error) {
	if err := s.dispatch.Cancel(ctx, b.Endpoint, claimed.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("cancel after lost dispatch failed", "job_id", claimed.ID, "builder", b.ID, "error", err)
	}
	return s.mutate(ctx, claimed.ID, s.cfg.ID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if job.Status != domain.JobPending || job.ClaimedBy != claim || job.Attempt != claimed.Attempt {
			return nil, errNoChange
		}
		return s.retryOrFail(job, domain.Failure{Class: domain.FailureTransport, Detail: cause.Error()}, now), nil
	})
}

// claim takes the dispatch lease on a pending job.
func (s *Service) claim(ctx context.Context, job domain.Job, claim string) (domain.Job, error) {
	now := s.now().UTC()
	if job.Status != domain.JobPending {
		return job, fmt.Errorf("%w: job %s is %s", domain.ErrConflict, job.ID, job.Status)
	}
	if job.CancelRequested {
		return job, fmt.Errorf("%w: job %s is being cancelled", domain.ErrConflict, job.ID)
	}
	if job.Claimed(now) {
		return job, fmt.Errorf("%w: job %s is claimed by %s", domain.ErrConflict, job.ID, job.ClaimedBy)
	}
	job.ClaimedBy = claim
	job.ClaimExpiresAt = now.Add(s.cfg.ClaimTTL)
	job.BuilderID = ""
	job.UpdatedAt = now
	claimed, err := s.jobs.UpdateJob(ctx, job)
	if err != nil {
		return job, err
	}
	return claimed, nil
}

// release drops our claim without touching anything else.
func (s *Service) release(ctx context.Context, id, claim string) (domain.Job, error) {
	return s.mutate(ctx, id, s.cfg.ID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if job.ClaimedBy != claim {
			return nil, errNoChange
		}
		job.ClaimedBy = ""
		job.ClaimExpiresAt = time.Time{}
		if job.Status == domain.JobPending {
			job.BuilderID = ""
		}
		return nil, nil
	})
}

// dispatched records that builder b accepted the job. The builder's first
// report may already have moved the job forward.
func (s *Service) dispatched(ctx context.Context, claimed domain.Job, claim string, b domain.BuilderInfo) (domain.Job, error) {
	job, err := s.mutate(ctx, claimed.ID, s.cfg.ID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if job.Attempt != claimed.Attempt || job.BuilderID == b.ID && job.Status != domain.JobPending {
			return nil, errNoChange
		}
		if job.Status != domain.JobPending || job.ClaimedBy != claim {
			return nil, fmt.Errorf("%w: job %s changed during dispatch", domain.ErrConflict, job.ID)
		}
		ev := domain.JobEvent{Attempt: job.Attempt, From: domain.JobPending, To: domain.JobDispatched, BuilderID: b.ID, Reason: "dispatched"}
		job.Status = domain.JobDispatched
		job.BuilderID = b.ID
		job.ClaimedBy = ""
		job.ClaimExpiresAt = time.Time{}
		job.NextAttemptAt = time.Time{}
		job.LastHeartbeatAt = now
		return []domain.JobEvent{ev}, nil
	})
	if err != nil && errors.Is(err, domain.ErrConflict) {
		// Cancelled while the builder was accepting: take the build back.
		if cur, getErr := s.jobs.GetJob(ctx, claimed.ID); getErr == nil && cur.Status == domain.JobCancelled {
			if cancelErr := s.dispatch.Cancel(ctx, b.Endpoint, claimed.ID); cancelErr != nil {
				s.logger.Warn("cancel orphaned build failed", "job_id", claimed.ID, "builder", b.ID, "error", cancelErr)
			}
		}
	}
	return job, err
}

// eligibleBuilders returns builders seen within BuilderTTL that did not last
// report busy, rotated so consecutive dispatches start at different builders.
func (s *Service) eligibleBuilders(ctx context.Context) ([]domain.BuilderInfo, error) {
	all, err := s.builders.ListBuilders(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-s.cfg.BuilderTTL)
	pool := make([]domain.BuilderInfo, 0, len(all))
	for _, b := range all {
		if b.Busy || b.LastSeenAt.Before(cutoff) {
			continue
		}
		pool = append(pool, b)
	}
	if len(pool) == 0 {
		return nil, nil
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })
	start := int((s.next.Inc() - 1) % uint64(len(pool)))
	rotated := make([]domain.BuilderInfo, 0, len(pool))
	rotated = append(rotated, pool[start:]...)
	return append(rotated, pool[:start]...), nil
}

// RegisterBuilder adds or refreshes a builder in the pool.
func (s *Service) RegisterBuilder(ctx context.Context, info domain.BuilderInfo) (domain.BuilderInfo, error) {
	info.ID = strings.TrimSpace(info.ID)
	info.Endpoint = strings.TrimRight(strings.TrimSpace(info.Endpoint), "/")
	if info.ID == "" || info.Endpoint == "" {
		return domain.BuilderInfo{}, fmt.Errorf("%w: builder id and endpoint are required", domain.ErrInvalidArgument)
	}
	info.LastSeenAt = s.now().UTC()
	if err := s.builders.UpsertBuilder(ctx, info); err != nil {
		return domain.BuilderInfo{}, err
	}
	return info, nil
}

func (s *Service) ListBuilders(ctx context.Context) ([]domain.BuilderInfo, error) {
	all, err := s.builders.ListBuilders(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

func (s *Service) builder(ctx context.Context, id string) (domain.BuilderInfo, bool) {
	all, err := s.builders.ListBuilders(ctx)
	if err != nil {
		return domain.BuilderInfo{}, false
	}
	for _, b := range all {
		if b.ID == id {
			return b, true
		}
	}
	return domain.BuilderInfo{}, false
}
