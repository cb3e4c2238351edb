package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/recipe"
)

// Publish forwards a succeeded job's artifact to the index and records the
// acknowledgement. Publishing an acknowledged or rejected job is a no-op. An
// index that refuses the artifact for good completes the job with a
// PublishFailure instead of leaving it to be retried forever.
func (s *Service) Publish(ctx context.Context, id string) (domain.Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobSucceeded {
		return job, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, id, job.Status)
	}
	if !job.AwaitingPublish() {
		return job, nil
	}
	if job.Result == nil {
		return job, fmt.Errorf("%w: job %s has no result", domain.ErrInvalidArgument, id)
	}

	artifact, created, err := s.index.Publish(ctx, job.PublishRequest())
	if class, final := publishRejection(err); final {
		return s.rejectPublish(ctx, id, domain.Failure{Class: class, Stage: "publish", Detail: err.Error()})
	}
	if err != nil {
		return job, fmt.Errorf("publish %s: %w", id, err)
	}
	if created {
		s.logger.Info("artifact published", "job_id", id, "artifact_id", artifact.ID, "digest", artifact.ContentDigest)
	}
	return s.AckPublished(ctx, id, domain.PublishAck{
		ArtifactID:    artifact.ID,
		ContentDigest: artifact.ContentDigest,
		PublishedAt:   artifact.PublishedAt,
	})
}

// AckPublished marks a succeeded job complete once the index holds its
// artifact. Acknowledging twice is harmless; a digest that does not match
// the job's result is a conflict.
func (s *Service) AckPublished(ctx context.Context, id string, ack domain.PublishAck) (domain.Job, error) {
	acked := false
	job, err := s.mutate(ctx, id, s.cfg.ID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		acked = false
		if job.Status != domain.JobSucceeded || job.Result == nil {
			return nil, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, id, job.Status)
		}
		if ack.ContentDigest != job.Result.Digest {
			return nil, fmt.Errorf("%w: acknowledged digest %s does not match %s", domain.ErrConflict, ack.ContentDigest, job.Result.Digest)
		}
		if !job.PublishedAt.IsZero() {
			return nil, errNoChange
		}
		job.PublishedAt = ack.PublishedAt.UTC()
		if job.PublishedAt.IsZero() {
			job.PublishedAt = now
		}
		job.PublishedArtifactID = ack.ArtifactID
		acked = true
		return nil, nil
	})
	if err == nil && acked {
		s.record(ctx, s.cfg.ID, "job.published", id, map[string]any{"artifact_id": ack.ArtifactID, "digest": ack.ContentDigest})
	}
	return job, err
}

// publishRejection classifies index errors that no retry can fix.
func publishRejection(err error) (domain.FailureClass, bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, domain.ErrConflict):
		return domain.FailureConflict, true
	case errors.Is(err, domain.ErrIntegrity):
		return domain.FailureIntegrity, true
	case errors.Is(err, domain.ErrInvalidArgument):
		return domain.FailureInvalid, true
	default:
		return "", false
	}
}

// rejectPublish completes a succeeded job the index will never accept.
func (s *Service) rejectPublish(ctx context.Context, id string, f domain.Failure) (domain.Job, error) {
	rejected := false
	job, err := s.mutate(ctx, id, s.cfg.ID, func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		rejected = false
		if !job.AwaitingPublish() {
			return nil, errNoChange
		}
		job.PublishFailure = &f
		rejected = true
		return nil, nil
	})
	if err != nil {
		return job, err
	}
	if rejected {
		s.logger.Warn("index rejected artifact", "job_id", id, "class", f.Class, "error", f.Detail)
		s.record(ctx, s.cfg.ID, "job.publish_rejected", id, map[string]any{"class": f.Class, "detail": f.Detail})
	}
	return job, nil
}

// ImportArtifact verifies an already built artifact and publishes it
// directly. No job is created; the index records provenance import:<uuid>.
func (s *Service) ImportArtifact(ctx context.Context, req domain.ImportRequest, actor string) (domain.PublishedArtifact, error) {
	return s.ImportArtifactOnce(ctx, req, actor, "")
}

// ImportArtifactOnce is ImportArtifact with an idempotency key. The key fixes
// the provenance, so a repeated import lands on the artifact already indexed.
func (s *Service) ImportArtifactOnce(ctx context.Context, req domain.ImportRequest, actor, key string) (domain.PublishedArtifact, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Version = strings.TrimSpace(req.Version)
	req.URI = strings.TrimSpace(req.URI)
	switch {
	case req.Name == "" || req.Version == "" || req.Release < 1:
		return domain.PublishedArtifact{}, fmt.Errorf("%w: name, version and release are required", domain.ErrInvalidArgument)
	case req.URI == "":
		return domain.PublishedArtifact{}, fmt.Errorf("%w: uri is required", domain.ErrInvalidArgument)
	case req.Digest.Validate() != nil:
		return domain.PublishedArtifact{}, fmt.Errorf("%w: invalid digest %q", domain.ErrInvalidArgument, req.Digest)
	case s.blobs == nil:
		return domain.PublishedArtifact{}, errors.New("imports are not configured")
	}

	body, err := s.blobs.Open(ctx, req.URI)
	if err != nil {
		return domain.PublishedArtifact{}, fmt.Errorf("open %s: %w", req.URI, err)
	}
	defer body.Close()
	counter := &countingReader{r: body}
	if err := recipe.Verify(counter, req.Digest); err != nil {
		return domain.PublishedArtifact{}, err
	}
	if req.Size > 0 && req.Size != counter.n {
		return domain.PublishedArtifact{}, fmt.Errorf("%w: size %d does not match declared %d", domain.ErrIntegrity, counter.n, req.Size)
	}

	provenance := domain.ImportPrefix + uuid.NewString()
	if key = strings.TrimSpace(key); key != "" {
		provenance = domain.ImportPrefix + keyedID("import", strings.TrimSpace(actor), key)
	}
	artifact, _, err := s.index.Publish(ctx, domain.PublishRequest{
		JobID:         provenance,
		Name:          req.Name,
		Version:       req.Version,
		Release:       req.Release,
		ContentDigest: req.Digest,
		Size:          counter.n,
		URI:           req.URI,
	})
	if err != nil {
		return domain.PublishedArtifact{}, err
	}
	s.record(ctx, actor, "artifact.imported", provenance, map[string]any{"artifact_id": artifact.ID, "digest": req.Digest, "uri": req.URI})
	s.logger.Info("artifact imported", "artifact_id", artifact.ID, "provenance", provenance)
	return artifact, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
