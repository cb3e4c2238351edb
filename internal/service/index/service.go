// Package index is the registry of published artifacts. Publishing is
// idempotent per (job, content digest); records are never changed after.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/objectstore"
	"github.com/packfarm/packfarm/internal/repo"
)

// SeedPrefix marks records imported from the bootstrap seed file.
const SeedPrefix = "seed:"

// Coordinator is the part of vessel the reconcile loop needs.
type Coordinator interface {
	ListUnpublished(ctx context.Context, limit int) ([]domain.Job, error)
	AckPublished(ctx context.Context, jobID string, ack domain.PublishAck) error
}

type Service struct {
	artifacts   repo.ArtifactRepository
	blobs       objectstore.Store
	bucket      string
	coordinator Coordinator
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures optional collaborators.
type Option func(*Service)

// WithContentCheck makes Publish require build outputs to exist in bucket.
func WithContentCheck(blobs objectstore.Store, bucket string) Option {
	return func(s *Service) {
		s.blobs = blobs
		s.bucket = bucket
	}
}

// WithCoordinator enables Reconcile against vessel.
func WithCoordinator(c Coordinator) Option {
	return func(s *Service) { s.coordinator = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func New(artifacts repo.ArtifactRepository, opts ...Option) (*Service, error) {
	if artifacts == nil {
		return nil, errors.New("artifact repository is required")
	}
	s := &Service{artifacts: artifacts, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.blobs != nil && strings.TrimSpace(s.bucket) == "" {
		return nil, errors.New("content check bucket is required")
	}
	return s, nil
}

// Publish records req. Repeating a publish returns the stored record with
// created=false; another digest for a published name-version-release is
// domain.ErrConflict.
func (s *Service) Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishedArtifact, bool, error) {
	if err := validate(req); err != nil {
		return domain.PublishedArtifact{}, false, err
	}
	if s.blobs != nil && !provenanceExternal(req.JobID) {
		err := objectstore.Holds(ctx, s.blobs, s.bucket, req.ContentDigest, req.Size)
		switch {
		case errors.Is(err, objectstore.ErrNotFound):
			return domain.PublishedArtifact{}, false, fmt.Errorf("%w: content %s is not in the artifact store", domain.ErrIntegrity, req.ContentDigest)
		case errors.Is(err, objectstore.ErrSizeMismatch):
			return domain.PublishedArtifact{}, false, fmt.Errorf("%w: %v", domain.ErrIntegrity, err)
		case err != nil:
			return domain.PublishedArtifact{}, false, fmt.Errorf("content check: %w", err)
		}
	}

	a := req.Artifact()
	a.ID = uuid.NewString()
	a.PublishedAt = s.now().UTC()
	stored, created, err := s.artifacts.InsertArtifact(ctx, a)
	if err != nil {
		return domain.PublishedArtifact{}, false, err
	}
	if created {
		s.logger.Info("artifact published", "artifact_id", stored.ID, "job_id", stored.JobID, "name", stored.Name, "version", stored.Version, "release", stored.Release, "digest", stored.ContentDigest)
	}
	return stored, created, nil
}

func validate(req domain.PublishRequest) error {
	switch {
	case strings.TrimSpace(req.JobID) == "":
		return fmt.Errorf("%w: job id is required", domain.ErrInvalidArgument)
	case strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Version) == "":
		return fmt.Errorf("%w: name and version are required", domain.ErrInvalidArgument)
	case req.Release < 1:
		return fmt.Errorf("%w: release must be >= 1", domain.ErrInvalidArgument)
	case req.ContentDigest.Validate() != nil:
		return fmt.Errorf("%w: invalid content digest %q", domain.ErrInvalidArgument, req.ContentDigest)
	case req.Size < 0:
		return fmt.Errorf("%w: size must be >= 0", domain.ErrInvalidArgument)
	}
	return nil
}

// provenanceExternal reports records whose content never went through a builder.
func provenanceExternal(jobID string) bool {
	return strings.HasPrefix(jobID, domain.ImportPrefix) || strings.HasPrefix(jobID, SeedPrefix)
}

func (s *Service) Get(ctx context.Context, id string) (domain.PublishedArtifact, error) {
	return s.artifacts.GetArtifact(ctx, id)
}

func (s *Service) List(ctx context.Context, filter repo.ArtifactFilter) ([]domain.PublishedArtifact, error) {
	filter.Limit = repo.ClampLimit(filter.Limit)
	return s.artifacts.ListArtifacts(ctx, filter)
}

// Reconcile publishes every succeeded job vessel has not seen acknowledged,
// then acknowledges it back. It returns how many jobs were acknowledged.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	if s.coordinator == nil {
		return 0, errors.New("no coordinator configured")
	}
	pending, err := s.coordinator.ListUnpublished(ctx, 100)
	if err != nil {
		return 0, fmt.Errorf("list unpublished: %w", err)
	}
	acked := 0
	var errs []error
	for _, job := range pending {
		if job.Status != domain.JobSucceeded || job.Result == nil {
			continue
		}
		a, _, err := s.Publish(ctx, job.PublishRequest())
		if err != nil {
			s.logger.Warn("reconcile publish failed", "job_id", job.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		ack := domain.PublishAck{ArtifactID: a.ID, ContentDigest: a.ContentDigest, PublishedAt: a.PublishedAt}
		if err := s.coordinator.AckPublished(ctx, job.ID, ack); err != nil {
			s.logger.Warn("reconcile ack failed", "job_id", job.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		acked++
	}
	return acked, errors.Join(errs...)
}

// Run reconciles every interval until ctx ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("reconcile incomplete", "acknowledged", n, "error", err)
		} else if n > 0 {
			s.logger.Info("reconciled unpublished jobs", "acknowledged", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Seed is one pre-existing artifact listed in the bootstrap seed file.
type Seed struct {
	Name    string        `yaml:"name"`
	Version string        `yaml:"version"`
	Release int64         `yaml:"release"`
	Digest  digest.Digest `yaml:"digest"`
	Size    int64         `yaml:"size"`
	URI     string        `yaml:"uri"`
}

// SeedFile is the layout of summit's --seed file.
type SeedFile struct {
	Artifacts []Seed `yaml:"artifacts"`
}

// ImportSeeds publishes seed artifacts. Re-running it with the same seeds
// creates nothing new.
func (s *Service) ImportSeeds(ctx context.Context, seeds []Seed) (int, error) {
	created := 0
	for i, seed := range seeds {
		req := domain.PublishRequest{
			JobID:         SeedPrefix + seed.Name + "-" + seed.Version + "-" + strconv.FormatInt(seed.Release, 10),
			Name:          seed.Name,
			Version:       seed.Version,
			Release:       seed.Release,
			ContentDigest: seed.Digest,
			Size:          seed.Size,
			URI:           seed.URI,
		}
		_, ok, err := s.Publish(ctx, req)
		if err != nil {
			return created, fmt.Errorf("seed %d (%s): %w", i, seed.Name, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}
