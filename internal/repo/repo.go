// Package repo declares the storage contracts of the packfarm services.
// Implementations live in repo/postgres and repo/filestore.
package repo

import (
	"context"

	"github.com/packfarm/packfarm/internal/domain"
)

// Not found and lost compare-and-swap are reported with the domain sentinels.
var (
	ErrNotFound = domain.ErrNotFound
	ErrConflict = domain.ErrConflict
)

type JobFilter struct {
	Status domain.JobStatus
	Name   string
	// Unpublished keeps only succeeded jobs the index has neither
	// acknowledged nor rejected.
	Unpublished bool
	// Active keeps only jobs that are not complete.
	Active bool
	Limit  int
}

// JobRepository stores build jobs and their transition log.
type JobRepository interface {
	// CreateJob stores job at revision 1 together with its first events.
	CreateJob(ctx context.Context, job domain.Job, events ...domain.JobEvent) (domain.Job, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error)
	// UpdateJob replaces the job if the stored revision still equals
	// job.Revision, bumps the revision and appends events under the same
	// write. A stale revision yields ErrConflict.
	UpdateJob(ctx context.Context, job domain.Job, events ...domain.JobEvent) (domain.Job, error)
	ListEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error)
}

// BuilderRepository is the coordinator's builder pool.
type BuilderRepository interface {
	UpsertBuilder(ctx context.Context, builder domain.BuilderInfo) error
	ListBuilders(ctx context.Context) ([]domain.BuilderInfo, error)
}

type ArtifactFilter struct {
	Name    string
	Version string
	Release int64
	// Latest keeps only the newest release of each name.
	Latest bool
	Limit  int
}

// ArtifactRepository is the index's durable set of published artifacts.
type ArtifactRepository interface {
	// InsertArtifact is idempotent on (JobID, ContentDigest): a repeat returns
	// the stored record and created=false. A different digest for a known
	// (Name, Version, Release) yields ErrConflict.
	InsertArtifact(ctx context.Context, artifact domain.PublishedArtifact) (domain.PublishedArtifact, bool, error)
	GetArtifact(ctx context.Context, id string) (domain.PublishedArtifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]domain.PublishedArtifact, error)
}

// BuildRepository is the builder's local record of executions.
type BuildRepository interface {
	PutBuild(ctx context.Context, build domain.Build) error
	// GetBuild returns the record of the latest attempt for jobID.
	GetBuild(ctx context.Context, jobID string) (domain.Build, error)
	ListBuilds(ctx context.Context) ([]domain.Build, error)
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 500:
		return 500
	default:
		return limit
	}
}
