// Package filestore implements the repo contracts on a service state
// directory, for deployments without Postgres. A job and its transition log
// share one record file, so each update is a single atomic rename.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/statedir"
	"github.com/packfarm/packfarm/internal/repo"
)

const (
	collectionJobs      = "jobs"
	collectionBuilders  = "builders"
	collectionArtifacts = "artifacts"
	collectionBuilds    = "builds"
)

type jobRecord struct {
	Job    domain.Job        `json:"job"`
	Events []domain.JobEvent `json:"events"`
}

type JobStore struct {
	dir *statedir.Dir
	mu  sync.Mutex
}

func NewJobStore(dir *statedir.Dir) *JobStore {
	if dir == nil {
		return nil
	}
	return &JobStore{dir: dir}
}

func (s *JobStore) CreateJob(ctx context.Context, job domain.Job, events ...domain.JobEvent) (domain.Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		return domain.Job{}, fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing jobRecord
	if err := s.dir.Get(collectionJobs, job.ID, &existing); err == nil {
		return domain.Job{}, repo.ErrConflict
	} else if !errors.Is(err, statedir.ErrNotFound) {
		return domain.Job{}, err
	}

	job.Revision = 1
	job.CreatedAt = utcOrNow(job.CreatedAt)
	job.UpdatedAt = job.CreatedAt
	rec := jobRecord{Job: job}
	rec.Events = appendEvents(nil, job.ID, events)
	if err := s.dir.Put(collectionJobs, job.ID, rec); err != nil {
		return domain.Job{}, fmt.Errorf("write job: %w", err)
	}
	return job, nil
}

func (s *JobStore) GetJob(ctx context.Context, id string) (domain.Job, error) {
	rec, err := s.load(id)
	if err != nil {
		return domain.Job{}, err
	}
	return rec.Job, nil
}

func (s *JobStore) ListJobs(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	keys, err := s.dir.Keys(collectionJobs)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]domain.Job, 0, len(keys))
	for _, key := range keys {
		rec, err := s.load(key)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if filter.Match(rec.Job) {
			jobs = append(jobs, rec.Job)
		}
	}
	repo.SortJobs(jobs)
	if limit := repo.ClampLimit(filter.Limit); len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *JobStore) UpdateJob(ctx context.Context, job domain.Job, events ...domain.JobEvent) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(job.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if rec.Job.Revision != job.Revision {
		return domain.Job{}, repo.ErrConflict
	}
	job.Revision++
	job.UpdatedAt = utcOrNow(job.UpdatedAt)
	rec.Job = job
	rec.Events = appendEvents(rec.Events, job.ID, events)
	if err := s.dir.Put(collectionJobs, job.ID, rec); err != nil {
		return domain.Job{}, fmt.Errorf("write job: %w", err)
	}
	return job, nil
}

func (s *JobStore) ListEvents(ctx context.Context, jobID string) ([]domain.JobEvent, error) {
	rec, err := s.load(jobID)
	if err != nil {
		return nil, err
	}
	return rec.Events, nil
}

func (s *JobStore) load(id string) (jobRecord, error) {
	var rec jobRecord
	if err := s.dir.Get(collectionJobs, strings.TrimSpace(id), &rec); err != nil {
		if errors.Is(err, statedir.ErrNotFound) {
			return jobRecord{}, repo.ErrNotFound
		}
		return jobRecord{}, err
	}
	return rec, nil
}

func appendEvents(log []domain.JobEvent, jobID string, events []domain.JobEvent) []domain.JobEvent {
	seq := int64(len(log))
	for _, ev := range events {
		seq++
		ev.JobID = jobID
		ev.Seq = seq
		ev.At = utcOrNow(ev.At)
		log = append(log, ev)
	}
	return log
}

func utcOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

type BuilderStore struct {
	dir *statedir.Dir
	mu  sync.Mutex
}

func NewBuilderStore(dir *statedir.Dir) *BuilderStore {
	if dir == nil {
		return nil
	}
	return &BuilderStore{dir: dir}
}

func (s *BuilderStore) UpsertBuilder(ctx context.Context, b domain.BuilderInfo) error {
	if strings.TrimSpace(b.ID) == "" || strings.TrimSpace(b.Endpoint) == "" {
		return fmt.Errorf("builder id and endpoint are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur domain.BuilderInfo
	if err := s.dir.Get(collectionBuilders, b.ID, &cur); err == nil && cur.LastSeenAt.After(b.LastSeenAt) {
		b.LastSeenAt = cur.LastSeenAt
	}
	b.LastSeenAt = utcOrNow(b.LastSeenAt)
	return s.dir.Put(collectionBuilders, b.ID, b)
}

func (s *BuilderStore) ListBuilders(ctx context.Context) ([]domain.BuilderInfo, error) {
	keys, err := s.dir.Keys(collectionBuilders)
	if err != nil {
		return nil, err
	}
	out := make([]domain.BuilderInfo, 0, len(keys))
	for _, key := range keys {
		var b domain.BuilderInfo
		if err := s.dir.Get(collectionBuilders, key, &b); err != nil {
			if errors.Is(err, statedir.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

type ArtifactStore struct {
	dir *statedir.Dir
	mu  sync.Mutex
}

func NewArtifactStore(dir *statedir.Dir) *ArtifactStore {
	if dir == nil {
		return nil
	}
	return &ArtifactStore{dir: dir}
}

func (s *ArtifactStore) InsertArtifact(ctx context.Context, a domain.PublishedArtifact) (domain.PublishedArtifact, bool, error) {
	if strings.TrimSpace(a.JobID) == "" || a.ContentDigest == "" {
		return domain.PublishedArtifact{}, false, fmt.Errorf("job id and content digest are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.all()
	if err != nil {
		return domain.PublishedArtifact{}, false, err
	}
	for _, existing := range all {
		if existing.JobID == a.JobID && existing.ContentDigest == a.ContentDigest {
			return existing, false, nil
		}
	}
	for _, existing := range all {
		if existing.Name == a.Name && existing.Version == a.Version && existing.Release == a.Release {
			if existing.ContentDigest == a.ContentDigest {
				return existing, false, nil
			}
			return domain.PublishedArtifact{}, false, fmt.Errorf("%w: %s-%s-%d already published with %s", repo.ErrConflict, a.Name, a.Version, a.Release, existing.ContentDigest)
		}
	}

	if strings.TrimSpace(a.ID) == "" {
		a.ID = uuid.NewString()
	}
	a.PublishedAt = utcOrNow(a.PublishedAt)
	if err := s.dir.Put(collectionArtifacts, a.ID, a); err != nil {
		return domain.PublishedArtifact{}, false, fmt.Errorf("write artifact: %w", err)
	}
	return a, true, nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.PublishedArtifact, error) {
	var a domain.PublishedArtifact
	if err := s.dir.Get(collectionArtifacts, strings.TrimSpace(id), &a); err != nil {
		if errors.Is(err, statedir.ErrNotFound) {
			return domain.PublishedArtifact{}, repo.ErrNotFound
		}
		return domain.PublishedArtifact{}, err
	}
	return a, nil
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, filter repo.ArtifactFilter) ([]domain.PublishedArtifact, error) {
	all, err := s.all()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PublishedArtifact, 0, len(all))
	for _, a := range all {
		if filter.Match(a) {
			out = append(out, a)
		}
	}
	if filter.Latest {
		out = repo.LatestByName(out)
	}
	repo.SortArtifacts(out)
	if limit := repo.ClampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *ArtifactStore) all() ([]domain.PublishedArtifact, error) {
	keys, err := s.dir.Keys(collectionArtifacts)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PublishedArtifact, 0, len(keys))
	for _, key := range keys {
		var a domain.PublishedArtifact
		if err := s.dir.Get(collectionArtifacts, key, &a); err != nil {
			if errors.Is(err, statedir.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// BuildStore keeps one record per job, holding the latest attempt.
type BuildStore struct {
	dir *statedir.Dir
}

func NewBuildStore(dir *statedir.Dir) *BuildStore {
	if dir == nil {
		return nil
	}
	return &BuildStore{dir: dir}
}

func (s *BuildStore) PutBuild(ctx context.Context, b domain.Build) error {
	if strings.TrimSpace(b.JobID) == "" {
		return fmt.Errorf("job id is required")
	}
	return s.dir.Put(collectionBuilds, b.JobID, b)
}

func (s *BuildStore) GetBuild(ctx context.Context, jobID string) (domain.Build, error) {
	var b domain.Build
	if err := s.dir.Get(collectionBuilds, strings.TrimSpace(jobID), &b); err != nil {
		if errors.Is(err, statedir.ErrNotFound) {
			return domain.Build{}, repo.ErrNotFound
		}
		return domain.Build{}, err
	}
	return b, nil
}

func (s *BuildStore) ListBuilds(ctx context.Context) ([]domain.Build, error) {
	keys, err := s.dir.Keys(collectionBuilds)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Build, 0, len(keys))
	for _, key := range keys {
		b, err := s.GetBuild(ctx, key)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

var (
	_ repo.JobRepository      = (*JobStore)(nil)
	_ repo.BuilderRepository  = (*BuilderStore)(nil)
	_ repo.ArtifactRepository = (*ArtifactStore)(nil)
	_ repo.BuildRepository    = (*BuildStore)(nil)
)
