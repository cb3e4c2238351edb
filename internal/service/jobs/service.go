// Package jobs is the ingestion coordinator: it owns the build job state
// machine, hands jobs to builders and forwards successes to the index.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"go.uber.org/atomic"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/auditlog"
	"github.com/packfarm/packfarm/internal/platform/backoff"
	"github.com/packfarm/packfarm/internal/recipe"
	"github.com/packfarm/packfarm/internal/repo"
)

// SourceCache fetches and verifies upstream sources and serves them by digest.
type SourceCache interface {
	Fetch(ctx context.Context, up domain.Upstream) (domain.SourceRef, error)
	Open(d digest.Digest) (*os.File, error)
}

// BlobOpener opens the content behind an import URI.
type BlobOpener interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Builders is the dispatch surface of the avalanche instances.
type Builders interface {
	Dispatch(ctx context.Context, endpoint string, req domain.BuildRequest) (domain.Build, error)
	GetBuild(ctx context.Context, endpoint string, jobID string) (domain.Build, error)
	Cancel(ctx context.Context, endpoint string, jobID string) error
}

// Index records published artifacts.
type Index interface {
	Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishedArtifact, bool, error)
}

type Config struct {
	// ID names this coordinator in dispatch claims.
	ID string
	// SourcesURL is where builders fetch cached sources from, by digest.
	SourcesURL string
	Remotes    []domain.Remote

	MaxAttempts    int
	Retry          backoff.Policy
	RetryExecution bool

	ClaimTTL        time.Duration
	BuilderTTL      time.Duration
	PollInterval    time.Duration
	LivenessTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ID:              "vessel",
		MaxAttempts:     3,
		Retry:           backoff.DefaultPolicy(),
		ClaimTTL:        30 * time.Second,
		BuilderTTL:      time.Minute,
		PollInterval:    15 * time.Second,
		LivenessTimeout: 2 * time.Minute,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("coordinator id is required")
	}
	if strings.TrimSpace(c.SourcesURL) == "" {
		return errors.New("sources url is required")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if c.ClaimTTL <= 0 || c.BuilderTTL <= 0 || c.PollInterval <= 0 || c.LivenessTimeout <= 0 {
		return errors.New("claim ttl, builder ttl, poll interval and liveness timeout must be positive")
	}
	if c.LivenessTimeout < c.PollInterval {
		return errors.New("liveness timeout must be >= poll interval")
	}
	return c.Retry.Validate()
}

// Deps are the collaborators the coordinator is built from. Audit may be nil.
type Deps struct {
	Jobs     repo.JobRepository
	Builders repo.BuilderRepository
	Sources  SourceCache
	Blobs    BlobOpener
	Dispatch Builders
	Index    Index
	Audit    auditlog.Recorder
	Logger   *slog.Logger
}

type Service struct {
	cfg      Config
	jobs     repo.JobRepository
	builders repo.BuilderRepository
	sources  SourceCache
	blobs    BlobOpener
	dispatch Builders
	index    Index
	audit    auditlog.Recorder
	logger   *slog.Logger
	now      func() time.Time

	next *atomic.Uint64
}

func New(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Jobs == nil || deps.Builders == nil || deps.Sources == nil || deps.Dispatch == nil || deps.Index == nil {
		return nil, errors.New("job store, builder store, source cache, builder client and index are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:      cfg,
		jobs:     deps.Jobs,
		builders: deps.Builders,
		sources:  deps.Sources,
		blobs:    deps.Blobs,
		dispatch: deps.Dispatch,
		index:    deps.Index,
		audit:    deps.Audit,
		logger:   logger,
		now:      time.Now,
		next:     atomic.NewUint64(0),
	}, nil
}

// Submit records a new job for rec and prepares its sources. A source whose
// checksum does not match fails the job before any builder sees it.
func (s *Service) Submit(ctx context.Context, rec domain.Recipe, actor string) (domain.Job, error) {
	return s.SubmitOnce(ctx, rec, actor, "")
}

// SubmitOnce is Submit with an idempotency key. Repeating a key with the same
// recipe returns the job the first call created; an empty key always creates
// a new job.
func (s *Service) SubmitOnce(ctx context.Context, rec domain.Recipe, actor, key string) (domain.Job, error) {
	recipe.Normalize(&rec)
	if err := recipe.Validate(rec); err != nil {
		return domain.Job{}, err
	}
	actor = strings.TrimSpace(actor)
	key = strings.TrimSpace(key)
	id := uuid.NewString()
	if key != "" {
		id = keyedID("job", actor, key)
		existing, err := s.jobs.GetJob(ctx, id)
		if err == nil {
			return s.resubmit(ctx, existing, rec)
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Job{}, err
		}
	}

	now := s.now().UTC()
	job := domain.Job{
		ID:           id,
		Recipe:       rec,
		RecipeDigest: rec.Digest(),
		SubmittedBy:  actor,
		Status:       domain.JobPending,
		Attempt:      1,
		MaxAttempts:  s.cfg.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	created, err := s.jobs.CreateJob(ctx, job, domain.JobEvent{
		JobID:   job.ID,
		Attempt: 1,
		To:      domain.JobPending,
		Reason:  "submitted",
		At:      now,
	})
	if errors.Is(err, repo.ErrConflict) && key != "" {
		existing, getErr := s.jobs.GetJob(ctx, id)
		if getErr != nil {
			return domain.Job{}, getErr
		}
		return s.resubmit(ctx, existing, rec)
	}
	if err != nil {
		return domain.Job{}, err
	}
	s.record(ctx, actor, "job.submitted", created.ID, map[string]any{"recipe": rec.Identifier(), "recipe_digest": created.RecipeDigest})
	s.logger.Info("job submitted", "job_id", created.ID, "recipe", rec.Identifier())

	// The job exists now; a client hanging up must not cost it an attempt.
	return s.prepare(context.WithoutCancel(ctx), created.ID)
}

func (s *Service) resubmit(ctx context.Context, existing domain.Job, rec domain.Recipe) (domain.Job, error) {
	if existing.RecipeDigest != rec.Digest() {
		return domain.Job{}, fmt.Errorf("%w: idempotency key already used for job %s with another recipe", domain.ErrConflict, existing.ID)
	}
	return s.prepare(context.WithoutCancel(ctx), existing.ID)
}

var keyspace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:packfarm:idempotency"))

// keyedID derives a stable identifier for kind from who asked and their key.
func keyedID(kind, actor, key string) string {
	return uuid.NewSHA1(keyspace, []byte(kind+"\x00"+actor+"\x00"+key)).String()
}

// prepare fetches every upstream of a pending job into the source cache.
func (s *Service) prepare(ctx context.Context, id string) (domain.Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobPending || prepared(job) {
		return job, nil
	}

	refs := make([]domain.SourceRef, 0, len(job.Recipe.Upstreams))
	var fetchErr error
	for _, up := range job.Recipe.Upstreams {
		ref, err := s.sources.Fetch(ctx, up)
		if err != nil {
			fetchErr = err
			break
		}
		refs = append(refs, ref)
	}

	return s.mutate(ctx, id, "vessel", func(job *domain.Job, now time.Time) ([]domain.JobEvent, error) {
		if job.Status != domain.JobPending || prepared(*job) {
			return nil, errNoChange
		}
		switch {
		case fetchErr == nil:
			job.Sources = refs
			job.Failure = nil
			return nil, nil
		case errors.Is(fetchErr, domain.ErrIntegrity):
			f := domain.Failure{Class: domain.FailureIntegrity, Stage: "fetch", Detail: fetchErr.Error()}
			return []domain.JobEvent{s.fail(job, f, now)}, nil
		case errors.Is(fetchErr, domain.ErrInvalidArgument):
			f := domain.Failure{Class: domain.FailureInvalid, Stage: "fetch", Detail: fetchErr.Error()}
			return []domain.JobEvent{s.fail(job, f, now)}, nil
		default:
			f := domain.Failure{Class: domain.FailureTransport, Stage: "fetch", Detail: fetchErr.Error()}
			return s.retryOrFail(job, f, now), nil
		}
	})
}

func prepared(job domain.Job) bool {
	return len(job.Sources) == len(job.Recipe.Upstreams)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Job, error) {
	return s.jobs.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error) {
	filter.Limit = repo.ClampLimit(filter.Limit)
	return s.jobs.ListJobs(ctx, filter)
}

func (s *Service) Events(ctx context.Context, id string) ([]domain.JobEvent, error) {
	if _, err := s.jobs.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.jobs.ListEvents(ctx, id)
}

// OpenSource serves a cached, verified source to builders.
func (s *Service) OpenSource(d digest.Digest) (*os.File, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return s.sources.Open(d)
}

var errNoChange = errors.New("no change")

const maxMutateTries = 5

// mutate applies fn to the current job and writes the result with
// compare-and-swap, re-reading on a lost race. fn returns errNoChange to skip
// the write.
func (s *Service) mutate(ctx context.Context, id string, actor string, fn func(job *domain.Job, now time.Time) ([]domain.JobEvent, error)) (domain.Job, error) {
	for try := 0; ; try++ {
		job, err := s.jobs.GetJob(ctx, id)
		if err != nil {
			return domain.Job{}, err
		}
		now := s.now().UTC()
		before := job.Status
		events, err := fn(&job, now)
		if errors.Is(err, errNoChange) {
			return job, nil
		}
		if err != nil {
			return job, err
		}
		for i := range events {
			if !domain.CanTransitionJob(events[i].From, events[i].To) {
				return job, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, events[i].From, events[i].To)
			}
			events[i].JobID = id
			events[i].At = now
		}
		job.UpdatedAt = now
		updated, err := s.jobs.UpdateJob(ctx, job, events...)
		if errors.Is(err, repo.ErrConflict) && try < maxMutateTries {
			continue
		}
		if err != nil {
			return domain.Job{}, err
		}
		for _, ev := range events {
			s.record(ctx, actor, "job.transition", id, map[string]any{
				"from":    ev.From,
				"to":      ev.To,
				"attempt": ev.Attempt,
				"builder": ev.BuilderID,
				"reason":  ev.Reason,
			})
		}
		if before != updated.Status {
			s.logger.Info("job transition", "job_id", id, "attempt", updated.Attempt, "from", before, "to", updated.Status)
		}
		return updated, nil
	}
}

// fail moves job to failed with f.
func (s *Service) fail(job *domain.Job, f domain.Failure, now time.Time) domain.JobEvent {
	ev := domain.JobEvent{Attempt: job.Attempt, From: job.Status, To: domain.JobFailed, BuilderID: job.BuilderID, Reason: string(f.Class) + ": " + f.Detail}
	job.Status = domain.JobFailed
	job.Failure = &f
	job.ClaimedBy = ""
	job.ClaimExpiresAt = time.Time{}
	return ev
}

// retryOrFail starts the next attempt when f is retryable and budget
// remains, otherwise fails the job. A pending job keeps its status and only
// advances the attempt counter.
func (s *Service) retryOrFail(job *domain.Job, f domain.Failure, now time.Time) []domain.JobEvent {
	if !f.Class.Retryable(s.cfg.RetryExecution) || job.Attempt >= job.MaxAttempts {
		return []domain.JobEvent{s.fail(job, f, now)}
	}
	from := job.Status
	builder := job.BuilderID
	job.Failure = &f
	job.Status = domain.JobPending
	job.NextAttemptAt = now.Add(s.cfg.Retry.Delay(job.Attempt))
	job.Attempt++
	job.BuilderID = ""
	job.ClaimedBy = ""
	job.ClaimExpiresAt = time.Time{}
	job.Result = nil
	if from == domain.JobPending {
		return nil
	}
	return []domain.JobEvent{{Attempt: job.Attempt - 1, From: from, To: domain.JobPending, BuilderID: builder, Reason: "retry after " + string(f.Class) + ": " + f.Detail}}
}

func (s *Service) record(ctx context.Context, actor, action, jobID string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	if strings.TrimSpace(actor) == "" {
		actor = s.cfg.ID
	}
	err := s.audit.Record(context.WithoutCancel(ctx), auditlog.Event{
		OccurredAt:   s.now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "build_job",
		ResourceID:   jobID,
		Payload:      payload,
	})
	if err != nil {
		s.logger.Warn("audit record failed", "job_id", jobID, "action", action, "error", err)
	}
}
