// Package builds is the builder side of the farm: it owns one isolation slot,
// runs a dispatched recipe through its stages and reports every transition
// back to the coordinator.
package builds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"go.uber.org/atomic"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/backoff"
	"github.com/packfarm/packfarm/internal/platform/objectstore"
	"github.com/packfarm/packfarm/internal/recipe"
	"github.com/packfarm/packfarm/internal/repo"
	"github.com/packfarm/packfarm/internal/sandbox"
)

var errShutdown = errors.New("builder shutting down")

// Coordinator is the part of vessel the builder calls back into.
type Coordinator interface {
	Report(ctx context.Context, report domain.Report) error
	Register(ctx context.Context, info domain.BuilderInfo) error
	FetchSourceFrom(ctx context.Context, sourcesURL string, d digest.Digest, w io.Writer) error
}

type Config struct {
	BuilderID string
	// Endpoint is the address the coordinator dispatches to.
	Endpoint string
	// AssetBaseURL prefixes artifact URIs; assets are served at /assets/{digest}.
	AssetBaseURL   string
	LogDir         string
	ArtifactBucket string
	LogBucket      string
	Remotes        []domain.Remote
	ReportPolicy   backoff.Policy
	ReportTries    int
	OutputTail     int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BuilderID) == "" {
		return errors.New("builder id is required")
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("builder endpoint is required")
	}
	if strings.TrimSpace(c.LogDir) == "" {
		return errors.New("log dir is required")
	}
	if c.ArtifactBucket == "" || c.LogBucket == "" {
		return errors.New("artifact and log buckets are required")
	}
	return c.ReportPolicy.Validate()
}

// Status is the builder's self-description served at /status.
type Status struct {
	BuilderID string `json:"builder_id"`
	Runner    string `json:"runner"`
	Busy      bool   `json:"busy"`
	JobID     string `json:"job_id,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
}

type Service struct {
	cfg         Config
	builds      repo.BuildRepository
	sandboxes   *sandbox.Manager
	blobs       objectstore.Store
	coordinator Coordinator
	logger      *slog.Logger
	now         func() time.Time

	busy      *atomic.Bool
	succeeded *atomic.Int64
	failed    *atomic.Int64

	mu      sync.Mutex
	current *execution
	wg      sync.WaitGroup
}

// execution is the build occupying the slot.
type execution struct {
	build  domain.Build
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func New(cfg Config, builds repo.BuildRepository, sandboxes *sandbox.Manager, blobs objectstore.Store, coordinator Coordinator, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if builds == nil || sandboxes == nil || blobs == nil || coordinator == nil {
		return nil, errors.New("build store, sandbox manager, blob store and coordinator are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReportTries <= 0 {
		cfg.ReportTries = 5
	}
	if cfg.OutputTail <= 0 {
		cfg.OutputTail = 4096
	}
	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("log dir: %w", err)
	}
	return &Service{
		cfg:         cfg,
		builds:      builds,
		sandboxes:   sandboxes,
		blobs:       blobs,
		coordinator: coordinator,
		logger:      logger.With("builder", cfg.BuilderID),
		now:         time.Now,
		busy:        atomic.NewBool(false),
		succeeded:   atomic.NewInt64(0),
		failed:      atomic.NewInt64(0),
	}, nil
}

// Dispatch accepts req into the slot and starts executing it. Dispatching the
// (job, attempt) already held or already recorded returns that record.
func (s *Service) Dispatch(ctx context.Context, req domain.BuildRequest) (domain.Build, error) {
	if err := validateRequest(req); err != nil {
		return domain.Build{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.current; cur != nil {
		if cur.build.JobID == req.JobID && cur.build.Attempt == req.Attempt {
			return cur.build, nil
		}
		return domain.Build{}, fmt.Errorf("%w: running %s attempt %d", domain.ErrBusy, cur.build.JobID, cur.build.Attempt)
	}

	existing, err := s.builds.GetBuild(ctx, req.JobID)
	switch {
	case err == nil && existing.Attempt == req.Attempt:
		return existing, nil
	case err == nil && existing.Attempt > req.Attempt:
		return domain.Build{}, fmt.Errorf("%w: attempt %d superseded by %d", domain.ErrConflict, req.Attempt, existing.Attempt)
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return domain.Build{}, err
	}

	build := domain.Build{
		JobID:      req.JobID,
		Attempt:    req.Attempt,
		Request:    req,
		Status:     domain.BuildAccepted,
		AcceptedAt: s.now().UTC(),
	}
	if err := s.builds.PutBuild(ctx, build); err != nil {
		return domain.Build{}, err
	}

	runCtx, cancel := context.WithCancelCause(context.Background())
	exec := &execution{build: build, cancel: cancel, done: make(chan struct{})}
	s.current = exec
	s.busy.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(exec.done)
		s.execute(runCtx, exec)
	}()

	s.logger.Info("build accepted", "job_id", req.JobID, "attempt", req.Attempt)
	return build, nil
}

func validateRequest(req domain.BuildRequest) error {
	if strings.TrimSpace(req.JobID) == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrInvalidArgument)
	}
	if req.Attempt < 1 {
		return fmt.Errorf("%w: attempt must be >= 1", domain.ErrInvalidArgument)
	}
	if err := recipe.Validate(req.Recipe); err != nil {
		return err
	}
	for _, src := range req.Sources {
		if err := src.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: source %s: %v", domain.ErrInvalidArgument, src.URI, err)
		}
	}
	return nil
}

// Get returns the record of the latest attempt for jobID.
func (s *Service) Get(ctx context.Context, jobID string) (domain.Build, error) {
	s.mu.Lock()
	if cur := s.current; cur != nil && cur.build.JobID == jobID {
		b := cur.build
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()
	return s.builds.GetBuild(ctx, jobID)
}

// Cancel stops the build for jobID. The running stage is killed; the build
// ends cancelled and is reported as such.
func (s *Service) Cancel(ctx context.Context, jobID string) (domain.Build, error) {
	s.mu.Lock()
	if cur := s.current; cur != nil && cur.build.JobID == jobID {
		cur.build.CancelRequested = true
		b := cur.build
		s.mu.Unlock()
		if err := s.builds.PutBuild(ctx, b); err != nil {
			s.logger.Warn("persist cancel request failed", "job_id", jobID, "error", err)
		}
		cur.cancel(domain.ErrCancelled)
		s.logger.Info("build cancel requested", "job_id", jobID, "attempt", b.Attempt)
		return b, nil
	}
	s.mu.Unlock()

	b, err := s.builds.GetBuild(ctx, jobID)
	if err != nil {
		return domain.Build{}, err
	}
	if b.Status.Terminal() {
		return b, nil
	}
	// Not in the slot but not finished either: nothing is running it any more.
	b.CancelRequested = true
	b = s.terminate(b, domain.BuildCancelled, &domain.Failure{Class: domain.FailureCancelled, Detail: "cancelled while idle"})
	if err := s.builds.PutBuild(ctx, b); err != nil {
		return domain.Build{}, err
	}
	return b, nil
}

func (s *Service) Status() Status {
	st := Status{
		BuilderID: s.cfg.BuilderID,
		Runner:    s.sandboxes.Runner().Kind(),
		Busy:      s.busy.Load(),
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
	}
	s.mu.Lock()
	if cur := s.current; cur != nil {
		st.JobID = cur.build.JobID
		st.Attempt = cur.build.Attempt
	}
	s.mu.Unlock()
	return st
}

// Recover moves every build a previous process left unfinished to
// failed{interrupted}. It must run before the first Dispatch.
func (s *Service) Recover(ctx context.Context) (int, error) {
	all, err := s.builds.ListBuilds(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, b := range all {
		if b.Status.Terminal() {
			continue
		}
		b = s.terminate(b, domain.BuildFailed, &domain.Failure{
			Class:  domain.FailureInterrupted,
			Stage:  b.Stage,
			Detail: "builder restarted during the build",
		})
		if err := s.builds.PutBuild(ctx, b); err != nil {
			return recovered, err
		}
		recovered++
		s.logger.Warn("interrupted build recovered", "job_id", b.JobID, "attempt", b.Attempt)
	}
	return recovered, nil
}

// Run heartbeats the builder to the coordinator and re-sends terminal
// reports that never got through, until ctx ends.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Heartbeat(ctx)
		s.FlushReports(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) Heartbeat(ctx context.Context) {
	info := domain.BuilderInfo{
		ID:         s.cfg.BuilderID,
		Endpoint:   s.cfg.Endpoint,
		LastSeenAt: s.now().UTC(),
		Busy:       s.busy.Load(),
	}
	if err := s.coordinator.Register(ctx, info); err != nil && ctx.Err() == nil {
		s.logger.Warn("builder registration failed", "error", err)
	}
}

// FlushReports re-sends every terminal build the coordinator has not acknowledged.
func (s *Service) FlushReports(ctx context.Context) {
	all, err := s.builds.ListBuilds(ctx)
	if err != nil {
		s.logger.Warn("list builds failed", "error", err)
		return
	}
	for _, b := range all {
		if !b.Status.Terminal() || b.Reported {
			continue
		}
		if err := s.report(ctx, b); err != nil {
			continue
		}
		b.Reported = true
		if err := s.builds.PutBuild(ctx, b); err != nil {
			s.logger.Warn("persist reported flag failed", "job_id", b.JobID, "error", err)
		}
	}
}

// Shutdown interrupts the running build and waits for its goroutine.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if cur := s.current; cur != nil {
		cur.cancel(errShutdown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Asset opens a stored artifact or log blob by digest.
func (s *Service) Asset(ctx context.Context, d digest.Digest) (io.ReadCloser, objectstore.ObjectInfo, error) {
	if err := d.Validate(); err != nil {
		return nil, objectstore.ObjectInfo{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	for _, bucket := range []string{s.cfg.ArtifactBucket, s.cfg.LogBucket} {
		body, info, err := s.blobs.Get(ctx, bucket, objectstore.DigestKey(d))
		if err == nil {
			return body, info, nil
		}
		if !errors.Is(err, objectstore.ErrNotFound) {
			return nil, objectstore.ObjectInfo{}, err
		}
	}
	return nil, objectstore.ObjectInfo{}, domain.ErrNotFound
}

func (s *Service) report(ctx context.Context, b domain.Build) error {
	report := b.Report(s.cfg.BuilderID, s.now().UTC())
	err := backoff.Retry(ctx, s.cfg.ReportPolicy, s.cfg.ReportTries, func(ctx context.Context) error {
		err := s.coordinator.Report(ctx, report)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument) {
			return backoff.Permanent(err)
		}
		return err
	}, nil)
	if err != nil {
		s.logger.Warn("report failed", "job_id", b.JobID, "attempt", b.Attempt, "status", b.Status, "error", err)
	}
	return err
}

func (s *Service) terminate(b domain.Build, status domain.BuildStatus, failure *domain.Failure) domain.Build {
	b.Status = status
	b.Failure = failure
	b.Reported = false
	b.FinishedAt = s.now().UTC()
	return b
}

// remotes merges configured and requested remotes, ordered by priority.
func remotes(configured, requested []domain.Remote) []domain.Remote {
	byName := map[string]domain.Remote{}
	for _, r := range configured {
		byName[r.Name] = r
	}
	for _, r := range requested {
		byName[r.Name] = r
	}
	out := make([]domain.Remote, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}
