package builds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/sandbox"
)

const (
	stageFetch = "fetch"
	stagePack  = "pack"
)

func (s *Service) execute(ctx context.Context, exec *execution) {
	logger := s.logger.With("job_id", exec.build.JobID, "attempt", exec.build.Attempt)
	defer func() {
		s.mu.Lock()
		if s.current == exec {
			s.current = nil
		}
		s.busy.Store(false)
		s.mu.Unlock()
	}()

	logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("%s-%d.log", exec.build.JobID, exec.build.Attempt))
	logFile, err := os.Create(logPath)
	if err != nil {
		s.finish(ctx, exec, nil, &domain.Failure{Class: domain.FailureInvalid, Detail: "open build log: " + err.Error()}, nil)
		return
	}

	result, failure, buildOutputs := s.run(ctx, exec, logFile)
	_ = logFile.Close()

	collectables := buildOutputs
	if logRef, err := s.storeLog(context.WithoutCancel(ctx), logPath, exec.build); err != nil {
		logger.Warn("store build log failed", "error", err)
	} else {
		collectables = append(collectables, logRef)
	}
	_ = os.Remove(logPath)

	if result != nil {
		result.Collectables = collectables
	}
	s.finish(ctx, exec, result, failure, collectables)
}

// run executes one build inside a fresh sandbox and returns either a result
// or the failure that stopped it.
func (s *Service) run(ctx context.Context, exec *execution, log io.Writer) (*domain.ArtifactRef, *domain.Failure, []domain.Collectable) {
	req := exec.build.Request

	sb, err := s.sandboxes.Acquire(req.JobID)
	if err != nil {
		return nil, &domain.Failure{Class: domain.FailureInvalid, Detail: err.Error()}, nil
	}
	defer func() {
		if err := sb.Release(); err != nil {
			s.logger.Warn("release sandbox failed", "job_id", req.JobID, "error", err)
		}
	}()

	s.transition(ctx, exec, func(b *domain.Build) {
		b.Status = domain.BuildRunning
		b.Stage = stageFetch
		b.StartedAt = s.now().UTC()
	}, true)

	if f := s.fetchSources(ctx, req, sb, log); f != nil {
		return nil, f, nil
	}

	env := stageEnv(req, remotes(s.cfg.Remotes, req.Remotes))
	for _, stage := range domain.Stages {
		if f := interruption(ctx, stage); f != nil {
			return nil, f, nil
		}
		s.transition(ctx, exec, func(b *domain.Build) { b.Stage = stage }, false)
		script := req.Recipe.StageScript(stage)
		if strings.TrimSpace(script) == "" {
			fmt.Fprintf(log, "==> %s: nothing to do\n", stage)
			continue
		}
		fmt.Fprintf(log, "==> %s\n", stage)

		tail := newTailBuffer(s.cfg.OutputTail)
		code, err := sb.Run(ctx, stage, script, env, io.MultiWriter(log, tail))
		if f := interruption(ctx, stage); f != nil {
			return nil, f, nil
		}
		if err != nil {
			return nil, &domain.Failure{Class: domain.FailureExecution, Stage: stage, ExitCode: code, Detail: err.Error(), Output: tail.String()}, nil
		}
		if code != 0 {
			return nil, &domain.Failure{
				Class:    domain.FailureExecution,
				Stage:    stage,
				ExitCode: code,
				Detail:   "stage exited with status " + strconv.Itoa(code),
				Output:   tail.String(),
			}, nil
		}
	}

	if f := interruption(ctx, stagePack); f != nil {
		return nil, f, nil
	}
	s.transition(ctx, exec, func(b *domain.Build) { b.Stage = stagePack }, false)

	outputs, err := s.collectOutputs(ctx, sb.BuildDir)
	if err != nil {
		return nil, &domain.Failure{Class: domain.FailureExecution, Stage: stagePack, Detail: err.Error()}, nil
	}
	pkg, err := s.packInstallRoot(ctx, sb, req.Recipe)
	if err != nil {
		return nil, &domain.Failure{Class: domain.FailureExecution, Stage: stagePack, Detail: err.Error()}, nil
	}
	fmt.Fprintf(log, "==> packed %s (%d bytes, %s)\n", pkg.Name, pkg.Size, pkg.Digest)

	return &domain.ArtifactRef{
		Digest: pkg.Digest,
		Size:   pkg.Size,
		URI:    s.assetURI(pkg.Digest),
	}, nil, append([]domain.Collectable{pkg}, outputs...)
}

// fetchSources downloads every source into the sandbox and re-verifies it.
func (s *Service) fetchSources(ctx context.Context, req domain.BuildRequest, sb *sandbox.Sandbox, log io.Writer) *domain.Failure {
	used := make(map[string]bool, len(req.Sources))
	for _, src := range req.Sources {
		if f := interruption(ctx, stageFetch); f != nil {
			return f
		}
		name := src.Name
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." || used[name] {
			name = src.Digest.Encoded()
		}
		if used[name] {
			// Same digest already placed under its own name.
			continue
		}
		used[name] = true
		fmt.Fprintf(log, "==> fetch %s\n", src.URI)

		out, err := os.Create(filepath.Join(sb.SourceDir, name))
		if err != nil {
			return &domain.Failure{Class: domain.FailureExecution, Stage: stageFetch, Detail: err.Error()}
		}
		verifier := src.Digest.Verifier()
		err = s.coordinator.FetchSourceFrom(ctx, req.SourcesURL, src.Digest, io.MultiWriter(out, verifier))
		closeErr := out.Close()
		if err != nil {
			if f := interruption(ctx, stageFetch); f != nil {
				return f
			}
			return &domain.Failure{Class: domain.FailureTransport, Stage: stageFetch, Detail: fmt.Sprintf("fetch %s: %v", src.URI, err)}
		}
		if closeErr != nil {
			return &domain.Failure{Class: domain.FailureExecution, Stage: stageFetch, Detail: closeErr.Error()}
		}
		if !verifier.Verified() {
			actual, _ := digestFile(filepath.Join(sb.SourceDir, name))
			return &domain.Failure{
				Class:  domain.FailureIntegrity,
				Stage:  stageFetch,
				Detail: fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", src.URI, src.Digest, actual),
			}
		}
	}
	return nil
}

// interruption classifies a finished context: cancelled by request or cut
// short by shutdown. It returns nil while ctx is live.
func interruption(ctx context.Context, stage string) *domain.Failure {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), domain.ErrCancelled) {
		return &domain.Failure{Class: domain.FailureCancelled, Stage: stage, Detail: "build cancelled"}
	}
	return &domain.Failure{Class: domain.FailureInterrupted, Stage: stage, Detail: context.Cause(ctx).Error()}
}

// transition updates the slot's record, persists it and optionally reports it.
func (s *Service) transition(ctx context.Context, exec *execution, fn func(*domain.Build), report bool) {
	s.mu.Lock()
	fn(&exec.build)
	b := exec.build
	s.mu.Unlock()

	persistCtx := context.WithoutCancel(ctx)
	if err := s.builds.PutBuild(persistCtx, b); err != nil {
		s.logger.Warn("persist build failed", "job_id", b.JobID, "error", err)
	}
	if report {
		_ = s.report(ctx, b)
	}
}

func (s *Service) finish(ctx context.Context, exec *execution, result *domain.ArtifactRef, failure *domain.Failure, collectables []domain.Collectable) {
	status := domain.BuildSucceeded
	switch {
	case failure != nil && failure.Class == domain.FailureCancelled:
		status = domain.BuildCancelled
	case failure != nil:
		status = domain.BuildFailed
	}

	s.mu.Lock()
	exec.build = s.terminate(exec.build, status, failure)
	exec.build.Result = result
	exec.build.Collectables = collectables
	b := exec.build
	s.mu.Unlock()

	if status == domain.BuildSucceeded {
		s.succeeded.Inc()
	} else {
		s.failed.Inc()
	}

	// The slot's context may already be cancelled; the outcome still has to
	// be recorded and reported.
	reportCtx := context.WithoutCancel(ctx)
	if err := s.builds.PutBuild(reportCtx, b); err != nil {
		s.logger.Error("persist terminal build failed", "job_id", b.JobID, "error", err)
	}
	if errors.Is(context.Cause(ctx), errShutdown) {
		s.logger.Info("build interrupted by shutdown", "job_id", b.JobID, "attempt", b.Attempt)
		return
	}
	if err := s.report(reportCtx, b); err == nil {
		b.Reported = true
		if err := s.builds.PutBuild(reportCtx, b); err != nil {
			s.logger.Warn("persist reported flag failed", "job_id", b.JobID, "error", err)
		}
	}

	args := []any{"job_id", b.JobID, "attempt", b.Attempt, "status", b.Status}
	if failure != nil {
		args = append(args, "failure_class", failure.Class, "stage", failure.Stage, "exit_code", failure.ExitCode)
	}
	s.logger.Info("build finished", args...)
}

func (s *Service) assetURI(d digest.Digest) string {
	return strings.TrimRight(s.cfg.AssetBaseURL, "/") + "/assets/" + d.String()
}

// stageEnv renders the per-build environment handed to every stage.
func stageEnv(req domain.BuildRequest, remotes []domain.Remote) []string {
	parts := make([]string, 0, len(remotes))
	for _, r := range remotes {
		parts = append(parts, r.Name+"="+r.IndexURI)
	}
	return []string{
		"PACKFARM_NAME=" + req.Recipe.Name,
		"PACKFARM_VERSION=" + req.Recipe.Version,
		"PACKFARM_RELEASE=" + strconv.FormatInt(req.Recipe.Release, 10),
		"PACKFARM_ATTEMPT=" + strconv.Itoa(req.Attempt),
		"PACKFARM_REMOTES=" + strings.Join(parts, " "),
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
