package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/auditlog"
	"github.com/packfarm/packfarm/internal/platform/backoff"
	"github.com/packfarm/packfarm/internal/platform/statedir"
	"github.com/packfarm/packfarm/internal/recipe"
	"github.com/packfarm/packfarm/internal/repo"
	"github.com/packfarm/packfarm/internal/repo/filestore"
	"github.com/packfarm/packfarm/internal/service/index"
)

var nanoTarball = []byte("nano-8.2.tar.xz contents")

// fakeCache serves sources from memory. A URI listed in corrupt yields an
// integrity error, one in down a network error and one in refused an error
// no retry can fix.
type fakeCache struct {
	mu      sync.Mutex
	content map[digest.Digest][]byte
	corrupt map[string]bool
	down    map[string]bool
	refused map[string]bool
	fetches int
}

func (c *fakeCache) Fetch(ctx context.Context, up domain.Upstream) (domain.SourceRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	expected := digest.NewDigestFromEncoded(digest.SHA256, up.SHA256)
	if err := ctx.Err(); err != nil {
		return domain.SourceRef{}, err
	}
	if c.refused[up.URI] {
		return domain.SourceRef{}, fmt.Errorf("open %s: %w: file upstreams are disabled", up.URI, domain.ErrInvalidArgument)
	}
	if c.down[up.URI] {
		return domain.SourceRef{}, errors.New("dial tcp: connection refused")
	}
	if c.corrupt[up.URI] {
		return domain.SourceRef{}, &recipe.IntegrityError{URI: up.URI, Expected: expected, Actual: digest.FromString("corrupt")}
	}
	return domain.SourceRef{URI: up.URI, Digest: expected, Size: int64(len(nanoTarball)), Name: filepath.Base(up.URI)}, nil
}

func (c *fakeCache) Open(d digest.Digest) (*os.File, error) {
	return nil, domain.ErrNotFound
}

type dispatchCall struct {
	endpoint string
	req      domain.BuildRequest
}

// fakeBuilders answers per endpoint: busy, down, or accept. A lost endpoint
// accepts the build but the answer never arrives. accepted runs while the
// accepting builder holds the request, before its answer returns.
type fakeBuilders struct {
	mu        sync.Mutex
	busy      map[string]bool
	down      map[string]bool
	lost      map[string]bool
	builds    map[string]domain.Build
	calls     []dispatchCall
	cancelled []string
	cancelErr error
	accepted  func(endpoint string, req domain.BuildRequest)
}

func (f *fakeBuilders) Dispatch(ctx context.Context, endpoint string, req domain.BuildRequest) (domain.Build, error) {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{endpoint: endpoint, req: req})
	down, busy, lost, accepted := f.down[endpoint], f.busy[endpoint], f.lost[endpoint], f.accepted
	f.mu.Unlock()
	switch {
	case down:
		return domain.Build{}, errors.New("transport: connection refused")
	case busy:
		return domain.Build{}, fmt.Errorf("%w: occupied", domain.ErrBusy)
	}
	if accepted != nil {
		accepted(endpoint, req)
	}
	if lost {
		return domain.Build{}, errors.New("transport: read: connection reset by peer")
	}
	return domain.Build{JobID: req.JobID, Attempt: req.Attempt, Status: domain.BuildAccepted}, nil
}

func (f *fakeBuilders) GetBuild(ctx context.Context, endpoint string, jobID string) (domain.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[endpoint] {
		return domain.Build{}, errors.New("transport: connection refused")
	}
	b, ok := f.builds[jobID]
	if !ok {
		return domain.Build{}, domain.ErrNotFound
	}
	return b, nil
}

func (f *fakeBuilders) Cancel(ctx context.Context, endpoint string, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return f.cancelErr
}

func (f *fakeBuilders) endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.endpoint)
	}
	return out
}

type memAudit struct {
	mu     sync.Mutex
	events []auditlog.Event
}

func (m *memAudit) Record(ctx context.Context, e auditlog.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

type memBlobs map[string][]byte

func (m memBlobs) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	b, ok := m[uri]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type fixture struct {
	svc      *Service
	cache    *fakeCache
	builders *fakeBuilders
	index    *index.Service
	audit    *memAudit
	blobs    memBlobs
	clock    *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	dir, err := statedir.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	idx, err := index.New(filestore.NewArtifactStore(dir))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.SourcesURL = "http://gateway:8080/api/vessel/sources"
	cfg.Retry = backoff.Policy{Initial: time.Second, Max: time.Minute, Multiplier: 2}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		cache:    &fakeCache{corrupt: map[string]bool{}, down: map[string]bool{}, refused: map[string]bool{}},
		builders: &fakeBuilders{busy: map[string]bool{}, down: map[string]bool{}, lost: map[string]bool{}, builds: map[string]domain.Build{}},
		index:    idx,
		audit:    &memAudit{},
		blobs:    memBlobs{},
		clock:    &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	svc, err := New(cfg, Deps{
		Jobs:     filestore.NewJobStore(dir),
		Builders: filestore.NewBuilderStore(dir),
		Sources:  f.cache,
		Blobs:    f.blobs,
		Dispatch: f.builders,
		Index:    idx,
		Audit:    f.audit,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	svc.now = f.clock.Now
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.svc.RegisterBuilder(context.Background(), domain.BuilderInfo{ID: id, Endpoint: "http://" + id + ":8082"})
		require.NoError(t, err)
	}
}

func nanoRecipe() domain.Recipe {
	return domain.Recipe{
		Name:    "nano",
		Version: "8.2",
		Release: 30,
		Upstreams: []domain.Upstream{{
			URI:    "https://www.nano-editor.org/dist/v8/nano-8.2.tar.xz",
			SHA256: digest.FromBytes(nanoTarball).Encoded(),
		}},
		Build: "make",
	}
}

func statuses(t *testing.T, svc *Service, id string) []string {
	t.Helper()
	events, err := svc.Events(context.Background(), id)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, fmt.Sprintf("%d:%s", ev.Attempt, ev.To))
	}
	return out
}

func report(job domain.Job, builder string, status domain.BuildStatus) domain.Report {
	return domain.Report{JobID: job.ID, Attempt: job.Attempt, BuilderID: builder, Status: status}
}

func TestSubmitPreparesSources(t *testing.T) {
	f := newFixture(t, nil)
	job, err := f.svc.Submit(context.Background(), nanoRecipe(), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, job.Status)
	require.Len(t, job.Sources, 1)
	require.Equal(t, digest.FromBytes(nanoTarball), job.Sources[0].Digest)
	require.Equal(t, nanoRecipe().Digest(), job.RecipeDigest)
	require.Equal(t, []string{"1:pending"}, statuses(t, f.svc, job.ID))
	require.Equal(t, "alice@example.com", f.audit.events[0].Actor)
}

func TestSubmitRejectsInvalidRecipe(t *testing.T) {
	f := newFixture(t, nil)
	rec := nanoRecipe()
	rec.Release = 0
	_, err := f.svc.Submit(context.Background(), rec, "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitChecksumMismatchFailsWithoutDispatch(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	rec := nanoRecipe()
	f.cache.corrupt[rec.Upstreams[0].URI] = true

	job, err := f.svc.Submit(context.Background(), rec, "")
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, domain.FailureIntegrity, job.Failure.Class)
	require.Equal(t, []string{"1:pending", "1:failed"}, statuses(t, f.svc, job.ID))

	f.svc.Reconcile(context.Background())
	require.Empty(t, f.builders.endpoints())
}

func TestSourceFetchOutageConsumesAttempts(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxAttempts = 2 })
	rec := nanoRecipe()
	f.cache.down[rec.Upstreams[0].URI] = true
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, rec, "")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, 2, job.Attempt)
	require.Equal(t, domain.FailureTransport, job.Failure.Class)
	require.True(t, job.NextAttemptAt.Equal(f.clock.Now().Add(time.Second)), job.NextAttemptAt)

	f.svc.Reconcile(ctx)
	require.Equal(t, 1, f.cache.fetches)

	f.clock.Advance(2 * time.Second)
	f.svc.Reconcile(ctx)
	job, err = f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, []string{"1:pending", "2:failed"}, statuses(t, f.svc, job.ID))
}

func TestUnusableSourceFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, nil)
	rec := nanoRecipe()
	rec.Upstreams[0].URI = "file:///srv/mirror/nano-8.2.tar.xz"
	f.cache.refused[rec.Upstreams[0].URI] = true

	job, err := f.svc.Submit(context.Background(), rec, "")
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, domain.FailureInvalid, job.Failure.Class)
	require.Equal(t, "fetch", job.Failure.Stage)
	require.Equal(t, []string{"1:pending", "1:failed"}, statuses(t, f.svc, job.ID))
}

func TestSubmitOnceReturnsExistingJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.SubmitOnce(ctx, nanoRecipe(), "alice", "7d1c")
	require.NoError(t, err)
	again, err := f.svc.SubmitOnce(ctx, nanoRecipe(), "alice", "7d1c")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, first.Revision, again.Revision)
	require.Equal(t, 1, f.cache.fetches)

	other := nanoRecipe()
	other.Build = "make -j4"
	_, err = f.svc.SubmitOnce(ctx, other, "alice", "7d1c")
	require.ErrorIs(t, err, domain.ErrConflict)

	// Keys are scoped to the submitter.
	bob, err := f.svc.SubmitOnce(ctx, nanoRecipe(), "bob", "7d1c")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, bob.ID)

	jobs, err := f.svc.List(ctx, repo.JobFilter{Name: "nano"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestSubmitPreparesAfterCallerGoesAway(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, 1, job.Attempt)
	require.Len(t, job.Sources, 1)
	require.Nil(t, job.Failure)
}

func TestDispatchRoundRobin(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1", "avalanche-2")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		job, err := f.svc.Submit(ctx, nanoRecipe(), "")
		require.NoError(t, err)
		job, err = f.svc.Dispatch(ctx, job.ID)
		require.NoError(t, err)
		require.Equal(t, domain.JobDispatched, job.Status)
		require.Empty(t, job.ClaimedBy)
		ids = append(ids, job.BuilderID)
	}
	require.ElementsMatch(t, []string{"avalanche-1", "avalanche-2"}, ids)

	calls := f.builders.calls
	require.Equal(t, f.svc.cfg.SourcesURL, calls[0].req.SourcesURL)
	require.Equal(t, 1, calls[0].req.Attempt)
}

func TestDispatchSkipsBusyBuilder(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1", "avalanche-2")
	f.builders.busy["http://avalanche-1:8082"] = true
	f.builders.busy["http://avalanche-2:8082"] = true
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrBusy)
	require.Equal(t, domain.JobPending, job.Status)
	require.Empty(t, job.ClaimedBy)
	require.Nil(t, job.Failure)
	require.Equal(t, 1, job.Attempt)

	pool, err := f.svc.ListBuilders(ctx)
	require.NoError(t, err)
	for _, b := range pool {
		require.True(t, b.Busy, b.ID)
	}

	// The heartbeat clears the busy flag and the job goes out.
	f.builders.busy["http://avalanche-2:8082"] = false
	_, err = f.svc.RegisterBuilder(ctx, domain.BuilderInfo{ID: "avalanche-2", Endpoint: "http://avalanche-2:8082"})
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "avalanche-2", job.BuilderID)
}

func TestDispatchIgnoresStaleBuilders(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	f.clock.Advance(2 * time.Minute)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	_, err = f.svc.Dispatch(ctx, job.ID)
	require.ErrorIs(t, err, ErrNoBuilder)
	require.Empty(t, f.builders.endpoints())
}

func TestDispatchTransportErrorSchedulesRetry(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxAttempts = 2 })
	f.register(t, "avalanche-1")
	f.builders.down["http://avalanche-1:8082"] = true
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, 2, job.Attempt)
	require.Equal(t, domain.FailureTransport, job.Failure.Class)

	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
}

func TestLostDispatchAnswerIsNotOfferedElsewhere(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1", "avalanche-2")
	f.builders.lost["http://avalanche-1:8082"] = true
	f.builders.lost["http://avalanche-2:8082"] = true
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)

	endpoints := f.builders.endpoints()
	require.Len(t, endpoints, 1)
	require.Equal(t, []string{job.ID}, f.builders.cancelled)
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, 2, job.Attempt)
	require.Empty(t, job.BuilderID)
	require.Equal(t, domain.FailureTransport, job.Failure.Class)

	// The builder that silently took attempt 1 cannot report into the job.
	first := f.builders.calls[0].req
	builder := strings.TrimSuffix(strings.TrimPrefix(endpoints[0], "http://"), ":8082")
	_, err = f.svc.ApplyReport(ctx, domain.Report{JobID: job.ID, Attempt: first.Attempt, BuilderID: builder, Status: domain.BuildRunning})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.Equal(t, []string{"1:pending"}, statuses(t, f.svc, job.ID))
}

func TestEarlyReportOnlyFromOfferedBuilder(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)

	var intruder, early error
	f.builders.accepted = func(endpoint string, req domain.BuildRequest) {
		r := domain.Report{JobID: req.JobID, Attempt: req.Attempt, Status: domain.BuildRunning}
		r.BuilderID = "avalanche-2"
		_, intruder = f.svc.ApplyReport(ctx, r)
		r.BuilderID = "avalanche-1"
		_, early = f.svc.ApplyReport(ctx, r)
	}
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	require.ErrorIs(t, intruder, domain.ErrConflict)
	require.NoError(t, early)

	require.Equal(t, domain.JobRunning, job.Status)
	require.Equal(t, "avalanche-1", job.BuilderID)
	require.Equal(t, []string{"1:pending", "1:dispatched", "1:running"}, statuses(t, f.svc, job.ID))
}

func TestApplyReportSequence(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)

	r := report(job, "avalanche-1", domain.BuildSucceeded)
	r.Result = &domain.ArtifactRef{Digest: digest.FromString("pkg"), Size: 3, URI: "http://avalanche-1:8082/assets/x"}
	job, err = f.svc.ApplyReport(ctx, r)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, job.Status)
	require.False(t, job.Complete())
	require.Equal(t, []string{"1:pending", "1:dispatched", "1:running", "1:succeeded"}, statuses(t, f.svc, job.ID))

	again, err := f.svc.ApplyReport(ctx, r)
	require.NoError(t, err)
	require.Equal(t, job.Revision, again.Revision)

	_, err = f.svc.ApplyReport(ctx, report(job, "avalanche-1", domain.BuildFailed))
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestApplyReportRejectsStaleAndUnknown(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)

	stale := report(job, "avalanche-1", domain.BuildRunning)
	stale.Attempt = 0
	_, err = f.svc.ApplyReport(ctx, stale)
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.ApplyReport(ctx, report(job, "avalanche-9", domain.BuildRunning))
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = f.svc.ApplyReport(ctx, domain.Report{JobID: job.ID, Attempt: 1, BuilderID: "avalanche-1", Status: "exploded"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	unclaimed, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	_, err = f.svc.ApplyReport(ctx, report(unclaimed, "avalanche-1", domain.BuildRunning))
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestExecutionFailureRetryPolicy(t *testing.T) {
	for _, tc := range []struct {
		name           string
		retryExecution bool
		want           domain.JobStatus
	}{
		{"terminal by default", false, domain.JobFailed},
		{"retried when enabled", true, domain.JobPending},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, func(c *Config) { c.RetryExecution = tc.retryExecution })
			f.register(t, "avalanche-1")
			ctx := context.Background()

			job, err := f.svc.Submit(ctx, nanoRecipe(), "")
			require.NoError(t, err)
			job, err = f.svc.Dispatch(ctx, job.ID)
			require.NoError(t, err)
			_, err = f.svc.ApplyReport(ctx, report(job, "avalanche-1", domain.BuildRunning))
			require.NoError(t, err)

			r := report(job, "avalanche-1", domain.BuildFailed)
			r.Failure = &domain.Failure{Class: domain.FailureExecution, Stage: domain.StageBuild, ExitCode: 2, Detail: "stage exited with status 2"}
			job, err = f.svc.ApplyReport(ctx, r)
			require.NoError(t, err)
			require.Equal(t, tc.want, job.Status)
			require.Equal(t, 2, job.Failure.ExitCode)
			if tc.retryExecution {
				require.Equal(t, 2, job.Attempt)
				require.Empty(t, job.BuilderID)
				require.Equal(t, []string{"1:pending", "1:dispatched", "1:running", "1:pending"}, statuses(t, f.svc, job.ID))
			}
		})
	}
}

func TestIntegrityFailureFromBuilderIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)

	r := report(job, "avalanche-1", domain.BuildFailed)
	r.Failure = &domain.Failure{Class: domain.FailureIntegrity, Stage: "fetch", Detail: "checksum mismatch"}
	job, err = f.svc.ApplyReport(ctx, r)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, []string{"1:pending", "1:dispatched", "1:running", "1:failed"}, statuses(t, f.svc, job.ID))
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	ctx := context.Background()

	pending, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	pending, err = f.svc.Cancel(ctx, pending.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, pending.Status)
	_, err = f.svc.Dispatch(ctx, pending.ID)
	require.ErrorIs(t, err, domain.ErrConflict)

	running, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	running, err = f.svc.Dispatch(ctx, running.ID)
	require.NoError(t, err)
	running, err = f.svc.Cancel(ctx, running.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.JobDispatched, running.Status)
	require.True(t, running.CancelRequested)
	require.Equal(t, []string{running.ID}, f.builders.cancelled)

	r := report(running, "avalanche-1", domain.BuildCancelled)
	r.Failure = &domain.Failure{Class: domain.FailureCancelled, Stage: domain.StageBuild, Detail: "build cancelled"}
	running, err = f.svc.ApplyReport(ctx, r)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, running.Status)
	require.Equal(t, []string{"1:pending", "1:dispatched", "1:running", "1:cancelled"}, statuses(t, f.svc, running.ID))

	_, err = f.svc.Cancel(ctx, running.ID, "alice")
	require.NoError(t, err)
}

func TestCancelWithoutBuilderRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	f.builders.cancelErr = fmt.Errorf("%w: no build", domain.ErrNotFound)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	job, err = f.svc.Cancel(ctx, job.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, job.Status)
}

func TestReconcileTimesOutSilentBuilder(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxAttempts = 2 })
	f.register(t, "avalanche-1")
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	f.builders.down["http://avalanche-1:8082"] = true

	f.clock.Advance(30 * time.Second)
	f.svc.Reconcile(ctx)
	job, err = f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobDispatched, job.Status)

	f.clock.Advance(3 * time.Minute)
	f.svc.Reconcile(ctx)
	job, err = f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPending, job.Status)
	require.Equal(t, 2, job.Attempt)
	require.Equal(t, domain.FailureTimeout, job.Failure.Class)
}

func TestReconcileAppliesBuilderRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)

	result := &domain.ArtifactRef{Digest: digest.FromString("pkg"), Size: 3, URI: "http://avalanche-1:8082/assets/" + digest.FromString("pkg").String()}
	f.builders.builds[job.ID] = domain.Build{JobID: job.ID, Attempt: 1, Status: domain.BuildSucceeded, Result: result}

	f.clock.Advance(20 * time.Second)
	f.svc.Reconcile(ctx)
	job, err = f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, job.Status)

	// Next pass publishes the success.
	f.svc.Reconcile(ctx)
	job, err = f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, job.Complete())
	require.NotEmpty(t, job.PublishedArtifactID)

	unpublished, err := f.svc.List(ctx, repo.JobFilter{Unpublished: true})
	require.NoError(t, err)
	require.Empty(t, unpublished)
}

func TestPublishConflictCompletesJob(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	ctx := context.Background()

	succeed := func(content string) domain.Job {
		f.clock.Advance(time.Second)
		job, err := f.svc.Submit(ctx, nanoRecipe(), "")
		require.NoError(t, err)
		job, err = f.svc.Dispatch(ctx, job.ID)
		require.NoError(t, err)
		r := report(job, "avalanche-1", domain.BuildSucceeded)
		r.Result = &domain.ArtifactRef{Digest: digest.FromString(content), Size: int64(len(content))}
		job, err = f.svc.ApplyReport(ctx, r)
		require.NoError(t, err)
		return job
	}
	first := succeed("nano build one")
	second := succeed("nano build two")

	for i := 0; i < 3; i++ {
		f.svc.Reconcile(ctx)
	}

	first, err := f.svc.Get(ctx, first.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first.PublishedArtifactID)
	require.True(t, first.Complete())

	second, err = f.svc.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, second.Status)
	require.True(t, second.PublishedAt.IsZero())
	require.NotNil(t, second.PublishFailure)
	require.Equal(t, domain.FailureConflict, second.PublishFailure.Class)
	require.True(t, second.Complete())
	require.Equal(t, []string{"1:pending", "1:dispatched", "1:running", "1:succeeded"}, statuses(t, f.svc, second.ID))

	active, err := f.svc.List(ctx, repo.JobFilter{Active: true})
	require.NoError(t, err)
	require.Empty(t, active)
	unpublished, err := f.svc.List(ctx, repo.JobFilter{Unpublished: true})
	require.NoError(t, err)
	require.Empty(t, unpublished)

	again, err := f.svc.Publish(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, second.Revision, again.Revision)
}

func TestAckPublished(t *testing.T) {
	f := newFixture(t, nil)
	f.register(t, "avalanche-1")
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, nanoRecipe(), "")
	require.NoError(t, err)
	_, err = f.svc.AckPublished(ctx, job.ID, domain.PublishAck{ContentDigest: digest.FromString("pkg")})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	job, err = f.svc.Dispatch(ctx, job.ID)
	require.NoError(t, err)
	r := report(job, "avalanche-1", domain.BuildSucceeded)
	r.Result = &domain.ArtifactRef{Digest: digest.FromString("pkg"), Size: 3}
	_, err = f.svc.ApplyReport(ctx, r)
	require.NoError(t, err)

	_, err = f.svc.AckPublished(ctx, job.ID, domain.PublishAck{ArtifactID: "a", ContentDigest: digest.FromString("other")})
	require.ErrorIs(t, err, domain.ErrConflict)

	ack := domain.PublishAck{ArtifactID: "a", ContentDigest: digest.FromString("pkg"), PublishedAt: f.clock.Now()}
	job, err = f.svc.AckPublished(ctx, job.ID, ack)
	require.NoError(t, err)
	require.True(t, job.Complete())
	again, err := f.svc.AckPublished(ctx, job.ID, ack)
	require.NoError(t, err)
	require.Equal(t, job.Revision, again.Revision)
}

func TestImportArtifact(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.blobs["https://packages.example/zlib-1.3.1-4.stone"] = []byte("zlib package")

	req := domain.ImportRequest{
		Name:    "zlib",
		Version: "1.3.1",
		Release: 4,
		URI:     "https://packages.example/zlib-1.3.1-4.stone",
		Digest:  digest.FromString("zlib package"),
	}
	a, err := f.svc.ImportArtifact(ctx, req, "alice")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(a.JobID, domain.ImportPrefix))
	require.EqualValues(t, len("zlib package"), a.Size)

	jobs, err := f.svc.List(ctx, repo.JobFilter{})
	require.NoError(t, err)
	require.Empty(t, jobs)

	req.Digest = digest.FromString("something else")
	req.Release = 5
	_, err = f.svc.ImportArtifact(ctx, req, "alice")
	require.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestImportArtifactOnceIsRepeatable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.blobs["https://packages.example/zlib-1.3.1-4.stone"] = []byte("zlib package")
	req := domain.ImportRequest{
		Name:    "zlib",
		Version: "1.3.1",
		Release: 4,
		URI:     "https://packages.example/zlib-1.3.1-4.stone",
		Digest:  digest.FromString("zlib package"),
	}

	first, err := f.svc.ImportArtifactOnce(ctx, req, "alice", "imp-1")
	require.NoError(t, err)
	again, err := f.svc.ImportArtifactOnce(ctx, req, "alice", "imp-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, first.JobID, again.JobID)
	require.True(t, strings.HasPrefix(first.JobID, domain.ImportPrefix))

	req.Release = 5
	fresh, err := f.svc.ImportArtifactOnce(ctx, req, "alice", "imp-2")
	require.NoError(t, err)
	require.NotEqual(t, first.JobID, fresh.JobID)
	require.NotEqual(t, first.ID, fresh.ID)
}
