package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/statedir"
	"github.com/packfarm/packfarm/internal/repo/filestore"
	"github.com/packfarm/packfarm/internal/service/index"
	"github.com/packfarm/packfarm/internal/service/jobs"
)

var tarball = []byte("nano-8.2 tarball")

type diskSources struct {
	dir string
}

func (s diskSources) Fetch(ctx context.Context, up domain.Upstream) (domain.SourceRef, error) {
	d := digest.FromBytes(tarball)
	if up.SHA256 != d.Encoded() {
		return domain.SourceRef{}, errors.New("unreachable upstream")
	}
	if err := os.WriteFile(filepath.Join(s.dir, d.Encoded()), tarball, 0o600); err != nil {
		return domain.SourceRef{}, err
	}
	return domain.SourceRef{URI: up.URI, Digest: d, Size: int64(len(tarball)), Name: "nano-8.2.tar.xz"}, nil
}

func (s diskSources) Open(d digest.Digest) (*os.File, error) {
	f, err := os.Open(filepath.Join(s.dir, d.Encoded()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNotFound
	}
	return f, err
}

type idleBuilders struct{}

func (idleBuilders) Dispatch(ctx context.Context, endpoint string, req domain.BuildRequest) (domain.Build, error) {
	return domain.Build{JobID: req.JobID, Attempt: req.Attempt, Status: domain.BuildAccepted}, nil
}

func (idleBuilders) GetBuild(ctx context.Context, endpoint string, jobID string) (domain.Build, error) {
	return domain.Build{}, domain.ErrNotFound
}

func (idleBuilders) Cancel(ctx context.Context, endpoint string, jobID string) error {
	return nil
}

// headerAuthenticator takes the caller's roles from X-Test-Roles.
type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	roles := r.Header.Get("X-Test-Roles")
	if roles == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return auth.Identity{Subject: "tester", Email: "tester@example.com", Roles: strings.Split(roles, ",")}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir, err := statedir.Open(t.TempDir())
	if err != nil {
		t.Fatalf("statedir.Open() err=%v", err)
	}
	t.Cleanup(func() { _ = dir.Close() })
	idx, err := index.New(filestore.NewArtifactStore(dir))
	if err != nil {
		t.Fatalf("index.New() err=%v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := jobs.DefaultConfig()
	cfg.SourcesURL = "http://gateway/api/vessel/sources"
	svc, err := jobs.New(cfg, jobs.Deps{
		Jobs:     filestore.NewJobStore(dir),
		Builders: filestore.NewBuilderStore(dir),
		Sources:  diskSources{dir: t.TempDir()},
		Dispatch: idleBuilders{},
		Index:    idx,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("jobs.New() err=%v", err)
	}

	mux := http.NewServeMux()
	newVesselAPI(logger, svc).register(mux)
	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: headerAuthenticator{},
		Authorize:     auth.MethodRoleAuthorizer(serviceOnly),
	}.Wrap(mux)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, roles, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() err=%v", err)
	}
	req.Header.Set("X-Test-Roles", roles)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s err=%v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

const nanoManifest = `
name: nano
version: "8.2"
release: 30
upstreams:
  - uri: https://www.nano-editor.org/dist/v8/nano-8.2.tar.xz
    sha256: %s
build: make
`

func TestSubmitAndQuery(t *testing.T) {
	srv := newTestServer(t)
	manifest := strings.Replace(nanoManifest, "%s", digest.FromBytes(tarball).Encoded(), 1)

	var job domain.Job
	if code := call(t, srv, http.MethodPost, "/jobs", "editor", manifest, &job); code != http.StatusAccepted {
		t.Fatalf("POST /jobs status=%d", code)
	}
	if job.Status != domain.JobPending || job.SubmittedBy != "tester@example.com" || len(job.Sources) != 1 {
		t.Fatalf("job=%+v", job)
	}

	var got domain.Job
	if code := call(t, srv, http.MethodGet, "/jobs/"+job.ID, "viewer", "", &got); code != http.StatusOK || got.ID != job.ID {
		t.Fatalf("GET /jobs/{id} status=%d job=%+v", code, got)
	}

	var events struct {
		Events []domain.JobEvent `json:"events"`
	}
	if code := call(t, srv, http.MethodGet, "/jobs/"+job.ID+"/events", "viewer", "", &events); code != http.StatusOK || len(events.Events) != 1 {
		t.Fatalf("GET events status=%d events=%+v", code, events.Events)
	}

	var list struct {
		Jobs []domain.Job `json:"jobs"`
	}
	if code := call(t, srv, http.MethodGet, "/jobs?status=pending&name=nano", "viewer", "", &list); code != http.StatusOK || len(list.Jobs) != 1 {
		t.Fatalf("GET /jobs status=%d jobs=%d", code, len(list.Jobs))
	}
	if code := call(t, srv, http.MethodGet, "/jobs?status=exploded", "viewer", "", nil); code != http.StatusBadRequest {
		t.Fatalf("GET /jobs?status=exploded status=%d, want 400", code)
	}

	if code := call(t, srv, http.MethodGet, "/sources/"+job.Sources[0].Digest.String(), "viewer", "", nil); code != http.StatusForbidden {
		t.Fatalf("GET /sources as viewer status=%d, want 403", code)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sources/"+job.Sources[0].Digest.String(), nil)
	req.Header.Set("X-Test-Roles", auth.RoleService)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sources err=%v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != string(tarball) {
		t.Fatalf("GET /sources status=%d body=%q", resp.StatusCode, body)
	}

	var cancelled domain.Job
	if code := call(t, srv, http.MethodPost, "/jobs/"+job.ID+"/cancel", "editor", "", &cancelled); code != http.StatusOK || cancelled.Status != domain.JobCancelled {
		t.Fatalf("POST cancel status=%d job=%+v", code, cancelled)
	}
}

func TestSubmitRejectsBadManifest(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]any
	if code := call(t, srv, http.MethodPost, "/jobs", "editor", "name: nano\nrelease: 0\n", &body); code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", code)
	}
	if body["error"] != "invalid_argument" {
		t.Fatalf("error=%v, want invalid_argument", body["error"])
	}
	if code := call(t, srv, http.MethodPost, "/jobs", "viewer", "name: nano\n", nil); code != http.StatusForbidden {
		t.Fatalf("viewer submit status=%d, want 403", code)
	}
	if code := call(t, srv, http.MethodGet, "/jobs/missing", "viewer", "", nil); code != http.StatusNotFound {
		t.Fatalf("GET missing status=%d, want 404", code)
	}
}

func TestServiceOnlyEndpoints(t *testing.T) {
	srv := newTestServer(t)
	reg := `{"id":"avalanche-1","endpoint":"http://avalanche:8082"}`
	if code := call(t, srv, http.MethodPost, "/builders/register", "admin", reg, nil); code != http.StatusForbidden {
		t.Fatalf("admin register status=%d, want 403", code)
	}
	var info domain.BuilderInfo
	if code := call(t, srv, http.MethodPost, "/builders/register", auth.RoleService, reg, &info); code != http.StatusOK || info.ID != "avalanche-1" {
		t.Fatalf("service register status=%d info=%+v", code, info)
	}

	var builders struct {
		Builders []domain.BuilderInfo `json:"builders"`
	}
	if code := call(t, srv, http.MethodGet, "/builders", "viewer", "", &builders); code != http.StatusOK || len(builders.Builders) != 1 {
		t.Fatalf("GET /builders status=%d builders=%+v", code, builders.Builders)
	}

	report := `{"job_id":"other","attempt":1,"builder_id":"avalanche-1","status":"running"}`
	if code := call(t, srv, http.MethodPost, "/jobs/job-1/reports", auth.RoleService, report, nil); code != http.StatusBadRequest {
		t.Fatalf("mismatched report status=%d, want 400", code)
	}
	report = `{"attempt":1,"builder_id":"avalanche-1","status":"running"}`
	if code := call(t, srv, http.MethodPost, "/jobs/job-1/reports", auth.RoleService, report, nil); code != http.StatusNotFound {
		t.Fatalf("report for unknown job status=%d, want 404", code)
	}
}

func TestSubmitWithIdempotencyKey(t *testing.T) {
	srv := newTestServer(t)
	manifest := strings.Replace(nanoManifest, "%s", digest.FromBytes(tarball).Encoded(), 1)

	submit := func(body, key string) (int, domain.Job) {
		t.Helper()
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/jobs", strings.NewReader(body))
		if err != nil {
			t.Fatalf("NewRequest() err=%v", err)
		}
		req.Header.Set("X-Test-Roles", "editor")
		req.Header.Set("Idempotency-Key", key)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST /jobs err=%v", err)
		}
		defer resp.Body.Close()
		var job domain.Job
		_ = json.NewDecoder(resp.Body).Decode(&job)
		return resp.StatusCode, job
	}

	code, first := submit(manifest, "k-1")
	if code != http.StatusAccepted || first.ID == "" {
		t.Fatalf("first submit status=%d job=%+v", code, first)
	}
	code, again := submit(manifest, "k-1")
	if code != http.StatusAccepted || again.ID != first.ID {
		t.Fatalf("repeat submit status=%d id=%q, want %q", code, again.ID, first.ID)
	}
	if code, _ := submit(strings.Replace(manifest, "build: make", "build: make -j4", 1), "k-1"); code != http.StatusConflict {
		t.Fatalf("reused key with another recipe status=%d, want 409", code)
	}
	code, other := submit(manifest, "k-2")
	if code != http.StatusAccepted || other.ID == first.ID {
		t.Fatalf("new key status=%d id=%q", code, other.ID)
	}

	var list struct {
		Jobs []domain.Job `json:"jobs"`
	}
	if code := call(t, srv, http.MethodGet, "/jobs?name=nano", "viewer", "", &list); code != http.StatusOK || len(list.Jobs) != 2 {
		t.Fatalf("GET /jobs status=%d jobs=%d, want 2", code, len(list.Jobs))
	}
}
