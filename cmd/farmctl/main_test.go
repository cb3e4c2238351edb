package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/packfarm/packfarm/internal/domain"
)

const nanoManifest = `name: nano
version: "8.2"
release: 30
upstreams:
  - uri: https://www.nano-editor.org/dist/v8/nano-8.2.tar.xz
    sha256: 0000000000000000000000000000000000000000000000000000000000000000
build: make
install: make install
`

// fakeGateway records the requests it serves and answers like vessel and summit.
type fakeGateway struct {
	paths []string
	auth  []string
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.paths = append(g.paths, r.Method+" "+r.URL.RequestURI())
	g.auth = append(g.auth, r.Header.Get("Authorization"))
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/vessel/jobs":
		var rec domain.Recipe
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_json"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(domain.Job{ID: "job-1", Status: domain.JobPending, Recipe: rec})
	case r.URL.Path == "/api/vessel/jobs/job-1":
		_ = json.NewEncoder(w).Encode(domain.Job{ID: "job-1", Status: domain.JobRunning})
	case r.URL.Path == "/api/vessel/jobs/missing":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	case r.URL.Path == "/api/summit/artifacts":
		_ = json.NewEncoder(w).Encode(map[string]any{"artifacts": []domain.PublishedArtifact{{ID: "a1", Name: "nano", Version: "8.2", Release: 30}}})
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	}
}

func setup(t *testing.T) (*fakeGateway, string) {
	t.Helper()
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	cfg := filepath.Join(t.TempDir(), "farmctl.yaml")
	body := "gateway: " + srv.URL + "\ntoken: from-file\n"
	if err := os.WriteFile(cfg, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	return gw, cfg
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out, io.Discard)
	return out.String(), err
}

func TestSubmitReadsConfigFile(t *testing.T) {
	gw, cfg := setup(t)
	manifest := filepath.Join(t.TempDir(), "nano.yaml")
	if err := os.WriteFile(manifest, []byte(nanoManifest), 0o600); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}

	out, err := runCLI(t, "--config", cfg, "submit", manifest)
	if err != nil {
		t.Fatalf("submit err=%v", err)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(out), &job); err != nil {
		t.Fatalf("output %q is not a job: %v", out, err)
	}
	if job.ID != "job-1" || job.Recipe.Name != "nano" {
		t.Fatalf("job=%+v", job)
	}
	if len(gw.auth) != 1 || gw.auth[0] != "Bearer from-file" {
		t.Fatalf("auth=%v want the token from the config file", gw.auth)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	gw, cfg := setup(t)
	if _, err := runCLI(t, "--config", cfg, "--token", "from-flag", "status", "job-1"); err != nil {
		t.Fatalf("status err=%v", err)
	}
	if gw.auth[0] != "Bearer from-flag" {
		t.Fatalf("auth=%q want the flag token", gw.auth[0])
	}
}

func TestStatusAndArtifacts(t *testing.T) {
	gw, cfg := setup(t)

	out, err := runCLI(t, "--config", cfg, "status", "job-1")
	if err != nil || !strings.Contains(out, `"running"`) {
		t.Fatalf("status out=%q err=%v", out, err)
	}
	if _, err := runCLI(t, "--config", cfg, "status", "missing"); err == nil {
		t.Fatalf("expected an error for a missing job")
	}
	if _, err := runCLI(t, "--config", cfg, "status", "--status", "bogus"); err == nil {
		t.Fatalf("expected an error for an unknown status")
	}

	out, err = runCLI(t, "--config", cfg, "artifacts", "--name", "nano", "--latest")
	if err != nil || !strings.Contains(out, `"a1"`) {
		t.Fatalf("artifacts out=%q err=%v", out, err)
	}
	last := gw.paths[len(gw.paths)-1]
	if !strings.Contains(last, "name=nano") || !strings.Contains(last, "latest=true") {
		t.Fatalf("query=%q", last)
	}
}

func TestMissingGateway(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(cfg, []byte("token: x\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() err=%v", err)
	}
	t.Setenv("PACKFARM_GATEWAY", "")
	_, err := runCLI(t, "--config", cfg, "events", "job-1")
	if err == nil || !strings.Contains(err.Error(), "no gateway configured") {
		t.Fatalf("err=%v", err)
	}
}

func TestTopologyCheckDefault(t *testing.T) {
	out, err := runCLI(t, "topology", "check")
	if err != nil {
		t.Fatalf("topology check err=%v", err)
	}
	var res struct {
		Services   int      `json:"services"`
		StartOrder []string `json:"start_order"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output %q: %v", out, err)
	}
	if res.Services != 4 || res.StartOrder[0] != "gateway" || res.StartOrder[3] != "summit" {
		t.Fatalf("result=%+v", res)
	}
}
