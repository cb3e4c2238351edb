//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/packfarm/packfarm/internal/client"
	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/topology"
)

type farm struct {
	dir      string
	topo     topology.Topology
	gateway  string
	bins     map[string]string
	procs    []*exec.Cmd
	extraEnv []string
}

// TestFarm_BuildAndPublish runs all four services as processes and pushes a
// recipe from submission to a published artifact through the gateway.
func TestFarm_BuildAndPublish(t *testing.T) {
	f := newFarm(t)
	for _, name := range mustStartOrder(t, f.topo) {
		f.start(t, name)
	}

	coordinator := client.NewCoordinator(client.New(f.gateway + "/api/vessel"))
	index := client.NewIndex(client.New(f.gateway + "/api/summit"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tarball := []byte("hello-1.0 source tarball\n")
	src := filepath.Join(f.dir, "hello-1.0.tar.gz")
	if err := os.WriteFile(src, tarball, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	sum := sha256.Sum256(tarball)

	job, err := coordinator.Submit(ctx, domain.Recipe{
		Name:      "hello",
		Version:   "1.0",
		Release:   1,
		Upstreams: []domain.Upstream{{URI: "file://" + src, SHA256: hex.EncodeToString(sum[:])}},
		Build:     `echo hello > hello`,
		Install:   `mkdir -p "$PACKFARM_INSTALL_ROOT/usr/bin" && cp hello "$PACKFARM_INSTALL_ROOT/usr/bin/hello"`,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(90 * time.Second)
	for {
		job, err = coordinator.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == domain.JobFailed || job.Status == domain.JobCancelled {
			t.Fatalf("job ended %s: %+v\n%s", job.Status, job.Failure, f.logs())
		}
		if job.Status == domain.JobSucceeded && job.PublishedArtifactID != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s\n%s", job.ID, job.Status, f.logs())
		}
		time.Sleep(250 * time.Millisecond)
	}

	artifacts, err := index.List(ctx, client.ArtifactQuery{Name: "hello", Latest: true})
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].ContentDigest != job.Result.Digest {
		t.Fatalf("artifacts=%+v want the job's result %s", artifacts, job.Result.Digest)
	}

	events, err := coordinator.Events(ctx, job.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var seq []string
	for _, e := range events {
		seq = append(seq, string(e.To))
	}
	if got := strings.Join(seq, ","); got != "pending,dispatched,running,succeeded" {
		t.Fatalf("events=%s", got)
	}
}

func newFarm(t *testing.T) *farm {
	t.Helper()
	dir := t.TempDir()
	f := &farm{dir: dir, bins: map[string]string{}}

	root := repoRoot(t)
	for _, name := range []string{topology.Gateway, topology.Vessel, topology.Avalanche, topology.Summit} {
		bin := filepath.Join(dir, name+".bin")
		build := exec.Command("go", "build", "-o", bin, "./"+name)
		build.Dir = root
		if out, err := build.CombinedOutput(); err != nil {
			t.Fatalf("go build %s: %v\n%s", name, err, out)
		}
		f.bins[name] = bin
	}

	deps := map[string][]string{
		topology.Gateway:   nil,
		topology.Vessel:    {topology.Gateway},
		topology.Avalanche: {topology.Gateway},
		topology.Summit:    {topology.Gateway, topology.Vessel, topology.Avalanche},
	}
	for _, name := range []string{topology.Gateway, topology.Vessel, topology.Avalanche, topology.Summit} {
		addr := "http://" + freeAddr(t)
		svc := topology.Service{
			Name:          name,
			Address:       addr,
			KeyFile:       filepath.Join(dir, "keys", name+".pem"),
			PublicKeyFile: filepath.Join(dir, "keys", name+".pub.pem"),
			StateDir:      filepath.Join(dir, "state", name),
			DependsOn:     deps[name],
		}
		if name == topology.Avalanche || name == topology.Gateway {
			svc.PublicAddress = addr
		}
		writeKeys(t, svc)
		f.topo.Services = append(f.topo.Services, svc)
		if name == topology.Gateway {
			f.gateway = addr
		}
	}
	writeYAML(t, filepath.Join(dir, "topology.yaml"), f.topo)

	if v := strings.TrimSpace(os.Getenv("PACKFARM_E2E_DATABASE_URL")); v != "" {
		f.extraEnv = append(f.extraEnv, "DATABASE_URL="+v)
	}
	if v := strings.TrimSpace(os.Getenv("PACKFARM_E2E_MINIO_ENDPOINT")); v != "" {
		f.extraEnv = append(f.extraEnv,
			"PACKFARM_MINIO_ENDPOINT="+v,
			"PACKFARM_MINIO_ACCESS_KEY="+os.Getenv("PACKFARM_E2E_MINIO_ACCESS_KEY"),
			"PACKFARM_MINIO_SECRET_KEY="+os.Getenv("PACKFARM_E2E_MINIO_SECRET_KEY"),
		)
	}
	return f
}

func (f *farm) start(t *testing.T, name string) {
	t.Helper()
	svc, _ := f.topo.Lookup(name)
	cfg := map[string]any{
		"name":          name,
		"listen_addr":   strings.TrimPrefix(svc.Address, "http://"),
		"topology_file": filepath.Join(f.dir, "topology.yaml"),
		"readiness":     map[string]any{"initial": "100ms", "max": "1s", "multiplier": 2},
	}
	switch name {
	case topology.Vessel:
		cfg["allow_file_sources"] = true
		cfg["poll_interval"] = "200ms"
	case topology.Avalanche:
		cfg["privileged"] = true
		cfg["heartbeat_interval"] = "500ms"
	case topology.Summit:
		cfg["reconcile_interval"] = "500ms"
	}
	cfgPath := filepath.Join(f.dir, name+".yaml")
	writeYAML(t, cfgPath, cfg)

	var out bytes.Buffer
	cmd := exec.Command(f.bins[name], "--config", cfgPath)
	cmd.Env = append(os.Environ(), "AUTH_MODE=dev", "AUTH_SESSION_COOKIE_SECURE=false")
	cmd.Env = append(cmd.Env, f.extraEnv...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	f.procs = append(f.procs, cmd)
	t.Cleanup(func() { stopProcess(t, name, cmd, &out) })

	waitHTTP200(t, svc.Address+"/readyz")
}

func (f *farm) logs() string {
	var b strings.Builder
	for _, cmd := range f.procs {
		if buf, ok := cmd.Stdout.(*bytes.Buffer); ok {
			body := buf.String()
			if len(body) > 4000 {
				body = body[len(body)-4000:]
			}
			fmt.Fprintf(&b, "--- %s\n%s\n", filepath.Base(cmd.Path), body)
		}
	}
	return b.String()
}

func mustStartOrder(t *testing.T, topo topology.Topology) []string {
	t.Helper()
	order, err := topo.StartOrder()
	if err != nil {
		t.Fatalf("start order: %v", err)
	}
	return order
}

func writeKeys(t *testing.T, svc topology.Service) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM, err := auth.MarshalPrivateKeyPEM(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pubPEM, err := auth.MarshalPublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(svc.KeyFile), 0o700); err != nil {
		t.Fatalf("mkdir keys: %v", err)
	}
	if err := os.WriteFile(svc.KeyFile, privPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(svc.PublicKeyFile, pubPEM, 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}
}

func writeYAML(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func repoRoot(t *testing.T) string {
	t.Helper()

	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatalf("runtime.Caller failed")
	}
	return filepath.Dir(filepath.Dir(file))
}

func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHTTP200(t *testing.T, url string) {
	t.Helper()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(15 * time.Second)
	for {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}

		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", url)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func stopProcess(t *testing.T, name string, cmd *exec.Cmd, out *bytes.Buffer) {
	t.Helper()

	if cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	case err := <-done:
		if err != nil {
			body := out.String()
			if len(body) > 8000 {
				body = body[len(body)-8000:]
			}
			t.Errorf("%s exit: %v\n%s", name, err, body)
		}
	}
}
