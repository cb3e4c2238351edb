// Package sandbox runs untrusted build stages. Running anything needs a
// Capability, granted only to builders configured as privileged, and every
// sandbox is acquired for one job and released when that job ends.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrNotPrivileged = errors.New("sandbox capability not granted")
	ErrOccupied      = errors.New("sandbox slot occupied")
	ErrReleased      = errors.New("sandbox already released")
)

// Capability is the permission to execute build stages.
type Capability struct {
	granted bool
}

// Grant returns a usable capability only when privileged is true.
func Grant(privileged bool) Capability {
	return Capability{granted: privileged}
}

func (c Capability) Granted() bool {
	return c.granted
}

// Runner executes one stage script inside a sandbox.
type Runner interface {
	Kind() string
	Run(ctx context.Context, sb *Sandbox, stage string, script string, env []string, out io.Writer) (exitCode int, err error)
}

// Manager hands out the builder's single sandbox slot.
type Manager struct {
	capability Capability
	runner     Runner
	root       string

	mu     sync.Mutex
	active *Sandbox
}

func NewManager(capability Capability, runner Runner, root string) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("work root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("work root: %w", err)
	}
	return &Manager{capability: capability, runner: runner, root: root}, nil
}

func (m *Manager) Runner() Runner {
	return m.runner
}

// Acquire creates a fresh work tree for jobID. The caller must Release it.
func (m *Manager) Acquire(jobID string) (*Sandbox, error) {
	if !m.capability.Granted() {
		return nil, ErrNotPrivileged
	}
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, fmt.Errorf("%w by %s", ErrOccupied, m.active.JobID)
	}

	root := filepath.Join(m.root, jobID)
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("reset work tree: %w", err)
	}
	sb := &Sandbox{
		JobID:      jobID,
		Root:       root,
		SourceDir:  filepath.Join(root, "sources"),
		BuildDir:   filepath.Join(root, "build"),
		InstallDir: filepath.Join(root, "install"),
		manager:    m,
	}
	for _, dir := range []string{sb.SourceDir, sb.BuildDir, sb.InstallDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("create work tree: %w", err)
		}
	}
	m.active = sb
	return sb, nil
}

// Sandbox is one job's work tree and execution context.
type Sandbox struct {
	JobID      string
	Root       string
	SourceDir  string
	BuildDir   string
	InstallDir string

	manager  *Manager
	released bool
	mu       sync.Mutex
}

// Run executes a stage script. env is appended to the runner's base environment.
func (s *Sandbox) Run(ctx context.Context, stage string, script string, env []string, out io.Writer) (int, error) {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return -1, ErrReleased
	}
	return s.manager.runner.Run(ctx, s, stage, script, env, out)
}

// Release removes the work tree and frees the slot. Safe to call twice.
func (s *Sandbox) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.mu.Unlock()

	err := os.RemoveAll(s.Root)

	m := s.manager
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	m.mu.Unlock()
	return err
}

// BaseEnv is the environment every stage sees, with paths as the runner
// exposes them.
func BaseEnv(jobID, sourceDir, buildDir, installDir, home string) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + home,
		"LANG=C.UTF-8",
		"PACKFARM_JOB_ID=" + jobID,
		"PACKFARM_SOURCE_DIR=" + sourceDir,
		"PACKFARM_BUILD_DIR=" + buildDir,
		"PACKFARM_INSTALL_ROOT=" + installDir,
	}
}
