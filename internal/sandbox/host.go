package sandbox

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// HostRunner runs stages with the host shell in the job's work tree, with a
// scrubbed environment and its own process group.
type HostRunner struct {
	Shell string
}

func (HostRunner) Kind() string {
	return "host"
}

func (r HostRunner) Run(ctx context.Context, sb *Sandbox, stage string, script string, env []string, out io.Writer) (int, error) {
	shell := strings.TrimSpace(r.Shell)
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-e", "-c", script)
	cmd.Dir = sb.BuildDir
	cmd.Env = append(BaseEnv(sb.JobID, sb.SourceDir, sb.BuildDir, sb.InstallDir, sb.Root), env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
