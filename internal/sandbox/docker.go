package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

const (
	containerRoot = "/packfarm"
)

// DockerRunner runs each stage in a throwaway container with no network
// access and the job's work tree mounted at /packfarm.
type DockerRunner struct {
	dockerBin string
	image     string
}

func NewDockerRunner(dockerBin string, image string) (*DockerRunner, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if strings.TrimSpace(image) == "" {
		return nil, errors.New("sandbox image is required")
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerRunner{dockerBin: dockerBin, image: strings.TrimSpace(image)}, nil
}

func (r *DockerRunner) Kind() string {
	return "docker"
}

func (r *DockerRunner) Run(ctx context.Context, sb *Sandbox, stage string, script string, env []string, out io.Writer) (int, error) {
	name := containerName(sb.JobID, stage)
	cmd := exec.CommandContext(ctx, r.dockerBin, r.args(sb, name, script, env)...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error {
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = exec.CommandContext(killCtx, r.dockerBin, "rm", "--force", name).Run()
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 15 * time.Second

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
	return -1, fmt.Errorf("docker run failed: %w", err)
}

func (r *DockerRunner) args(sb *Sandbox, name string, script string, env []string) []string {
	args := []string{
		"run",
		"--rm",
		"--name", name,
		"--network", "none",
		"--volume", sb.Root + ":" + containerRoot,
		"--workdir", containerRoot + "/build",
	}
	base := BaseEnv(sb.JobID, containerRoot+"/sources", containerRoot+"/build", containerRoot+"/install", containerRoot)
	for _, kv := range append(base, env...) {
		args = append(args, "--env", kv)
	}
	return append(args, r.image, "/bin/sh", "-e", "-c", script)
}

func containerName(jobID, stage string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, jobID)
	return "packfarm-" + clean + "-" + stage
}
