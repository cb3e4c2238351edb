// Package readiness blocks a service until the services it depends on answer
// their /readyz endpoint. Process start order says nothing about readiness, so
// every dependent service polls explicitly.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/packfarm/packfarm/internal/platform/backoff"
)

type Dependency struct {
	Name string
	// BaseURL is the service root; /readyz is appended.
	BaseURL string
}

var ErrNotReady = errors.New("dependency not ready")

// Probe performs one readiness request.
func Probe(ctx context.Context, client *http.Client, baseURL string) error {
	url := strings.TrimRight(baseURL, "/") + "/readyz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrNotReady, url, resp.StatusCode)
	}
	return nil
}

// Wait polls every dependency, in order, until it is ready or ctx ends.
func Wait(ctx context.Context, logger *slog.Logger, client *http.Client, policy backoff.Policy, deps ...Dependency) error {
	for _, dep := range deps {
		start := time.Now()
		err := backoff.Retry(ctx, policy, 0, func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return Probe(probeCtx, client, dep.BaseURL)
		}, func(err error, wait time.Duration) {
			logger.Info("waiting for dependency", "dependency", dep.Name, "retry_in", wait.String(), "error", err.Error())
		})
		if err != nil {
			return fmt.Errorf("wait for %s: %w", dep.Name, err)
		}
		logger.Info("dependency ready", "dependency", dep.Name, "waited_ms", time.Since(start).Milliseconds())
	}
	return nil
}
