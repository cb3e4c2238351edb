package main

import (
	"context"
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/packfarm/packfarm/internal/client"
	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/recipe"
	"github.com/packfarm/packfarm/internal/topology"
)

type submitCmd struct {
	Manifest string `arg:"" help:"Recipe manifest (YAML)." type:"existingfile"`
}

func (c *submitCmd) Run(ctx context.Context, s *session) error {
	if err := s.requireGateway(); err != nil {
		return err
	}
	f, err := os.Open(c.Manifest)
	if err != nil {
		return err
	}
	defer f.Close()
	rec, err := recipe.Parse(f)
	if err != nil {
		return fmt.Errorf("%s: %w", c.Manifest, err)
	}
	job, err := s.coordinator.Submit(ctx, rec)
	if err != nil {
		return err
	}
	return s.print(job)
}

type statusCmd struct {
	ID     string `arg:"" optional:"" help:"Job id; omit to list jobs."`
	Filter string `name:"status" help:"Only jobs in this status when listing."`
	Limit  int    `help:"Maximum jobs to list." default:"50"`
}

func (c *statusCmd) Run(ctx context.Context, s *session) error {
	if err := s.requireGateway(); err != nil {
		return err
	}
	if c.ID != "" {
		job, err := s.coordinator.GetJob(ctx, c.ID)
		if err != nil {
			return err
		}
		return s.print(job)
	}
	if c.Filter != "" && domain.NormalizeJobStatus(c.Filter) == "" {
		return fmt.Errorf("unknown status %q", c.Filter)
	}
	jobs, err := s.coordinator.ListJobs(ctx, c.Filter, c.Limit)
	if err != nil {
		return err
	}
	return s.print(map[string]any{"jobs": jobs})
}

type eventsCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *eventsCmd) Run(ctx context.Context, s *session) error {
	if err := s.requireGateway(); err != nil {
		return err
	}
	events, err := s.coordinator.Events(ctx, c.ID)
	if err != nil {
		return err
	}
	return s.print(map[string]any{"events": events})
}

type cancelCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *cancelCmd) Run(ctx context.Context, s *session) error {
	if err := s.requireGateway(); err != nil {
		return err
	}
	job, err := s.coordinator.Cancel(ctx, c.ID)
	if err != nil {
		return err
	}
	return s.print(job)
}

type artifactsCmd struct {
	Name    string `help:"Package name."`
	Version string `help:"Package version."`
	Release int64  `help:"Package release."`
	Latest  bool   `help:"Only the newest release of each name."`
	Limit   int    `help:"Maximum artifacts to list." default:"50"`
}

func (c *artifactsCmd) Run(ctx context.Context, s *session) error {
	if err := s.requireGateway(); err != nil {
		return err
	}
	artifacts, err := s.index.List(ctx, client.ArtifactQuery{
		Name:    c.Name,
		Version: c.Version,
		Release: c.Release,
		Latest:  c.Latest,
		Limit:   c.Limit,
	})
	if err != nil {
		return err
	}
	return s.print(map[string]any{"artifacts": artifacts})
}

type importCmd struct {
	Name    string `required:"" help:"Package name."`
	Version string `required:"" help:"Package version."`
	Release int64  `required:"" help:"Package release."`
	URI     string `required:"" name:"uri" help:"Where the artifact can be downloaded."`
	Digest  string `required:"" help:"Content digest (sha256:<hex>)."`
	Size    int64  `help:"Content size in bytes."`
}

func (c *importCmd) Run(ctx context.Context, s *session) error {
	if err := s.requireGateway(); err != nil {
		return err
	}
	d, err := digest.Parse(c.Digest)
	if err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	artifact, err := s.coordinator.Import(ctx, domain.ImportRequest{
		Name:    c.Name,
		Version: c.Version,
		Release: c.Release,
		URI:     c.URI,
		Digest:  d,
		Size:    c.Size,
	})
	if err != nil {
		return err
	}
	return s.print(artifact)
}

type topologyCmd struct {
	Check topologyCheckCmd `cmd:"" help:"Validate a topology file and print the start order."`
}

type topologyCheckCmd struct {
	File string `arg:"" optional:"" help:"Topology file; omit for the built-in default." type:"path"`
	Keys bool   `help:"Also load every service's public key."`
}

func (c *topologyCheckCmd) Run(s *session) error {
	t, err := topology.Load(c.File)
	if err != nil {
		return err
	}
	order, err := t.StartOrder()
	if err != nil {
		return err
	}
	if c.Keys {
		if _, err := t.Keyring(order...); err != nil {
			return err
		}
	}
	return s.print(map[string]any{"services": len(t.Services), "start_order": order})
}
