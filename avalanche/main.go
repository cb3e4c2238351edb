package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/packfarm/packfarm/internal/client"
	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/node"
	"github.com/packfarm/packfarm/internal/platform/auditlog"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/backoff"
	"github.com/packfarm/packfarm/internal/platform/config"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/platform/objectstore"
	"github.com/packfarm/packfarm/internal/repo/filestore"
	"github.com/packfarm/packfarm/internal/sandbox"
	"github.com/packfarm/packfarm/internal/service/builds"
	"github.com/packfarm/packfarm/internal/topology"
)

type avalancheConfig struct {
	config.Service `mapstructure:",squash"`

	BuilderID         string          `mapstructure:"builder_id"`
	Endpoint          string          `mapstructure:"endpoint"`
	Privileged        bool            `mapstructure:"privileged"`
	Runner            string          `mapstructure:"runner"`
	Shell             string          `mapstructure:"shell"`
	DockerBinary      string          `mapstructure:"docker_binary"`
	DockerImage       string          `mapstructure:"docker_image"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	Report            backoff.Policy  `mapstructure:"report"`
	ReportTries       int             `mapstructure:"report_tries"`
	OutputTail        int             `mapstructure:"output_tail"`
	Remotes           []domain.Remote `mapstructure:"remotes"`
}

func defaults() map[string]any {
	p := backoff.DefaultPolicy()
	return config.Merge(config.ServiceDefaults(topology.Avalanche, ":8082"), map[string]any{
		"builder_id":         "",
		"endpoint":           "",
		"privileged":         false,
		"runner":             "host",
		"shell":              "/bin/sh",
		"docker_binary":      "docker",
		"docker_image":       "",
		"heartbeat_interval": 10 * time.Second,
		"report.initial":     p.Initial,
		"report.max":         p.Max,
		"report.multiplier":  p.Multiplier,
		"report.jitter":      p.Jitter,
		"report_tries":       8,
		"output_tail":        4096,
	})
}

func (c avalancheConfig) Validate() error {
	if err := c.Service.Validate(); err != nil {
		return err
	}
	switch c.Runner {
	case "host":
	case "docker":
		if strings.TrimSpace(c.DockerImage) == "" {
			return errors.New("docker_image is required for the docker runner")
		}
	default:
		return fmt.Errorf("runner must be host or docker (got %q)", c.Runner)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	return nil
}

// remoteSeed lists repositories offered to every build on this builder.
type remoteSeed struct {
	Remotes []domain.Remote `yaml:"remotes"`
}

var cli struct {
	Config string `help:"Service config file (YAML)." type:"path" env:"PACKFARM_CONFIG"`
	Seed   string `help:"Bootstrap seed file (YAML)." type:"path"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	kong.Parse(&cli, kong.Name("avalanche"), kong.Description("packfarm builder"))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg avalancheConfig
	if err := config.Load(cli.Config, defaults(), &cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	if cli.Seed != "" {
		cfg.SeedFile = cli.Seed
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	var seed remoteSeed
	if err := config.LoadSeed(cfg.SeedFile, &seed); err != nil {
		logger.Error("invalid seed file", "error", err)
		os.Exit(2)
	}

	n, err := node.Open(cfg.Service, logger)
	if err != nil {
		logger.Error("node init failed", "error", err)
		os.Exit(2)
	}
	defer func() { _ = n.Close() }()
	logger = logger.With("service", n.Name)

	if cfg.BuilderID == "" {
		cfg.BuilderID = n.Name
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = n.Self.Address
	}
	assetBase := n.Self.PublicAddress
	if assetBase == "" {
		assetBase = n.Self.Address
	}

	var runner sandbox.Runner = sandbox.HostRunner{Shell: cfg.Shell}
	if cfg.Runner == "docker" {
		dr, err := sandbox.NewDockerRunner(cfg.DockerBinary, cfg.DockerImage)
		if err != nil {
			logger.Error("docker runner unavailable", "error", err)
			os.Exit(1)
		}
		runner = dr
	}
	if !cfg.Privileged {
		logger.Warn("builder is not privileged; every build will be rejected")
	}
	work, err := n.State.Sub("work")
	if err != nil {
		logger.Error("state dir unavailable", "error", err)
		os.Exit(1)
	}
	logDir, err := n.State.Sub("logs")
	if err != nil {
		logger.Error("state dir unavailable", "error", err)
		os.Exit(1)
	}
	sandboxes, err := sandbox.NewManager(sandbox.Grant(cfg.Privileged), runner, work)
	if err != nil {
		logger.Error("sandbox init failed", "error", err)
		os.Exit(1)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	var blobs objectstore.Store
	checks := []httpserver.ReadinessCheck{}
	if storeCfg.Enabled() {
		mc, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		if err := objectstore.EnsureBuckets(ctx, mc, storeCfg); err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		if blobs, err = objectstore.NewMinioStore(mc); err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(1)
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, mc, storeCfg)
			},
		})
	} else {
		assets, err := n.State.Sub("assets")
		if err != nil {
			logger.Error("state dir unavailable", "error", err)
			os.Exit(1)
		}
		if blobs, err = objectstore.NewDirStore(assets); err != nil {
			logger.Error("asset store init failed", "error", err)
			os.Exit(1)
		}
	}

	vesselURL, err := n.GatewayURL(topology.Vessel)
	if err != nil {
		logger.Error("invalid topology", "error", err)
		os.Exit(2)
	}
	coordinator := client.NewCoordinator(n.Client(vesselURL, 1))

	svc, err := builds.New(builds.Config{
		BuilderID:      cfg.BuilderID,
		Endpoint:       cfg.Endpoint,
		AssetBaseURL:   assetBase,
		LogDir:         logDir,
		ArtifactBucket: storeCfg.BucketArtifacts,
		LogBucket:      storeCfg.BucketLogs,
		Remotes:        append(cfg.Remotes, seed.Remotes...),
		ReportPolicy:   cfg.Report,
		ReportTries:    cfg.ReportTries,
		OutputTail:     cfg.OutputTail,
	}, filestore.NewBuildStore(n.State), sandboxes, blobs, coordinator, logger)
	if err != nil {
		logger.Error("invalid builder config", "error", err)
		os.Exit(2)
	}
	recovered, err := svc.Recover(ctx)
	if err != nil {
		logger.Error("build recovery failed", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Warn("interrupted builds recovered", "count", recovered)
	}

	authn, err := n.Authenticator(topology.Gateway, topology.Vessel)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(n.Name))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(n.Name, checks...))
	newAvalancheAPI(logger, svc).register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.MethodRoleAuthorizer(serviceOnly),
		Audit:         auditlog.AuthDenyFunc(auditlog.LogRecorder{Logger: logger}, n.Name),
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	go func() {
		if err := n.WaitForDependencies(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Error("dependencies never became ready", "error", err)
			}
			return
		}
		svc.Run(ctx, cfg.HeartbeatInterval)
	}()

	srvCfg := httpserver.Config{
		Service:         n.Name,
		Addr:            cfg.ListenAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	err = httpserver.Run(ctx, logger, srvCfg, httpserver.Wrap(logger, n.Name, handler))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := svc.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("build did not stop in time", "error", shutdownErr)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
