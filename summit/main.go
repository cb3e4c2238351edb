package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/packfarm/packfarm/internal/client"
	"github.com/packfarm/packfarm/internal/node"
	"github.com/packfarm/packfarm/internal/platform/auditlog"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/config"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/platform/objectstore"
	"github.com/packfarm/packfarm/internal/platform/postgres"
	"github.com/packfarm/packfarm/internal/repo"
	"github.com/packfarm/packfarm/internal/repo/filestore"
	pgrepo "github.com/packfarm/packfarm/internal/repo/postgres"
	"github.com/packfarm/packfarm/internal/service/index"
	"github.com/packfarm/packfarm/internal/topology"
)

type summitConfig struct {
	config.Service `mapstructure:",squash"`

	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

func defaults() map[string]any {
	return config.Merge(config.ServiceDefaults(topology.Summit, ":8083"), map[string]any{
		"reconcile_interval": 15 * time.Second,
	})
}

var cli struct {
	Config string `help:"Service config file (YAML)." type:"path" env:"PACKFARM_CONFIG"`
	Seed   string `help:"Bootstrap seed file (YAML)." type:"path"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	kong.Parse(&cli, kong.Name("summit"), kong.Description("packfarm package index"))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg summitConfig
	if err := config.Load(cli.Config, defaults(), &cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	if cli.Seed != "" {
		cfg.SeedFile = cli.Seed
	}
	if cfg.ReconcileInterval <= 0 {
		logger.Error("invalid config", "error", "reconcile_interval must be positive")
		os.Exit(2)
	}
	var seed index.SeedFile
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

	dbCfg, err := postgres.ConfigFromEnv(n.Name)
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}

	var (
		db        *sql.DB
		artifacts repo.ArtifactRepository
		audit     auditlog.Recorder = auditlog.LogRecorder{Logger: logger}
		checks    []httpserver.ReadinessCheck
	)
	if dbCfg.Enabled() {
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := pgrepo.Migrate(ctx, db); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		artifacts = pgrepo.NewArtifactStore(db)
		audit = auditlog.PostgresRecorder{DB: db}
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: postgres.Ping(db, 750*time.Millisecond),
		})
	} else {
		artifacts = filestore.NewArtifactStore(n.State)
	}

	vesselURL, err := n.GatewayURL(topology.Vessel)
	if err != nil {
		logger.Error("invalid topology", "error", err)
		os.Exit(2)
	}
	opts := []index.Option{
		index.WithLogger(logger),
		index.WithCoordinator(client.NewCoordinator(n.Client(vesselURL, 3))),
	}
	if storeCfg.Enabled() {
		mc, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			os.Exit(2)
		}
		blobs, err := objectstore.NewMinioStore(mc)
		if err != nil {
			logger.Error("object store init failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, index.WithContentCheck(blobs, storeCfg.BucketArtifacts))
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return objectstore.CheckBuckets(checkCtx, mc, storeCfg)
			},
		})
	}
	svc, err := index.New(artifacts, opts...)
	if err != nil {
		logger.Error("invalid index config", "error", err)
		os.Exit(2)
	}
	if len(seed.Artifacts) > 0 {
		created, err := svc.ImportSeeds(ctx, seed.Artifacts)
		if err != nil {
			logger.Error("seed import failed", "error", err)
			os.Exit(1)
		}
		logger.Info("seed artifacts imported", "created", created, "listed", len(seed.Artifacts))
	}

	authn, err := n.Authenticator(topology.Gateway)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(n.Name))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(n.Name, checks...))
	newSummitAPI(logger, svc).register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authn,
		Authorize:     auth.MethodRoleAuthorizer(serviceOnly),
		Audit:         auditlog.AuthDenyFunc(audit, n.Name),
		SkipPrefixes:  []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	go func() {
		if err := n.WaitForDependencies(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Error("dependencies never became ready", "error", err)
			}
			return
		}
		svc.Run(ctx, cfg.ReconcileInterval)
	}()

	srvCfg := httpserver.Config{
		Service:         n.Name,
		Addr:            cfg.ListenAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, srvCfg, httpserver.Wrap(logger, n.Name, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
