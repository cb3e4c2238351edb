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
	"github.com/packfarm/packfarm/internal/domain"
	"github.com/packfarm/packfarm/internal/node"
	"github.com/packfarm/packfarm/internal/platform/auditlog"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/backoff"
	"github.com/packfarm/packfarm/internal/platform/config"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/platform/postgres"
	"github.com/packfarm/packfarm/internal/recipe"
	"github.com/packfarm/packfarm/internal/repo"
	"github.com/packfarm/packfarm/internal/repo/filestore"
	pgrepo "github.com/packfarm/packfarm/internal/repo/postgres"
	"github.com/packfarm/packfarm/internal/service/jobs"
	"github.com/packfarm/packfarm/internal/topology"
)

type vesselConfig struct {
	config.Service `mapstructure:",squash"`

	CoordinatorID    string          `mapstructure:"coordinator_id"`
	MaxAttempts      int             `mapstructure:"max_attempts"`
	RetryExecution   bool            `mapstructure:"retry_execution"`
	Retry            backoff.Policy  `mapstructure:"retry"`
	ClaimTTL         time.Duration   `mapstructure:"claim_ttl"`
	BuilderTTL       time.Duration   `mapstructure:"builder_ttl"`
	PollInterval     time.Duration   `mapstructure:"poll_interval"`
	LivenessTimeout  time.Duration   `mapstructure:"liveness_timeout"`
	AllowFileSources bool            `mapstructure:"allow_file_sources"`
	Remotes          []domain.Remote `mapstructure:"remotes"`
}

func defaults() map[string]any {
	d := jobs.DefaultConfig()
	return config.Merge(config.ServiceDefaults(topology.Vessel, ":8081"), map[string]any{
		"coordinator_id":     d.ID,
		"max_attempts":       d.MaxAttempts,
		"retry_execution":    false,
		"retry.initial":      5 * time.Second,
		"retry.max":          5 * time.Minute,
		"retry.multiplier":   d.Retry.Multiplier,
		"retry.jitter":       d.Retry.Jitter,
		"claim_ttl":          d.ClaimTTL,
		"builder_ttl":        d.BuilderTTL,
		"poll_interval":      d.PollInterval,
		"liveness_timeout":   d.LivenessTimeout,
		"allow_file_sources": false,
	})
}

// seedFile lists builders known before any of them registers.
type seedFile struct {
	Builders []struct {
		ID       string `yaml:"id"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"builders"`
}

var cli struct {
	Config string `help:"Service config file (YAML)." type:"path" env:"PACKFARM_CONFIG"`
	Seed   string `help:"Bootstrap seed file (YAML)." type:"path"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	kong.Parse(&cli, kong.Name("vessel"), kong.Description("packfarm ingestion coordinator"))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg vesselConfig
	if err := config.Load(cli.Config, defaults(), &cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	if cli.Seed != "" {
		cfg.SeedFile = cli.Seed
	}
	jobsCfg := jobs.Config{
		ID:              cfg.CoordinatorID,
		Remotes:         cfg.Remotes,
		MaxAttempts:     cfg.MaxAttempts,
		Retry:           cfg.Retry,
		RetryExecution:  cfg.RetryExecution,
		ClaimTTL:        cfg.ClaimTTL,
		BuilderTTL:      cfg.BuilderTTL,
		PollInterval:    cfg.PollInterval,
		LivenessTimeout: cfg.LivenessTimeout,
	}
	var seed seedFile
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

	sourcesURL, err := n.GatewayURL(topology.Vessel)
	if err != nil {
		logger.Error("invalid topology", "error", err)
		os.Exit(2)
	}
	jobsCfg.SourcesURL = sourcesURL + "/sources"
	summitURL, err := n.GatewayURL(topology.Summit)
	if err != nil {
		logger.Error("invalid topology", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv(n.Name)
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	var (
		db       *sql.DB
		jobStore repo.JobRepository
		pool     repo.BuilderRepository
		audit    auditlog.Recorder = auditlog.LogRecorder{Logger: logger}
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
		jobStore = pgrepo.NewJobStore(db)
		pool = pgrepo.NewBuilderStore(db)
		audit = auditlog.PostgresRecorder{DB: db}
	} else {
		jobStore = filestore.NewJobStore(n.State)
		pool = filestore.NewBuilderStore(n.State)
	}

	sourceRoot, err := n.State.Sub("sources")
	if err != nil {
		logger.Error("state dir unavailable", "error", err)
		os.Exit(1)
	}
	fetcher := recipe.Fetcher{
		Client:    &http.Client{Timeout: 10 * time.Minute},
		AllowFile: cfg.AllowFileSources,
	}
	cache, err := recipe.NewCache(sourceRoot, fetcher)
	if err != nil {
		logger.Error("source cache unavailable", "error", err)
		os.Exit(1)
	}

	svc, err := jobs.New(jobsCfg, jobs.Deps{
		Jobs:     jobStore,
		Builders: pool,
		Sources:  cache,
		Blobs:    fetcher,
		Dispatch: client.NewBuilder(n.Client("", 1)),
		Index:    client.NewIndex(n.Client(summitURL, 5)),
		Audit:    audit,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("invalid coordinator config", "error", err)
		os.Exit(2)
	}
	for _, b := range seed.Builders {
		if _, err := svc.RegisterBuilder(ctx, domain.BuilderInfo{ID: b.ID, Endpoint: b.Endpoint}); err != nil {
			logger.Error("invalid seed builder", "builder", b.ID, "error", err)
			os.Exit(2)
		}
	}

	authn, err := n.Authenticator(topology.Gateway)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	checks := []httpserver.ReadinessCheck{}
	if db != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: postgres.Ping(db, 750*time.Millisecond),
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(n.Name))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(n.Name, checks...))
	newVesselAPI(logger, svc).register(mux)

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
		logger.Info("reconciler started", "poll_interval", cfg.PollInterval.String())
		svc.Run(ctx)
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
