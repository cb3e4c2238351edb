package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/packfarm/packfarm/internal/node"
	"github.com/packfarm/packfarm/internal/platform/auditlog"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/config"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/topology"
)

type gatewayConfig struct {
	config.Service `mapstructure:",squash"`

	Routes []routeConfig `mapstructure:"routes"`
	// TrustedServices may call through the gateway with their own signed identity.
	TrustedServices []string `mapstructure:"trusted_services"`
}

func defaults() map[string]any {
	return config.Merge(config.ServiceDefaults(topology.Gateway, ":8080"), map[string]any{
		"routes": []map[string]any{
			{"name": topology.Vessel, "upstream": topology.Vessel},
			{"name": topology.Summit, "upstream": topology.Summit},
		},
		"trusted_services": []string{topology.Vessel, topology.Avalanche, topology.Summit},
	})
}

var cli struct {
	Config string `help:"Service config file (YAML)." type:"path" env:"PACKFARM_CONFIG"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	kong.Parse(&cli, kong.Name("gateway"), kong.Description("packfarm ingress"))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg gatewayConfig
	if err := config.Load(cli.Config, defaults(), &cfg); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	n, err := node.Open(cfg.Service, logger)
	if err != nil {
		logger.Error("node init failed", "error", err)
		os.Exit(2)
	}
	defer func() { _ = n.Close() }()
	logger = logger.With("service", n.Name)

	routes, err := resolveRoutes(n.Topology, cfg.Routes)
	if err != nil {
		logger.Error("invalid routes", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	users, oidcService, err := auth.ForConfig(ctx, authCfg)
	if err != nil {
		logger.Error("user auth init failed", "error", err)
		os.Exit(1)
	}
	if authCfg.Mode == auth.ModeDisabled {
		logger.Warn("user authentication disabled")
	}
	services, err := n.Authenticator(cfg.TrustedServices...)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}
	userAuth := userAuthenticator{inner: users}

	gw := &gateway{
		logger: logger,
		name:   n.Name,
		routes: routes,
		signer: n.Signer,
		authn:  auth.Chain{services, userAuth},
		users:  userAuth,
		oidc:   oidcService,
		audit:  auditlog.AuthDenyFunc(auditlog.LogRecorder{Logger: logger}, n.Name),
		probe:  &http.Client{Timeout: 2 * time.Second},
	}
	for _, rt := range routes {
		logger.Info("route configured", "prefix", rt.Prefix+"/", "upstream", rt.Upstream.String())
	}

	srvCfg := httpserver.Config{
		Service:         n.Name,
		Addr:            cfg.ListenAddr,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, srvCfg, httpserver.Wrap(logger, n.Name, gw.handler())); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
