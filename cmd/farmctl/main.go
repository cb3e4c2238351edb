// Command farmctl is the operator CLI. It talks to the farm through the
// gateway only.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"

	"github.com/packfarm/packfarm/internal/client"
	"github.com/packfarm/packfarm/internal/platform/backoff"
	"github.com/packfarm/packfarm/internal/topology"
)

const configRelPath = "packfarm/farmctl.yaml"

type cli struct {
	Config  string `help:"CLI config file (default: $XDG_CONFIG_HOME/packfarm/farmctl.yaml)." type:"path" placeholder:"PATH"`
	Gateway string `help:"Gateway base URL." env:"PACKFARM_GATEWAY" placeholder:"URL"`
	Token   string `help:"Bearer token for the gateway." env:"PACKFARM_TOKEN"`
	Tries   int    `help:"Calls per request when the gateway is unreachable." default:"3"`

	Submit    submitCmd    `cmd:"" help:"Submit a recipe manifest."`
	Status    statusCmd    `cmd:"" help:"Show one job, or list jobs."`
	Events    eventsCmd    `cmd:"" help:"Show a job's transition log."`
	Cancel    cancelCmd    `cmd:"" help:"Cancel a job."`
	Artifacts artifactsCmd `cmd:"" help:"List published artifacts."`
	Import    importCmd    `cmd:"" help:"Import a prebuilt artifact."`
	Topology  topologyCmd  `cmd:"" help:"Inspect a topology file."`
}

// fileConfig is the layout of the CLI config file.
type fileConfig struct {
	Gateway string `yaml:"gateway"`
	Token   string `yaml:"token"`
}

// session is what every command runs against.
type session struct {
	gateway     string
	coordinator *client.Coordinator
	index       *client.Index
	out         io.Writer
}

func (s *session) requireGateway() error {
	if s.gateway == "" {
		return errors.New("no gateway configured: pass --gateway, set PACKFARM_GATEWAY or write " + configRelPath)
	}
	return nil
}

func (s *session) print(v any) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "farmctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var root cli
	parser, err := kong.New(&root,
		kong.Name("farmctl"),
		kong.Description("Operate a packfarm build farm through its gateway."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	s, err := root.session(stdout)
	if err != nil {
		return err
	}
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(s)
}

// session merges the config file under the flags and builds the clients.
func (c *cli) session(out io.Writer) (*session, error) {
	path := c.Config
	if path == "" {
		if found, err := xdg.SearchConfigFile(configRelPath); err == nil {
			path = found
		}
	}
	var fc fileConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	gateway := strings.TrimRight(firstNonEmpty(c.Gateway, fc.Gateway), "/")
	token := firstNonEmpty(c.Token, fc.Token)

	opts := []client.Option{
		client.WithBearer(token),
		client.WithRetry(backoff.Policy{Initial: 500 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.2}, c.Tries),
	}
	return &session{
		gateway:     gateway,
		coordinator: client.NewCoordinator(client.New(gateway+"/api/"+topology.Vessel, opts...)),
		index:       client.NewIndex(client.New(gateway+"/api/"+topology.Summit, opts...)),
		out:         out,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
