// Package node assembles what a packfarm service process needs before it
// serves: its topology entry, its locked state directory, its signing key and
// the keyring of the peers it trusts.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/packfarm/packfarm/internal/client"
	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/backoff"
	"github.com/packfarm/packfarm/internal/platform/config"
	"github.com/packfarm/packfarm/internal/platform/readiness"
	"github.com/packfarm/packfarm/internal/platform/statedir"
	"github.com/packfarm/packfarm/internal/topology"
)

type Node struct {
	Name     string
	Topology topology.Topology
	Self     topology.Service
	State    *statedir.Dir
	Signer   auth.Signer

	readiness      backoff.Policy
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Open loads the topology named by cfg, locks this service's state directory
// and reads its private key.
func Open(cfg config.Service, logger *slog.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topo, err := topology.Load(cfg.TopologyFile)
	if err != nil {
		return nil, err
	}
	self, ok := topo.Lookup(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("service %q is not in the topology", cfg.Name)
	}
	key, err := auth.LoadPrivateKey(self.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", self.Name, err)
	}
	state, err := statedir.Open(self.StateDir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", self.Name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		Name:           self.Name,
		Topology:       topo,
		Self:           self,
		State:          state,
		Signer:         auth.Signer{Name: self.Name, Key: key},
		readiness:      cfg.Readiness,
		requestTimeout: cfg.RequestTimeout,
		logger:         logger,
	}, nil
}

func (n *Node) Close() error {
	return n.State.Close()
}

// Peer returns the topology entry of another service.
func (n *Node) Peer(name string) (topology.Service, error) {
	s, ok := n.Topology.Lookup(name)
	if !ok {
		return topology.Service{}, fmt.Errorf("service %q is not in the topology", name)
	}
	return s, nil
}

// GatewayURL is the base URL of route as proxied by the gateway.
func (n *Node) GatewayURL(route string) (string, error) {
	gw, err := n.Peer(topology.Gateway)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(gw.Address, "/") + "/api/" + strings.Trim(route, "/"), nil
}

// Client returns a signed client for baseURL that retries transport failures
// up to tries calls.
func (n *Node) Client(baseURL string, tries int) *client.Client {
	return client.New(baseURL,
		client.WithSigner(n.Signer, auth.ServiceIdentity(n.Name)),
		client.WithRetry(n.readiness, tries),
		client.WithHTTPClient(&http.Client{Timeout: n.requestTimeout}),
		client.WithLogger(n.logger),
	)
}

// WaitForDependencies polls /readyz of every service this one depends on.
func (n *Node) WaitForDependencies(ctx context.Context) error {
	deps, err := n.Topology.Dependencies(n.Name)
	if err != nil {
		return err
	}
	return readiness.Wait(ctx, n.logger, &http.Client{Timeout: 5 * time.Second}, n.readiness, deps...)
}

// Authenticator trusts identities signed by the named peers.
func (n *Node) Authenticator(peers ...string) (auth.Authenticator, error) {
	if len(peers) == 0 {
		return nil, errors.New("at least one trusted peer is required")
	}
	ring, err := n.Topology.Keyring(peers...)
	if err != nil {
		return nil, err
	}
	return auth.NewSignedHeadersAuthenticator(ring)
}
