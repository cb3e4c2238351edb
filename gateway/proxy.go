package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/platform/httpserver"
	"github.com/packfarm/packfarm/internal/platform/readiness"
	"github.com/packfarm/packfarm/internal/topology"
)

// routeConfig maps /api/<name>/ to an upstream, given either as a topology
// service name or as a base URL.
type routeConfig struct {
	Name     string `mapstructure:"name"`
	Upstream string `mapstructure:"upstream"`
}

type route struct {
	Name     string
	Prefix   string
	Upstream *url.URL
}

func resolveRoutes(topo topology.Topology, cfgs []routeConfig) ([]route, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("at least one route is required")
	}
	seen := map[string]bool{}
	out := make([]route, 0, len(cfgs))
	for _, c := range cfgs {
		name := strings.Trim(strings.TrimSpace(c.Name), "/")
		if name == "" || strings.Contains(name, "/") {
			return nil, fmt.Errorf("route name %q must be a single path segment", c.Name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate route %q", name)
		}
		seen[name] = true

		target := strings.TrimSpace(c.Upstream)
		if svc, ok := topo.Lookup(target); ok {
			target = svc.Address
		}
		u, err := url.Parse(target)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("route %s: invalid upstream %q", name, c.Upstream)
		}
		out = append(out, route{Name: name, Prefix: "/api/" + name, Upstream: u})
	}
	return out, nil
}

// userAuthenticator wraps the human-facing authenticator. The service role
// is only ever asserted by a signed service key, never by a user token.
type userAuthenticator struct {
	inner auth.Authenticator
}

func (a userAuthenticator) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	identity, err := a.inner.Authenticate(ctx, r)
	if err != nil {
		return auth.Identity{}, err
	}
	return identity.Human(), nil
}

type gateway struct {
	logger *slog.Logger
	name   string
	routes []route
	signer auth.Signer
	// authn authenticates both service and user callers.
	authn auth.Authenticator
	users auth.Authenticator
	oidc  *auth.OIDCService
	audit auth.AuditFunc
	probe *http.Client
}

func (g *gateway) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", httpserver.Healthz(g.name))
	r.Get("/readyz", httpserver.ReadyzWithChecks(g.name))
	r.Get("/upstreams", g.handleUpstreams)

	if g.oidc != nil {
		authMux := http.NewServeMux()
		if err := g.oidc.Routes(authMux); err != nil {
			g.logger.Warn("oidc login routes disabled", "error", err)
			authMux.Handle("GET /auth/session", http.HandlerFunc(g.handleSession))
		}
		r.Mount("/auth", authMux)
	} else {
		r.Get("/auth/session", g.handleSession)
	}

	protected := auth.Middleware{
		Logger:        g.logger,
		Authenticator: g.authn,
		Audit:         g.audit,
	}
	for _, rt := range g.routes {
		proxy := newReverseProxy(g.logger, g.signer, rt.Upstream)
		r.Handle(rt.Prefix+"/*", protected.Wrap(http.StripPrefix(rt.Prefix, proxy)))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpserver.WriteError(w, r, http.StatusNotFound, "not_found")
	})
	return r
}

func (g *gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	identity, err := g.users.Authenticate(r.Context(), r)
	if err != nil {
		httpserver.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{
		"subject": identity.Subject,
		"email":   identity.Email,
		"roles":   identity.Roles,
	})
}

type upstreamStatus struct {
	Route     string `json:"route"`
	Upstream  string `json:"upstream"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// handleUpstreams probes every route's /readyz. It never fails itself.
func (g *gateway) handleUpstreams(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out := make([]upstreamStatus, len(g.routes))
	var wg sync.WaitGroup
	for i, rt := range g.routes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := upstreamStatus{Route: rt.Prefix + "/", Upstream: rt.Upstream.String(), Reachable: true}
			if err := readiness.Probe(ctx, g.probe, rt.Upstream.String()); err != nil {
				st.Reachable = false
				st.Error = err.Error()
			}
			out[i] = st
		}()
	}
	wg.Wait()
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"upstreams": out})
}

// newReverseProxy forwards to upstream, replacing any identity headers the
// caller sent with the authenticated identity signed by signer.
func newReverseProxy(logger *slog.Logger, signer auth.Signer, upstream *url.URL) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		auth.StripSignedHeaders(r.Header)
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			return
		}
		if err := signer.Sign(r, identity); err != nil {
			logger.Error("sign forwarded identity failed", "request_id", r.Header.Get("X-Request-Id"), "error", err)
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("proxy error", "request_id", r.Header.Get("X-Request-Id"), "upstream", upstream.Host, "error", err)
		httpserver.WriteError(w, r, http.StatusBadGateway, "bad_gateway")
	}
	return proxy
}
