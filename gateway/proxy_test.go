package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/packfarm/packfarm/internal/platform/auth"
	"github.com/packfarm/packfarm/internal/topology"
)

type headerAuthenticator struct{}

func (headerAuthenticator) Authenticate(ctx context.Context, r *http.Request) (auth.Identity, error) {
	roles := r.Header.Get("X-Test-Roles")
	if roles == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return auth.Identity{Subject: "tester", Email: "tester@example.com", Roles: strings.Split(roles, ",")}, nil
}

type seen struct {
	Path     string
	Identity auth.Identity
	Signer   string
	Err      string
}

// recordingUpstream verifies the gateway's signature and echoes what it saw.
func recordingUpstream(t *testing.T, gatewayKey ed25519.PublicKey) *httptest.Server {
	t.Helper()
	verifier, err := auth.NewSignedHeadersAuthenticator(auth.Keyring{topology.Gateway: gatewayKey})
	if err != nil {
		t.Fatalf("NewSignedHeadersAuthenticator() err=%v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		out := seen{Path: r.URL.Path, Signer: r.Header.Get(auth.HeaderSigner)}
		identity, err := verifier.Authenticate(r.Context(), r)
		if err != nil {
			out.Err = err.Error()
		}
		out.Identity = identity
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() err=%v", err)
	}
	return pub, priv
}

type fixture struct {
	srv       *httptest.Server
	vesselKey ed25519.PrivateKey
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	gwPub, gwPriv := genKey(t)
	vesselPub, vesselPriv := genKey(t)
	upstream := recordingUpstream(t, gwPub)

	topo := topology.Topology{Services: []topology.Service{
		{Name: topology.Vessel, Address: upstream.URL},
		{Name: topology.Summit, Address: "http://127.0.0.1:1"},
	}}
	routes, err := resolveRoutes(topo, []routeConfig{
		{Name: topology.Vessel, Upstream: topology.Vessel},
		{Name: topology.Summit, Upstream: topology.Summit},
	})
	if err != nil {
		t.Fatalf("resolveRoutes() err=%v", err)
	}
	services, err := auth.NewSignedHeadersAuthenticator(auth.Keyring{topology.Vessel: vesselPub})
	if err != nil {
		t.Fatalf("NewSignedHeadersAuthenticator() err=%v", err)
	}
	users := userAuthenticator{inner: headerAuthenticator{}}
	gw := &gateway{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		name:   topology.Gateway,
		routes: routes,
		signer: auth.Signer{Name: topology.Gateway, Key: gwPriv},
		authn:  auth.Chain{services, users},
		users:  users,
		probe:  http.DefaultClient,
	}
	srv := httptest.NewServer(gw.handler())
	t.Cleanup(srv.Close)
	return fixture{srv: srv, vesselKey: vesselPriv}
}

func do(t *testing.T, req *http.Request, out any) int {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s err=%v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode err=%v", err)
		}
	}
	return resp.StatusCode
}

func TestUserIdentityIsResignedWithoutServiceRole(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/vessel/jobs/abc", nil)
	req.Header.Set("X-Test-Roles", "editor,service")

	var got seen
	if code := do(t, req, &got); code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if got.Err != "" {
		t.Fatalf("upstream rejected signature: %s", got.Err)
	}
	if got.Path != "/jobs/abc" {
		t.Fatalf("path=%q want /jobs/abc", got.Path)
	}
	if got.Signer != topology.Gateway || got.Identity.Subject != "tester" {
		t.Fatalf("seen=%+v", got)
	}
	if auth.HasRole(got.Identity.Roles, auth.RoleService) || !auth.HasRole(got.Identity.Roles, auth.RoleEditor) {
		t.Fatalf("roles=%v want editor without service", got.Identity.Roles)
	}
}

func TestServiceIdentityPassesThrough(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/vessel/jobs/abc/reports", nil)
	signer := auth.Signer{Name: topology.Vessel, Key: f.vesselKey}
	if err := signer.Sign(req, auth.ServiceIdentity(topology.Vessel)); err != nil {
		t.Fatalf("Sign() err=%v", err)
	}

	var got seen
	if code := do(t, req, &got); code != http.StatusOK {
		t.Fatalf("code=%d", code)
	}
	if got.Err != "" || got.Signer != topology.Gateway {
		t.Fatalf("seen=%+v", got)
	}
	if got.Identity.Subject != "service:vessel" || !auth.HasRole(got.Identity.Roles, auth.RoleService) {
		t.Fatalf("identity=%+v want the vessel service identity", got.Identity)
	}
}

func TestForgedIdentityHeadersAreRejected(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/vessel/jobs", nil)
	req.Header.Set(auth.HeaderSigner, topology.Vessel)
	req.Header.Set(auth.HeaderSubject, "service:vessel")
	req.Header.Set(auth.HeaderRoles, auth.RoleService)
	req.Header.Set(auth.HeaderTimestamp, "1")
	req.Header.Set(auth.HeaderSignature, "bogus")
	if code := do(t, req, nil); code != http.StatusUnauthorized {
		t.Fatalf("forged code=%d want 401", code)
	}

	anon, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/vessel/jobs", nil)
	if code := do(t, anon, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous code=%d want 401", code)
	}
}

func TestUnreachableUpstream(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/summit/artifacts", nil)
	req.Header.Set("X-Test-Roles", "viewer")
	var body map[string]any
	if code := do(t, req, &body); code != http.StatusBadGateway {
		t.Fatalf("code=%d want 502", code)
	}
	if body["error"] != "bad_gateway" {
		t.Fatalf("body=%v", body)
	}

	var ups struct {
		Upstreams []upstreamStatus `json:"upstreams"`
	}
	probe, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/upstreams", nil)
	if code := do(t, probe, &ups); code != http.StatusOK {
		t.Fatalf("upstreams code=%d", code)
	}
	if len(ups.Upstreams) != 2 || !ups.Upstreams[0].Reachable || ups.Upstreams[1].Reachable {
		t.Fatalf("upstreams=%+v want vessel reachable and summit down", ups.Upstreams)
	}
}

func TestUnknownRouteAndSession(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/unknown/x", nil)
	req.Header.Set("X-Test-Roles", "viewer")
	if code := do(t, req, nil); code != http.StatusNotFound {
		t.Fatalf("unknown route code=%d want 404", code)
	}

	session, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/auth/session", nil)
	session.Header.Set("X-Test-Roles", "admin,service")
	var body struct {
		Subject string   `json:"subject"`
		Roles   []string `json:"roles"`
	}
	if code := do(t, session, &body); code != http.StatusOK {
		t.Fatalf("session code=%d", code)
	}
	if body.Subject != "tester" || len(body.Roles) != 1 || body.Roles[0] != "admin" {
		t.Fatalf("session=%+v", body)
	}
}

func TestResolveRoutesRejectsBadConfig(t *testing.T) {
	topo := topology.Topology{Services: []topology.Service{{Name: topology.Vessel, Address: "http://127.0.0.1:8081"}}}
	cases := map[string][]routeConfig{
		"empty":     nil,
		"nested":    {{Name: "a/b", Upstream: topology.Vessel}},
		"duplicate": {{Name: "v", Upstream: topology.Vessel}, {Name: "v", Upstream: topology.Vessel}},
		"unknown":   {{Name: "x", Upstream: "nowhere"}},
	}
	for name, cfgs := range cases {
		if _, err := resolveRoutes(topo, cfgs); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	routes, err := resolveRoutes(topo, []routeConfig{{Name: "mirror", Upstream: "https://mirror.example/api"}})
	if err != nil || routes[0].Upstream.Host != "mirror.example" || routes[0].Prefix != "/api/mirror" {
		t.Fatalf("routes=%+v err=%v", routes, err)
	}
}
