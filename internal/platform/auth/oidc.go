package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

const (
	cookieState    = "packfarm_oidc_state"
	cookieVerifier = "packfarm_oidc_verifier"
	cookieNonce    = "packfarm_oidc_nonce"
	cookieReturnTo = "packfarm_return_to"
)

// OIDCService authenticates operators at the gateway with an ID token carried
// as a bearer token or in the session cookie set by the login flow.
type OIDCService struct {
	cfg          Config
	verifier     *oidc.IDTokenVerifier
	oauth2Config oauth2.Config
}

func NewOIDCService(ctx context.Context, cfg Config) (*OIDCService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode != ModeOIDC {
		return nil, fmt.Errorf("auth mode must be oidc (got %q)", cfg.Mode)
	}

	provider, err := oidc.NewProvider(ctx, cfg.OIDC.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider: %w", err)
	}

	return &OIDCService{
		cfg:      cfg,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID}),
		oauth2Config: oauth2.Config{
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.OIDC.RedirectURL,
			Scopes:       cfg.OIDC.Scopes,
		},
	}, nil
}

func (s *OIDCService) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	rawToken := bearerToken(r)
	if rawToken == "" {
		rawToken = cookieValue(r, s.cfg.Session.CookieName)
	}
	if rawToken == "" {
		return Identity{}, ErrUnauthenticated
	}

	idToken, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, err
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, err
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims[s.cfg.OIDC.EmailClaim].(string)
	roles := rolesFromClaim(claims[s.cfg.OIDC.RolesClaim])
	if len(roles) == 0 {
		roles = s.cfg.OIDC.DefaultRoles
	}
	return Identity{Subject: subject, Email: email, Roles: roles}, nil
}

// Routes registers /auth/login, /auth/callback, /auth/logout and /auth/session.
func (s *OIDCService) Routes(mux *http.ServeMux) error {
	if err := s.cfg.ValidateForLogin(); err != nil {
		return err
	}
	mux.HandleFunc("GET /auth/login", s.handleLogin)
	mux.HandleFunc("GET /auth/callback", s.handleCallback)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/session", s.handleSession)
	return nil
}

func (s *OIDCService) handleLogin(w http.ResponseWriter, r *http.Request) {
	values := make([]string, 3)
	for i := range values {
		v, err := randomBase64URL(32)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			return
		}
		values[i] = v
	}
	state, verifier, nonce := values[0], values[1], values[2]

	s.setCookie(w, cookieState, state, 10*time.Minute)
	s.setCookie(w, cookieVerifier, verifier, 10*time.Minute)
	s.setCookie(w, cookieNonce, nonce, 10*time.Minute)
	s.setCookie(w, cookieReturnTo, safeReturnTo(r.URL.Query().Get("return_to")), 10*time.Minute)

	sum := sha256.Sum256([]byte(verifier))
	redirectURL := s.oauth2Config.AuthCodeURL(
		state,
		oauth2.AccessTypeOnline,
		oauth2.SetAuthURLParam("code_challenge", base64.RawURLEncoding.EncodeToString(sum[:])),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (s *OIDCService) handleCallback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_code_or_state"})
		return
	}
	if cookieValue(r, cookieState) != state {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_state"})
		return
	}
	codeVerifier := cookieValue(r, cookieVerifier)
	nonce := cookieValue(r, cookieNonce)
	if codeVerifier == "" || nonce == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing_pkce_or_nonce"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	token, err := s.oauth2Config.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", codeVerifier))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "token_exchange_failed"})
		return
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing_id_token"})
		return
	}
	idToken, err := s.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_id_token"})
		return
	}
	var claims struct {
		Nonce string `json:"nonce"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Nonce == "" || claims.Nonce != nonce {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_nonce"})
		return
	}

	returnTo := safeReturnTo(cookieValue(r, cookieReturnTo))
	s.setCookie(w, s.cfg.Session.CookieName, rawIDToken, s.cfg.Session.MaxAge)
	for _, name := range []string{cookieState, cookieVerifier, cookieNonce, cookieReturnTo} {
		s.setCookie(w, name, "", -1)
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func (s *OIDCService) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.setCookie(w, s.cfg.Session.CookieName, "", -1)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *OIDCService) handleSession(w http.ResponseWriter, r *http.Request) {
	identity, err := s.Authenticate(r.Context(), r)
	if err != nil {
		code := "invalid_token"
		if errors.Is(err, ErrUnauthenticated) {
			code = "unauthorized"
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": code})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": identity.Subject,
		"email":   identity.Email,
		"roles":   identity.Roles,
	})
}

// setCookie writes an HttpOnly cookie; a negative ttl clears it.
func (s *OIDCService) setCookie(w http.ResponseWriter, name string, value string, ttl time.Duration) {
	maxAge := -1
	if ttl > 0 {
		maxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cfg.Session.Secure,
		SameSite: parseSameSite(s.cfg.Session.SameSite),
	})
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomBase64URL(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func safeReturnTo(raw string) string {
	u, err := url.Parse(raw)
	if raw == "" || err != nil || u.IsAbs() {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func parseSameSite(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func rolesFromClaim(v any) []string {
	switch typed := v.(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return parseCSV(strings.Join(out, ","))
	case []string:
		return parseCSV(strings.Join(typed, ","))
	case string:
		return parseCSV(typed)
	default:
		return nil
	}
}
