package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/packfarm/packfarm/internal/platform/env"
)

// Mode selects how the gateway authenticates people. Services ignore it: a
// service call counts only when its identity headers carry a valid signature.
type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeOIDC, ModeDev, ModeDisabled:
		return m, nil
	default:
		return "", fmt.Errorf("AUTH_MODE must be one of: oidc, dev, disabled (got %q)", raw)
	}
}

// SessionConfig is the cookie the OIDC login flow leaves behind for farmctl
// and browsers.
type SessionConfig struct {
	CookieName string
	Secure     bool
	MaxAge     time.Duration
	SameSite   string
}

type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	RolesClaim string
	EmailClaim string
	// DefaultRoles apply to a token whose roles claim is empty.
	DefaultRoles []string
}

// DevConfig is the fixed operator every request runs as in dev mode.
type DevConfig struct {
	Subject string
	Email   string
	Roles   []string
}

type Config struct {
	Mode    Mode
	Session SessionConfig
	OIDC    OIDCConfig
	Dev     DevConfig
}

func ConfigFromEnv() (Config, error) {
	mode, err := ParseMode(env.String("AUTH_MODE", string(ModeDev)))
	if err != nil {
		return Config{}, err
	}
	secure, err := env.Bool("AUTH_SESSION_COOKIE_SECURE", true)
	if err != nil {
		return Config{}, err
	}
	maxAge, err := env.Int("AUTH_SESSION_MAX_AGE_SECONDS", 3600)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode: mode,
		Session: SessionConfig{
			CookieName: env.String("AUTH_SESSION_COOKIE_NAME", "packfarm_session"),
			Secure:     secure,
			MaxAge:     time.Duration(maxAge) * time.Second,
			SameSite:   env.String("AUTH_SESSION_COOKIE_SAMESITE", "Lax"),
		},
		OIDC: OIDCConfig{
			IssuerURL:    env.String("OIDC_ISSUER_URL", ""),
			ClientID:     env.String("OIDC_CLIENT_ID", ""),
			ClientSecret: env.String("OIDC_CLIENT_SECRET", ""),
			RedirectURL:  env.String("OIDC_REDIRECT_URL", ""),
			Scopes:       parseScopes(env.String("OIDC_SCOPES", "openid profile email")),
			RolesClaim:   env.String("AUTH_ROLES_CLAIM", "roles"),
			EmailClaim:   env.String("AUTH_EMAIL_CLAIM", "email"),
			DefaultRoles: parseCSV(env.String("OIDC_DEFAULT_ROLES", "")),
		},
		Dev: DevConfig{
			Subject: env.String("DEV_AUTH_SUBJECT", "dev-operator"),
			Email:   env.String("DEV_AUTH_EMAIL", "dev-operator@packfarm.local"),
			Roles:   parseCSV(env.String("DEV_AUTH_ROLES", RoleAdmin)),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeOIDC:
		switch {
		case strings.TrimSpace(c.OIDC.IssuerURL) == "":
			return errors.New("OIDC_ISSUER_URL is required when AUTH_MODE=oidc")
		case strings.TrimSpace(c.OIDC.ClientID) == "":
			return errors.New("OIDC_CLIENT_ID is required when AUTH_MODE=oidc")
		case strings.TrimSpace(c.OIDC.RolesClaim) == "" || strings.TrimSpace(c.OIDC.EmailClaim) == "":
			return errors.New("AUTH_ROLES_CLAIM and AUTH_EMAIL_CLAIM are required when AUTH_MODE=oidc")
		}
		if err := operatorRoles("OIDC_DEFAULT_ROLES", c.OIDC.DefaultRoles); err != nil {
			return err
		}
		return c.Session.validate()
	case ModeDev:
		if strings.TrimSpace(c.Dev.Subject) == "" {
			return errors.New("DEV_AUTH_SUBJECT is required when AUTH_MODE=dev")
		}
		if len(c.Dev.Roles) == 0 {
			return errors.New("DEV_AUTH_ROLES must be non-empty when AUTH_MODE=dev")
		}
		return operatorRoles("DEV_AUTH_ROLES", c.Dev.Roles)
	case ModeDisabled:
		return nil
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
}

func (s SessionConfig) validate() error {
	if strings.TrimSpace(s.CookieName) == "" {
		return errors.New("AUTH_SESSION_COOKIE_NAME is required")
	}
	if s.MaxAge <= 0 {
		return errors.New("AUTH_SESSION_MAX_AGE_SECONDS must be positive")
	}
	return nil
}

// ValidateForLogin checks what the /auth/login flow needs beyond bearer
// token verification.
func (c Config) ValidateForLogin() error {
	if c.Mode != ModeOIDC {
		return fmt.Errorf("login requires AUTH_MODE=oidc (got %q)", c.Mode)
	}
	if strings.TrimSpace(c.OIDC.ClientSecret) == "" {
		return errors.New("OIDC_CLIENT_SECRET is required for login endpoints")
	}
	if strings.TrimSpace(c.OIDC.RedirectURL) == "" {
		return errors.New("OIDC_REDIRECT_URL is required for login endpoints")
	}
	return nil
}

// operatorRoles rejects roles no person can hold, including RoleService.
func operatorRoles(name string, roles []string) error {
	for _, role := range roles {
		switch role {
		case RoleViewer, RoleEditor, RoleAdmin:
		case RoleService:
			return fmt.Errorf("%s: role %q is reserved for signed service identities", name, role)
		default:
			return fmt.Errorf("%s: unknown role %q", name, role)
		}
	}
	return nil
}

func parseScopes(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return []string{"openid", "profile", "email"}
	}
	return fields
}

// parseCSV lowercases and dedups a comma separated list.
func parseCSV(value string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(value, ",") {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
