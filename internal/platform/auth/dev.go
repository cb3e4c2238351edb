package auth

import (
	"context"
	"errors"
	"net/http"
)

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.Dev.Subject,
			Email:   cfg.Dev.Email,
			Roles:   cfg.Dev.Roles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// AnonymousAuthenticator backs AUTH_MODE=disabled.
type AnonymousAuthenticator struct{}

func (AnonymousAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return Identity{Subject: "anonymous", Roles: []string{RoleAdmin}}, nil
}

// Chain tries each authenticator in order and returns the first identity.
// ErrUnauthenticated moves on to the next one; any other error stops the chain.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	for _, a := range c {
		identity, err := a.Authenticate(ctx, r)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrUnauthenticated
}

// ForConfig returns the human-facing authenticator selected by cfg.Mode.
func ForConfig(ctx context.Context, cfg Config) (Authenticator, *OIDCService, error) {
	switch cfg.Mode {
	case ModeOIDC:
		svc, err := NewOIDCService(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return svc, svc, nil
	case ModeDev:
		return NewDevAuthenticator(cfg), nil, nil
	default:
		return AnonymousAuthenticator{}, nil, nil
	}
}
