package auth

import (
	"context"
	"strings"
)

// servicePrefix marks the subject of an identity a packfarm service asserts
// for its own calls, e.g. "service:avalanche-1".
const servicePrefix = "service:"

// Identity is the caller a request runs as. Humans come from the gateway's
// user authenticator; services from their own signed headers.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// ServiceIdentity is the identity a service asserts for its own calls.
func ServiceIdentity(name string) Identity {
	return Identity{Subject: servicePrefix + strings.TrimSpace(name), Roles: []string{RoleService}}
}

// ServiceName reports the service behind id, if it is one.
func (id Identity) ServiceName() (string, bool) {
	name, ok := strings.CutPrefix(id.Subject, servicePrefix)
	if !ok || name == "" || !HasRole(id.Roles, RoleService) {
		return "", false
	}
	return name, true
}

// Actor is the name recorded on jobs and audit events.
func (id Identity) Actor() string {
	if id.Email != "" {
		return id.Email
	}
	return id.Subject
}

// Human drops the service role. Only a service key can assert it, so a user
// token claiming it is ignored.
func (id Identity) Human() Identity {
	roles := make([]string, 0, len(id.Roles))
	for _, role := range id.Roles {
		if !strings.EqualFold(strings.TrimSpace(role), RoleService) {
			roles = append(roles, role)
		}
	}
	id.Roles = roles
	return id
}

type identityKey struct{}

func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// ActorFromContext is the Actor of the request's identity, or "" when the
// request is unauthenticated.
func ActorFromContext(ctx context.Context) string {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return ""
	}
	return id.Actor()
}
