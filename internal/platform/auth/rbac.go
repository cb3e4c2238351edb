package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"

	// RoleService is carried only by identities a service signed for itself.
	RoleService = "service"
)

var roleLevels = map[string]int{
	RoleViewer:  1,
	RoleEditor:  2,
	RoleAdmin:   3,
	RoleService: 3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleEditor
	}
}

// MethodRoleAuthorizer maps reads to viewer and writes to editor. Requests
// matched by serviceOnly require RoleService instead.
func MethodRoleAuthorizer(serviceOnly func(*http.Request) bool) AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if serviceOnly != nil && serviceOnly(r) {
			if HasRole(identity.Roles, RoleService) {
				return nil
			}
			return ErrForbidden
		}
		if HasAtLeast(identity.Roles, RequiredRoleForRequest(r)) {
			return nil
		}
		return ErrForbidden
	}
}
