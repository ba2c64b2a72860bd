package auth

import (
	"fmt"
	"strings"

	xerrors "superdao-relay/internal/errors"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = xerrors.New(xerrors.CodeInitializationFailure, "authentication disabled")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "permission denied")
)

// 运营接口使用的权限。
const (
	PermJobsWrite      = "jobs:write"
	PermJobsRead       = "jobs:read"
	PermWhitelistWrite = "whitelist:write"
	PermWhitelistRead  = "whitelist:read"
)

// AllPermissions lists every permission an operator token can carry.
var AllPermissions = []string{PermJobsWrite, PermJobsRead, PermWhitelistWrite, PermWhitelistRead}

// Subject captures the information embedded in access tokens and passed to
// request handlers via context.
type Subject struct {
	Username    string
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(xerrors.CodePermissionDenied, ErrPermissionDenied, fmt.Sprintf("missing %s", perm))
		}
	}
	return nil
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// Config configures the authentication service.
type Config struct {
	Mode   Mode
	Secret string
	Issuer string
	// TTLSeconds 是签发令牌的默认有效期。
	TTLSeconds int64
}
