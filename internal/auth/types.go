package auth

import (
	"fmt"
	"strings"

	xerrors "X402-Agent/internal/errors"
)

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken     = xerrors.New(CodeUnauthenticated, "missing api key")
	ErrInvalidToken     = xerrors.New(CodeUnauthenticated, "invalid api key")
	ErrPermissionDenied = xerrors.New(CodeForbidden, "permission denied")
	ErrSubjectRevoked   = xerrors.New(CodeForbidden, "api key is disabled")
)

const (
	CodeUnauthenticated xerrors.Code = "AUTH_UNAUTHENTICATED"
	CodeForbidden       xerrors.Code = "AUTH_FORBIDDEN"
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "authentication required",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeForbidden, xerrors.Attributes{
		Message:  "access denied",
		Severity: xerrors.SeverityWarning,
	})
}

// Permissions understood by the operator API.
const (
	PermCollaborationsWrite = "collaborations:write"
	PermPaymentsWrite       = "payments:write"
	PermToolsWrite          = "tools:write"
	PermSwarmWrite          = "swarm:write"
	PermAll                 = "*"
)

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// Config configures the authentication service.
type Config struct {
	Mode Mode      `json:"mode"`
	Keys []KeySpec `json:"keys"`
}

// KeySpec binds one operator key to a name and its permissions. The secret
// itself is read from the environment variable named by KeyEnv.
type KeySpec struct {
	Name        string   `json:"name"`
	KeyEnv      string   `json:"key_env"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// Subject identifies the operator behind an authenticated request.
type Subject struct {
	Name        string
	Permissions []string
	Disabled    bool

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if _, ok := s.permissionsSet[PermAll]; ok {
		return true
	}
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodeForbidden, ErrPermissionDenied, fmt.Sprintf("missing %s", perm),
				xerrors.WithMetadata("subject", s.Name))
		}
	}
	return nil
}
