// Package access decides whether a principal may perform an action on a
// secret key. Role-based secrets are authorized by path-pattern role
// grants; personal secrets by ownership and sharing grants. The two
// mechanisms are independent and never consulted for the same secret.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/org/keyhaven/pkg/models"
)

// ErrUnauthorized is returned when no role or ownership grant permits
// the requested action.
var ErrUnauthorized = errors.New("unauthorized")

// Access-check outcomes recorded in audit metadata.
const (
	outcomeAuthorized   = "authorized"
	outcomeNoRoles      = "no_roles"
	outcomeInsufficient = "insufficient_permissions"
)

// RoleSource is the minimal interface the Engine needs from storage.
type RoleSource interface {
	RolesForUser(ctx context.Context, userID int64) ([]models.Role, error)
}

// Auditor records access-check outcomes.
type Auditor interface {
	Record(ctx context.Context, userID *int64, action, key string, meta map[string]string)
}

// Engine evaluates role-based access for a principal, key and action.
type Engine struct {
	roles   RoleSource
	auditor Auditor
}

// NewEngine creates an Engine backed by the given role source.
func NewEngine(roles RoleSource, auditor Auditor) *Engine {
	return &Engine{roles: roles, auditor: auditor}
}

// requiredPermission maps an action to the role permission it needs.
// Unknown actions require admin.
func requiredPermission(action string) string {
	switch action {
	case "create", "update":
		return models.PermWrite
	case "read", "list":
		return models.PermRead
	case "delete":
		return models.PermDelete
	default:
		return models.PermAdmin
	}
}

// CheckAccess returns nil if any of the principal's roles authorizes the
// action on key, ErrUnauthorized otherwise. Every invocation emits one
// access_check audit entry recording the outcome.
func (e *Engine) CheckAccess(ctx context.Context, principal *models.Principal, key, action string) error {
	allowed, outcome, err := e.evaluate(ctx, principal, key, action)
	if err != nil {
		return err
	}

	e.auditor.Record(ctx, &principal.ID, models.ActionAccessCheck, key, map[string]string{
		"action":   action,
		"required": requiredPermission(action),
		"outcome":  outcome,
	})

	if !allowed {
		return fmt.Errorf("%w: %s on %s", ErrUnauthorized, action, key)
	}
	return nil
}

// Allowed performs the same check as CheckAccess without auditing. It is
// used for bulk filtering (listing) where one entry per candidate key
// would flood the log.
func (e *Engine) Allowed(ctx context.Context, principal *models.Principal, key, action string) (bool, error) {
	allowed, _, err := e.evaluate(ctx, principal, key, action)
	return allowed, err
}

func (e *Engine) evaluate(ctx context.Context, principal *models.Principal, key, action string) (bool, string, error) {
	roles, err := e.roles.RolesForUser(ctx, principal.ID)
	if err != nil {
		return false, "", fmt.Errorf("fetching roles: %w", err)
	}
	if len(roles) == 0 {
		return false, outcomeNoRoles, nil
	}

	required := requiredPermission(action)
	for i := range roles {
		if roleGrants(&roles[i], required, key) {
			return true, outcomeAuthorized, nil
		}
	}
	return false, outcomeInsufficient, nil
}

// roleGrants reports whether a single role authorizes the required
// permission on key. Admin roles grant everything unconditionally;
// otherwise the role must hold the permission and its path scope must
// match. Authorization is purely additive: there is no deny.
func roleGrants(role *models.Role, required, key string) bool {
	if role.IsAdmin() {
		return true
	}
	if !role.HasPermission(required) {
		return false
	}
	return MatchPattern(role.PathPattern, key)
}

// MatchPattern matches key against a role's path pattern:
//   - ""               — no restriction, matches every key
//   - "secrets/dev/x"  — exact equality
//   - "secrets/dev/*"  — anchored prefix match (trailing star stripped)
//   - "a*b"            — unanchored substring containment after treating
//     each star as "any characters"
//
// The mid-string case is deliberately looser than the prefix case: the
// fragments only need to appear in order somewhere inside the key. That
// can over-match and is kept as-is rather than silently tightened.
func MatchPattern(pattern, key string) bool {
	if pattern == "" {
		return true
	}
	if pattern == key {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	if strings.HasSuffix(pattern, "*") && strings.Count(pattern, "*") == 1 {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return containsInOrder(key, strings.Split(pattern, "*"))
}

// containsInOrder reports whether every fragment occurs in key in order,
// with arbitrary characters between (and around) them.
func containsInOrder(key string, fragments []string) bool {
	rest := key
	for _, frag := range fragments {
		if frag == "" {
			continue
		}
		idx := strings.Index(rest, frag)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(frag):]
	}
	return true
}

// IsAdmin reports whether any of the principal's roles carries the admin
// permission. Administrative operations in the caller layer gate on it.
func (e *Engine) IsAdmin(ctx context.Context, principal *models.Principal) (bool, error) {
	roles, err := e.roles.RolesForUser(ctx, principal.ID)
	if err != nil {
		return false, fmt.Errorf("fetching roles: %w", err)
	}
	for i := range roles {
		if roles[i].IsAdmin() {
			return true, nil
		}
	}
	return false, nil
}
