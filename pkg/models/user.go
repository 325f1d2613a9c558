package models

import "time"

// User is an identity-provider account referenced by roles, shares and audit rows.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Principal is the authenticated actor performing an operation.
// It is resolved by the identity layer before any core call.
type Principal struct {
	ID       int64
	Username string
}

// Permission constants for role grants.
const (
	PermRead   = "read"
	PermWrite  = "write"
	PermDelete = "delete"
	PermAdmin  = "admin"
)

// Role assigns a set of permissions to a user, optionally scoped to a
// key path pattern. An empty PathPattern grants the permissions globally.
type Role struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Name        string    `json:"name"`
	PathPattern string    `json:"path_pattern,omitempty"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasPermission reports whether the role grants perm directly.
// Admin is not implied here; callers treat it as an unconditional override.
func (r *Role) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the role carries the admin permission.
func (r *Role) IsAdmin() bool {
	return r.HasPermission(PermAdmin)
}
