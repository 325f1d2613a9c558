package models

import "time"

// Share permission levels.
const (
	ShareReadOnly = "read_only"
	ShareEditable = "editable"
)

// SecretShare is a per-secret grant from the owner of a personal secret
// to another user. Unique per (SecretKey, SharedWithID).
type SecretShare struct {
	ID              int64      `json:"id"`
	SecretKey       string     `json:"secret_key"`
	OwnerID         int64      `json:"owner_id"`
	SharedWithID    int64      `json:"shared_with_id"`
	PermissionLevel string     `json:"permission_level"` // ShareReadOnly or ShareEditable
	SharedAt        time.Time  `json:"shared_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Active          bool       `json:"active"`
}

// Expired reports whether the share has lapsed as of now.
// Expiry is evaluated lazily; rows are not reaped.
func (s *SecretShare) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
