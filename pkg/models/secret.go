package models

import "time"

// Secret types.
const (
	TypeRoleBased = "role_based"
	TypePersonal  = "personal"
)

// Secret is one immutable version row of a stored secret.
// Rows are only ever appended; soft deletion stamps DeletedAt.
type Secret struct {
	ID         int64             `json:"id"`
	Key        string            `json:"key"`
	Version    int               `json:"version"`
	Ciphertext []byte            `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Type       string            `json:"secret_type"` // TypeRoleBased or TypePersonal
	OwnerID    *int64            `json:"owner_id,omitempty"` // set iff Type == TypePersonal
	CreatedAt  time.Time         `json:"created_at"`
	DeletedAt  *time.Time        `json:"deleted_at,omitempty"`
}

// OwnedBy reports whether the secret is a personal secret owned by userID.
func (s *Secret) OwnedBy(userID int64) bool {
	return s.Type == TypePersonal && s.OwnerID != nil && *s.OwnerID == userID
}

// VersionInfo is a lightweight summary of one version in history responses.
type VersionInfo struct {
	Version   int               `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
