package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/keyhaven/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist
// (or only soft-deleted versions remain).
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an insert loses a (key, version)
// uniqueness race. Callers may retry with a recomputed version.
var ErrConflict = errors.New("version conflict")

// AuditFilter specifies query parameters for audit log retrieval.
// Zero values mean "no constraint".
type AuditFilter struct {
	UserID      *int64
	SecretKey   string // exact match
	KeyContains string // substring match
	Action      string
	Since       *time.Time // inclusive
	Until       *time.Time // inclusive
	Limit       int
	Offset      int
}

// Backend defines the persistence interface for KeyHaven.
type Backend interface {
	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// Roles
	AssignRole(ctx context.Context, role *models.Role) error
	RemoveRole(ctx context.Context, roleID int64) error
	RolesForUser(ctx context.Context, userID int64) ([]models.Role, error)

	// Secrets. Version rows are append-only; InsertSecretVersion returns
	// ErrConflict when the (key, version) unique index rejects the row.
	InsertSecretVersion(ctx context.Context, secret *models.Secret) error
	GetSecretVersion(ctx context.Context, key string, version int) (*models.Secret, error)
	GetLatestSecret(ctx context.Context, key string) (*models.Secret, error)
	ListSecretVersions(ctx context.Context, key string) ([]models.Secret, error)
	ListLatestSecrets(ctx context.Context) ([]models.Secret, error)

	// SoftDeleteSecret stamps deleted_at on every active version of key
	// and writes the audit entry inside the same transaction. The whole
	// transaction rolls back if the audit write fails.
	SoftDeleteSecret(ctx context.Context, key string, entry *models.AuditEntry) error

	// Shares
	UpsertShare(ctx context.Context, share *models.SecretShare) error
	GetShare(ctx context.Context, key string, sharedWithID int64) (*models.SecretShare, error)
	DeactivateShare(ctx context.Context, key string, sharedWithID int64) error
	SharesForRecipient(ctx context.Context, userID int64) ([]models.SecretShare, error)
	SharesByOwner(ctx context.Context, ownerID int64) ([]models.SecretShare, error)

	// Audit
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)
	AuditStatistics(ctx context.Context, since, until *time.Time, topN int) (*models.AuditStats, error)
	PurgeAudit(ctx context.Context, olderThan time.Time) (int64, error)

	// Metrics helpers
	CountActiveSecrets(ctx context.Context) (int64, error)
	CountActiveShares(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}
