// Package sharing manages per-secret grants from the owner of a
// personal secret to other users. Grants bypass role-based
// authorization entirely and carry their own permission level.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/keyhaven/internal/storage"
	"github.com/org/keyhaven/internal/validate"
	"github.com/org/keyhaven/pkg/models"
)

// ErrNotShared is returned when no active share exists for a key/user pair.
var ErrNotShared = errors.New("secret not shared with user")

// ErrShareExpired is returned when a share exists but its expiry has passed.
var ErrShareExpired = errors.New("share has expired")

// ErrNotOwner is returned when a caller tries to manage shares on a
// secret they do not own.
var ErrNotOwner = errors.New("caller does not own this secret")

// Store is the persistence surface the sharing service needs.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetLatestSecret(ctx context.Context, key string) (*models.Secret, error)
	UpsertShare(ctx context.Context, share *models.SecretShare) error
	GetShare(ctx context.Context, key string, sharedWithID int64) (*models.SecretShare, error)
	DeactivateShare(ctx context.Context, key string, sharedWithID int64) error
	SharesForRecipient(ctx context.Context, userID int64) ([]models.SecretShare, error)
	SharesByOwner(ctx context.Context, ownerID int64) ([]models.SecretShare, error)
}

// Auditor records share lifecycle events.
type Auditor interface {
	Record(ctx context.Context, userID *int64, action, key string, meta map[string]string)
}

// Service manages share grants.
type Service struct {
	store   Store
	auditor Auditor
}

// NewService creates a sharing Service.
func NewService(store Store, auditor Auditor) *Service {
	return &Service{store: store, auditor: auditor}
}

// Share grants recipientUsername access to the owner's personal secret
// at key. An existing grant for the same recipient is replaced.
func (s *Service) Share(ctx context.Context, key string, owner *models.Principal, recipientUsername, level string, expiresAt *time.Time) (*models.SecretShare, error) {
	if err := validate.Key(key); err != nil {
		return nil, err
	}
	if err := validate.Username(recipientUsername); err != nil {
		return nil, err
	}
	if err := validate.PermissionLevel(level); err != nil {
		return nil, err
	}

	recipient, err := s.store.GetUserByUsername(ctx, recipientUsername)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("recipient %q: %w", recipientUsername, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("resolving recipient: %w", err)
	}
	if recipient.ID == owner.ID {
		return nil, &validate.Error{Field: "recipient", Reason: "cannot share a secret with yourself"}
	}

	if err := s.requireOwnership(ctx, key, owner.ID); err != nil {
		return nil, err
	}

	share := &models.SecretShare{
		SecretKey:       key,
		OwnerID:         owner.ID,
		SharedWithID:    recipient.ID,
		PermissionLevel: level,
		SharedAt:        time.Now().UTC(),
		ExpiresAt:       expiresAt,
		Active:          true,
	}
	if err := s.store.UpsertShare(ctx, share); err != nil {
		return nil, fmt.Errorf("persisting share: %w", err)
	}

	s.auditor.Record(ctx, &owner.ID, models.ActionShare, key, map[string]string{
		"shared_with":      recipientUsername,
		"permission_level": level,
	})
	return share, nil
}

// Revoke deactivates the grant for recipientUsername on the owner's
// secret at key. Returns storage.ErrNotFound if no active grant exists.
func (s *Service) Revoke(ctx context.Context, key string, owner *models.Principal, recipientUsername string) error {
	recipient, err := s.store.GetUserByUsername(ctx, recipientUsername)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("recipient %q: %w", recipientUsername, storage.ErrNotFound)
		}
		return fmt.Errorf("resolving recipient: %w", err)
	}

	if err := s.requireOwnership(ctx, key, owner.ID); err != nil {
		return err
	}

	if err := s.store.DeactivateShare(ctx, key, recipient.ID); err != nil {
		return err
	}

	s.auditor.Record(ctx, &owner.ID, models.ActionRevoke, key, map[string]string{
		"revoked_from": recipientUsername,
	})
	return nil
}

// PermissionFor returns the permission level an active share grants
// userID on key. ErrNotShared if none exists; ErrShareExpired if the
// grant has lapsed (expiry is evaluated lazily, rows are not reaped).
func (s *Service) PermissionFor(ctx context.Context, key string, userID int64) (string, error) {
	share, err := s.store.GetShare(ctx, key, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNotShared
		}
		return "", fmt.Errorf("looking up share: %w", err)
	}
	if share.Expired(time.Now().UTC()) {
		return "", ErrShareExpired
	}
	return share.PermissionLevel, nil
}

// SharedWithMe lists active, unexpired grants where the user is the recipient.
func (s *Service) SharedWithMe(ctx context.Context, user *models.Principal) ([]models.SecretShare, error) {
	shares, err := s.store.SharesForRecipient(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return dropExpired(shares), nil
}

// SharedByMe lists active, unexpired grants the user has handed out.
func (s *Service) SharedByMe(ctx context.Context, user *models.Principal) ([]models.SecretShare, error) {
	shares, err := s.store.SharesByOwner(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return dropExpired(shares), nil
}

func dropExpired(shares []models.SecretShare) []models.SecretShare {
	now := time.Now().UTC()
	out := shares[:0]
	for _, sh := range shares {
		if !sh.Expired(now) {
			out = append(out, sh)
		}
	}
	return out
}

// requireOwnership verifies that owner holds an active personal secret
// at key. Role-based secrets cannot be shared.
func (s *Service) requireOwnership(ctx context.Context, key string, ownerID int64) error {
	secret, err := s.store.GetLatestSecret(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("secret %q: %w", key, storage.ErrNotFound)
		}
		return fmt.Errorf("locating secret: %w", err)
	}
	if !secret.OwnedBy(ownerID) {
		return fmt.Errorf("%w: %s", ErrNotOwner, key)
	}
	return nil
}
