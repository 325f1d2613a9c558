// Package secret orchestrates the full write and read pipeline for
// stored secrets: validation, authorization, encryption, persistence
// and audit, in that order.
package secret

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/org/keyhaven/internal/access"
	"github.com/org/keyhaven/internal/crypto"
	"github.com/org/keyhaven/internal/storage"
	"github.com/org/keyhaven/internal/validate"
	"github.com/org/keyhaven/pkg/models"
	"github.com/rs/zerolog/log"
)

// Backend is the persistence surface the store needs.
type Backend interface {
	InsertSecretVersion(ctx context.Context, secret *models.Secret) error
	GetSecretVersion(ctx context.Context, key string, version int) (*models.Secret, error)
	GetLatestSecret(ctx context.Context, key string) (*models.Secret, error)
	ListSecretVersions(ctx context.Context, key string) ([]models.Secret, error)
	ListLatestSecrets(ctx context.Context) ([]models.Secret, error)
	SoftDeleteSecret(ctx context.Context, key string, entry *models.AuditEntry) error
}

// Auditor records operations. Entry builds an enriched entry for the
// transactional delete path without persisting it.
type Auditor interface {
	Record(ctx context.Context, userID *int64, action, key string, meta map[string]string)
	Entry(userID *int64, action, key string, meta map[string]string) *models.AuditEntry
}

// Store is the secret storage service.
type Store struct {
	backend Backend
	cipher  *crypto.Cipher
	engine  *access.Engine
	shares  access.ShareSource
	auditor Auditor
}

// NewStore creates a Store. The cipher is injected so tests can run
// with distinct keys and rotation can be added without touching global
// state.
func NewStore(backend Backend, cipher *crypto.Cipher, engine *access.Engine, shares access.ShareSource, auditor Auditor) *Store {
	return &Store{
		backend: backend,
		cipher:  cipher,
		engine:  engine,
		shares:  shares,
		auditor: auditor,
	}
}

// Create stores version 1 of a new secret.
func (s *Store) Create(ctx context.Context, key string, value []byte, principal *models.Principal, metadata map[string]string, secretType string) (*models.Secret, error) {
	if err := validateInputs(key, value, metadata); err != nil {
		return nil, err
	}
	if err := validate.SecretType(secretType); err != nil {
		return nil, err
	}

	var ownerID *int64
	if secretType == models.TypePersonal {
		// Anyone may create secrets they own; roles are not consulted.
		id := principal.ID
		ownerID = &id
	} else if err := s.engine.CheckAccess(ctx, principal, key, "create"); err != nil {
		return nil, err
	}

	ciphertext, err := s.cipher.Encrypt(value)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	sec := &models.Secret{
		Key:        key,
		Version:    1,
		Ciphertext: ciphertext,
		Metadata:   metadata,
		Type:       secretType,
		OwnerID:    ownerID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.backend.InsertSecretVersion(ctx, sec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, &validate.Error{Field: "key", Reason: "secret already exists"}
		}
		return nil, fmt.Errorf("storing secret: %w", err)
	}

	s.auditor.Record(ctx, &principal.ID, models.ActionCreate, key, map[string]string{
		"version":     "1",
		"secret_type": secretType,
	})
	return sec, nil
}

// Get retrieves and decrypts a secret. version 0 means latest active.
// Soft-deleted versions are not retrievable, even by explicit number.
func (s *Store) Get(ctx context.Context, key string, principal *models.Principal, version int) (*models.Secret, []byte, error) {
	sec, err := s.locate(ctx, key, version)
	if err != nil {
		return nil, nil, err
	}

	if err := s.strategyFor(sec).Authorize(ctx, principal, sec, "read"); err != nil {
		return nil, nil, err
	}

	plaintext, err := s.cipher.Decrypt(sec.Ciphertext)
	if err != nil {
		// Tampered ciphertext or wrong key is a security event.
		log.Error().Err(err).Str("key", key).Int("version", sec.Version).
			Msg("secret decryption failed")
		return nil, nil, err
	}

	s.auditor.Record(ctx, &principal.ID, models.ActionRead, key, map[string]string{
		"version": strconv.Itoa(sec.Version),
	})
	return sec, plaintext, nil
}

// Update appends a new version of an existing secret. A lost race on
// the (key, version) unique index surfaces as storage.ErrConflict;
// callers retry against the freshly recomputed latest version.
func (s *Store) Update(ctx context.Context, key string, value []byte, principal *models.Principal, metadata map[string]string) (*models.Secret, error) {
	if err := validateInputs(key, value, metadata); err != nil {
		return nil, err
	}

	latest, err := s.backend.GetLatestSecret(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := s.strategyFor(latest).Authorize(ctx, principal, latest, "update"); err != nil {
		return nil, err
	}

	ciphertext, err := s.cipher.Encrypt(value)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	next := &models.Secret{
		Key:        key,
		Version:    latest.Version + 1,
		Ciphertext: ciphertext,
		Metadata:   metadata,
		Type:       latest.Type,
		OwnerID:    latest.OwnerID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.backend.InsertSecretVersion(ctx, next); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("updating %s: %w", key, storage.ErrConflict)
		}
		return nil, fmt.Errorf("storing secret version: %w", err)
	}

	s.auditor.Record(ctx, &principal.ID, models.ActionUpdate, key, map[string]string{
		"version": strconv.Itoa(next.Version),
	})
	return next, nil
}

// Rotate writes a new version carrying forward the latest metadata.
func (s *Store) Rotate(ctx context.Context, key string, value []byte, principal *models.Principal) (*models.Secret, error) {
	latest, err := s.backend.GetLatestSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, key, value, principal, latest.Metadata)
}

// Delete soft-deletes every active version of key. The deletion and its
// audit entry commit in one transaction: if the audit write fails, the
// delete rolls back. This is the only operation with that guarantee.
func (s *Store) Delete(ctx context.Context, key string, principal *models.Principal) error {
	latest, err := s.backend.GetLatestSecret(ctx, key)
	if err != nil {
		return err
	}

	// All versions of a key share type and owner, so authorizing
	// against the latest row covers them all.
	if err := s.strategyFor(latest).Authorize(ctx, principal, latest, "delete"); err != nil {
		return err
	}

	entry := s.auditor.Entry(&principal.ID, models.ActionDelete, key, map[string]string{
		"versions_through": strconv.Itoa(latest.Version),
	})
	if err := s.backend.SoftDeleteSecret(ctx, key, entry); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// List returns the latest active version of every secret the principal
// may read: role-authorized role-based secrets plus their own personal
// secrets. Secrets shared *with* the principal are a separate query on
// the sharing service. Values are not decrypted.
func (s *Store) List(ctx context.Context, principal *models.Principal, limit, offset int) ([]models.Secret, error) {
	all, err := s.backend.ListLatestSecrets(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}

	visible := make([]models.Secret, 0, len(all))
	for _, sec := range all {
		switch sec.Type {
		case models.TypePersonal:
			if !sec.OwnedBy(principal.ID) {
				continue
			}
		default:
			// Silent variant: one audited check per candidate key
			// would flood the log during enumeration.
			ok, err := s.engine.Allowed(ctx, principal, sec.Key, "read")
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		sec.Ciphertext = nil
		visible = append(visible, sec)
	}

	total := len(visible)
	page := paginate(visible, limit, offset)

	s.auditor.Record(ctx, &principal.ID, models.ActionList, "", map[string]string{
		"total":    strconv.Itoa(total),
		"returned": strconv.Itoa(len(page)),
	})
	return page, nil
}

// ListVersions returns all active versions of key, newest first.
func (s *Store) ListVersions(ctx context.Context, key string, principal *models.Principal) ([]models.VersionInfo, error) {
	latest, err := s.backend.GetLatestSecret(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := s.strategyFor(latest).Authorize(ctx, principal, latest, "read"); err != nil {
		return nil, err
	}

	versions, err := s.backend.ListSecretVersions(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}

	infos := make([]models.VersionInfo, len(versions))
	for i, v := range versions {
		infos[i] = models.VersionInfo{
			Version:   v.Version,
			CreatedAt: v.CreatedAt,
			Metadata:  v.Metadata,
		}
	}

	s.auditor.Record(ctx, &principal.ID, models.ActionVersions, key, map[string]string{
		"count": strconv.Itoa(len(infos)),
	})
	return infos, nil
}

func (s *Store) locate(ctx context.Context, key string, version int) (*models.Secret, error) {
	if version == 0 {
		return s.backend.GetLatestSecret(ctx, key)
	}
	return s.backend.GetSecretVersion(ctx, key, version)
}

func (s *Store) strategyFor(sec *models.Secret) access.Strategy {
	return s.engine.StrategyFor(sec.Type, s.shares)
}

func validateInputs(key string, value []byte, metadata map[string]string) error {
	if err := validate.Key(key); err != nil {
		return err
	}
	if err := validate.Value(value); err != nil {
		return err
	}
	return validate.Metadata(metadata)
}

func paginate(secrets []models.Secret, limit, offset int) []models.Secret {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(secrets) {
		return nil
	}
	secrets = secrets[offset:]
	if limit > 0 && limit < len(secrets) {
		secrets = secrets[:limit]
	}
	return secrets
}
