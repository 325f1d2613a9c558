package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/keyhaven/internal/sharing"
	"github.com/org/keyhaven/pkg/models"
)

// ShareSource resolves the effective share permission a user holds on a
// personal secret. Implemented by the sharing service.
type ShareSource interface {
	PermissionFor(ctx context.Context, key string, userID int64) (string, error)
}

// Strategy authorizes one action on a located secret. Which strategy
// applies is decided solely by the secret's type, so the role and
// ownership algorithms stay testable in isolation and are never both
// consulted for the same secret.
type Strategy interface {
	Authorize(ctx context.Context, principal *models.Principal, secret *models.Secret, action string) error
}

// StrategyFor selects the authorization strategy for a secret type.
func (e *Engine) StrategyFor(secretType string, shares ShareSource) Strategy {
	if secretType == models.TypePersonal {
		return &ownerStrategy{shares: shares}
	}
	return &roleStrategy{engine: e}
}

// roleStrategy delegates to the role-based engine; every decision is
// audited through CheckAccess.
type roleStrategy struct {
	engine *Engine
}

func (s *roleStrategy) Authorize(ctx context.Context, principal *models.Principal, secret *models.Secret, action string) error {
	return s.engine.CheckAccess(ctx, principal, secret.Key, action)
}

// ownerStrategy authorizes personal secrets: the owner may do anything,
// recipients of an active share may read, and may write when the grant
// is editable. Role grants are never consulted here.
type ownerStrategy struct {
	shares ShareSource
}

func (s *ownerStrategy) Authorize(ctx context.Context, principal *models.Principal, secret *models.Secret, action string) error {
	if secret.OwnedBy(principal.ID) {
		return nil
	}

	switch action {
	case "read", "list":
		// Sharing-specific denials (not shared, expired) surface as-is.
		_, err := s.shares.PermissionFor(ctx, secret.Key, principal.ID)
		return err
	case "update", "create":
		level, err := s.shares.PermissionFor(ctx, secret.Key, principal.ID)
		if err != nil {
			if errors.Is(err, sharing.ErrNotShared) {
				return fmt.Errorf("%w: %s on %s", ErrUnauthorized, action, secret.Key)
			}
			return err
		}
		if level != models.ShareEditable {
			return fmt.Errorf("%w: share on %s is read-only", ErrUnauthorized, secret.Key)
		}
		return nil
	default:
		// Deletion and anything else stays with the owner.
		return fmt.Errorf("%w: %s on %s requires ownership", ErrUnauthorized, action, secret.Key)
	}
}
