// Package audit maintains the append-only trail of every action taken
// against the secret store, and answers queries and aggregations over it.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/org/keyhaven/internal/storage"
	"github.com/org/keyhaven/pkg/models"
	"github.com/rs/zerolog/log"
)

// appTag is stamped into every entry's metadata.
const appTag = "keyhaven"

// Store is the minimal persistence interface the Recorder needs.
type Store interface {
	InsertAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAudit(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
	AuditStatistics(ctx context.Context, since, until *time.Time, topN int) (*models.AuditStats, error)
	PurgeAudit(ctx context.Context, olderThan time.Time) (int64, error)
}

// Recorder writes and reads audit entries.
type Recorder struct {
	store Store
}

// NewRecorder creates a Recorder backed by the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

// Entry builds a fully enriched audit entry without persisting it.
// The delete path hands the entry to storage for a transactional write.
func (r *Recorder) Entry(userID *int64, action, key string, meta map[string]string) *models.AuditEntry {
	now := time.Now().UTC()
	enriched := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		enriched[k] = v
	}
	enriched["app"] = appTag
	enriched["logged_at"] = now.Format(time.RFC3339Nano)

	return &models.AuditEntry{
		UserID:    userID,
		Action:    action,
		SecretKey: key,
		Timestamp: now,
		Metadata:  enriched,
	}
}

// Record persists one audit entry. A nil userID marks a system event.
// Failures are logged but never propagated: audit writes must not block
// the operation that triggered them (delete is the transactional
// exception and bypasses Record entirely).
func (r *Recorder) Record(ctx context.Context, userID *int64, action, key string, meta map[string]string) {
	entry := r.Entry(userID, action, key, meta)
	if err := r.store.InsertAuditEntry(ctx, entry); err != nil {
		log.Error().Err(err).
			Str("action", action).
			Str("secret_key", key).
			Msg("audit write failed")
	}
}

// Query retrieves audit entries matching the filter, newest first.
func (r *Recorder) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return r.store.QueryAudit(ctx, filter)
}

// DefaultTopSecrets is how many secrets the statistics aggregation ranks.
const DefaultTopSecrets = 10

// Statistics aggregates audit activity over an optional date range.
func (r *Recorder) Statistics(ctx context.Context, since, until *time.Time) (*models.AuditStats, error) {
	return r.store.AuditStatistics(ctx, since, until, DefaultTopSecrets)
}

// Purge deletes entries older than daysToKeep days and returns the
// number of rows removed.
func (r *Recorder) Purge(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 1 {
		return 0, fmt.Errorf("daysToKeep must be at least 1, got %d", daysToKeep)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)
	removed, err := r.store.PurgeAudit(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging audit log: %w", err)
	}
	log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("audit log purged")
	return removed, nil
}
