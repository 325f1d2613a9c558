package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/org/keyhaven/internal/storage"
	"github.com/org/keyhaven/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAuditStore struct {
	entries   []*models.AuditEntry
	insertErr error

	purgeCutoff  time.Time
	purgeRemoved int64

	statsSince *time.Time
	statsUntil *time.Time
	statsTopN  int
}

func (s *memAuditStore) InsertAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memAuditStore) QueryAudit(_ context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	for _, e := range s.entries {
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.SecretKey != "" && e.SecretKey != filter.SecretKey {
			continue
		}
		if filter.UserID != nil && (e.UserID == nil || *e.UserID != *filter.UserID) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memAuditStore) AuditStatistics(_ context.Context, since, until *time.Time, topN int) (*models.AuditStats, error) {
	s.statsSince, s.statsUntil, s.statsTopN = since, until, topN
	return &models.AuditStats{Total: int64(len(s.entries))}, nil
}

func (s *memAuditStore) PurgeAudit(_ context.Context, olderThan time.Time) (int64, error) {
	s.purgeCutoff = olderThan
	return s.purgeRemoved, nil
}

func userID(id int64) *int64 { return &id }

func TestRecordEnrichesEntry(t *testing.T) {
	store := &memAuditStore{}
	rec := NewRecorder(store)

	before := time.Now().UTC()
	rec.Record(context.Background(), userID(7), models.ActionRead, "api/token", map[string]string{"version": "2"})
	after := time.Now().UTC()

	require.Len(t, store.entries, 1)
	e := store.entries[0]
	assert.Equal(t, models.ActionRead, e.Action)
	assert.Equal(t, "api/token", e.SecretKey)
	require.NotNil(t, e.UserID)
	assert.Equal(t, int64(7), *e.UserID)

	assert.Equal(t, "2", e.Metadata["version"])
	assert.Equal(t, "keyhaven", e.Metadata["app"])

	loggedAt, err := time.Parse(time.RFC3339Nano, e.Metadata["logged_at"])
	require.NoError(t, err)
	assert.False(t, loggedAt.Before(before))
	assert.False(t, loggedAt.After(after))
	assert.Equal(t, time.UTC, e.Timestamp.Location())
}

func TestRecordNilUserID(t *testing.T) {
	store := &memAuditStore{}
	rec := NewRecorder(store)

	rec.Record(context.Background(), nil, models.ActionAccessCheck, "x", nil)

	require.Len(t, store.entries, 1)
	assert.Nil(t, store.entries[0].UserID, "system events carry no user")
}

func TestRecordSwallowsStoreError(t *testing.T) {
	store := &memAuditStore{insertErr: errors.New("db down")}
	rec := NewRecorder(store)

	// Must not panic or propagate; the triggering operation goes on.
	rec.Record(context.Background(), userID(1), models.ActionCreate, "k", nil)
	assert.Empty(t, store.entries)
}

func TestEntryDoesNotPersist(t *testing.T) {
	store := &memAuditStore{}
	rec := NewRecorder(store)

	e := rec.Entry(userID(3), models.ActionDelete, "gone/key", map[string]string{"versions_through": "4"})

	assert.Empty(t, store.entries, "Entry builds without writing")
	assert.Equal(t, models.ActionDelete, e.Action)
	assert.Equal(t, "4", e.Metadata["versions_through"])
	assert.Equal(t, "keyhaven", e.Metadata["app"])
}

func TestEntryCopiesMetadata(t *testing.T) {
	rec := NewRecorder(&memAuditStore{})

	meta := map[string]string{"k": "v"}
	e := rec.Entry(nil, models.ActionList, "", meta)
	e.Metadata["k"] = "mutated"

	assert.Equal(t, "v", meta["k"], "caller's map must not be aliased")
}

func TestQueryPassesFilter(t *testing.T) {
	store := &memAuditStore{}
	rec := NewRecorder(store)
	ctx := context.Background()

	rec.Record(ctx, userID(1), models.ActionRead, "a", nil)
	rec.Record(ctx, userID(1), models.ActionUpdate, "a", nil)
	rec.Record(ctx, userID(2), models.ActionRead, "b", nil)

	byAction, err := rec.Query(ctx, storage.AuditFilter{Action: models.ActionRead})
	require.NoError(t, err)
	assert.Len(t, byAction, 2)

	byUser, err := rec.Query(ctx, storage.AuditFilter{UserID: userID(2)})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "b", byUser[0].SecretKey)

	byKey, err := rec.Query(ctx, storage.AuditFilter{SecretKey: "a", Action: models.ActionUpdate})
	require.NoError(t, err)
	assert.Len(t, byKey, 1)
}

func TestStatisticsDefaults(t *testing.T) {
	store := &memAuditStore{}
	rec := NewRecorder(store)

	since := time.Now().UTC().Add(-24 * time.Hour)
	stats, err := rec.Statistics(context.Background(), &since, nil)
	require.NoError(t, err)
	require.NotNil(t, stats)

	assert.Equal(t, DefaultTopSecrets, store.statsTopN)
	require.NotNil(t, store.statsSince)
	assert.True(t, store.statsSince.Equal(since))
	assert.Nil(t, store.statsUntil)
}

func TestPurge(t *testing.T) {
	store := &memAuditStore{purgeRemoved: 42}
	rec := NewRecorder(store)

	removed, err := rec.Purge(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(42), removed)

	wantCutoff := time.Now().UTC().AddDate(0, 0, -30)
	assert.WithinDuration(t, wantCutoff, store.purgeCutoff, time.Minute)
}

func TestPurgeRejectsBadRetention(t *testing.T) {
	rec := NewRecorder(&memAuditStore{})

	for _, days := range []int{0, -1, -30} {
		_, err := rec.Purge(context.Background(), days)
		assert.Error(t, err, "daysToKeep=%d", days)
	}
}
