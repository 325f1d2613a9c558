package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/org/keyhaven/internal/crypto"
	"github.com/org/keyhaven/internal/storage"
	"github.com/org/keyhaven/pkg/models"
)

// --- In-memory storage backend for tests ---

type memStore struct {
	users   map[int64]*models.User
	roles   map[int64]*models.Role
	secrets map[string][]*models.Secret
	shares  map[string]*models.SecretShare // "key|recipient"
	audit   []*models.AuditEntry
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{
		users:   map[int64]*models.User{},
		roles:   map[int64]*models.Role{},
		secrets: map[string][]*models.Secret{},
		shares:  map[string]*models.SecretShare{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func shareMapKey(key string, recipient int64) string {
	return fmt.Sprintf("%s|%d", key, recipient)
}

func (m *memStore) CreateUser(_ context.Context, user *models.User) error {
	user.ID = m.id()
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (m *memStore) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) AssignRole(_ context.Context, role *models.Role) error {
	role.ID = m.id()
	m.roles[role.ID] = role
	return nil
}

func (m *memStore) RemoveRole(_ context.Context, roleID int64) error {
	if _, ok := m.roles[roleID]; !ok {
		return storage.ErrNotFound
	}
	delete(m.roles, roleID)
	return nil
}

func (m *memStore) RolesForUser(_ context.Context, userID int64) ([]models.Role, error) {
	var out []models.Role
	for _, r := range m.roles {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) InsertSecretVersion(_ context.Context, s *models.Secret) error {
	for _, v := range m.secrets[s.Key] {
		if v.Version == s.Version {
			return storage.ErrConflict
		}
	}
	s.ID = m.id()
	cp := *s
	m.secrets[s.Key] = append(m.secrets[s.Key], &cp)
	return nil
}

func (m *memStore) GetSecretVersion(_ context.Context, key string, version int) (*models.Secret, error) {
	for _, v := range m.secrets[key] {
		if v.Version == version && v.DeletedAt == nil {
			cp := *v
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) GetLatestSecret(_ context.Context, key string) (*models.Secret, error) {
	versions := m.secrets[key]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].DeletedAt == nil {
			cp := *versions[i]
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) ListSecretVersions(_ context.Context, key string) ([]models.Secret, error) {
	var out []models.Secret
	for _, v := range m.secrets[key] {
		if v.DeletedAt == nil {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *memStore) ListLatestSecrets(ctx context.Context) ([]models.Secret, error) {
	var out []models.Secret
	for key := range m.secrets {
		if latest, err := m.GetLatestSecret(ctx, key); err == nil {
			out = append(out, *latest)
		}
	}
	return out, nil
}

func (m *memStore) SoftDeleteSecret(_ context.Context, key string, entry *models.AuditEntry) error {
	stamped := false
	now := time.Now().UTC()
	for _, v := range m.secrets[key] {
		if v.DeletedAt == nil {
			v.DeletedAt = &now
			stamped = true
		}
	}
	if !stamped {
		return storage.ErrNotFound
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) UpsertShare(_ context.Context, share *models.SecretShare) error {
	k := shareMapKey(share.SecretKey, share.SharedWithID)
	if existing, ok := m.shares[k]; ok {
		share.ID = existing.ID
	} else {
		share.ID = m.id()
	}
	cp := *share
	m.shares[k] = &cp
	return nil
}

func (m *memStore) GetShare(_ context.Context, key string, sharedWithID int64) (*models.SecretShare, error) {
	s, ok := m.shares[shareMapKey(key, sharedWithID)]
	if !ok || !s.Active {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) DeactivateShare(_ context.Context, key string, sharedWithID int64) error {
	s, ok := m.shares[shareMapKey(key, sharedWithID)]
	if !ok || !s.Active {
		return storage.ErrNotFound
	}
	s.Active = false
	return nil
}

func (m *memStore) SharesForRecipient(_ context.Context, userID int64) ([]models.SecretShare, error) {
	var out []models.SecretShare
	for _, s := range m.shares {
		if s.SharedWithID == userID && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) SharesByOwner(_ context.Context, ownerID int64) ([]models.SecretShare, error) {
	var out []models.SecretShare
	for _, s := range m.shares {
		if s.OwnerID == ownerID && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) InsertAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) QueryAudit(_ context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	for _, e := range m.audit {
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

func (m *memStore) AuditStatistics(_ context.Context, _, _ *time.Time, _ int) (*models.AuditStats, error) {
	stats := &models.AuditStats{Total: int64(len(m.audit)), ByAction: map[string]int64{}}
	for _, e := range m.audit {
		stats.ByAction[e.Action]++
	}
	return stats, nil
}

func (m *memStore) PurgeAudit(_ context.Context, olderThan time.Time) (int64, error) {
	var kept []*models.AuditEntry
	var removed int64
	for _, e := range m.audit {
		if e.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return removed, nil
}

func (m *memStore) CountActiveSecrets(ctx context.Context) (int64, error) {
	latest, _ := m.ListLatestSecrets(ctx)
	return int64(len(latest)), nil
}

func (m *memStore) CountActiveShares(_ context.Context) (int64, error) {
	var n int64
	for _, s := range m.shares {
		if s.Active {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Close() {}

// --- test helpers ---

var testJWTKey = []byte("test-identity-signing-key")

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		t.Fatalf("creating cipher: %v", err)
	}
	store := newMemStore()
	srv := NewServer(store, cipher, Config{JWTSigningKey: testJWTKey})
	return srv, store
}

// addUser registers a user and returns a bearer token for them.
func addUser(t *testing.T, store *memStore, username string, perms ...string) (*models.User, string) {
	t.Helper()
	u := &models.User{Username: username, CreatedAt: time.Now().UTC()}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	if len(perms) > 0 {
		err := store.AssignRole(context.Background(), &models.Role{
			UserID:      u.ID,
			Name:        username + "-role",
			Permissions: perms,
		})
		if err != nil {
			t.Fatalf("assigning role: %v", err)
		}
	}
	return u, mintToken(t, u)
}

func mintToken(t *testing.T, u *models.User) string {
	t.Helper()
	claims := identityClaims{
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testJWTKey)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func b64(value string) string {
	return base64.StdEncoding.EncodeToString([]byte(value))
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := doJSON(t, handler, "GET", "/v1/sys/health", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
}

func TestRequestIDAssigned(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := doJSON(t, handler, "GET", "/v1/sys/health", nil, "")
	id := w.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("expected X-Request-ID header")
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("expected a UUID request ID, got %q", id)
	}

	// Each request gets a fresh ID.
	w2 := doJSON(t, handler, "GET", "/v1/sys/health", nil, "")
	if w2.Header().Get("X-Request-ID") == id {
		t.Error("expected distinct request IDs per request")
	}
}

func TestRequestIDInContext(t *testing.T) {
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromCtx(r.Context())
	})
	w := httptest.NewRecorder()
	requestIDMiddleware(logMiddleware(inner)).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("expected request ID in context")
	}
	if seen != w.Header().Get("X-Request-ID") {
		t.Errorf("context ID %q should match response header %q", seen, w.Header().Get("X-Request-ID"))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := doJSON(t, handler, "GET", "/v1/secrets", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w = doJSON(t, handler, "GET", "/v1/secrets", nil, "not-a-jwt")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with garbage token, got %d", w.Code)
	}
}

func TestSecretLifecycle(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	_, token := addUser(t, store, "alice", models.PermRead, models.PermWrite, models.PermDelete)

	// Create version 1.
	w := doJSON(t, handler, "POST", "/v1/secrets", map[string]any{
		"key":   "api/token",
		"value": b64("abc"),
	}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["version"].(float64) != 1 {
		t.Errorf("expected version 1, got %v", data["version"])
	}

	// Update to version 2.
	w = doJSON(t, handler, "PUT", "/v1/secrets/data/api/token", map[string]any{
		"value": b64("xyz"),
	}, token)
	if w.Code != http.StatusOK {
		t.Fatalf("update failed: %d %s", w.Code, w.Body.String())
	}

	// Latest is version 2 with the new value.
	w = doJSON(t, handler, "GET", "/v1/secrets/data/api/token", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("get failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)["data"].(map[string]any)
	if body["value"] != b64("xyz") {
		t.Errorf("expected latest value xyz, got %v", body["value"])
	}
	if body["secret"].(map[string]any)["version"].(float64) != 2 {
		t.Errorf("expected version 2")
	}

	// Version 1 is still retrievable.
	w = doJSON(t, handler, "GET", "/v1/secrets/data/api/token?version=1", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("get v1 failed: %d %s", w.Code, w.Body.String())
	}
	body = decodeBody(t, w)["data"].(map[string]any)
	if body["value"] != b64("abc") {
		t.Errorf("expected version 1 value abc, got %v", body["value"])
	}

	// Version history lists both.
	w = doJSON(t, handler, "GET", "/v1/secrets/versions/api/token", nil, token)
	if w.Code != http.StatusOK {
		t.Fatalf("versions failed: %d %s", w.Code, w.Body.String())
	}
	if versions := decodeBody(t, w)["data"].([]any); len(versions) != 2 {
		t.Errorf("expected 2 versions, got %d", len(versions))
	}

	// Delete, then gone for good.
	w = doJSON(t, handler, "DELETE", "/v1/secrets/data/api/token", nil, token)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete failed: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, handler, "GET", "/v1/secrets/data/api/token", nil, token)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", w.Code)
	}
	w = doJSON(t, handler, "GET", "/v1/secrets/data/api/token?version=1", nil, token)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for deleted version, got %d", w.Code)
	}
}

func TestSecretForbiddenWithoutRole(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	_, writer := addUser(t, store, "alice", models.PermWrite, models.PermRead)
	_, intruder := addUser(t, store, "mallory")

	w := doJSON(t, handler, "POST", "/v1/secrets", map[string]any{
		"key": "prod/db", "value": b64("hunter2"),
	}, writer)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, handler, "GET", "/v1/secrets/data/prod/db", nil, intruder)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for roleless user, got %d", w.Code)
	}
}

func TestDuplicateCreateRejected(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	_, token := addUser(t, store, "alice", models.PermWrite)

	w := doJSON(t, handler, "POST", "/v1/secrets", map[string]any{"key": "dup", "value": b64("a")}, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d", w.Code)
	}
	w = doJSON(t, handler, "POST", "/v1/secrets", map[string]any{"key": "dup", "value": b64("b")}, token)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for duplicate create, got %d %s", w.Code, w.Body.String())
	}
}

func TestSharingFlow(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	_, owner := addUser(t, store, "alice")
	_, friend := addUser(t, store, "bob")

	// Personal secrets need no role grant.
	w := doJSON(t, handler, "POST", "/v1/secrets", map[string]any{
		"key": "alice/note", "value": b64("mine"), "secret_type": "personal",
	}, owner)
	if w.Code != http.StatusCreated {
		t.Fatalf("create failed: %d %s", w.Code, w.Body.String())
	}

	// Unshared: bob sees 403.
	w = doJSON(t, handler, "GET", "/v1/secrets/data/alice/note", nil, friend)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 before share, got %d", w.Code)
	}

	// Grant read_only.
	w = doJSON(t, handler, "POST", "/v1/shares", map[string]any{
		"key": "alice/note", "username": "bob", "permission_level": "read_only",
	}, owner)
	if w.Code != http.StatusCreated {
		t.Fatalf("share failed: %d %s", w.Code, w.Body.String())
	}

	// Read works, write does not.
	w = doJSON(t, handler, "GET", "/v1/secrets/data/alice/note", nil, friend)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 after share, got %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, handler, "PUT", "/v1/secrets/data/alice/note", map[string]any{"value": b64("x")}, friend)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for read_only update, got %d", w.Code)
	}

	// Both listings see the grant.
	w = doJSON(t, handler, "GET", "/v1/shares/given", nil, owner)
	if got := decodeBody(t, w)["data"].([]any); len(got) != 1 {
		t.Errorf("expected 1 given share, got %d", len(got))
	}
	w = doJSON(t, handler, "GET", "/v1/shares/received", nil, friend)
	if got := decodeBody(t, w)["data"].([]any); len(got) != 1 {
		t.Errorf("expected 1 received share, got %d", len(got))
	}

	// Only the owner can share further.
	w = doJSON(t, handler, "POST", "/v1/shares", map[string]any{
		"key": "alice/note", "username": "alice", "permission_level": "read_only",
	}, friend)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner share, got %d", w.Code)
	}

	// Revoke cuts access.
	w = doJSON(t, handler, "POST", "/v1/shares/revoke", map[string]any{
		"key": "alice/note", "username": "bob",
	}, owner)
	if w.Code != http.StatusNoContent {
		t.Fatalf("revoke failed: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, handler, "GET", "/v1/secrets/data/alice/note", nil, friend)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 after revoke, got %d", w.Code)
	}
}

func TestAuditSurfaceAdminGated(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	_, admin := addUser(t, store, "root", models.PermAdmin)
	_, plain := addUser(t, store, "alice", models.PermRead, models.PermWrite)

	doJSON(t, handler, "POST", "/v1/secrets", map[string]any{"key": "a", "value": b64("v")}, plain)

	// Non-admin is rejected.
	w := doJSON(t, handler, "GET", "/v1/sys/audit-log", nil, plain)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", w.Code)
	}

	// Admin can query.
	w = doJSON(t, handler, "GET", "/v1/sys/audit-log?action=create", nil, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("audit query failed: %d %s", w.Code, w.Body.String())
	}
	if entries := decodeBody(t, w)["data"].([]any); len(entries) != 1 {
		t.Errorf("expected 1 create entry, got %d", len(entries))
	}

	// Stats.
	w = doJSON(t, handler, "GET", "/v1/sys/audit-stats", nil, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("audit stats failed: %d %s", w.Code, w.Body.String())
	}
	stats := decodeBody(t, w)["data"].(map[string]any)
	if stats["total"].(float64) < 1 {
		t.Errorf("expected non-zero audit total")
	}

	// Purge with a large retention removes nothing.
	w = doJSON(t, handler, "POST", "/v1/sys/audit-purge", map[string]any{"days_to_keep": 90}, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("purge failed: %d %s", w.Code, w.Body.String())
	}
	if removed := decodeBody(t, w)["data"].(map[string]any)["removed"].(float64); removed != 0 {
		t.Errorf("expected 0 removed, got %v", removed)
	}

	// Invalid retention is rejected.
	w = doJSON(t, handler, "POST", "/v1/sys/audit-purge", map[string]any{"days_to_keep": 0}, admin)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero retention, got %d", w.Code)
	}
}

func TestRoleAdminSurface(t *testing.T) {
	srv, store := newTestServer(t)
	handler := srv.BuildRouter()
	_, admin := addUser(t, store, "root", models.PermAdmin)

	// Create a user and grant a scoped role.
	w := doJSON(t, handler, "POST", "/v1/sys/users", map[string]any{"username": "carol"}, admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("user create failed: %d %s", w.Code, w.Body.String())
	}
	carolID := decodeBody(t, w)["data"].(map[string]any)["id"].(float64)

	w = doJSON(t, handler, "POST", "/v1/sys/roles", map[string]any{
		"user_id":      carolID,
		"name":         "dev-reader",
		"path_pattern": "secrets/dev/*",
		"permissions":  []string{"read"},
	}, admin)
	if w.Code != http.StatusCreated {
		t.Fatalf("role assign failed: %d %s", w.Code, w.Body.String())
	}
	roleID := decodeBody(t, w)["data"].(map[string]any)["id"].(float64)

	w = doJSON(t, handler, "GET", "/v1/sys/users/carol/roles", nil, admin)
	if got := decodeBody(t, w)["data"].([]any); len(got) != 1 {
		t.Errorf("expected 1 role, got %d", len(got))
	}

	// Unknown permission is rejected.
	w = doJSON(t, handler, "POST", "/v1/sys/roles", map[string]any{
		"user_id": carolID, "name": "bad", "permissions": []string{"fly"},
	}, admin)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown permission, got %d", w.Code)
	}

	// Remove the role.
	w = doJSON(t, handler, "DELETE", "/v1/sys/roles/"+strconv.Itoa(int(roleID)), nil, admin)
	if w.Code != http.StatusNoContent {
		t.Fatalf("role remove failed: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(t, handler, "GET", "/v1/sys/users/carol/roles", nil, admin)
	if got, _ := decodeBody(t, w)["data"].([]any); len(got) != 0 {
		t.Errorf("expected 0 roles after removal, got %d", len(got))
	}
}
