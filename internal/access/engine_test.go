package access

import (
	"context"
	"testing"

	"github.com/org/keyhaven/pkg/models"
)

// mockRoleSource is a minimal in-memory RoleSource for testing.
type mockRoleSource struct {
	roles map[int64][]models.Role
}

func newMockRoles(userID int64, roles ...models.Role) *mockRoleSource {
	return &mockRoleSource{roles: map[int64][]models.Role{userID: roles}}
}

func (m *mockRoleSource) RolesForUser(_ context.Context, userID int64) ([]models.Role, error) {
	return m.roles[userID], nil
}

// recordingAuditor captures access_check entries.
type recordingAuditor struct {
	entries []map[string]string
}

func (a *recordingAuditor) Record(_ context.Context, _ *int64, _, _ string, meta map[string]string) {
	a.entries = append(a.entries, meta)
}

var alice = &models.Principal{ID: 1, Username: "alice"}

func TestCheckAccessNoRoles(t *testing.T) {
	aud := &recordingAuditor{}
	eng := NewEngine(newMockRoles(1), aud)

	err := eng.CheckAccess(context.Background(), alice, "secrets/dev/x", "read")
	if err == nil {
		t.Fatal("expected unauthorized with no roles")
	}
	if len(aud.entries) != 1 || aud.entries[0]["outcome"] != "no_roles" {
		t.Errorf("expected one no_roles audit entry, got %+v", aud.entries)
	}
}

func TestCheckAccessPathPattern(t *testing.T) {
	role := models.Role{
		UserID:      1,
		Name:        "dev-reader",
		PathPattern: "secrets/dev/*",
		Permissions: []string{models.PermRead},
	}
	eng := NewEngine(newMockRoles(1, role), &recordingAuditor{})
	ctx := context.Background()

	if err := eng.CheckAccess(ctx, alice, "secrets/dev/x", "read"); err != nil {
		t.Errorf("expected read allowed on secrets/dev/x: %v", err)
	}
	if err := eng.CheckAccess(ctx, alice, "secrets/prod/x", "read"); err == nil {
		t.Error("expected read denied on secrets/prod/x")
	}
	// Holding read does not grant write
	if err := eng.CheckAccess(ctx, alice, "secrets/dev/x", "update"); err == nil {
		t.Error("expected update denied with read-only role")
	}
}

func TestCheckAccessAdminOverride(t *testing.T) {
	role := models.Role{
		UserID:      1,
		Name:        "ops-admin",
		PathPattern: "irrelevant/*",
		Permissions: []string{models.PermAdmin},
	}
	eng := NewEngine(newMockRoles(1, role), &recordingAuditor{})
	ctx := context.Background()

	// Admin authorizes every action on every key regardless of pattern.
	for _, action := range []string{"create", "read", "update", "delete", "list", "purge"} {
		if err := eng.CheckAccess(ctx, alice, "anything/at/all", action); err != nil {
			t.Errorf("admin should allow %q: %v", action, err)
		}
	}
}

func TestCheckAccessAdditiveAcrossRoles(t *testing.T) {
	reader := models.Role{UserID: 1, Name: "reader", PathPattern: "secrets/*", Permissions: []string{models.PermRead}}
	writer := models.Role{UserID: 1, Name: "writer", PathPattern: "secrets/dev/api", Permissions: []string{models.PermWrite}}
	eng := NewEngine(newMockRoles(1, reader, writer), &recordingAuditor{})
	ctx := context.Background()

	if err := eng.CheckAccess(ctx, alice, "secrets/dev/api", "update"); err != nil {
		t.Errorf("write should be allowed via writer role: %v", err)
	}
	if err := eng.CheckAccess(ctx, alice, "secrets/prod/db", "read"); err != nil {
		t.Errorf("read should be allowed via reader role: %v", err)
	}
	if err := eng.CheckAccess(ctx, alice, "secrets/prod/db", "delete"); err == nil {
		t.Error("delete should be denied: neither role grants it")
	}
}

func TestUnknownActionRequiresAdmin(t *testing.T) {
	role := models.Role{UserID: 1, Name: "rw", PathPattern: "", Permissions: []string{models.PermRead, models.PermWrite, models.PermDelete}}
	eng := NewEngine(newMockRoles(1, role), &recordingAuditor{})

	if err := eng.CheckAccess(context.Background(), alice, "secrets/x", "reencrypt"); err == nil {
		t.Error("unknown actions should require admin")
	}
}

func TestAllowedIsSilent(t *testing.T) {
	role := models.Role{UserID: 1, Name: "reader", PathPattern: "", Permissions: []string{models.PermRead}}
	aud := &recordingAuditor{}
	eng := NewEngine(newMockRoles(1, role), aud)

	ok, err := eng.Allowed(context.Background(), alice, "secrets/x", "read")
	if err != nil || !ok {
		t.Fatalf("expected allowed, got ok=%v err=%v", ok, err)
	}
	if len(aud.entries) != 0 {
		t.Errorf("Allowed must not audit, got %d entries", len(aud.entries))
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		// Empty pattern: global grant
		{"", "anything/here", true},
		// Exact
		{"secrets/dev/x", "secrets/dev/x", true},
		{"secrets/dev/x", "secrets/dev/y", false},
		// Anchored prefix
		{"secrets/dev/*", "secrets/dev/x", true},
		{"secrets/dev/*", "secrets/dev/deep/nested", true},
		{"secrets/dev/*", "secrets/prod/x", false},
		{"secrets/dev/*", "prefix/secrets/dev/x", false},
		// Mid-string star: unanchored containment, fragments in order
		{"app*config", "myapp/prod/config-v2", true},
		{"app*config", "app/config", true},
		{"app*config", "config/app", false},
		{"a*b*c", "xxaxxbxxcxx", true},
		{"a*b*c", "xxaxxcxxbxx", false},
		// No wildcard, not exact: no match even as substring
		{"dev", "secrets/dev/x", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.key); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestIsAdmin(t *testing.T) {
	admin := models.Role{UserID: 1, Name: "root", Permissions: []string{models.PermAdmin}}
	eng := NewEngine(newMockRoles(1, admin), &recordingAuditor{})

	ok, err := eng.IsAdmin(context.Background(), alice)
	if err != nil || !ok {
		t.Errorf("expected admin, got ok=%v err=%v", ok, err)
	}

	eng2 := NewEngine(newMockRoles(1, models.Role{UserID: 1, Permissions: []string{models.PermRead}}), &recordingAuditor{})
	ok, _ = eng2.IsAdmin(context.Background(), alice)
	if ok {
		t.Error("reader should not be admin")
	}
}
