package stores

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/squealx"
	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *squealx.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db := squealx.NewDb(sqlDB, "sqlite", "testdb")
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestSQLRoleStoreRoundTrip(t *testing.T) {
	db := testDB(t)
	store := NewSQLRoleStore(db)
	ctx := context.Background()

	role := &guard.Role{
		ID:       "role_1",
		TenantID: "t1",
		Name:     "viewer",
		Permissions: map[guard.Permission]guard.Level{
			"docs.read": guard.LevelRead,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateRole(ctx, role); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetRole(ctx, "t1", "role_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "viewer" || got.Permissions["docs.read"] != guard.LevelRead {
		t.Fatalf("unexpected role: %+v", got)
	}

	byName, err := store.GetRoleByName(ctx, "t1", "viewer")
	if err != nil || byName.ID != "role_1" {
		t.Fatalf("get by name: %+v %v", byName, err)
	}

	// Tenant isolation at the query layer.
	if _, err := store.GetRole(ctx, "t2", "role_1"); err == nil {
		t.Fatalf("role must not be visible from another tenant")
	}

	role.ParentID = "role_0"
	role.Permissions["docs.write"] = guard.LevelWrite
	if err := store.UpdateRole(ctx, role); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.GetRole(ctx, "t1", "role_1")
	if got.ParentID != "role_0" || got.Permissions["docs.write"] != guard.LevelWrite {
		t.Fatalf("update not applied: %+v", got)
	}

	list, err := store.ListRoles(ctx, "t1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %d", err, len(list))
	}

	if err := store.DeleteRole(ctx, "t1", "role_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetRole(ctx, "t1", "role_1"); err == nil {
		t.Fatalf("deleted role still readable")
	}
}

func TestSQLAssignmentStoreRoundTrip(t *testing.T) {
	db := testDB(t)
	store := NewSQLAssignmentStore(db)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	a := &guard.RoleAssignment{
		ID:            "asg_1",
		TenantID:      "t1",
		PrincipalID:   "alice",
		RoleID:        "role_1",
		Scope:         guard.Scope{Kind: guard.ScopeTeam, ID: "eng"},
		EffectiveFrom: now,
		ExpiresAt:     now.Add(24 * time.Hour),
		AssignedBy:    "admin",
		Justification: "quarterly review",
		CreatedAt:     now,
	}
	if err := store.CreateAssignment(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetAssignment(ctx, "t1", "asg_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PrincipalID != "alice" || got.Scope.Kind != guard.ScopeTeam || got.Scope.ID != "eng" {
		t.Fatalf("unexpected assignment: %+v", got)
	}
	if !got.RevokedAt.IsZero() {
		t.Fatalf("null revoked_at must scan as zero time")
	}
	if got.EffectiveFrom.IsZero() || got.ExpiresAt.IsZero() {
		t.Fatalf("time columns lost: %+v", got)
	}

	// Revocation persists through update.
	got.RevokedAt = now.Add(time.Hour)
	if err := store.UpdateAssignment(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.GetAssignment(ctx, "t1", "asg_1")
	if got.RevokedAt.IsZero() {
		t.Fatalf("revoked_at not persisted")
	}

	byPrincipal, err := store.ListAssignments(ctx, "t1", "alice")
	if err != nil || len(byPrincipal) != 1 {
		t.Fatalf("list by principal: %v %d", err, len(byPrincipal))
	}
	byRole, err := store.ListAssignmentsByRole(ctx, "t1", "role_1")
	if err != nil || len(byRole) != 1 {
		t.Fatalf("list by role: %v %d", err, len(byRole))
	}
	empty, _ := store.ListAssignments(ctx, "t1", "bob")
	if len(empty) != 0 {
		t.Fatalf("expected no assignments for bob")
	}
}

func TestSQLOverrideStoreUpsertAndRemove(t *testing.T) {
	db := testDB(t)
	store := NewSQLOverrideStore(db)
	ctx := context.Background()

	o := &guard.Override{
		TenantID:    "t1",
		PrincipalID: "alice",
		Permission:  "docs.read",
		Level:       guard.LevelRead,
		SetBy:       "admin",
	}
	if err := store.SetOverride(ctx, o); err != nil {
		t.Fatalf("set: %v", err)
	}
	// Re-setting the same natural key replaces rather than duplicates.
	o.Level = guard.LevelFull
	if err := store.SetOverride(ctx, o); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	list, err := store.ListOverrides(ctx, "t1", "alice")
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %d", err, len(list))
	}
	if list[0].Level != guard.LevelFull {
		t.Fatalf("upsert did not replace level: %+v", list[0])
	}
	if !list[0].Scope.IsGlobal() {
		t.Fatalf("zero scope must read back as global: %+v", list[0].Scope)
	}

	// A scoped override is a distinct row.
	scoped := &guard.Override{
		TenantID:    "t1",
		PrincipalID: "alice",
		Permission:  "docs.read",
		Level:       guard.LevelNone,
		Scope:       guard.Scope{Kind: guard.ScopeProject, ID: "eng/api"},
	}
	if err := store.SetOverride(ctx, scoped); err != nil {
		t.Fatalf("set scoped: %v", err)
	}
	list, _ = store.ListOverrides(ctx, "t1", "alice")
	if len(list) != 2 {
		t.Fatalf("expected 2 overrides, got %d", len(list))
	}

	// Removing with an explicit global scope hits the zero scope row.
	if err := store.RemoveOverride(ctx, "t1", "alice", "docs.read", guard.GlobalScope()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	list, _ = store.ListOverrides(ctx, "t1", "alice")
	if len(list) != 1 || list[0].Scope.IsGlobal() {
		t.Fatalf("expected only the scoped override left, got %+v", list)
	}
}

func TestSQLPrincipalStoreUpsert(t *testing.T) {
	db := testDB(t)
	store := NewSQLPrincipalStore(db)
	ctx := context.Background()

	p := &guard.Principal{
		ID:       "alice",
		TenantID: "t1",
		Grants:   map[guard.Permission]guard.Level{"docs.read": guard.LevelRead},
		Teams:    []string{"eng"},
	}
	if err := store.SavePrincipal(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.Grants["docs.write"] = guard.LevelWrite
	if err := store.SavePrincipal(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetPrincipal(ctx, "t1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Grants["docs.write"] != guard.LevelWrite || len(got.Teams) != 1 {
		t.Fatalf("unexpected principal: %+v", got)
	}
	if _, err := store.GetPrincipal(ctx, "t2", "alice"); err == nil {
		t.Fatalf("principal must not leak across tenants")
	}
}

func TestSQLAuditStoreChainThroughLogger(t *testing.T) {
	db := testDB(t)
	store, err := NewSQLAuditStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	l := guard.NewAuditLogger(store)

	for i := 0; i < 5; i++ {
		if _, err := l.Append(ctx, &guard.AuditLogEntry{
			TenantID: "t1",
			Actor:    "alice",
			Action:   "document.read",
			Resource: "document:1",
			Result:   guard.AuditResultAllowed,
			Detail:   []string{"trace:abc"},
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	last, err := store.LastEntry(ctx, "t1")
	if err != nil || last == nil || last.Seq != 5 {
		t.Fatalf("last entry: %+v %v", last, err)
	}
	if none, err := store.LastEntry(ctx, "t9"); err != nil || none != nil {
		t.Fatalf("empty chain should yield nil, nil: %+v %v", none, err)
	}

	ok, bad, err := l.VerifyChain(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("persisted chain should verify, bad=%d err=%v", bad, err)
	}

	entries, err := store.ListEntries(ctx, "t1", guard.AuditFilter{FromSeq: 2, ToSeq: 4})
	if err != nil || len(entries) != 3 {
		t.Fatalf("window: %v %d", err, len(entries))
	}
	if entries[0].Seq != 2 || entries[0].Detail[0] != "trace:abc" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	filtered, err := store.ListEntries(ctx, "t1", guard.AuditFilter{Actor: "nobody"})
	if err != nil || len(filtered) != 0 {
		t.Fatalf("actor filter: %v %d", err, len(filtered))
	}

	limited, err := store.ListEntries(ctx, "t1", guard.AuditFilter{Limit: 2})
	if err != nil || len(limited) != 2 {
		t.Fatalf("limit: %v %d", err, len(limited))
	}
}

// The SQL stores satisfy every interface the service consumes, so a service
// can run entirely against sqlite.
func TestServiceOverSQLStores(t *testing.T) {
	db := testDB(t)
	audit, err := NewSQLAuditStore(db)
	if err != nil {
		t.Fatalf("audit store: %v", err)
	}
	stores := &guard.Stores{
		Roles:       NewSQLRoleStore(db),
		Assignments: NewSQLAssignmentStore(db),
		Overrides:   NewSQLOverrideStore(db),
		Principals:  NewSQLPrincipalStore(db),
		Audit:       audit,
	}
	resolver := guard.NewMemoryMembershipResolver()
	svc, err := guard.NewService(resolver, stores)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	if err := svc.Tenants().RegisterTenant(&guard.Tenant{ID: "t1"}); err != nil {
		t.Fatalf("register tenant: %v", err)
	}
	resolver.AddMember("alice", "t1")
	ctx := context.Background()
	tc, err := svc.Bind(ctx, "alice", "t1")
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	roleID, err := svc.DefineRole(ctx, tc, "viewer", "", map[guard.Permission]guard.Level{"docs.read": guard.LevelRead})
	if err != nil {
		t.Fatalf("define role: %v", err)
	}
	if _, err := svc.GrantRole(ctx, tc, &guard.RoleAssignment{PrincipalID: "alice", RoleID: roleID}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	svc.SetRequirement("document", "read", guard.Requirement{Permission: "docs.read", Level: guard.LevelRead})

	dec, err := svc.Decide(ctx, "alice", "t1", &guard.Resource{ID: "d1", Type: "document"}, "read")
	if err != nil || !dec.Allowed {
		t.Fatalf("decide over sql: %+v %v", dec, err)
	}

	ok, bad, err := svc.VerifyAuditChain(ctx, tc)
	if err != nil || !ok {
		t.Fatalf("chain over sql should verify, bad=%d err=%v", bad, err)
	}
}
