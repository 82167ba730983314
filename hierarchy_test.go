package guard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRoleInheritanceMaxWins(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	viewerID, err := env.svc.DefineRole(ctx, tc, "viewer", "", map[Permission]Level{
		"docs.read":  LevelRead,
		"docs.write": LevelWrite,
	})
	if err != nil {
		t.Fatalf("define viewer: %v", err)
	}
	// Editor narrows docs.write on its own map but inherits the wider grant.
	editorID, err := env.svc.DefineRole(ctx, tc, "editor", viewerID, map[Permission]Level{
		"docs.write":   LevelRead,
		"docs.publish": LevelFull,
	})
	if err != nil {
		t.Fatalf("define editor: %v", err)
	}
	if _, err := env.svc.GrantRole(ctx, tc, &RoleAssignment{PrincipalID: "alice", RoleID: editorID}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	set, err := env.svc.Evaluate(ctx, tc, "alice", GlobalScope())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if set.Level("docs.read") != LevelRead {
		t.Fatalf("expected inherited docs.read=read, got %s", set.Level("docs.read"))
	}
	if set.Level("docs.write") != LevelWrite {
		t.Fatalf("merge is max wins, expected docs.write=write, got %s", set.Level("docs.write"))
	}
	if set.Level("docs.publish") != LevelFull {
		t.Fatalf("expected own docs.publish=full, got %s", set.Level("docs.publish"))
	}
}

func TestOverlappingAssignmentsMergeAtMax(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	readerID, _ := env.svc.DefineRole(ctx, tc, "reader", "", map[Permission]Level{"docs.read": LevelRead})
	adminID, _ := env.svc.DefineRole(ctx, tc, "admin", "", map[Permission]Level{"docs.read": LevelAdmin})
	if _, err := env.svc.GrantRole(ctx, tc, &RoleAssignment{PrincipalID: "alice", RoleID: readerID}); err != nil {
		t.Fatalf("grant reader: %v", err)
	}
	if _, err := env.svc.GrantRole(ctx, tc, &RoleAssignment{PrincipalID: "alice", RoleID: adminID}); err != nil {
		t.Fatalf("grant admin: %v", err)
	}

	set, err := env.svc.Evaluate(ctx, tc, "alice", GlobalScope())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if set.Level("docs.read") != LevelAdmin {
		t.Fatalf("expected max of overlapping grants, got %s", set.Level("docs.read"))
	}
}

func TestOverrideReplacesMergedLevelBothDirections(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")
	env.grantReader(t, tc, "alice", LevelFull)

	// Downward: the override pins below what roles produced.
	if err := env.svc.SetOverride(ctx, tc, &Override{
		PrincipalID: "alice",
		Permission:  "docs.read",
		Level:       LevelRead,
	}); err != nil {
		t.Fatalf("set override: %v", err)
	}
	set, err := env.svc.Evaluate(ctx, tc, "alice", GlobalScope())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if set.Level("docs.read") != LevelRead {
		t.Fatalf("override must replace downward, got %s", set.Level("docs.read"))
	}

	// An override of none revokes outright.
	if err := env.svc.SetOverride(ctx, tc, &Override{
		PrincipalID: "alice",
		Permission:  "docs.read",
		Level:       LevelNone,
	}); err != nil {
		t.Fatalf("set revoking override: %v", err)
	}
	set, _ = env.svc.Evaluate(ctx, tc, "alice", GlobalScope())
	if set.Allows("docs.read", LevelRead) {
		t.Fatalf("none override must revoke")
	}

	// Removing it restores the merged role level.
	if err := env.svc.RemoveOverride(ctx, tc, "alice", "docs.read", GlobalScope()); err != nil {
		t.Fatalf("remove override: %v", err)
	}
	set, _ = env.svc.Evaluate(ctx, tc, "alice", GlobalScope())
	if set.Level("docs.read") != LevelFull {
		t.Fatalf("expected role level back after removal, got %s", set.Level("docs.read"))
	}
}

func TestScopedOverrideBeatsGlobalOverride(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")
	env.grantReader(t, tc, "alice", LevelRead)

	project := Scope{Kind: ScopeProject, ID: "eng/platform"}
	if err := env.svc.SetOverride(ctx, tc, &Override{PrincipalID: "alice", Permission: "docs.read", Level: LevelNone}); err != nil {
		t.Fatalf("set global override: %v", err)
	}
	if err := env.svc.SetOverride(ctx, tc, &Override{PrincipalID: "alice", Permission: "docs.read", Level: LevelFull, Scope: project}); err != nil {
		t.Fatalf("set scoped override: %v", err)
	}

	inProject, err := env.svc.Evaluate(ctx, tc, "alice", project)
	if err != nil {
		t.Fatalf("evaluate project: %v", err)
	}
	if inProject.Level("docs.read") != LevelFull {
		t.Fatalf("scoped override should win inside its scope, got %s", inProject.Level("docs.read"))
	}
	globally, _ := env.svc.Evaluate(ctx, tc, "alice", GlobalScope())
	if globally.Level("docs.read") != LevelNone {
		t.Fatalf("global override should win outside scope, got %s", globally.Level("docs.read"))
	}
}

func TestScopedAssignmentContainment(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	roleID, _ := env.svc.DefineRole(ctx, tc, "team-reader", "", map[Permission]Level{"docs.read": LevelRead})
	if _, err := env.svc.GrantRole(ctx, tc, &RoleAssignment{
		PrincipalID: "alice",
		RoleID:      roleID,
		Scope:       Scope{Kind: ScopeTeam, ID: "eng"},
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	inTeam, _ := env.svc.Evaluate(ctx, tc, "alice", Scope{Kind: ScopeTeam, ID: "eng"})
	if inTeam.Level("docs.read") != LevelRead {
		t.Fatalf("team scoped grant should apply at its own scope")
	}
	inNested, _ := env.svc.Evaluate(ctx, tc, "alice", Scope{Kind: ScopeProject, ID: "eng/platform"})
	if inNested.Level("docs.read") != LevelRead {
		t.Fatalf("team scoped grant should contain nested project")
	}
	elsewhere, _ := env.svc.Evaluate(ctx, tc, "alice", Scope{Kind: ScopeProject, ID: "sales/crm"})
	if elsewhere.Allows("docs.read", LevelRead) {
		t.Fatalf("team scoped grant must not leak to foreign project")
	}
	globally, _ := env.svc.Evaluate(ctx, tc, "alice", GlobalScope())
	if globally.Allows("docs.read", LevelRead) {
		t.Fatalf("team scoped grant must not apply globally")
	}
}

func TestCyclicRoleRejected(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "admin", "t1")

	aID, _ := env.svc.DefineRole(ctx, tc, "a", "", nil)
	bID, err := env.svc.DefineRole(ctx, tc, "b", aID, nil)
	if err != nil {
		t.Fatalf("define b: %v", err)
	}
	cID, err := env.svc.DefineRole(ctx, tc, "c", bID, nil)
	if err != nil {
		t.Fatalf("define c: %v", err)
	}

	if err := env.svc.SetRoleParent(ctx, tc, aID, cID); !errors.Is(err, ErrCyclicRole) {
		t.Fatalf("expected ErrCyclicRole, got %v", err)
	}
	if err := env.svc.SetRoleParent(ctx, tc, aID, aID); !errors.Is(err, ErrCyclicRole) {
		t.Fatalf("self parent should be cyclic, got %v", err)
	}
	// The rejected edge must not have been applied.
	role, err := env.svc.Hierarchy().GetRole(ctx, tc, aID)
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if role.ParentID != "" {
		t.Fatalf("cycle rejection must leave the role untouched, parent=%s", role.ParentID)
	}
}

func TestDuplicateRoleNameRejected(t *testing.T) {
	env := newTestEnv(t, "t1", "t2")
	ctx := context.Background()
	tc1 := env.bind(t, "admin", "t1")
	tc2 := env.bind(t, "admin2", "t2")

	if _, err := env.svc.DefineRole(ctx, tc1, "viewer", "", nil); err != nil {
		t.Fatalf("define: %v", err)
	}
	if _, err := env.svc.DefineRole(ctx, tc1, "viewer", "", nil); !errors.Is(err, ErrDuplicateRole) {
		t.Fatalf("expected ErrDuplicateRole, got %v", err)
	}
	// Same name in another tenant is fine.
	if _, err := env.svc.DefineRole(ctx, tc2, "viewer", "", nil); err != nil {
		t.Fatalf("names are unique per tenant, got %v", err)
	}
}

func TestAssignmentLifecycle(t *testing.T) {
	now := time.Now()
	a := &RoleAssignment{
		PrincipalID:   "alice",
		RoleID:        "r1",
		EffectiveFrom: now.Add(time.Hour),
		ExpiresAt:     now.Add(2 * time.Hour),
	}
	if got := a.StateAt(now); got != AssignmentPending {
		t.Fatalf("expected pending, got %s", got)
	}
	if got := a.StateAt(now.Add(90 * time.Minute)); got != AssignmentActive {
		t.Fatalf("expected active, got %s", got)
	}
	if got := a.StateAt(now.Add(3 * time.Hour)); got != AssignmentExpired {
		t.Fatalf("expected expired, got %s", got)
	}

	a.RevokedAt = now.Add(100 * time.Minute)
	if got := a.StateAt(now.Add(3 * time.Hour)); got != AssignmentRevoked {
		t.Fatalf("revocation wins over expiry, got %s", got)
	}
	// Revocation is absolute, including instants before RevokedAt.
	if got := a.StateAt(now.Add(90 * time.Minute)); got != AssignmentRevoked {
		t.Fatalf("expected revoked before the revocation instant, got %s", got)
	}
	if a.ActiveAt(now.Add(90 * time.Minute)) {
		t.Fatalf("assignment active despite revocation boundary")
	}

	bad := &RoleAssignment{PrincipalID: "alice", RoleID: "r1", EffectiveFrom: now, ExpiresAt: now.Add(-time.Hour)}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidAssignment) {
		t.Fatalf("expiry before activation should be invalid, got %v", err)
	}
}

func TestPendingAndExpiredAssignmentsContributeNothing(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	roleID, _ := env.svc.DefineRole(ctx, tc, "reader", "", map[Permission]Level{"docs.read": LevelRead})
	if _, err := env.svc.GrantRole(ctx, tc, &RoleAssignment{
		PrincipalID:   "alice",
		RoleID:        roleID,
		EffectiveFrom: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("grant pending: %v", err)
	}
	set, _ := env.svc.Evaluate(ctx, tc, "alice", GlobalScope())
	if set.Allows("docs.read", LevelRead) {
		t.Fatalf("pending assignment must not contribute")
	}

	if _, err := env.svc.GrantRole(ctx, tc, &RoleAssignment{
		PrincipalID:   "bob",
		RoleID:        roleID,
		EffectiveFrom: time.Now().Add(-2 * time.Hour),
		ExpiresAt:     time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("grant expired: %v", err)
	}
	set, _ = env.svc.Evaluate(ctx, tc, "bob", GlobalScope())
	if set.Allows("docs.read", LevelRead) {
		t.Fatalf("expired assignment must not contribute")
	}
}

func TestRevokeTakesEffectImmediately(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	roleID, _ := env.svc.DefineRole(ctx, tc, "reader", "", map[Permission]Level{"docs.read": LevelRead})
	asgID, err := env.svc.GrantRole(ctx, tc, &RoleAssignment{PrincipalID: "alice", RoleID: roleID})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	env.svc.SetRequirement("document", "read", Requirement{Permission: "docs.read", Level: LevelRead})

	dec, _ := env.svc.Decide(ctx, "alice", "t1", &Resource{ID: "d1", Type: "document"}, "read")
	if !dec.Allowed {
		t.Fatalf("expected allow before revoke")
	}

	if err := env.svc.RevokeRole(ctx, tc, asgID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	dec, _ = env.svc.Decide(ctx, "alice", "t1", &Resource{ID: "d1", Type: "document"}, "read")
	if dec.Allowed {
		t.Fatalf("revocation must be visible to the next decision")
	}
}

func TestAssignmentToUnknownRoleRejected(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	_, err := env.svc.GrantRole(ctx, tc, &RoleAssignment{PrincipalID: "alice", RoleID: "role_missing"})
	if !errors.Is(err, ErrInvalidAssignment) {
		t.Fatalf("expected ErrInvalidAssignment, got %v", err)
	}
}
