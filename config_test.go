package guard

import (
	"context"
	"testing"
)

func fullTestConfig() *Config {
	return NewConfigBuilder().
		Version(3).
		AddTenant(Tenant{ID: "t1", Name: "Tenant One", Isolation: IsolationRowFilter, Frameworks: []string{"data-protection"}}).
		AddTenant(Tenant{ID: "t2", Name: "Tenant Two", Isolation: IsolationDedicatedSchema}).
		AddRole(NewRoleBuilder().Tenant("t1").Name("viewer").Grant("docs.read", LevelRead).Build()).
		AddRole(NewRoleBuilder().Tenant("t1").Name("editor").Parent("viewer").Grant("docs.write", LevelWrite).Build()).
		AddAssignment(AssignmentConfig{TenantID: "t1", PrincipalID: "alice", Role: "editor"}).
		AddAssignment(AssignmentConfig{TenantID: "t1", PrincipalID: "bob", Role: "viewer", Scope: Scope{Kind: ScopeTeam, ID: "eng"}}).
		AddOverride(OverrideConfig{TenantID: "t1", PrincipalID: "carol", Permission: "docs.read", Level: LevelFull}).
		AddRequirement(RequirementConfig{ResourceType: "document", Action: "read", Permission: "docs.read", Level: LevelRead}).
		AddRequirement(RequirementConfig{ResourceType: "document", Action: "edit", Permission: "docs.write", Level: LevelWrite}).
		AddPolicy(testPolicy("custom-a", 1)).
		EngineSettings(func(e *EngineConfig) {
			e.RistrettoNumCounter = 50_000
			e.RistrettoMaxCost = 5_000
			e.RistrettoBuffer = 64
			e.BindTimeoutMs = 500
			e.EvalRetries = 1
			e.BatchWorkerCount = 4
			e.ScanIntervalMs = 60_000
		}).
		Build()
}

func TestConfigYAMLRoundTrip(t *testing.T) {
	cfg := fullTestConfig()
	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	back, err := NewConfigLoader().LoadYAML(data)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	assertConfigEqual(t, cfg, back)
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := fullTestConfig()
	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	back, err := NewConfigLoader().LoadJSON(data)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	assertConfigEqual(t, cfg, back)
}

func TestConfigBinaryRoundTrip(t *testing.T) {
	cfg := fullTestConfig()
	data, err := EncodeBinaryConfig(cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := NewConfigLoader().LoadBinary(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assertConfigEqual(t, cfg, back)
	if back.Engine != cfg.Engine {
		t.Fatalf("engine config mismatch: %+v vs %+v", back.Engine, cfg.Engine)
	}
}

func assertConfigEqual(t *testing.T, want, got *Config) {
	t.Helper()
	if got.Version != want.Version {
		t.Fatalf("version: want %d got %d", want.Version, got.Version)
	}
	if len(got.Tenants) != len(want.Tenants) || got.Tenants[0].ID != "t1" || got.Tenants[1].Isolation != IsolationDedicatedSchema {
		t.Fatalf("tenants mismatch: %+v", got.Tenants)
	}
	if len(got.Tenants[0].Frameworks) != 1 || got.Tenants[0].Frameworks[0] != "data-protection" {
		t.Fatalf("frameworks mismatch: %+v", got.Tenants[0])
	}
	if len(got.Roles) != 2 || got.Roles[1].Parent != "viewer" || got.Roles[0].Permissions["docs.read"] != LevelRead {
		t.Fatalf("roles mismatch: %+v", got.Roles)
	}
	if len(got.Assignments) != 2 || got.Assignments[1].Scope.Kind != ScopeTeam || got.Assignments[1].Scope.ID != "eng" {
		t.Fatalf("assignments mismatch: %+v", got.Assignments)
	}
	if len(got.Overrides) != 1 || got.Overrides[0].Level != LevelFull {
		t.Fatalf("overrides mismatch: %+v", got.Overrides)
	}
	if len(got.Requirements) != 2 || got.Requirements[0].Permission != "docs.read" {
		t.Fatalf("requirements mismatch: %+v", got.Requirements)
	}
	if len(got.Policies) != 1 || got.Policies[0].ID != "custom-a" || len(got.Policies[0].Checks) != 1 {
		t.Fatalf("policies mismatch: %+v", got.Policies)
	}
}

func TestBinaryConfigRejectsBadHeader(t *testing.T) {
	cfg := fullTestConfig()
	data, _ := EncodeBinaryConfig(cfg)

	corrupt := append([]byte{}, data...)
	corrupt[0] ^= 0xFF
	if _, err := NewConfigLoader().LoadBinary(corrupt); err == nil {
		t.Fatalf("bad magic must be rejected")
	}

	vers := append([]byte{}, data...)
	vers[2] = 0xFF
	if _, err := NewConfigLoader().LoadBinary(vers); err == nil {
		t.Fatalf("unsupported format version must be rejected")
	}
}

func TestConfigValidateCatchesDanglingReferences(t *testing.T) {
	base := func() *Config {
		return &Config{
			Version: 1,
			Tenants: []Tenant{{ID: "t1"}},
			Roles:   []RoleConfig{{TenantID: "t1", Name: "viewer"}},
		}
	}

	cfg := base()
	cfg.Roles = append(cfg.Roles, RoleConfig{TenantID: "t9", Name: "ghost"})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("role in undeclared tenant must fail")
	}

	cfg = base()
	cfg.Roles[0].Parent = "missing"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("undeclared parent must fail")
	}

	cfg = base()
	cfg.Assignments = []AssignmentConfig{{TenantID: "t1", PrincipalID: "p", Role: "missing"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("assignment to undeclared role must fail")
	}

	cfg = base()
	cfg.Assignments = []AssignmentConfig{{TenantID: "t1", PrincipalID: "p", Role: "viewer", Scope: Scope{Kind: "galaxy", ID: "x"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown scope kind must fail")
	}

	cfg = base()
	cfg.Tenants[0].Isolation = "shared"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown isolation strategy must fail")
	}

	cfg = base()
	cfg.Policies = []*CompliancePolicy{{ID: "p1", Version: 1, Checks: []ComplianceCheck{{Code: "c", Condition: "not a condition !!"}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("uncompilable policy condition must fail")
	}

	if err := fullTestConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestApplyConfigEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.svc.ApplyConfig(ctx, fullTestConfig()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Declarative role chain: alice holds editor, which inherits viewer.
	env.resolver.AddMember("alice", "t1")
	dec, err := env.svc.Decide(ctx, "alice", "t1", &Resource{ID: "d1", Type: "document"}, "read")
	if err != nil || !dec.Allowed {
		t.Fatalf("inherited read should allow: %+v %v", dec, err)
	}
	dec, err = env.svc.Decide(ctx, "alice", "t1", &Resource{ID: "d1", Type: "document"}, "edit")
	if err != nil || !dec.Allowed {
		t.Fatalf("own write should allow: %+v %v", dec, err)
	}

	// Scoped assignment from config.
	env.resolver.AddMember("bob", "t1")
	dec, _ = env.svc.Decide(ctx, "bob", "t1", &Resource{ID: "d2", Type: "document", Scope: Scope{Kind: ScopeProject, ID: "eng/api"}}, "read")
	if !dec.Allowed {
		t.Fatalf("team scoped grant should cover nested project: %+v", dec)
	}
	dec, _ = env.svc.Decide(ctx, "bob", "t1", &Resource{ID: "d3", Type: "document"}, "read")
	if dec.Allowed {
		t.Fatalf("team scoped grant must not apply globally")
	}

	// Override from config.
	env.resolver.AddMember("carol", "t1")
	dec, _ = env.svc.Decide(ctx, "carol", "t1", &Resource{ID: "d4", Type: "document"}, "read")
	if !dec.Allowed {
		t.Fatalf("override grant should allow: %+v", dec)
	}

	// Policy from config is registered.
	if _, ok := env.svc.Compliance().Framework("custom-a"); !ok {
		t.Fatalf("config policy not registered")
	}

	// Tenant frameworks from config are active.
	active, err := env.svc.Tenants().ActiveFrameworks("t1")
	if err != nil || len(active) != 1 || active[0] != "data-protection" {
		t.Fatalf("expected data-protection active, got %v %v", active, err)
	}
}

func TestApplyConfigRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	cfg := &Config{Roles: []RoleConfig{{TenantID: "nowhere", Name: "x"}}}
	if err := env.svc.ApplyConfig(context.Background(), cfg); err == nil {
		t.Fatalf("invalid config must not apply")
	}
}
