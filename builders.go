package guard

import "time"

// Builders provide a fluent API for creating roles, assignments, overrides
// and compliance policies.

// RoleBuilder builds a RoleConfig for declarative setup
type RoleBuilder struct {
	r RoleConfig
}

func NewRoleBuilder() *RoleBuilder {
	return &RoleBuilder{r: RoleConfig{Permissions: make(map[Permission]Level)}}
}

func (b *RoleBuilder) Tenant(t string) *RoleBuilder { b.r.TenantID = t; return b }
func (b *RoleBuilder) Name(n string) *RoleBuilder   { b.r.Name = n; return b }
func (b *RoleBuilder) Parent(p string) *RoleBuilder { b.r.Parent = p; return b }
func (b *RoleBuilder) Grant(p Permission, l Level) *RoleBuilder {
	b.r.Permissions[p] = l
	return b
}
func (b *RoleBuilder) Build() RoleConfig { return b.r }

// AssignmentBuilder builds a RoleAssignment
type AssignmentBuilder struct {
	a *RoleAssignment
}

func NewAssignmentBuilder() *AssignmentBuilder {
	return &AssignmentBuilder{a: &RoleAssignment{}}
}

func (b *AssignmentBuilder) Tenant(t string) *AssignmentBuilder    { b.a.TenantID = t; return b }
func (b *AssignmentBuilder) Principal(p string) *AssignmentBuilder { b.a.PrincipalID = p; return b }
func (b *AssignmentBuilder) Role(id string) *AssignmentBuilder     { b.a.RoleID = id; return b }
func (b *AssignmentBuilder) Scope(s Scope) *AssignmentBuilder      { b.a.Scope = s; return b }
func (b *AssignmentBuilder) Team(id string) *AssignmentBuilder {
	b.a.Scope = Scope{Kind: ScopeTeam, ID: id}
	return b
}
func (b *AssignmentBuilder) Project(id string) *AssignmentBuilder {
	b.a.Scope = Scope{Kind: ScopeProject, ID: id}
	return b
}
func (b *AssignmentBuilder) EffectiveFrom(t time.Time) *AssignmentBuilder {
	b.a.EffectiveFrom = t
	return b
}
func (b *AssignmentBuilder) ExpiresAt(t time.Time) *AssignmentBuilder {
	b.a.ExpiresAt = t
	return b
}
func (b *AssignmentBuilder) AssignedBy(who string) *AssignmentBuilder { b.a.AssignedBy = who; return b }
func (b *AssignmentBuilder) Justification(j string) *AssignmentBuilder {
	b.a.Justification = j
	return b
}
func (b *AssignmentBuilder) Build() *RoleAssignment { return b.a }

// PolicyBuilder builds a CompliancePolicy
type PolicyBuilder struct {
	p *CompliancePolicy
}

func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{p: &CompliancePolicy{Version: 1}}
}

func (b *PolicyBuilder) ID(id string) *PolicyBuilder  { b.p.ID = id; return b }
func (b *PolicyBuilder) Name(n string) *PolicyBuilder { b.p.Name = n; return b }
func (b *PolicyBuilder) Version(v int) *PolicyBuilder { b.p.Version = v; return b }
func (b *PolicyBuilder) Check(c ComplianceCheck) *PolicyBuilder {
	b.p.Checks = append(b.p.Checks, c)
	return b
}
func (b *PolicyBuilder) Build() *CompliancePolicy { return b.p }

// ConfigBuilder provides fluent API for building configurations
type ConfigBuilder struct {
	cfg *Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		cfg: &Config{
			Version: 1,
			Engine: EngineConfig{
				EvalRetries:      2,
				BatchWorkerCount: 8,
			},
		},
	}
}

func (b *ConfigBuilder) Version(v uint16) *ConfigBuilder {
	b.cfg.Version = v
	return b
}

func (b *ConfigBuilder) AddTenant(t Tenant) *ConfigBuilder {
	b.cfg.Tenants = append(b.cfg.Tenants, t)
	return b
}

func (b *ConfigBuilder) AddRole(r RoleConfig) *ConfigBuilder {
	b.cfg.Roles = append(b.cfg.Roles, r)
	return b
}

func (b *ConfigBuilder) AddAssignment(a AssignmentConfig) *ConfigBuilder {
	b.cfg.Assignments = append(b.cfg.Assignments, a)
	return b
}

func (b *ConfigBuilder) AddOverride(o OverrideConfig) *ConfigBuilder {
	b.cfg.Overrides = append(b.cfg.Overrides, o)
	return b
}

func (b *ConfigBuilder) AddRequirement(rq RequirementConfig) *ConfigBuilder {
	b.cfg.Requirements = append(b.cfg.Requirements, rq)
	return b
}

func (b *ConfigBuilder) AddPolicy(p *CompliancePolicy) *ConfigBuilder {
	b.cfg.Policies = append(b.cfg.Policies, p)
	return b
}

func (b *ConfigBuilder) EngineSettings(fn func(*EngineConfig)) *ConfigBuilder {
	fn(&b.cfg.Engine)
	return b
}

func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) ToYAML() ([]byte, error) {
	return b.cfg.ToYAML()
}

func (b *ConfigBuilder) ToJSON() ([]byte, error) {
	return b.cfg.ToJSON()
}
