package guard

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete declarative configuration: tenants, roles,
// assignments, overrides, action requirements, compliance policies, and
// engine tuning.
type Config struct {
	Version      uint16              `json:"version" yaml:"version"`
	Tenants      []Tenant            `json:"tenants" yaml:"tenants"`
	Roles        []RoleConfig        `json:"roles" yaml:"roles"`
	Assignments  []AssignmentConfig  `json:"assignments" yaml:"assignments"`
	Overrides    []OverrideConfig    `json:"overrides" yaml:"overrides"`
	Requirements []RequirementConfig `json:"requirements" yaml:"requirements"`
	Policies     []*CompliancePolicy `json:"policies" yaml:"policies"`
	Engine       EngineConfig        `json:"engine" yaml:"engine"`
}

// RoleConfig declares a role by name; Parent references another role in the
// same tenant by name rather than id so files stay writable by hand.
type RoleConfig struct {
	TenantID    string               `json:"tenant_id" yaml:"tenant_id"`
	Name        string               `json:"name" yaml:"name"`
	Parent      string               `json:"parent,omitempty" yaml:"parent,omitempty"`
	Permissions map[Permission]Level `json:"permissions" yaml:"permissions"`
}

type AssignmentConfig struct {
	TenantID    string `json:"tenant_id" yaml:"tenant_id"`
	PrincipalID string `json:"principal_id" yaml:"principal_id"`
	Role        string `json:"role" yaml:"role"`
	Scope       Scope  `json:"scope" yaml:"scope"`
}

type OverrideConfig struct {
	TenantID    string     `json:"tenant_id" yaml:"tenant_id"`
	PrincipalID string     `json:"principal_id" yaml:"principal_id"`
	Permission  Permission `json:"permission" yaml:"permission"`
	Level       Level      `json:"level" yaml:"level"`
	Scope       Scope      `json:"scope" yaml:"scope"`
}

type RequirementConfig struct {
	ResourceType string     `json:"resource_type" yaml:"resource_type"`
	Action       string     `json:"action" yaml:"action"`
	Permission   Permission `json:"permission" yaml:"permission"`
	Level        Level      `json:"level" yaml:"level"`
}

type EngineConfig struct {
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
	BindTimeoutMs       int64 `json:"bind_timeout_ms" yaml:"bind_timeout_ms"`
	EvalRetries         int   `json:"eval_retries" yaml:"eval_retries"`
	BatchWorkerCount    int   `json:"batch_worker_count" yaml:"batch_worker_count"`
	ScanIntervalMs      int64 `json:"scan_interval_ms" yaml:"scan_interval_ms"`
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBinary loads from the compact binary format
func (l *ConfigLoader) LoadBinary(data []byte) (*Config, error) {
	r := bytes.NewReader(data)
	return decodeBinaryConfig(r)
}

// EncodeBinaryConfig encodes config to binary format
func EncodeBinaryConfig(cfg *Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeBinaryConfig(cfg, buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Validate checks the config for internal consistency before it is applied:
// isolation strategies and scopes parse, roles reference declared tenants,
// parents and assignments reference declared roles, and policy conditions
// compile.
func (c *Config) Validate() error {
	tenants := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant with empty id")
		}
		if t.Isolation != "" && !t.Isolation.Valid() {
			return fmt.Errorf("tenant %s: unknown isolation strategy %q", t.ID, t.Isolation)
		}
		tenants[t.ID] = true
	}
	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if !tenants[r.TenantID] {
			return fmt.Errorf("role %s: undeclared tenant %s", r.Name, r.TenantID)
		}
		roles[r.TenantID+"/"+r.Name] = true
	}
	for _, r := range c.Roles {
		if r.Parent != "" && !roles[r.TenantID+"/"+r.Parent] {
			return fmt.Errorf("role %s: undeclared parent %s", r.Name, r.Parent)
		}
	}
	for _, a := range c.Assignments {
		if !roles[a.TenantID+"/"+a.Role] {
			return fmt.Errorf("assignment for %s: undeclared role %s", a.PrincipalID, a.Role)
		}
		if err := a.Scope.Validate(); err != nil {
			return fmt.Errorf("assignment for %s: %w", a.PrincipalID, err)
		}
	}
	for _, o := range c.Overrides {
		if !tenants[o.TenantID] {
			return fmt.Errorf("override for %s: undeclared tenant %s", o.PrincipalID, o.TenantID)
		}
		if err := o.Scope.Validate(); err != nil {
			return fmt.Errorf("override for %s: %w", o.PrincipalID, err)
		}
	}
	for _, p := range c.Policies {
		if _, err := NewPolicyFramework(p); err != nil {
			return err
		}
	}
	return nil
}

// ApplyConfig applies a validated configuration to the service: tenants are
// registered, compliance policies installed, roles and assignments created
// under per tenant system contexts, and requirements registered. Engine
// tuning takes effect immediately; the permission cache is rebuilt when its
// sizing changes.
func (s *Service) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}

	if cfg.Engine.EvalRetries > 0 {
		s.evalRetries = cfg.Engine.EvalRetries
	}
	if cfg.Engine.BatchWorkerCount > 0 {
		s.batchWorkers = cfg.Engine.BatchWorkerCount
	}
	if cfg.Engine.BindTimeoutMs > 0 {
		s.manager.bindTimeout = time.Duration(cfg.Engine.BindTimeoutMs) * time.Millisecond
	}
	if cfg.Engine.RistrettoNumCounter > 0 {
		cache, err := NewPermissionCache(CacheConfig{
			NumCounters: cfg.Engine.RistrettoNumCounter,
			MaxCost:     cfg.Engine.RistrettoMaxCost,
			BufferItems: cfg.Engine.RistrettoBuffer,
		})
		if err != nil {
			return fmt.Errorf("apply config: rebuild cache: %w", err)
		}
		s.cache.Close()
		s.cache = cache
		s.evaluator.cache = cache
	}

	for i := range cfg.Tenants {
		t := cfg.Tenants[i]
		if err := s.manager.RegisterTenant(&t); err != nil {
			return fmt.Errorf("apply config: tenant %s: %w", t.ID, err)
		}
	}

	for _, p := range cfg.Policies {
		if err := s.compliance.UpdatePolicy(p); err != nil {
			return fmt.Errorf("apply config: policy %s: %w", p.ID, err)
		}
	}

	// Roles first without parents, then link, so declaration order in the
	// file does not matter.
	for _, rc := range cfg.Roles {
		tc, err := s.manager.SystemContext(rc.TenantID)
		if err != nil {
			return err
		}
		if _, err := s.DefineRole(ctx, tc, rc.Name, "", rc.Permissions); err != nil {
			return fmt.Errorf("apply config: role %s: %w", rc.Name, err)
		}
	}
	for _, rc := range cfg.Roles {
		if rc.Parent == "" {
			continue
		}
		tc, err := s.manager.SystemContext(rc.TenantID)
		if err != nil {
			return err
		}
		role, err := s.stores.Roles.GetRoleByName(ctx, rc.TenantID, rc.Name)
		if err != nil {
			return fmt.Errorf("apply config: role %s: %w", rc.Name, err)
		}
		parent, err := s.stores.Roles.GetRoleByName(ctx, rc.TenantID, rc.Parent)
		if err != nil {
			return fmt.Errorf("apply config: parent %s: %w", rc.Parent, err)
		}
		if err := s.SetRoleParent(ctx, tc, role.ID, parent.ID); err != nil {
			return fmt.Errorf("apply config: role %s: %w", rc.Name, err)
		}
	}

	for _, ac := range cfg.Assignments {
		tc, err := s.manager.SystemContext(ac.TenantID)
		if err != nil {
			return err
		}
		role, err := s.stores.Roles.GetRoleByName(ctx, ac.TenantID, ac.Role)
		if err != nil {
			return fmt.Errorf("apply config: assignment role %s: %w", ac.Role, err)
		}
		if _, err := s.GrantRole(ctx, tc, &RoleAssignment{
			TenantID:    ac.TenantID,
			PrincipalID: ac.PrincipalID,
			RoleID:      role.ID,
			Scope:       ac.Scope,
			AssignedBy:  "system",
		}); err != nil {
			return fmt.Errorf("apply config: assignment for %s: %w", ac.PrincipalID, err)
		}
	}

	for _, oc := range cfg.Overrides {
		tc, err := s.manager.SystemContext(oc.TenantID)
		if err != nil {
			return err
		}
		if err := s.SetOverride(ctx, tc, &Override{
			TenantID:    oc.TenantID,
			PrincipalID: oc.PrincipalID,
			Permission:  oc.Permission,
			Level:       oc.Level,
			Scope:       oc.Scope,
		}); err != nil {
			return fmt.Errorf("apply config: override for %s: %w", oc.PrincipalID, err)
		}
	}

	for _, rq := range cfg.Requirements {
		s.SetRequirement(rq.ResourceType, rq.Action, Requirement{Permission: rq.Permission, Level: rq.Level})
	}
	return nil
}

// Binary protocol encoding/decoding
const (
	binaryMagic   = 0x4744 // "GD" for guard
	binaryVersion = 1
)

func encodeBinaryConfig(cfg *Config, w io.Writer) error {
	buf := &bytes.Buffer{}

	// Header: magic(2) + version(2) + config_version(2)
	binary.Write(buf, binary.LittleEndian, uint16(binaryMagic))
	binary.Write(buf, binary.LittleEndian, uint16(binaryVersion))
	binary.Write(buf, binary.LittleEndian, cfg.Version)

	// Encode sections with type tags
	writeSection(buf, 0x01, func(b *bytes.Buffer) { encodeTenants(b, cfg.Tenants) })
	writeSection(buf, 0x02, func(b *bytes.Buffer) { encodeRoleConfigs(b, cfg.Roles) })
	writeSection(buf, 0x03, func(b *bytes.Buffer) { encodeAssignments(b, cfg.Assignments) })
	writeSection(buf, 0x04, func(b *bytes.Buffer) { encodeOverrides(b, cfg.Overrides) })
	writeSection(buf, 0x05, func(b *bytes.Buffer) { encodeRequirements(b, cfg.Requirements) })
	writeSection(buf, 0x06, func(b *bytes.Buffer) { encodePolicies(b, cfg.Policies) })
	writeSection(buf, 0x07, func(b *bytes.Buffer) { encodeEngineConfig(b, &cfg.Engine) })

	_, err := w.Write(buf.Bytes())
	return err
}

func decodeBinaryConfig(r io.Reader) (*Config, error) {
	cfg := &Config{}

	var magic, ver, cfgVer uint16
	binary.Read(r, binary.LittleEndian, &magic)
	binary.Read(r, binary.LittleEndian, &ver)
	binary.Read(r, binary.LittleEndian, &cfgVer)

	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	if ver != binaryVersion {
		return nil, fmt.Errorf("unsupported version: %d", ver)
	}
	cfg.Version = cfgVer

	for {
		var tag uint8
		if err := binary.Read(r, binary.LittleEndian, &tag); err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}

		var size uint32
		binary.Read(r, binary.LittleEndian, &size)
		data := make([]byte, size)
		io.ReadFull(r, data)

		switch tag {
		case 0x01:
			cfg.Tenants = decodeTenants(data)
		case 0x02:
			cfg.Roles = decodeRoleConfigs(data)
		case 0x03:
			cfg.Assignments = decodeAssignments(data)
		case 0x04:
			cfg.Overrides = decodeOverrides(data)
		case 0x05:
			cfg.Requirements = decodeRequirements(data)
		case 0x06:
			cfg.Policies = decodePolicies(data)
		case 0x07:
			cfg.Engine = decodeEngineConfig(data)
		}
	}

	return cfg, nil
}

func writeSection(buf *bytes.Buffer, tag uint8, fn func(*bytes.Buffer)) {
	tmp := &bytes.Buffer{}
	fn(tmp)
	binary.Write(buf, binary.LittleEndian, tag)
	binary.Write(buf, binary.LittleEndian, uint32(tmp.Len()))
	buf.Write(tmp.Bytes())
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) string {
	var l uint16
	binary.Read(r, binary.LittleEndian, &l)
	b := make([]byte, l)
	r.Read(b)
	return string(b)
}

func writeScope(buf *bytes.Buffer, s Scope) {
	writeString(buf, string(s.Kind))
	writeString(buf, s.ID)
}

func readScope(r *bytes.Reader) Scope {
	kind := readString(r)
	id := readString(r)
	return Scope{Kind: ScopeKind(kind), ID: id}
}

func encodeTenants(buf *bytes.Buffer, tenants []Tenant) {
	binary.Write(buf, binary.LittleEndian, uint16(len(tenants)))
	for _, t := range tenants {
		writeString(buf, t.ID)
		writeString(buf, t.Name)
		writeString(buf, string(t.Isolation))
		writeString(buf, t.KeyRef)
		binary.Write(buf, binary.LittleEndian, uint16(len(t.Frameworks)))
		for _, f := range t.Frameworks {
			writeString(buf, f)
		}
	}
}

func decodeTenants(data []byte) []Tenant {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	tenants := make([]Tenant, count)
	for i := range tenants {
		tenants[i].ID = readString(r)
		tenants[i].Name = readString(r)
		tenants[i].Isolation = IsolationStrategy(readString(r))
		tenants[i].KeyRef = readString(r)
		var fCount uint16
		binary.Read(r, binary.LittleEndian, &fCount)
		if fCount > 0 {
			tenants[i].Frameworks = make([]string, fCount)
			for j := range tenants[i].Frameworks {
				tenants[i].Frameworks[j] = readString(r)
			}
		}
	}
	return tenants
}

func encodeRoleConfigs(buf *bytes.Buffer, roles []RoleConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(roles)))
	for _, role := range roles {
		writeString(buf, role.TenantID)
		writeString(buf, role.Name)
		writeString(buf, role.Parent)
		binary.Write(buf, binary.LittleEndian, uint16(len(role.Permissions)))
		for perm, level := range role.Permissions {
			writeString(buf, string(perm))
			buf.WriteByte(byte(level))
		}
	}
}

func decodeRoleConfigs(data []byte) []RoleConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	roles := make([]RoleConfig, count)
	for i := range roles {
		roles[i].TenantID = readString(r)
		roles[i].Name = readString(r)
		roles[i].Parent = readString(r)
		var permCount uint16
		binary.Read(r, binary.LittleEndian, &permCount)
		roles[i].Permissions = make(map[Permission]Level, permCount)
		for j := 0; j < int(permCount); j++ {
			perm := readString(r)
			level, _ := r.ReadByte()
			roles[i].Permissions[Permission(perm)] = Level(level)
		}
	}
	return roles
}

func encodeAssignments(buf *bytes.Buffer, assignments []AssignmentConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(assignments)))
	for _, a := range assignments {
		writeString(buf, a.TenantID)
		writeString(buf, a.PrincipalID)
		writeString(buf, a.Role)
		writeScope(buf, a.Scope)
	}
}

func decodeAssignments(data []byte) []AssignmentConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	assignments := make([]AssignmentConfig, count)
	for i := range assignments {
		assignments[i].TenantID = readString(r)
		assignments[i].PrincipalID = readString(r)
		assignments[i].Role = readString(r)
		assignments[i].Scope = readScope(r)
	}
	return assignments
}

func encodeOverrides(buf *bytes.Buffer, overrides []OverrideConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(overrides)))
	for _, o := range overrides {
		writeString(buf, o.TenantID)
		writeString(buf, o.PrincipalID)
		writeString(buf, string(o.Permission))
		buf.WriteByte(byte(o.Level))
		writeScope(buf, o.Scope)
	}
}

func decodeOverrides(data []byte) []OverrideConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	overrides := make([]OverrideConfig, count)
	for i := range overrides {
		overrides[i].TenantID = readString(r)
		overrides[i].PrincipalID = readString(r)
		overrides[i].Permission = Permission(readString(r))
		level, _ := r.ReadByte()
		overrides[i].Level = Level(level)
		overrides[i].Scope = readScope(r)
	}
	return overrides
}

func encodeRequirements(buf *bytes.Buffer, reqs []RequirementConfig) {
	binary.Write(buf, binary.LittleEndian, uint16(len(reqs)))
	for _, rq := range reqs {
		writeString(buf, rq.ResourceType)
		writeString(buf, rq.Action)
		writeString(buf, string(rq.Permission))
		buf.WriteByte(byte(rq.Level))
	}
}

func decodeRequirements(data []byte) []RequirementConfig {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	reqs := make([]RequirementConfig, count)
	for i := range reqs {
		reqs[i].ResourceType = readString(r)
		reqs[i].Action = readString(r)
		reqs[i].Permission = Permission(readString(r))
		level, _ := r.ReadByte()
		reqs[i].Level = Level(level)
	}
	return reqs
}

// Policies carry nested checks, so they travel as length prefixed JSON
// inside the binary frame rather than field by field.
func encodePolicies(buf *bytes.Buffer, policies []*CompliancePolicy) {
	binary.Write(buf, binary.LittleEndian, uint16(len(policies)))
	for _, p := range policies {
		data, _ := json.Marshal(p)
		binary.Write(buf, binary.LittleEndian, uint32(len(data)))
		buf.Write(data)
	}
}

func decodePolicies(data []byte) []*CompliancePolicy {
	r := bytes.NewReader(data)
	var count uint16
	binary.Read(r, binary.LittleEndian, &count)
	policies := make([]*CompliancePolicy, 0, count)
	for i := 0; i < int(count); i++ {
		var size uint32
		binary.Read(r, binary.LittleEndian, &size)
		raw := make([]byte, size)
		io.ReadFull(r, raw)
		p := &CompliancePolicy{}
		if err := json.Unmarshal(raw, p); err != nil {
			continue
		}
		policies = append(policies, p)
	}
	return policies
}

func encodeEngineConfig(buf *bytes.Buffer, cfg *EngineConfig) {
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoNumCounter)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoMaxCost)
	binary.Write(buf, binary.LittleEndian, cfg.RistrettoBuffer)
	binary.Write(buf, binary.LittleEndian, cfg.BindTimeoutMs)
	binary.Write(buf, binary.LittleEndian, int32(cfg.EvalRetries))
	binary.Write(buf, binary.LittleEndian, int32(cfg.BatchWorkerCount))
	binary.Write(buf, binary.LittleEndian, cfg.ScanIntervalMs)
}

func decodeEngineConfig(data []byte) EngineConfig {
	r := bytes.NewReader(data)
	cfg := EngineConfig{}
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoNumCounter)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoMaxCost)
	binary.Read(r, binary.LittleEndian, &cfg.RistrettoBuffer)
	binary.Read(r, binary.LittleEndian, &cfg.BindTimeoutMs)
	var retries, workers int32
	binary.Read(r, binary.LittleEndian, &retries)
	cfg.EvalRetries = int(retries)
	binary.Read(r, binary.LittleEndian, &workers)
	cfg.BatchWorkerCount = int(workers)
	binary.Read(r, binary.LittleEndian, &cfg.ScanIntervalMs)
	return cfg
}
