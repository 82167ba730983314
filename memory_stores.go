package guard

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// In-memory store implementations for tests, demos, and single process use.

// MemoryRoleStore implements RoleStore in memory
type MemoryRoleStore struct {
	mu    sync.RWMutex
	roles map[string]map[string]*Role // tenant -> role id -> role
}

func NewMemoryRoleStore() *MemoryRoleStore {
	return &MemoryRoleStore{roles: make(map[string]map[string]*Role)}
}

func (s *MemoryRoleStore) tenant(tenantID string) map[string]*Role {
	m, ok := s.roles[tenantID]
	if !ok {
		m = make(map[string]*Role)
		s.roles[tenantID] = m
	}
	return m
}

func (s *MemoryRoleStore) CreateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenant(r.TenantID)
	if _, exists := m[r.ID]; exists {
		return fmt.Errorf("role %s already exists", r.ID)
	}
	cop := *r
	m[r.ID] = &cop
	return nil
}

func (s *MemoryRoleStore) UpdateRole(ctx context.Context, r *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenant(r.TenantID)
	if _, exists := m[r.ID]; !exists {
		return fmt.Errorf("role %s not found", r.ID)
	}
	cop := *r
	m[r.ID] = &cop
	return nil
}

func (s *MemoryRoleStore) DeleteRole(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenant(tenantID), id)
	return nil
}

func (s *MemoryRoleStore) GetRole(ctx context.Context, tenantID, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[tenantID][id]
	if !ok {
		return nil, fmt.Errorf("role %s not found", id)
	}
	cop := *r
	return &cop, nil
}

func (s *MemoryRoleStore) GetRoleByName(ctx context.Context, tenantID, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles[tenantID] {
		if r.Name == name {
			cop := *r
			return &cop, nil
		}
	}
	return nil, fmt.Errorf("role %s not found", name)
}

func (s *MemoryRoleStore) ListRoles(ctx context.Context, tenantID string) ([]*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Role, 0, len(s.roles[tenantID]))
	for _, r := range s.roles[tenantID] {
		cop := *r
		out = append(out, &cop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MemoryAssignmentStore implements AssignmentStore in memory
type MemoryAssignmentStore struct {
	mu          sync.RWMutex
	assignments map[string]map[string]*RoleAssignment // tenant -> assignment id
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{assignments: make(map[string]map[string]*RoleAssignment)}
}

func (s *MemoryAssignmentStore) tenant(tenantID string) map[string]*RoleAssignment {
	m, ok := s.assignments[tenantID]
	if !ok {
		m = make(map[string]*RoleAssignment)
		s.assignments[tenantID] = m
	}
	return m
}

func (s *MemoryAssignmentStore) CreateAssignment(ctx context.Context, a *RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenant(a.TenantID)
	if _, exists := m[a.ID]; exists {
		return fmt.Errorf("assignment %s already exists", a.ID)
	}
	cop := *a
	m[a.ID] = &cop
	return nil
}

func (s *MemoryAssignmentStore) UpdateAssignment(ctx context.Context, a *RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.tenant(a.TenantID)
	if _, exists := m[a.ID]; !exists {
		return fmt.Errorf("assignment %s not found", a.ID)
	}
	cop := *a
	m[a.ID] = &cop
	return nil
}

func (s *MemoryAssignmentStore) GetAssignment(ctx context.Context, tenantID, id string) (*RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[tenantID][id]
	if !ok {
		return nil, fmt.Errorf("assignment %s not found", id)
	}
	cop := *a
	return &cop, nil
}

func (s *MemoryAssignmentStore) ListAssignments(ctx context.Context, tenantID, principalID string) ([]*RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RoleAssignment
	for _, a := range s.assignments[tenantID] {
		if a.PrincipalID == principalID {
			cop := *a
			out = append(out, &cop)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryAssignmentStore) ListAssignmentsByRole(ctx context.Context, tenantID, roleID string) ([]*RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RoleAssignment
	for _, a := range s.assignments[tenantID] {
		if a.RoleID == roleID {
			cop := *a
			out = append(out, &cop)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryOverrideStore implements OverrideStore in memory
type MemoryOverrideStore struct {
	mu        sync.RWMutex
	overrides map[string][]*Override // tenant -> overrides
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{overrides: make(map[string][]*Override)}
}

// overrideMatches compares by the natural key. Scopes compare by Key so the
// zero scope and an explicit global scope are the same override.
func overrideMatches(o *Override, principalID string, p Permission, scope Scope) bool {
	return o.PrincipalID == principalID && o.Permission == p && o.Scope.Key() == scope.Key()
}

func (s *MemoryOverrideStore) SetOverride(ctx context.Context, o *Override) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cop := *o
	list := s.overrides[o.TenantID]
	for i, existing := range list {
		if overrideMatches(existing, o.PrincipalID, o.Permission, o.Scope) {
			list[i] = &cop
			return nil
		}
	}
	s.overrides[o.TenantID] = append(list, &cop)
	return nil
}

func (s *MemoryOverrideStore) RemoveOverride(ctx context.Context, tenantID, principalID string, p Permission, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.overrides[tenantID]
	for i, o := range list {
		if overrideMatches(o, principalID, p, scope) {
			s.overrides[tenantID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryOverrideStore) ListOverrides(ctx context.Context, tenantID, principalID string) ([]*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Override
	for _, o := range s.overrides[tenantID] {
		if o.PrincipalID == principalID {
			cop := *o
			out = append(out, &cop)
		}
	}
	return out, nil
}

// MemoryPrincipalStore implements PrincipalStore in memory
type MemoryPrincipalStore struct {
	mu         sync.RWMutex
	principals map[string]map[string]*Principal // tenant -> principal id
}

func NewMemoryPrincipalStore() *MemoryPrincipalStore {
	return &MemoryPrincipalStore{principals: make(map[string]map[string]*Principal)}
}

func (s *MemoryPrincipalStore) SavePrincipal(ctx context.Context, p *Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.principals[p.TenantID]
	if !ok {
		m = make(map[string]*Principal)
		s.principals[p.TenantID] = m
	}
	cop := *p
	cop.Grants = clonePermissions(p.Grants)
	m[p.ID] = &cop
	return nil
}

func (s *MemoryPrincipalStore) GetPrincipal(ctx context.Context, tenantID, id string) (*Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[tenantID][id]
	if !ok {
		return nil, fmt.Errorf("principal %s not found", id)
	}
	cop := *p
	cop.Grants = clonePermissions(p.Grants)
	return &cop, nil
}

// MemoryAuditStore implements AuditStore in memory, append only per tenant
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries map[string][]*AuditLogEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make(map[string][]*AuditLogEntry)}
}

func (s *MemoryAuditStore) AppendEntry(ctx context.Context, e *AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cop := *e
	s.entries[e.TenantID] = append(s.entries[e.TenantID], &cop)
	return nil
}

func (s *MemoryAuditStore) LastEntry(ctx context.Context, tenantID string) (*AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[tenantID]
	if len(list) == 0 {
		return nil, nil
	}
	cop := *list[len(list)-1]
	return &cop, nil
}

func (s *MemoryAuditStore) ListEntries(ctx context.Context, tenantID string, filter AuditFilter) ([]*AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuditLogEntry
	for _, e := range s.entries[tenantID] {
		if filter.FromSeq > 0 && e.Seq < filter.FromSeq {
			continue
		}
		if filter.ToSeq > 0 && e.Seq > filter.ToSeq {
			continue
		}
		cop := *e
		out = append(out, &cop)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Tamper simulates hostile modification of a stored entry, for verifying
// chain detection in tests.
func (s *MemoryAuditStore) Tamper(tenantID string, seq uint64, mutate func(*AuditLogEntry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries[tenantID] {
		if e.Seq == seq {
			mutate(e)
			return true
		}
	}
	return false
}

// NewMemoryStores bundles fresh in-memory implementations of every store.
func NewMemoryStores() *Stores {
	return &Stores{
		Roles:       NewMemoryRoleStore(),
		Assignments: NewMemoryAssignmentStore(),
		Overrides:   NewMemoryOverrideStore(),
		Principals:  NewMemoryPrincipalStore(),
		Audit:       NewMemoryAuditStore(),
	}
}

// MemoryMembershipResolver implements MembershipResolver from a static table.
type MemoryMembershipResolver struct {
	mu      sync.RWMutex
	members map[string]map[string]bool // principal -> tenants
	home    map[string]string
}

func NewMemoryMembershipResolver() *MemoryMembershipResolver {
	return &MemoryMembershipResolver{
		members: make(map[string]map[string]bool),
		home:    make(map[string]string),
	}
}

// AddMember registers membership; the first tenant added for a principal
// becomes its home tenant unless SetHome says otherwise.
func (r *MemoryMembershipResolver) AddMember(principalID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[principalID]
	if !ok {
		m = make(map[string]bool)
		r.members[principalID] = m
	}
	m[tenantID] = true
	if _, ok := r.home[principalID]; !ok {
		r.home[principalID] = tenantID
	}
}

func (r *MemoryMembershipResolver) SetHome(principalID, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.home[principalID] = tenantID
}

func (r *MemoryMembershipResolver) IsMember(ctx context.Context, principalID, tenantID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[principalID][tenantID], nil
}

func (r *MemoryMembershipResolver) HomeTenant(ctx context.Context, principalID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	home, ok := r.home[principalID]
	if !ok {
		return "", fmt.Errorf("unknown principal %s", principalID)
	}
	return home, nil
}
