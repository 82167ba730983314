package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// TENANT ISOLATION
// ============================================================================

// IsolationStrategy selects how a tenant's data is partitioned.
type IsolationStrategy string

const (
	IsolationDedicatedStore  IsolationStrategy = "dedicated-store"
	IsolationDedicatedSchema IsolationStrategy = "dedicated-schema"
	IsolationRowFilter       IsolationStrategy = "row-filter"
)

func (s IsolationStrategy) Valid() bool {
	switch s {
	case IsolationDedicatedStore, IsolationDedicatedSchema, IsolationRowFilter:
		return true
	}
	return false
}

// Tenant is an isolated organizational boundary. Every other entity carries
// exactly one tenant identifier.
type Tenant struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Isolation  IsolationStrategy `json:"isolation" yaml:"isolation"`
	KeyRef     string            `json:"key_ref" yaml:"key_ref,omitempty"`
	Frameworks []string          `json:"frameworks,omitempty" yaml:"frameworks,omitempty"`
}

// TenantContext is the capability every downstream read or write must carry.
// Only the IsolationManager constructs valid contexts.
type TenantContext struct {
	tenant      *Tenant
	principalID string
	boundAt     time.Time
}

func (tc *TenantContext) TenantID() string {
	if tc == nil || tc.tenant == nil {
		return ""
	}
	return tc.tenant.ID
}

func (tc *TenantContext) PrincipalID() string {
	if tc == nil {
		return ""
	}
	return tc.principalID
}

func (tc *TenantContext) KeyRef() string {
	if tc == nil || tc.tenant == nil {
		return ""
	}
	return tc.tenant.KeyRef
}

func (tc *TenantContext) Isolation() IsolationStrategy {
	if tc == nil || tc.tenant == nil {
		return ""
	}
	return tc.tenant.Isolation
}

func (tc *TenantContext) BoundAt() time.Time {
	if tc == nil {
		return time.Time{}
	}
	return tc.boundAt
}

// RequireContext rejects data access lacking a bound tenant context before
// it can reach storage.
func RequireContext(tc *TenantContext) error {
	if tc == nil || tc.tenant == nil {
		return &BoundaryError{Detail: "operation lacks a bound tenant context"}
	}
	return nil
}

// MembershipResolver answers whether a principal belongs to a tenant.
// Implementations backed by external identity providers are expected to
// respect the context deadline; the manager binds with a bounded timeout and
// fails closed when the resolver does not answer in time.
type MembershipResolver interface {
	IsMember(ctx context.Context, principalID, tenantID string) (bool, error)
	HomeTenant(ctx context.Context, principalID string) (string, error)
}

// IsolationManager binds every operation to exactly one tenant and maps each
// tenant to distinct isolation key material.
type IsolationManager struct {
	mu          sync.RWMutex
	tenants     map[string]*Tenant
	byKeyRef    map[string]string // key reference -> tenant id
	resolver    MembershipResolver
	bindTimeout time.Duration
	clock       func() time.Time
}

func NewIsolationManager(resolver MembershipResolver, opts ...IsolationOption) *IsolationManager {
	m := &IsolationManager{
		tenants:     make(map[string]*Tenant),
		byKeyRef:    make(map[string]string),
		resolver:    resolver,
		bindTimeout: 2 * time.Second,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type IsolationOption func(*IsolationManager)

// WithBindTimeout bounds how long BindContext waits on the membership
// resolver before failing closed.
func WithBindTimeout(d time.Duration) IsolationOption {
	return func(m *IsolationManager) { m.bindTimeout = d }
}

// WithIsolationClock overrides the clock for testing.
func WithIsolationClock(clock func() time.Time) IsolationOption {
	return func(m *IsolationManager) { m.clock = clock }
}

// RegisterTenant adds a tenant. A missing key reference is derived from the
// tenant identifier; either way the reference must be unique across tenants,
// enforced structurally rather than by convention.
func (m *IsolationManager) RegisterTenant(t *Tenant) error {
	if t == nil || t.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if t.Isolation == "" {
		t.Isolation = IsolationRowFilter
	}
	if !t.Isolation.Valid() {
		return fmt.Errorf("unknown isolation strategy %q for tenant %s", t.Isolation, t.ID)
	}
	if t.KeyRef == "" {
		t.KeyRef = deriveKeyRef(t.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tenants[t.ID]; exists {
		return fmt.Errorf("tenant %s already registered", t.ID)
	}
	if owner, taken := m.byKeyRef[t.KeyRef]; taken {
		return fmt.Errorf("key reference %s already bound to tenant %s", t.KeyRef, owner)
	}
	m.tenants[t.ID] = t
	m.byKeyRef[t.KeyRef] = t.ID
	return nil
}

// BindContext validates that principalID belongs to requestedTenant and
// returns the tenant context. It fails closed: an unknown tenant, a missing
// membership, a resolver error, or a resolver timeout all yield a
// BoundaryError, never a fallback tenant.
func (m *IsolationManager) BindContext(ctx context.Context, principalID, requestedTenant string) (*TenantContext, error) {
	m.mu.RLock()
	tenant, ok := m.tenants[requestedTenant]
	m.mu.RUnlock()
	if !ok {
		return nil, &BoundaryError{PrincipalID: principalID, RequestedTenant: requestedTenant, Detail: "unknown tenant"}
	}
	if m.resolver == nil {
		return nil, &BoundaryError{PrincipalID: principalID, RequestedTenant: requestedTenant, Detail: "no membership resolver configured"}
	}

	rctx, cancel := context.WithTimeout(ctx, m.bindTimeout)
	defer cancel()
	member, err := m.resolver.IsMember(rctx, principalID, requestedTenant)
	if err != nil {
		return nil, &BoundaryError{PrincipalID: principalID, RequestedTenant: requestedTenant, Detail: fmt.Sprintf("membership resolution failed: %v", err)}
	}
	if !member {
		return nil, &BoundaryError{PrincipalID: principalID, RequestedTenant: requestedTenant, Detail: "no active membership"}
	}
	return &TenantContext{tenant: tenant, principalID: principalID, boundAt: m.clock()}, nil
}

// SystemContext returns a context bound to tenantID on behalf of the system
// itself, used for configuration loading and integrity scans.
func (m *IsolationManager) SystemContext(tenantID string) (*TenantContext, error) {
	m.mu.RLock()
	tenant, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if !ok {
		return nil, &BoundaryError{PrincipalID: "system", RequestedTenant: tenantID, Detail: "unknown tenant"}
	}
	return &TenantContext{tenant: tenant, principalID: "system", boundAt: m.clock()}, nil
}

// ValidateResource rejects any resource reference that names a tenant other
// than the bound one.
func (m *IsolationManager) ValidateResource(tc *TenantContext, res *Resource) error {
	if err := RequireContext(tc); err != nil {
		return err
	}
	if res == nil {
		return fmt.Errorf("resource is required")
	}
	if res.TenantID != "" && res.TenantID != tc.TenantID() {
		return &BoundaryError{PrincipalID: tc.PrincipalID(), RequestedTenant: res.TenantID, Detail: fmt.Sprintf("resource %s belongs to another tenant", res.Key())}
	}
	return nil
}

// IsolationKeyFor resolves the key reference for a tenant.
func (m *IsolationManager) IsolationKeyFor(tenantID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return "", &BoundaryError{RequestedTenant: tenantID, Detail: "unknown tenant"}
	}
	return t.KeyRef, nil
}

// ActiveFrameworks returns the compliance framework identifiers currently
// bound to a tenant.
func (m *IsolationManager) ActiveFrameworks(tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return nil, &BoundaryError{RequestedTenant: tenantID, Detail: "unknown tenant"}
	}
	out := make([]string, len(t.Frameworks))
	copy(out, t.Frameworks)
	return out, nil
}

// SetFrameworks replaces a tenant's active framework set. It takes effect
// for every operation evaluated after it returns.
func (m *IsolationManager) SetFrameworks(tenantID string, frameworkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[tenantID]
	if !ok {
		return &BoundaryError{RequestedTenant: tenantID, Detail: "unknown tenant"}
	}
	ids := make([]string, len(frameworkIDs))
	copy(ids, frameworkIDs)
	t.Frameworks = ids
	return nil
}

// Tenants lists the registered tenant identifiers.
func (m *IsolationManager) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		out = append(out, id)
	}
	return out
}

func deriveKeyRef(tenantID string) string {
	sum := sha256.Sum256([]byte("tenant-key:" + tenantID))
	return "key_" + hex.EncodeToString(sum[:8])
}
