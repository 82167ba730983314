package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/xid"
)

// ============================================================================
// ROLE HIERARCHY
// ============================================================================

// Role is a named bundle of permission levels. Parent chains form a tree per
// tenant; acyclicity is enforced at write time, never repaired afterwards.
// Any role may declare an arbitrary permission map, so custom roles need no
// built-in catalogue.
type Role struct {
	ID          string               `json:"id" yaml:"id"`
	TenantID    string               `json:"tenant_id" yaml:"tenant_id"`
	Name        string               `json:"name" yaml:"name"`
	ParentID    string               `json:"parent_id,omitempty" yaml:"parent,omitempty"`
	Permissions map[Permission]Level `json:"permissions" yaml:"permissions"`
	CreatedAt   time.Time            `json:"created_at,omitempty" yaml:"-"`
}

// AssignmentState is the lifecycle state of a role assignment.
type AssignmentState string

const (
	AssignmentPending AssignmentState = "pending"
	AssignmentActive  AssignmentState = "active"
	AssignmentExpired AssignmentState = "expired"
	AssignmentRevoked AssignmentState = "revoked"
)

// RoleAssignment binds a principal to a role, optionally time-bounded and
// scope-restricted. Expired and Revoked are terminal.
type RoleAssignment struct {
	ID            string    `json:"id" yaml:"id"`
	TenantID      string    `json:"tenant_id" yaml:"tenant_id"`
	PrincipalID   string    `json:"principal_id" yaml:"principal_id"`
	RoleID        string    `json:"role_id" yaml:"role_id"`
	Scope         Scope     `json:"scope,omitempty" yaml:"scope,omitempty"`
	EffectiveFrom time.Time `json:"effective_from" yaml:"effective_from,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"` // zero = no expiry
	RevokedAt     time.Time `json:"revoked_at,omitempty" yaml:"-"`
	AssignedBy    string    `json:"assigned_by,omitempty" yaml:"assigned_by,omitempty"`
	Justification string    `json:"justification,omitempty" yaml:"justification,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty" yaml:"-"`
}

// StateAt returns the lifecycle state at instant t. Revocation is absolute:
// once RevokedAt is set the assignment is revoked at every instant, and it
// wins over expiry when both apply.
func (a *RoleAssignment) StateAt(t time.Time) AssignmentState {
	if !a.RevokedAt.IsZero() {
		return AssignmentRevoked
	}
	if !a.ExpiresAt.IsZero() && t.After(a.ExpiresAt) {
		return AssignmentExpired
	}
	if t.Before(a.EffectiveFrom) {
		return AssignmentPending
	}
	return AssignmentActive
}

// ActiveAt reports whether the assignment contributes permissions at t.
// Pending and terminal states contribute nothing.
func (a *RoleAssignment) ActiveAt(t time.Time) bool {
	return a.StateAt(t) == AssignmentActive
}

func (a *RoleAssignment) Validate() error {
	if a.PrincipalID == "" || a.RoleID == "" {
		return fmt.Errorf("%w: principal and role are required", ErrInvalidAssignment)
	}
	if err := a.Scope.Validate(); err != nil {
		return err
	}
	if !a.ExpiresAt.IsZero() && !a.EffectiveFrom.IsZero() && a.ExpiresAt.Before(a.EffectiveFrom) {
		return fmt.Errorf("%w: expiry %s precedes activation %s", ErrInvalidAssignment, a.ExpiresAt.Format(time.RFC3339), a.EffectiveFrom.Format(time.RFC3339))
	}
	return nil
}

// maxRoleDepth caps the ancestor walk so a corrupted store can never hang it.
const maxRoleDepth = 64

// RoleHierarchy owns role definitions and role assignments for all tenants.
// Structural mutations are serialized so the cycle check and the write they
// protect are atomic.
type RoleHierarchy struct {
	roles       RoleStore
	assignments AssignmentStore
	mu          sync.Mutex
	clock       func() time.Time
}

func NewRoleHierarchy(roles RoleStore, assignments AssignmentStore) *RoleHierarchy {
	return &RoleHierarchy{roles: roles, assignments: assignments, clock: time.Now}
}

// DefineRole creates a role inside tc's tenant and returns its ID. It fails
// with ErrDuplicateRole when the name exists in-tenant and with
// ErrCyclicRole when the parent edge would not terminate at a root.
func (h *RoleHierarchy) DefineRole(ctx context.Context, tc *TenantContext, name, parentID string, permissions map[Permission]Level) (string, error) {
	if err := RequireContext(tc); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tenant := tc.TenantID()
	if existing, err := h.roles.GetRoleByName(ctx, tenant, name); err == nil && existing != nil {
		return "", fmt.Errorf("%w: %s already defined in tenant %s", ErrDuplicateRole, name, tenant)
	}
	if parentID != "" {
		if _, err := h.roles.GetRole(ctx, tenant, parentID); err != nil {
			return "", fmt.Errorf("parent role %s: %w", parentID, err)
		}
		if err := h.checkAncestry(ctx, tenant, "", parentID); err != nil {
			return "", err
		}
	}
	role := &Role{
		ID:          "role_" + xid.New().String(),
		TenantID:    tenant,
		Name:        name,
		ParentID:    parentID,
		Permissions: clonePermissions(permissions),
		CreatedAt:   h.clock(),
	}
	if err := h.roles.CreateRole(ctx, role); err != nil {
		return "", err
	}
	return role.ID, nil
}

// SetParent rewires a role's parent edge. The new edge is rejected when the
// role would become its own ancestor.
func (h *RoleHierarchy) SetParent(ctx context.Context, tc *TenantContext, roleID, parentID string) error {
	if err := RequireContext(tc); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	tenant := tc.TenantID()
	role, err := h.roles.GetRole(ctx, tenant, roleID)
	if err != nil {
		return err
	}
	if parentID != "" {
		if _, err := h.roles.GetRole(ctx, tenant, parentID); err != nil {
			return fmt.Errorf("parent role %s: %w", parentID, err)
		}
		if err := h.checkAncestry(ctx, tenant, roleID, parentID); err != nil {
			return err
		}
	}
	role.ParentID = parentID
	return h.roles.UpdateRole(ctx, role)
}

// SetPermissions replaces a role's own permission map.
func (h *RoleHierarchy) SetPermissions(ctx context.Context, tc *TenantContext, roleID string, permissions map[Permission]Level) error {
	if err := RequireContext(tc); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	role, err := h.roles.GetRole(ctx, tc.TenantID(), roleID)
	if err != nil {
		return err
	}
	role.Permissions = clonePermissions(permissions)
	return h.roles.UpdateRole(ctx, role)
}

// checkAncestry walks up from parentID and fails when the walk reaches
// roleID (a cycle) or exceeds maxRoleDepth (a corrupt, non-finite chain).
// roleID may be empty for a role that does not exist yet.
func (h *RoleHierarchy) checkAncestry(ctx context.Context, tenant, roleID, parentID string) error {
	cur := parentID
	for depth := 0; cur != ""; depth++ {
		if depth >= maxRoleDepth {
			return fmt.Errorf("%w: parent chain of %s exceeds depth %d", ErrCyclicRole, parentID, maxRoleDepth)
		}
		if cur == roleID {
			return fmt.Errorf("%w: %s would become its own ancestor", ErrCyclicRole, roleID)
		}
		parent, err := h.roles.GetRole(ctx, tenant, cur)
		if err != nil {
			return fmt.Errorf("ancestor role %s: %w", cur, err)
		}
		cur = parent.ParentID
	}
	return nil
}

// ResolveInherited walks from the role to its root and merges each level's
// permission map with max-level-wins, so a child never carries less than its
// parent's contribution for any permission.
func (h *RoleHierarchy) ResolveInherited(ctx context.Context, tc *TenantContext, roleID string) (map[Permission]Level, error) {
	if err := RequireContext(tc); err != nil {
		return nil, err
	}
	tenant := tc.TenantID()
	merged := make(map[Permission]Level)
	cur := roleID
	for depth := 0; cur != ""; depth++ {
		if depth >= maxRoleDepth {
			return nil, fmt.Errorf("%w: parent chain of %s exceeds depth %d", ErrCyclicRole, roleID, maxRoleDepth)
		}
		role, err := h.roles.GetRole(ctx, tenant, cur)
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", cur, err)
		}
		mergeMax(merged, role.Permissions)
		cur = role.ParentID
	}
	return merged, nil
}

// GetRole fetches a single role inside tc's tenant.
func (h *RoleHierarchy) GetRole(ctx context.Context, tc *TenantContext, roleID string) (*Role, error) {
	if err := RequireContext(tc); err != nil {
		return nil, err
	}
	return h.roles.GetRole(ctx, tc.TenantID(), roleID)
}

// ListRoles lists every role defined inside tc's tenant.
func (h *RoleHierarchy) ListRoles(ctx context.Context, tc *TenantContext) ([]*Role, error) {
	if err := RequireContext(tc); err != nil {
		return nil, err
	}
	return h.roles.ListRoles(ctx, tc.TenantID())
}

// Assign creates a role assignment after validating it against the tenant's
// role table. Assignment IDs are generated when absent.
func (h *RoleHierarchy) Assign(ctx context.Context, tc *TenantContext, a *RoleAssignment) error {
	if err := RequireContext(tc); err != nil {
		return err
	}
	if a.TenantID == "" {
		a.TenantID = tc.TenantID()
	}
	if a.TenantID != tc.TenantID() {
		return &BoundaryError{PrincipalID: a.PrincipalID, RequestedTenant: a.TenantID, Detail: "assignment tenant differs from bound context"}
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if _, err := h.roles.GetRole(ctx, a.TenantID, a.RoleID); err != nil {
		return fmt.Errorf("%w: role %s: %v", ErrInvalidAssignment, a.RoleID, err)
	}
	if a.ID == "" {
		a.ID = "asg_" + xid.New().String()
	}
	if a.EffectiveFrom.IsZero() {
		a.EffectiveFrom = h.clock()
	}
	a.CreatedAt = h.clock()
	return h.assignments.CreateAssignment(ctx, a)
}

// Revoke terminates an assignment immediately. Revocation is final.
func (h *RoleHierarchy) Revoke(ctx context.Context, tc *TenantContext, assignmentID string) error {
	if err := RequireContext(tc); err != nil {
		return err
	}
	a, err := h.assignments.GetAssignment(ctx, tc.TenantID(), assignmentID)
	if err != nil {
		return err
	}
	if !a.RevokedAt.IsZero() {
		return nil
	}
	a.RevokedAt = h.clock()
	return h.assignments.UpdateAssignment(ctx, a)
}

// ActiveAssignments returns the assignments contributing for principalID at
// instant t.
func (h *RoleHierarchy) ActiveAssignments(ctx context.Context, tc *TenantContext, principalID string, t time.Time) ([]*RoleAssignment, error) {
	if err := RequireContext(tc); err != nil {
		return nil, err
	}
	all, err := h.assignments.ListAssignments(ctx, tc.TenantID(), principalID)
	if err != nil {
		return nil, err
	}
	active := make([]*RoleAssignment, 0, len(all))
	for _, a := range all {
		if a.ActiveAt(t) {
			active = append(active, a)
		}
	}
	return active, nil
}

func mergeMax(dst map[Permission]Level, src map[Permission]Level) {
	for p, lv := range src {
		if lv > dst[p] {
			dst[p] = lv
		}
	}
}

func clonePermissions(src map[Permission]Level) map[Permission]Level {
	dst := make(map[Permission]Level, len(src))
	for p, lv := range src {
		dst[p] = lv
	}
	return dst
}
