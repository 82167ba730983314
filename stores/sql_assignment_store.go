package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/squealx"
)

// SQLAssignmentStore persists role assignments in SQL
type SQLAssignmentStore struct {
	db *squealx.DB
}

func NewSQLAssignmentStore(db *squealx.DB) *SQLAssignmentStore {
	return &SQLAssignmentStore{db: db}
}

func assignmentParams(a *guard.RoleAssignment) map[string]any {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return map[string]any{
		"id":             a.ID,
		"tenant_id":      a.TenantID,
		"principal_id":   a.PrincipalID,
		"role_id":        a.RoleID,
		"scope_kind":     string(a.Scope.Kind),
		"scope_id":       a.Scope.ID,
		"effective_from": timeOrNil(a.EffectiveFrom),
		"expires_at":     timeOrNil(a.ExpiresAt),
		"revoked_at":     timeOrNil(a.RevokedAt),
		"assigned_by":    a.AssignedBy,
		"justification":  a.Justification,
		"created_at":     created,
	}
}

func (s *SQLAssignmentStore) CreateAssignment(ctx context.Context, a *guard.RoleAssignment) error {
	q := `INSERT INTO role_assignments(id, tenant_id, principal_id, role_id, scope_kind, scope_id, effective_from, expires_at, revoked_at, assigned_by, justification, created_at)
	      VALUES(:id, :tenant_id, :principal_id, :role_id, :scope_kind, :scope_id, :effective_from, :expires_at, :revoked_at, :assigned_by, :justification, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, assignmentParams(a))
	return err
}

func (s *SQLAssignmentStore) UpdateAssignment(ctx context.Context, a *guard.RoleAssignment) error {
	q := `UPDATE role_assignments SET principal_id=:principal_id, role_id=:role_id, scope_kind=:scope_kind, scope_id=:scope_id,
	      effective_from=:effective_from, expires_at=:expires_at, revoked_at=:revoked_at, assigned_by=:assigned_by, justification=:justification
	      WHERE tenant_id=:tenant_id AND id=:id`
	_, err := s.db.NamedExecContext(ctx, q, assignmentParams(a))
	return err
}

const assignmentColumns = `id, tenant_id, principal_id, role_id, scope_kind, scope_id, effective_from, expires_at, revoked_at, assigned_by, justification, created_at`

func scanAssignment(r rowScanner) (*guard.RoleAssignment, error) {
	var id, tenant, principal, roleID, scopeKind, scopeID, assignedBy, justification string
	var effRaw, expRaw, revRaw, createdRaw interface{}
	if err := r.Scan(&id, &tenant, &principal, &roleID, &scopeKind, &scopeID, &effRaw, &expRaw, &revRaw, &assignedBy, &justification, &createdRaw); err != nil {
		return nil, err
	}
	return &guard.RoleAssignment{
		ID:            id,
		TenantID:      tenant,
		PrincipalID:   principal,
		RoleID:        roleID,
		Scope:         guard.Scope{Kind: guard.ScopeKind(scopeKind), ID: scopeID},
		EffectiveFrom: scanTime(effRaw),
		ExpiresAt:     scanTime(expRaw),
		RevokedAt:     scanTime(revRaw),
		AssignedBy:    assignedBy,
		Justification: justification,
		CreatedAt:     scanTime(createdRaw),
	}, nil
}

func (s *SQLAssignmentStore) GetAssignment(ctx context.Context, tenantID, id string) (*guard.RoleAssignment, error) {
	q := `SELECT ` + assignmentColumns + ` FROM role_assignments WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("assignment not found: %s", id)
	}
	return scanAssignment(r)
}

func (s *SQLAssignmentStore) ListAssignments(ctx context.Context, tenantID, principalID string) ([]*guard.RoleAssignment, error) {
	q := `SELECT ` + assignmentColumns + ` FROM role_assignments WHERE tenant_id = :tenant_id AND principal_id = :principal_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "principal_id": principalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.RoleAssignment, 0)
	for r.Next() {
		a, err := scanAssignment(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLAssignmentStore) ListAssignmentsByRole(ctx context.Context, tenantID, roleID string) ([]*guard.RoleAssignment, error) {
	q := `SELECT ` + assignmentColumns + ` FROM role_assignments WHERE tenant_id = :tenant_id AND role_id = :role_id ORDER BY id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.RoleAssignment, 0)
	for r.Next() {
		a, err := scanAssignment(r)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
