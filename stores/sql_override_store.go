package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/squealx"
)

// SQLOverrideStore persists permission overrides in SQL
type SQLOverrideStore struct {
	db *squealx.DB
}

func NewSQLOverrideStore(db *squealx.DB) *SQLOverrideStore {
	return &SQLOverrideStore{db: db}
}

// scopeKindColumn canonicalizes the zero scope to "global" so the natural key
// upsert treats Scope{} and an explicit global scope as the same row.
func scopeKindColumn(s guard.Scope) string {
	if s.IsGlobal() {
		return string(guard.ScopeGlobal)
	}
	return string(s.Kind)
}

func (s *SQLOverrideStore) SetOverride(ctx context.Context, o *guard.Override) error {
	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	// Upsert on the natural key so re-setting an override replaces it.
	q := `INSERT INTO permission_overrides(tenant_id, principal_id, permission, level, scope_kind, scope_id, set_by, created_at)
	      VALUES(:tenant_id, :principal_id, :permission, :level, :scope_kind, :scope_id, :set_by, :created_at)
	      ON CONFLICT(tenant_id, principal_id, permission, scope_kind, scope_id)
	      DO UPDATE SET level=excluded.level, set_by=excluded.set_by, created_at=excluded.created_at`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":    o.TenantID,
		"principal_id": o.PrincipalID,
		"permission":   string(o.Permission),
		"level":        int(o.Level),
		"scope_kind":   scopeKindColumn(o.Scope),
		"scope_id":     o.Scope.ID,
		"set_by":       o.SetBy,
		"created_at":   created,
	})
	return err
}

func (s *SQLOverrideStore) RemoveOverride(ctx context.Context, tenantID, principalID string, p guard.Permission, scope guard.Scope) error {
	q := `DELETE FROM permission_overrides WHERE tenant_id=:tenant_id AND principal_id=:principal_id AND permission=:permission AND scope_kind=:scope_kind AND scope_id=:scope_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":    tenantID,
		"principal_id": principalID,
		"permission":   string(p),
		"scope_kind":   scopeKindColumn(scope),
		"scope_id":     scope.ID,
	})
	return err
}

func (s *SQLOverrideStore) ListOverrides(ctx context.Context, tenantID, principalID string) ([]*guard.Override, error) {
	q := `SELECT tenant_id, principal_id, permission, level, scope_kind, scope_id, set_by, created_at FROM permission_overrides WHERE tenant_id = :tenant_id AND principal_id = :principal_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "principal_id": principalID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.Override, 0)
	for r.Next() {
		var tenant, principal, permission, scopeKind, scopeID, setBy string
		var level int
		var createdRaw interface{}
		if err := r.Scan(&tenant, &principal, &permission, &level, &scopeKind, &scopeID, &setBy, &createdRaw); err != nil {
			return nil, err
		}
		out = append(out, &guard.Override{
			TenantID:    tenant,
			PrincipalID: principal,
			Permission:  guard.Permission(permission),
			Level:       guard.Level(level),
			Scope:       guard.Scope{Kind: guard.ScopeKind(scopeKind), ID: scopeID},
			SetBy:       setBy,
			CreatedAt:   scanTime(createdRaw),
		})
	}
	return out, nil
}

// SQLPrincipalStore persists principals and their direct grants in SQL
type SQLPrincipalStore struct {
	db *squealx.DB
}

func NewSQLPrincipalStore(db *squealx.DB) *SQLPrincipalStore {
	return &SQLPrincipalStore{db: db}
}

func (s *SQLPrincipalStore) SavePrincipal(ctx context.Context, p *guard.Principal) error {
	grants, _ := json.Marshal(p.Grants)
	teams, _ := json.Marshal(p.Teams)
	q := `INSERT INTO principals(id, tenant_id, grants_json, teams_json)
	      VALUES(:id, :tenant_id, :grants_json, :teams_json)
	      ON CONFLICT(tenant_id, id) DO UPDATE SET grants_json=excluded.grants_json, teams_json=excluded.teams_json`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":          p.ID,
		"tenant_id":   p.TenantID,
		"grants_json": string(grants),
		"teams_json":  string(teams),
	})
	return err
}

func (s *SQLPrincipalStore) GetPrincipal(ctx context.Context, tenantID, id string) (*guard.Principal, error) {
	q := `SELECT id, tenant_id, grants_json, teams_json FROM principals WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("principal not found: %s", id)
	}
	var idv, tenant, grantsJSON, teamsJSON string
	if err := r.Scan(&idv, &tenant, &grantsJSON, &teamsJSON); err != nil {
		return nil, err
	}
	p := &guard.Principal{ID: idv, TenantID: tenant}
	grants := make(map[guard.Permission]guard.Level)
	_ = json.Unmarshal([]byte(grantsJSON), &grants)
	p.Grants = grants
	var teams []string
	_ = json.Unmarshal([]byte(teamsJSON), &teams)
	p.Teams = teams
	return p, nil
}
