package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/squealx"
)

// SQLRoleStore persists roles in SQL (squealx)
type SQLRoleStore struct {
	db *squealx.DB
}

func NewSQLRoleStore(db *squealx.DB) *SQLRoleStore {
	return &SQLRoleStore{db: db}
}

func (s *SQLRoleStore) CreateRole(ctx context.Context, r *guard.Role) error {
	perms, _ := json.Marshal(r.Permissions)
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	q := `INSERT INTO roles(id, tenant_id, name, parent_id, permissions_json, created_at) VALUES(:id, :tenant_id, :name, :parent_id, :permissions_json, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               r.ID,
		"tenant_id":        r.TenantID,
		"name":             r.Name,
		"parent_id":        r.ParentID,
		"permissions_json": string(perms),
		"created_at":       created,
	})
	return err
}

func (s *SQLRoleStore) UpdateRole(ctx context.Context, r *guard.Role) error {
	perms, _ := json.Marshal(r.Permissions)
	q := `UPDATE roles SET name=:name, parent_id=:parent_id, permissions_json=:permissions_json WHERE tenant_id=:tenant_id AND id=:id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":               r.ID,
		"tenant_id":        r.TenantID,
		"name":             r.Name,
		"parent_id":        r.ParentID,
		"permissions_json": string(perms),
	})
	return err
}

func (s *SQLRoleStore) DeleteRole(ctx context.Context, tenantID, id string) error {
	q := `DELETE FROM roles WHERE tenant_id = :tenant_id AND id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": id})
	return err
}

func (s *SQLRoleStore) scanRole(r rowScanner) (*guard.Role, error) {
	var id, tenant, name, parentID, permsJSON string
	var createdRaw interface{}
	if err := r.Scan(&id, &tenant, &name, &parentID, &permsJSON, &createdRaw); err != nil {
		return nil, err
	}
	role := &guard.Role{ID: id, TenantID: tenant, Name: name, ParentID: parentID}
	perms := make(map[guard.Permission]guard.Level)
	_ = json.Unmarshal([]byte(permsJSON), &perms)
	role.Permissions = perms
	role.CreatedAt = scanTime(createdRaw)
	return role, nil
}

const roleColumns = `id, tenant_id, name, parent_id, permissions_json, created_at`

func (s *SQLRoleStore) GetRole(ctx context.Context, tenantID, id string) (*guard.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles WHERE tenant_id = :tenant_id AND id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role not found: %s", id)
	}
	return s.scanRole(r)
}

func (s *SQLRoleStore) GetRoleByName(ctx context.Context, tenantID, name string) (*guard.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles WHERE tenant_id = :tenant_id AND name = :name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID, "name": name})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("role not found: %s", name)
	}
	return s.scanRole(r)
}

func (s *SQLRoleStore) ListRoles(ctx context.Context, tenantID string) ([]*guard.Role, error) {
	q := `SELECT ` + roleColumns + ` FROM roles WHERE tenant_id = :tenant_id ORDER BY name`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.Role, 0)
	for r.Next() {
		role, err := s.scanRole(r)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, nil
}
