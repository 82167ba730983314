package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/guard"
	"github.com/oarkflow/squealx"
)

// SQLAuditStore persists hash chained audit entries in SQL. Sequence numbers
// and hashes arrive already assigned; the store never reorders or rewrites.
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) AppendEntry(ctx context.Context, e *guard.AuditLogEntry) error {
	detail, _ := json.Marshal(e.Detail)
	q := `INSERT INTO audit_log(tenant_id, seq, timestamp, actor, action, resource, result, reason, detail_json, prev_hash, hash)
	      VALUES(:tenant_id, :seq, :timestamp, :actor, :action, :resource, :result, :reason, :detail_json, :prev_hash, :hash)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"tenant_id":   e.TenantID,
		"seq":         e.Seq,
		"timestamp":   e.Timestamp,
		"actor":       e.Actor,
		"action":      e.Action,
		"resource":    e.Resource,
		"result":      e.Result,
		"reason":      e.Reason,
		"detail_json": string(detail),
		"prev_hash":   e.PrevHash,
		"hash":        e.Hash,
	})
	return err
}

const auditColumns = `tenant_id, seq, timestamp, actor, action, resource, result, reason, detail_json, prev_hash, hash`

func scanAuditEntry(r rowScanner) (*guard.AuditLogEntry, error) {
	var tenant, actor, action, resource, result, reason, detailJSON, prevHash, hash string
	var seq uint64
	var tsRaw interface{}
	if err := r.Scan(&tenant, &seq, &tsRaw, &actor, &action, &resource, &result, &reason, &detailJSON, &prevHash, &hash); err != nil {
		return nil, err
	}
	e := &guard.AuditLogEntry{
		TenantID:  tenant,
		Seq:       seq,
		Timestamp: scanTime(tsRaw),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Result:    result,
		Reason:    reason,
		PrevHash:  prevHash,
		Hash:      hash,
	}
	var detail []string
	_ = json.Unmarshal([]byte(detailJSON), &detail)
	e.Detail = detail
	return e, nil
}

func (s *SQLAuditStore) LastEntry(ctx context.Context, tenantID string) (*guard.AuditLogEntry, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_log WHERE tenant_id = :tenant_id ORDER BY seq DESC LIMIT 1`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"tenant_id": tenantID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, nil
	}
	return scanAuditEntry(r)
}

func (s *SQLAuditStore) ListEntries(ctx context.Context, tenantID string, filter guard.AuditFilter) ([]*guard.AuditLogEntry, error) {
	q := `SELECT ` + auditColumns + ` FROM audit_log WHERE tenant_id = :tenant_id`
	params := map[string]any{"tenant_id": tenantID}
	if filter.FromSeq > 0 {
		q += " AND seq >= :from_seq"
		params["from_seq"] = filter.FromSeq
	}
	if filter.ToSeq > 0 {
		q += " AND seq <= :to_seq"
		params["to_seq"] = filter.ToSeq
	}
	if filter.Actor != "" {
		q += " AND actor = :actor"
		params["actor"] = filter.Actor
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	q += " ORDER BY seq"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.AuditLogEntry, 0)
	for r.Next() {
		e, err := scanAuditEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
