package guard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/guard/utils"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// Permission is an atomic capability, e.g. "members.manage" or "audit.view".
type Permission string

// Level is the totally ordered grant strength for a permission.
// A higher level implies every capability of the lower levels.
type Level uint8

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelFull
	LevelAdmin
)

var levelNames = [...]string{"none", "read", "write", "full", "admin"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Covers reports whether l grants at least the capabilities of min.
func (l Level) Covers(min Level) bool { return l >= min }

// ParseLevel converts a textual level ("read", "admin", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown permission level: %q", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

func (l *Level) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	lv, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

func (l Level) MarshalYAML() (any, error) { return l.String(), nil }

func (l *Level) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	lv, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

// ScopeKind classifies the reach of a grant or assignment.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeTeam    ScopeKind = "team"
	ScopeProject ScopeKind = "project"
)

// Scope restricts a role assignment or override to a resource boundary.
// A zero Scope is global.
type Scope struct {
	Kind ScopeKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	ID   string    `json:"id,omitempty" yaml:"id,omitempty"`
}

func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

func (s Scope) IsGlobal() bool { return s.Kind == "" || s.Kind == ScopeGlobal }

// Key returns a stable string form used in cache keys.
func (s Scope) Key() string {
	if s.IsGlobal() {
		return "global"
	}
	return string(s.Kind) + ":" + s.ID
}

// Contains reports whether a grant at scope s contributes inside the
// boundary of other. Global contains everything; a team scope contains
// itself and any project nested under it ("team/project" IDs).
func (s Scope) Contains(other Scope) bool {
	if s.IsGlobal() {
		return true
	}
	if other.IsGlobal() {
		return false
	}
	if s.Kind == other.Kind && s.ID == other.ID {
		return true
	}
	if s.Kind == ScopeTeam && other.Kind == ScopeProject {
		return utils.MatchScope(other.ID, s.ID+"/*")
	}
	return false
}

func (s Scope) Validate() error {
	switch s.Kind {
	case "", ScopeGlobal:
		if s.ID != "" {
			return fmt.Errorf("%w: global scope must not carry an id", ErrInvalidAssignment)
		}
		return nil
	case ScopeTeam, ScopeProject:
		if s.ID == "" {
			return fmt.Errorf("%w: %s scope requires an id", ErrInvalidAssignment, s.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown scope kind %q", ErrInvalidAssignment, s.Kind)
	}
}

// Principal is a user or service acting inside a tenant.
type Principal struct {
	ID       string               `json:"id" yaml:"id"`
	TenantID string               `json:"tenant_id" yaml:"tenant_id"`
	Grants   map[Permission]Level `json:"grants,omitempty" yaml:"grants,omitempty"`
	Teams    []string             `json:"teams,omitempty" yaml:"teams,omitempty"`
}

// Resource identifies what a decision is about.
type Resource struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	TenantID  string     `json:"tenant_id"`
	Scope     Scope      `json:"scope,omitempty"`
	Regulated bool       `json:"regulated,omitempty"`
	Operation *Operation `json:"operation,omitempty"`
}

func (r *Resource) Key() string {
	if r == nil {
		return ""
	}
	return r.Type + ":" + r.ID
}

// Override pins a permission to an exact level for one principal, replacing
// whatever direct grants and role inheritance would otherwise produce.
// An override of LevelNone revokes.
type Override struct {
	TenantID    string     `json:"tenant_id" yaml:"tenant_id"`
	PrincipalID string     `json:"principal_id" yaml:"principal_id"`
	Permission  Permission `json:"permission" yaml:"permission"`
	Level       Level      `json:"level" yaml:"level"`
	Scope       Scope      `json:"scope,omitempty" yaml:"scope,omitempty"`
	SetBy       string     `json:"set_by,omitempty" yaml:"set_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty" yaml:"-"`
}

// EffectiveSet is the fully resolved permission map for one principal at one
// scope inside one tenant. Entries computed before the latest mutation for
// the tenant are invalid and are never served from cache.
type EffectiveSet struct {
	TenantID    string               `json:"tenant_id"`
	PrincipalID string               `json:"principal_id"`
	Scope       Scope                `json:"scope"`
	Levels      map[Permission]Level `json:"levels"`
	ComputedAt  time.Time            `json:"computed_at"`

	epoch uint64
}

// Level returns the resolved level for p, LevelNone when absent.
func (s *EffectiveSet) Level(p Permission) Level {
	if s == nil {
		return LevelNone
	}
	return s.Levels[p]
}

// Allows reports whether the set grants p at min or stronger.
func (s *EffectiveSet) Allows(p Permission, min Level) bool {
	if min == LevelNone {
		return true
	}
	return s.Level(p).Covers(min)
}

// Decision is the outcome of an access request.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason"`
	Permission Permission  `json:"permission,omitempty"`
	Required   Level       `json:"required,omitempty"`
	Granted    Level       `json:"granted,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
	Trace      []string    `json:"trace,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	AuditSeq   uint64      `json:"audit_seq,omitempty"`
}

// Deny reasons reported on Decision.Reason.
const (
	ReasonTenantBoundary      = "tenant boundary violation"
	ReasonNoRequirement       = "no permission requirement registered for action"
	ReasonInsufficientLevel   = "insufficient permission level"
	ReasonComplianceViolation = "compliance violation"
	ReasonEvaluationFailed    = "permission evaluation failed"
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// RoleStore persists role definitions. Implementations do not enforce
// hierarchy invariants; RoleHierarchy does that before any write.
type RoleStore interface {
	CreateRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, tenantID, id string) error
	GetRole(ctx context.Context, tenantID, id string) (*Role, error)
	GetRoleByName(ctx context.Context, tenantID, name string) (*Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]*Role, error)
}

// AssignmentStore persists role assignments.
type AssignmentStore interface {
	CreateAssignment(ctx context.Context, a *RoleAssignment) error
	UpdateAssignment(ctx context.Context, a *RoleAssignment) error
	GetAssignment(ctx context.Context, tenantID, id string) (*RoleAssignment, error)
	ListAssignments(ctx context.Context, tenantID, principalID string) ([]*RoleAssignment, error)
	ListAssignmentsByRole(ctx context.Context, tenantID, roleID string) ([]*RoleAssignment, error)
}

// OverrideStore persists per-principal permission overrides.
type OverrideStore interface {
	SetOverride(ctx context.Context, o *Override) error
	RemoveOverride(ctx context.Context, tenantID, principalID string, p Permission, scope Scope) error
	ListOverrides(ctx context.Context, tenantID, principalID string) ([]*Override, error)
}

// PrincipalStore persists principals and their direct grants.
type PrincipalStore interface {
	SavePrincipal(ctx context.Context, p *Principal) error
	GetPrincipal(ctx context.Context, tenantID, id string) (*Principal, error)
}

// AuditStore persists hash-chained audit entries. The chain itself (sequence
// numbers and hashes) is owned by AuditLogger; stores only read and append.
type AuditStore interface {
	AppendEntry(ctx context.Context, e *AuditLogEntry) error
	LastEntry(ctx context.Context, tenantID string) (*AuditLogEntry, error)
	ListEntries(ctx context.Context, tenantID string, filter AuditFilter) ([]*AuditLogEntry, error)
}

// Stores bundles the persistence backends a Service works against.
type Stores struct {
	Roles       RoleStore
	Assignments AssignmentStore
	Overrides   OverrideStore
	Principals  PrincipalStore
	Audit       AuditStore
}
