package guard

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the security-relevant taxonomy. PermissionDenied
// is deliberately absent: a deny is a normal Decision outcome, not an error.
var (
	// ErrTenantBoundary marks a cross-tenant reference. Always fatal to the
	// request and always audited.
	ErrTenantBoundary = errors.New("tenant boundary violation")

	// ErrCyclicRole is returned when a parent edge would create a cycle.
	// The definition is rejected, never partially applied.
	ErrCyclicRole = errors.New("cyclic role definition")

	// ErrDuplicateRole is returned when a role name already exists in-tenant.
	ErrDuplicateRole = errors.New("duplicate role")

	// ErrInvalidAssignment marks a malformed scope or expiry.
	ErrInvalidAssignment = errors.New("invalid role assignment")

	// ErrAuditIntegrity marks a chain verification mismatch. It is surfaced
	// to administrators and never silently repaired.
	ErrAuditIntegrity = errors.New("audit chain integrity failure")

	// ErrCacheInconsistency marks an internal cache invariant breach. The
	// cache recovers by invalidating the whole tenant, and logs the event.
	ErrCacheInconsistency = errors.New("cache inconsistency detected")

	// ErrStalePolicyVersion is returned when a compliance policy update does
	// not carry a strictly newer version; policies are never mutated in place.
	ErrStalePolicyVersion = errors.New("stale compliance policy version")
)

// BoundaryError carries the parties of a rejected cross-tenant reference.
type BoundaryError struct {
	PrincipalID     string
	RequestedTenant string
	Detail          string
}

func (e *BoundaryError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("tenant boundary violation: principal %s -> tenant %s: %s", e.PrincipalID, e.RequestedTenant, e.Detail)
	}
	return fmt.Sprintf("tenant boundary violation: principal %s -> tenant %s", e.PrincipalID, e.RequestedTenant)
}

func (e *BoundaryError) Is(target error) bool { return target == ErrTenantBoundary }

// IntegrityError reports the first divergent sequence number of a broken chain.
type IntegrityError struct {
	TenantID string
	Seq      uint64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain integrity failure: tenant %s diverges at seq %d", e.TenantID, e.Seq)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrAuditIntegrity }
