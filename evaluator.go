package guard

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// PERMISSION EVALUATOR
// ============================================================================

// Evaluator computes effective permission sets from direct grants, active
// scoped role assignments, and overrides, consulting the cache first.
type Evaluator struct {
	hierarchy *RoleHierarchy
	stores    *Stores
	cache     *PermissionCache
	clock     func() time.Time
}

func NewEvaluator(hierarchy *RoleHierarchy, stores *Stores, cache *PermissionCache) *Evaluator {
	return &Evaluator{hierarchy: hierarchy, stores: stores, cache: cache, clock: time.Now}
}

// Evaluate returns the effective permission set for the principal at the
// given scope. The tenant epoch is snapshotted before any store read, so a
// concurrent mutation orphans the result rather than letting it be cached.
func (e *Evaluator) Evaluate(ctx context.Context, tc *TenantContext, principalID string, scope Scope) (*EffectiveSet, error) {
	if err := RequireContext(tc); err != nil {
		return nil, err
	}
	tenantID := tc.TenantID()

	cached, err := e.cache.Get(tenantID, principalID, scope)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}
	epoch := e.cache.Epoch(tenantID)

	set, err := e.compute(ctx, tc, principalID, scope)
	if err != nil {
		return nil, err
	}
	e.cache.Put(set, epoch)
	return set, nil
}

func (e *Evaluator) compute(ctx context.Context, tc *TenantContext, principalID string, scope Scope) (*EffectiveSet, error) {
	tenantID := tc.TenantID()
	now := e.clock()
	levels := make(map[Permission]Level)

	// Direct grants on the principal record, if one exists.
	principal, err := e.stores.Principals.GetPrincipal(ctx, tenantID, principalID)
	if err == nil && principal != nil {
		mergeMax(levels, principal.Grants)
	}

	// Role assignments whose scope contains the evaluation scope, resolved
	// through the role chain. Overlapping sources merge at the maximum level.
	assignments, err := e.hierarchy.ActiveAssignments(ctx, tc, principalID, now)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s/%s: %w", tenantID, principalID, err)
	}
	for _, a := range assignments {
		if !a.Scope.Contains(scope) {
			continue
		}
		perms, err := e.hierarchy.ResolveInherited(ctx, tc, a.RoleID)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s/%s: role %s: %w", tenantID, principalID, a.RoleID, err)
		}
		mergeMax(levels, perms)
	}

	// Overrides replace whatever merging produced for their permission.
	// Broader overrides apply first so the most specific one wins.
	overrides, err := e.stores.Overrides.ListOverrides(ctx, tenantID, principalID)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s/%s: overrides: %w", tenantID, principalID, err)
	}
	applyOverrides(levels, overrides, scope)

	return &EffectiveSet{
		TenantID:    tenantID,
		PrincipalID: principalID,
		Scope:       scope,
		Levels:      levels,
		ComputedAt:  now,
	}, nil
}

// applyOverrides applies matching overrides in two passes, global before
// scope exact, so an override pinned to the evaluation scope beats one set
// tenant wide. An override always replaces the merged value, including
// downward to a lower level.
func applyOverrides(levels map[Permission]Level, overrides []*Override, scope Scope) {
	byPhase := func(global bool) []*Override {
		out := make([]*Override, 0, len(overrides))
		for _, o := range overrides {
			if o.Scope.IsGlobal() == global {
				out = append(out, o)
			}
		}
		// Deterministic application order for overlapping overrides.
		sort.Slice(out, func(i, j int) bool {
			if out[i].Permission != out[j].Permission {
				return out[i].Permission < out[j].Permission
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
		return out
	}
	for _, o := range byPhase(true) {
		levels[o.Permission] = o.Level
	}
	for _, o := range byPhase(false) {
		if o.Scope.Contains(scope) {
			levels[o.Permission] = o.Level
		}
	}
}
