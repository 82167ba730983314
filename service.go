package guard

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/guard/logger"
	"github.com/oarkflow/guard/utils"
	"github.com/oarkflow/xid"
)

// ============================================================================
// ACCESS DECISION SERVICE
// ============================================================================

// Requirement names the permission and minimum level a resource action
// demands. Actions with no registered requirement are denied.
type Requirement struct {
	Permission Permission `json:"permission" yaml:"permission"`
	Level      Level      `json:"level" yaml:"level"`
}

// DecisionRequest is one unit of work for BatchDecide.
type DecisionRequest struct {
	Resource *Resource
	Action   string
}

// DecisionOutcome pairs a batch request with its result.
type DecisionOutcome struct {
	Decision *Decision
	Err      error
}

// Service orchestrates tenant binding, permission evaluation, compliance
// checking, and audit logging into single access decisions. The order is
// fixed: bind, evaluate, check compliance, audit, return. No decision
// leaves Decide without a corresponding audit entry.
type Service struct {
	manager    *IsolationManager
	stores     *Stores
	hierarchy  *RoleHierarchy
	cache      *PermissionCache
	evaluator  *Evaluator
	audit      *AuditLogger
	compliance *ComplianceEngine
	log        logger.Logger
	traceID    logger.TraceIDFunc
	resolver   MembershipResolver

	evalRetries  int
	batchWorkers int
	clock        func() time.Time

	reqMu        sync.RWMutex
	requirements map[string]map[string]Requirement // resource type pattern -> action -> requirement

	mutMu     sync.Mutex
	mutations map[string]*sync.Mutex // per-tenant admin mutation locks
}

type ServiceOption func(*Service)

func WithCacheConfig(cfg CacheConfig) ServiceOption {
	return func(s *Service) {
		if c, err := NewPermissionCache(cfg); err == nil {
			if s.cache != nil {
				s.cache.Close()
			}
			s.cache = c
		}
	}
}

// WithEvaluationRetries sets how many times a failed store read is retried
// before the decision fails closed.
func WithEvaluationRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.evalRetries = n
		}
	}
}

func WithBatchWorkers(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.batchWorkers = n
		}
	}
}

func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

func NewService(resolver MembershipResolver, stores *Stores, opts ...ServiceOption) (*Service, error) {
	if stores == nil || stores.Audit == nil {
		return nil, fmt.Errorf("stores with an audit store are required")
	}
	cache, err := NewPermissionCache(defaultCacheConfig())
	if err != nil {
		return nil, err
	}
	s := &Service{
		manager:      NewIsolationManager(resolver),
		stores:       stores,
		cache:        cache,
		audit:        NewAuditLogger(stores.Audit),
		compliance:   NewComplianceEngine(),
		log:          logger.NewNullLogger(),
		traceID:      func() string { return xid.New().String() },
		resolver:     resolver,
		evalRetries:  2,
		batchWorkers: 8,
		clock:        time.Now,
		requirements: make(map[string]map[string]Requirement),
		mutations:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hierarchy = NewRoleHierarchy(stores.Roles, stores.Assignments)
	s.evaluator = NewEvaluator(s.hierarchy, stores, s.cache)
	s.evaluator.clock = s.clock
	s.audit.clock = s.clock
	return s, nil
}

// Tenants exposes the isolation manager for registration and system contexts.
func (s *Service) Tenants() *IsolationManager { return s.manager }

// Compliance exposes the compliance engine for framework registration.
func (s *Service) Compliance() *ComplianceEngine { return s.compliance }

// CacheStats reports permission cache counters.
func (s *Service) CacheStats() CacheStats { return s.cache.Stats() }

// Bind validates membership and returns a tenant context for principalID in
// tenantID. A failed bind is audited to the principal's home tenant chain,
// not the requested tenant's.
func (s *Service) Bind(ctx context.Context, principalID, tenantID string) (*TenantContext, error) {
	tc, err := s.manager.BindContext(ctx, principalID, tenantID)
	if err != nil {
		var be *BoundaryError
		if errors.As(err, &be) {
			s.auditBoundaryViolation(ctx, principalID, tenantID, be)
		}
		return nil, err
	}
	return tc, nil
}

// auditBoundaryViolation records a cross tenant attempt on the chain of the
// principal's home tenant, where the principal's auditors can see it. The
// requested tenant's chain never learns about principals that are not its
// own.
func (s *Service) auditBoundaryViolation(ctx context.Context, principalID, requestedTenant string, be *BoundaryError) {
	home, err := s.resolver.HomeTenant(ctx, principalID)
	if err != nil || home == "" {
		s.log.Error("boundary violation with no resolvable home tenant",
			"principal", principalID, "requested_tenant", requestedTenant)
		return
	}
	entry := &AuditLogEntry{
		TenantID: home,
		Actor:    principalID,
		Action:   "tenant.bind",
		Resource: "tenant:" + requestedTenant,
		Result:   AuditResultDenied,
		Reason:   ReasonTenantBoundary,
		Detail:   []string{be.Detail},
	}
	if _, err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("failed to audit boundary violation", "principal", principalID, "err", err.Error())
	}
}

// SetRequirement registers the permission and minimum level an action on a
// resource type demands. The type may be a pattern ("doc/*", "report:id").
func (s *Service) SetRequirement(resourceType, action string, req Requirement) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	byAction, ok := s.requirements[resourceType]
	if !ok {
		byAction = make(map[string]Requirement)
		s.requirements[resourceType] = byAction
	}
	byAction[action] = req
}

func (s *Service) requirementFor(resourceType, action string) (Requirement, bool) {
	s.reqMu.RLock()
	defer s.reqMu.RUnlock()
	if byAction, ok := s.requirements[resourceType]; ok {
		if req, ok := byAction[action]; ok {
			return req, true
		}
		if req, ok := byAction["*"]; ok {
			return req, true
		}
	}
	for pattern, byAction := range s.requirements {
		if !strings.ContainsAny(pattern, "*:") {
			continue
		}
		if !utils.MatchScope(resourceType, pattern) {
			continue
		}
		if req, ok := byAction[action]; ok {
			return req, true
		}
		if req, ok := byAction["*"]; ok {
			return req, true
		}
	}
	return Requirement{}, false
}

// Decide makes one access decision. The outcome defaults to deny: the
// request must carry a bindable tenant, the action must have a registered
// requirement, the effective level must cover it, and every active
// compliance framework must pass. The decision is appended to the tenant's
// audit chain before it is returned; if the append fails, the decision
// fails with it.
func (s *Service) Decide(ctx context.Context, principalID, tenantID string, res *Resource, action string) (*Decision, error) {
	tc, err := s.Bind(ctx, principalID, tenantID)
	if err != nil {
		return nil, err
	}
	return s.decideBound(ctx, tc, res, action)
}

// DecideBound is Decide for callers that already hold a tenant context,
// skipping the membership round trip.
func (s *Service) DecideBound(ctx context.Context, tc *TenantContext, res *Resource, action string) (*Decision, error) {
	if err := RequireContext(tc); err != nil {
		return nil, err
	}
	return s.decideBound(ctx, tc, res, action)
}

func (s *Service) decideBound(ctx context.Context, tc *TenantContext, res *Resource, action string) (*Decision, error) {
	if res == nil {
		return nil, fmt.Errorf("resource is required")
	}
	trace := []string{"bound tenant " + tc.TenantID()}

	if err := s.manager.ValidateResource(tc, res); err != nil {
		var be *BoundaryError
		if errors.As(err, &be) {
			s.auditBoundaryViolation(ctx, tc.PrincipalID(), res.TenantID, be)
		}
		return nil, err
	}

	dec := &Decision{
		Permission: "",
		Timestamp:  s.clock(),
	}

	req, found := s.requirementFor(res.Type, action)
	if !found {
		dec.Allowed = false
		dec.Reason = ReasonNoRequirement
		trace = append(trace, fmt.Sprintf("no requirement registered for %s %s", res.Type, action))
		return s.finishDecision(ctx, tc, res, action, dec, trace)
	}
	dec.Permission = req.Permission
	dec.Required = req.Level
	trace = append(trace, fmt.Sprintf("requires %s at %s", req.Permission, req.Level))

	set, err := s.evaluateWithRetry(ctx, tc, tc.PrincipalID(), res.Scope)
	if err != nil {
		dec.Allowed = false
		dec.Reason = ReasonEvaluationFailed
		trace = append(trace, "evaluation failed: "+err.Error())
		if d, ferr := s.finishDecision(ctx, tc, res, action, dec, trace); ferr != nil {
			return d, ferr
		}
		return dec, fmt.Errorf("decide: %w", err)
	}
	dec.Granted = set.Level(req.Permission)
	trace = append(trace, fmt.Sprintf("effective %s is %s", req.Permission, dec.Granted))

	if !dec.Granted.Covers(req.Level) {
		dec.Allowed = false
		dec.Reason = ReasonInsufficientLevel
		return s.finishDecision(ctx, tc, res, action, dec, trace)
	}

	// Permission suffices; compliance still has veto power.
	dec.Allowed = true
	if res.Regulated || res.Operation != nil {
		if res.Operation == nil {
			// A regulated resource without operation metadata cannot be
			// checked, and absence of metadata never implies compliance.
			dec.Allowed = false
			dec.Reason = ReasonComplianceViolation
			dec.Violations = []Violation{{
				Code:     "missing-operation",
				Severity: SeverityCritical,
				Message:  "regulated resource accessed without operation metadata",
			}}
			trace = append(trace, "regulated resource has no operation metadata")
			return s.finishDecision(ctx, tc, res, action, dec, trace)
		}
		active, err := s.manager.ActiveFrameworks(tc.TenantID())
		if err != nil {
			return nil, err
		}
		result, err := s.compliance.Evaluate(ctx, active, res, res.Operation)
		if err != nil {
			dec.Allowed = false
			dec.Reason = ReasonEvaluationFailed
			trace = append(trace, "compliance evaluation failed: "+err.Error())
			if d, ferr := s.finishDecision(ctx, tc, res, action, dec, trace); ferr != nil {
				return d, ferr
			}
			return dec, fmt.Errorf("decide: %w", err)
		}
		trace = append(trace, fmt.Sprintf("compliance evaluated %d frameworks", len(result.Evaluated)))
		if !result.Compliant {
			dec.Allowed = false
			dec.Reason = ReasonComplianceViolation
			dec.Violations = result.Violations
		}
	}
	return s.finishDecision(ctx, tc, res, action, dec, trace)
}

func (s *Service) evaluateWithRetry(ctx context.Context, tc *TenantContext, principalID string, scope Scope) (*EffectiveSet, error) {
	var lastErr error
	for attempt := 0; attempt <= s.evalRetries; attempt++ {
		set, err := s.evaluator.Evaluate(ctx, tc, principalID, scope)
		if err == nil {
			return set, nil
		}
		if errors.Is(err, ErrTenantBoundary) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, ErrCacheInconsistency) {
			s.cache.Recover(tc.TenantID())
			s.log.Error("permission cache inconsistency recovered", "tenant", tc.TenantID())
		}
		lastErr = err
	}
	return nil, lastErr
}

// finishDecision appends the audit entry and stamps its sequence number on
// the decision. Audit is the durability boundary: a decision whose entry
// cannot be appended is not returned as a success.
func (s *Service) finishDecision(ctx context.Context, tc *TenantContext, res *Resource, action string, dec *Decision, trace []string) (*Decision, error) {
	dec.Trace = trace
	result := AuditResultDenied
	if dec.Allowed {
		result = AuditResultAllowed
	}
	detail := []string{"trace:" + s.traceID()}
	for _, v := range dec.Violations {
		detail = append(detail, fmt.Sprintf("violation:%s/%s", v.Framework, v.Code))
	}
	entry := &AuditLogEntry{
		TenantID: tc.TenantID(),
		Actor:    tc.PrincipalID(),
		Action:   action,
		Resource: res.Key(),
		Result:   result,
		Reason:   dec.Reason,
		Detail:   detail,
	}
	seq, err := s.audit.Append(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("decision audit: %w", err)
	}
	dec.AuditSeq = seq
	s.log.Debug("access decision",
		"tenant", tc.TenantID(), "principal", tc.PrincipalID(),
		"action", action, "resource", res.Key(),
		"allowed", dec.Allowed, "reason", dec.Reason, "seq", int(seq))
	return dec, nil
}

// BatchDecide evaluates many requests under one bound context with bounded
// concurrency. Outcomes are positional; a failed request does not abort the
// rest.
func (s *Service) BatchDecide(ctx context.Context, tc *TenantContext, requests []DecisionRequest) ([]DecisionOutcome, error) {
	if err := RequireContext(tc); err != nil {
		return nil, err
	}
	outcomes := make([]DecisionOutcome, len(requests))
	sem := make(chan struct{}, s.batchWorkers)
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, req DecisionRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			dec, err := s.decideBound(ctx, tc, req.Resource, req.Action)
			outcomes[i] = DecisionOutcome{Decision: dec, Err: err}
		}(i, req)
	}
	wg.Wait()
	return outcomes, nil
}

// Explain returns the effective permission set and the matched requirement
// without making a decision. It is a read only introspection aid and does
// not touch the audit chain.
func (s *Service) Explain(ctx context.Context, tc *TenantContext, res *Resource, action string) (*EffectiveSet, Requirement, bool, error) {
	if err := RequireContext(tc); err != nil {
		return nil, Requirement{}, false, err
	}
	set, err := s.evaluator.Evaluate(ctx, tc, tc.PrincipalID(), res.Scope)
	if err != nil {
		return nil, Requirement{}, false, err
	}
	req, found := s.requirementFor(res.Type, action)
	return set, req, found, nil
}

// ============================================================================
// ADMINISTRATIVE MUTATIONS
// ============================================================================

func (s *Service) tenantMutationLock(tenantID string) *sync.Mutex {
	s.mutMu.Lock()
	defer s.mutMu.Unlock()
	mu, ok := s.mutations[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		s.mutations[tenantID] = mu
	}
	return mu
}

// mutate serializes administrative writes per tenant and guarantees the
// invalidation plus audit tail: the cache epoch moves and the action is on
// the chain before the mutating call returns.
func (s *Service) mutate(ctx context.Context, tc *TenantContext, action, resource string, detail []string, fn func() error) error {
	if err := RequireContext(tc); err != nil {
		return err
	}
	mu := s.tenantMutationLock(tc.TenantID())
	mu.Lock()
	defer mu.Unlock()

	ferr := fn()
	result := AuditResultRecorded
	reason := ""
	if ferr != nil {
		result = AuditResultError
		reason = ferr.Error()
	} else {
		s.cache.Invalidate(tc.TenantID())
	}
	entry := &AuditLogEntry{
		TenantID: tc.TenantID(),
		Actor:    tc.PrincipalID(),
		Action:   action,
		Resource: resource,
		Result:   result,
		Reason:   reason,
		Detail:   detail,
	}
	if _, aerr := s.audit.Append(ctx, entry); aerr != nil {
		if ferr != nil {
			return ferr
		}
		return fmt.Errorf("%s audit: %w", action, aerr)
	}
	return ferr
}

// DefineRole creates a role, optionally inheriting from a parent.
func (s *Service) DefineRole(ctx context.Context, tc *TenantContext, name, parentID string, permissions map[Permission]Level) (string, error) {
	var id string
	err := s.mutate(ctx, tc, "role.define", "role:"+name, nil, func() error {
		var err error
		id, err = s.hierarchy.DefineRole(ctx, tc, name, parentID, permissions)
		return err
	})
	return id, err
}

func (s *Service) SetRoleParent(ctx context.Context, tc *TenantContext, roleID, parentID string) error {
	return s.mutate(ctx, tc, "role.set_parent", "role:"+roleID, []string{"parent:" + parentID}, func() error {
		return s.hierarchy.SetParent(ctx, tc, roleID, parentID)
	})
}

func (s *Service) SetRolePermissions(ctx context.Context, tc *TenantContext, roleID string, permissions map[Permission]Level) error {
	return s.mutate(ctx, tc, "role.set_permissions", "role:"+roleID, nil, func() error {
		return s.hierarchy.SetPermissions(ctx, tc, roleID, permissions)
	})
}

// GrantRole assigns a role to a principal at a scope.
func (s *Service) GrantRole(ctx context.Context, tc *TenantContext, a *RoleAssignment) (string, error) {
	err := s.mutate(ctx, tc, "role.grant", "assignment:"+a.PrincipalID+"/"+a.RoleID, []string{"scope:" + a.Scope.Key()}, func() error {
		return s.hierarchy.Assign(ctx, tc, a)
	})
	return a.ID, err
}

// RevokeRole revokes an assignment effective immediately.
func (s *Service) RevokeRole(ctx context.Context, tc *TenantContext, assignmentID string) error {
	return s.mutate(ctx, tc, "role.revoke", "assignment:"+assignmentID, nil, func() error {
		return s.hierarchy.Revoke(ctx, tc, assignmentID)
	})
}

// SetOverride pins a principal's level for one permission, beating whatever
// role merging would produce, in either direction.
func (s *Service) SetOverride(ctx context.Context, tc *TenantContext, o *Override) error {
	if o == nil {
		return fmt.Errorf("override is required")
	}
	if o.TenantID == "" {
		o.TenantID = tc.TenantID()
	}
	if o.TenantID != tc.TenantID() {
		return &BoundaryError{PrincipalID: tc.PrincipalID(), RequestedTenant: o.TenantID, Detail: "override names another tenant"}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.clock()
	}
	o.SetBy = tc.PrincipalID()
	return s.mutate(ctx, tc, "override.set", "override:"+o.PrincipalID+"/"+string(o.Permission), []string{"level:" + o.Level.String(), "scope:" + o.Scope.Key()}, func() error {
		return s.stores.Overrides.SetOverride(ctx, o)
	})
}

func (s *Service) RemoveOverride(ctx context.Context, tc *TenantContext, principalID string, p Permission, scope Scope) error {
	return s.mutate(ctx, tc, "override.remove", "override:"+principalID+"/"+string(p), []string{"scope:" + scope.Key()}, func() error {
		return s.stores.Overrides.RemoveOverride(ctx, tc.TenantID(), principalID, p, scope)
	})
}

// SavePrincipal upserts a principal record with its direct grants.
func (s *Service) SavePrincipal(ctx context.Context, tc *TenantContext, p *Principal) error {
	if p == nil {
		return fmt.Errorf("principal is required")
	}
	if p.TenantID == "" {
		p.TenantID = tc.TenantID()
	}
	if p.TenantID != tc.TenantID() {
		return &BoundaryError{PrincipalID: tc.PrincipalID(), RequestedTenant: p.TenantID, Detail: "principal names another tenant"}
	}
	return s.mutate(ctx, tc, "principal.save", "principal:"+p.ID, nil, func() error {
		return s.stores.Principals.SavePrincipal(ctx, p)
	})
}

// ConfigureFrameworks replaces the tenant's active compliance framework set.
// Every framework named must already be registered.
func (s *Service) ConfigureFrameworks(ctx context.Context, tc *TenantContext, frameworkIDs []string) error {
	for _, id := range frameworkIDs {
		if _, ok := s.compliance.Framework(id); !ok {
			return fmt.Errorf("compliance framework %s is not registered", id)
		}
	}
	return s.mutate(ctx, tc, "compliance.configure", "frameworks", frameworkIDs, func() error {
		return s.manager.SetFrameworks(tc.TenantID(), frameworkIDs)
	})
}

// ApplySignedBundle verifies and installs a compliance policy bundle.
// Versions must move forward; a stale policy rejects the whole bundle
// before any part of it is applied.
func (s *Service) ApplySignedBundle(ctx context.Context, tc *TenantContext, pub ed25519.PublicKey, bundle *SignedPolicyBundle) error {
	if err := RequireContext(tc); err != nil {
		return err
	}
	ok, err := VerifyBundle(pub, bundle)
	if err != nil || !ok {
		return fmt.Errorf("bundle verification failed: %v", err)
	}
	ids := make([]string, 0, len(bundle.Policies))
	prev := make(map[string]Framework, len(bundle.Policies))
	for _, p := range bundle.Policies {
		ids = append(ids, fmt.Sprintf("%s@%d", p.ID, p.Version))
		existing, _ := s.compliance.Framework(p.ID)
		prev[p.ID] = existing
	}
	installed := false
	err = s.mutate(ctx, tc, "compliance.apply_bundle", "bundle", ids, func() error {
		for _, p := range bundle.Policies {
			if existing, found := s.compliance.Framework(p.ID); found && p.Version <= existing.Version() {
				return fmt.Errorf("%w: bundle policy %s version %d is not newer than %d",
					ErrStalePolicyVersion, p.ID, p.Version, existing.Version())
			}
			if _, err := NewPolicyFramework(p); err != nil {
				return err
			}
		}
		for _, p := range bundle.Policies {
			if err := s.compliance.UpdatePolicy(p); err != nil {
				return err
			}
			installed = true
		}
		return nil
	})
	if err != nil && installed {
		// The install succeeded but the audited commit did not; put the
		// engine back the way it was.
		for id, f := range prev {
			s.compliance.restoreFramework(id, f)
		}
	}
	return err
}

// AppendAdministrativeAction records an out of band administrative event on
// the tenant's chain.
func (s *Service) AppendAdministrativeAction(ctx context.Context, tc *TenantContext, action, resource string, detail ...string) (uint64, error) {
	if err := RequireContext(tc); err != nil {
		return 0, err
	}
	return s.audit.Append(ctx, &AuditLogEntry{
		TenantID: tc.TenantID(),
		Actor:    tc.PrincipalID(),
		Action:   action,
		Resource: resource,
		Result:   AuditResultRecorded,
		Detail:   detail,
	})
}

// QueryAuditLog streams the bound tenant's entries matching the filter.
func (s *Service) QueryAuditLog(ctx context.Context, tc *TenantContext, filter AuditFilter) iter.Seq2[*AuditLogEntry, error] {
	return s.audit.Query(ctx, tc, filter)
}

// VerifyAuditChain recomputes the bound tenant's chain from genesis.
func (s *Service) VerifyAuditChain(ctx context.Context, tc *TenantContext) (bool, uint64, error) {
	if err := RequireContext(tc); err != nil {
		return false, 0, err
	}
	return s.audit.VerifyChain(ctx, tc.TenantID())
}

// Evaluate exposes effective permission computation under a bound context.
func (s *Service) Evaluate(ctx context.Context, tc *TenantContext, principalID string, scope Scope) (*EffectiveSet, error) {
	return s.evaluateWithRetry(ctx, tc, principalID, scope)
}

// Hierarchy exposes read access to roles for administrative tooling.
func (s *Service) Hierarchy() *RoleHierarchy { return s.hierarchy }

// Close releases the permission cache.
func (s *Service) Close() {
	s.cache.Close()
}
