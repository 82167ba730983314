package guard

import (
	"context"
	"fmt"
	"sync"
)

// ============================================================================
// COMPLIANCE RULE ENGINE
// ============================================================================

// OperationKind classifies what an operation does with data.
type OperationKind string

const (
	OpCollect OperationKind = "collect"
	OpStore   OperationKind = "store"
	OpProcess OperationKind = "process"
	OpShare   OperationKind = "share"
	OpDelete  OperationKind = "delete"
	OpExport  OperationKind = "export"
)

// Operation describes the data handling side of a request, the part
// compliance frameworks inspect. Authorization answers who may act;
// frameworks answer whether the act itself is permissible.
type Operation struct {
	Kind           OperationKind `json:"kind" yaml:"kind"`
	DataCategories []string      `json:"data_categories,omitempty" yaml:"data_categories,omitempty"`
	ConsentPresent bool          `json:"consent_present" yaml:"consent_present"`
	LawfulBasis    string        `json:"lawful_basis,omitempty" yaml:"lawful_basis,omitempty"`
	RetentionDays  int           `json:"retention_days,omitempty" yaml:"retention_days,omitempty"`
	Encrypted      bool          `json:"encrypted" yaml:"encrypted"`
	CrossBorder    bool          `json:"cross_border" yaml:"cross_border"`
	Justification  string        `json:"justification,omitempty" yaml:"justification,omitempty"`
}

func (o *Operation) touches(categories []string) bool {
	if len(categories) == 0 {
		return true
	}
	for _, want := range categories {
		for _, have := range o.DataCategories {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Severity grades a violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation records one failed compliance check.
type Violation struct {
	Framework string   `json:"framework"`
	Code      string   `json:"code"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
}

// ComplianceResult aggregates the outcome across every active framework.
// Any violation, from any framework, makes the result non compliant.
type ComplianceResult struct {
	Compliant  bool        `json:"compliant"`
	Violations []Violation `json:"violations,omitempty"`
	Evaluated  []string    `json:"evaluated"`
}

// Framework is a pluggable compliance strategy. Implementations must be
// safe for concurrent Check calls and must report every violation they
// find rather than stopping at the first.
type Framework interface {
	ID() string
	Name() string
	Version() int
	Check(ctx context.Context, res *Resource, op *Operation) []Violation
}

// ComplianceCheck is one declarative rule inside a policy. The condition
// must hold for the operation to pass; when it does not, the check's code,
// severity, and message become a Violation.
type ComplianceCheck struct {
	Code       string          `json:"code" yaml:"code"`
	Severity   Severity        `json:"severity" yaml:"severity"`
	Message    string          `json:"message" yaml:"message"`
	AppliesTo  []OperationKind `json:"applies_to,omitempty" yaml:"applies_to,omitempty"`
	Categories []string        `json:"categories,omitempty" yaml:"categories,omitempty"`
	Condition  string          `json:"condition" yaml:"condition"`
}

// CompliancePolicy is the declarative form of a framework: an identifier, a
// monotonically increasing version, and a list of checks with condition
// strings. Policies travel through config files and signed bundles.
type CompliancePolicy struct {
	ID      string            `json:"id" yaml:"id"`
	Name    string            `json:"name" yaml:"name"`
	Version int               `json:"version" yaml:"version"`
	Checks  []ComplianceCheck `json:"checks" yaml:"checks"`
}

// PolicyFramework is a Framework compiled from a CompliancePolicy. The
// condition strings are parsed once at construction.
type PolicyFramework struct {
	policy   *CompliancePolicy
	compiled []condition
}

func NewPolicyFramework(policy *CompliancePolicy) (*PolicyFramework, error) {
	if policy == nil || policy.ID == "" {
		return nil, fmt.Errorf("compliance policy requires an id")
	}
	compiled := make([]condition, len(policy.Checks))
	for i, check := range policy.Checks {
		cond, err := ParseCondition(check.Condition)
		if err != nil {
			return nil, fmt.Errorf("policy %s check %s: %w", policy.ID, check.Code, err)
		}
		compiled[i] = cond
	}
	return &PolicyFramework{policy: policy, compiled: compiled}, nil
}

func (f *PolicyFramework) ID() string   { return f.policy.ID }
func (f *PolicyFramework) Name() string { return f.policy.Name }
func (f *PolicyFramework) Version() int { return f.policy.Version }

func (f *PolicyFramework) Check(ctx context.Context, res *Resource, op *Operation) []Violation {
	if op == nil {
		return nil
	}
	var out []Violation
	for i, check := range f.policy.Checks {
		if !kindApplies(check.AppliesTo, op.Kind) {
			continue
		}
		if !op.touches(check.Categories) {
			continue
		}
		if f.compiled[i].holds(condEnv{res: res, op: op}) {
			continue
		}
		out = append(out, Violation{
			Framework: f.policy.ID,
			Code:      check.Code,
			Severity:  check.Severity,
			Message:   check.Message,
		})
	}
	return out
}

func kindApplies(kinds []OperationKind, kind OperationKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ComplianceEngine holds the registered frameworks and evaluates operations
// against a tenant's active subset. Registration and evaluation may overlap;
// an evaluation sees either the old or the new version of a framework, never
// a partial one.
type ComplianceEngine struct {
	mu         sync.RWMutex
	frameworks map[string]Framework
}

// NewComplianceEngine returns an engine preloaded with the built in
// data protection, financial control, and health data policies.
func NewComplianceEngine() *ComplianceEngine {
	e := &ComplianceEngine{frameworks: make(map[string]Framework)}
	for _, p := range []*CompliancePolicy{DataProtectionPolicy(), FinancialControlPolicy(), HealthDataPolicy()} {
		f, err := NewPolicyFramework(p)
		if err != nil {
			panic(fmt.Sprintf("built-in policy %s: %v", p.ID, err))
		}
		e.frameworks[f.ID()] = f
	}
	return e
}

// Register adds or replaces a framework implementation. A replacement must
// carry a strictly higher version than the one it displaces.
func (e *ComplianceEngine) Register(f Framework) error {
	if f == nil || f.ID() == "" {
		return fmt.Errorf("framework with an id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.frameworks[f.ID()]; ok && f.Version() <= existing.Version() {
		return fmt.Errorf("%w: framework %s version %d is not newer than %d",
			ErrStalePolicyVersion, f.ID(), f.Version(), existing.Version())
	}
	e.frameworks[f.ID()] = f
	return nil
}

// UpdatePolicy compiles and registers the declarative policy, enforcing the
// same version monotonicity as Register.
func (e *ComplianceEngine) UpdatePolicy(policy *CompliancePolicy) error {
	f, err := NewPolicyFramework(policy)
	if err != nil {
		return err
	}
	return e.Register(f)
}

// restoreFramework reinstates a previous registration after a failed bundle
// application. It bypasses the version monotonicity check; a nil framework
// removes the id entirely.
func (e *ComplianceEngine) restoreFramework(id string, f Framework) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f == nil {
		delete(e.frameworks, id)
		return
	}
	e.frameworks[id] = f
}

// Framework returns the registered framework by id.
func (e *ComplianceEngine) Framework(id string) (Framework, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.frameworks[id]
	return f, ok
}

// Frameworks lists the registered framework identifiers.
func (e *ComplianceEngine) Frameworks() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.frameworks))
	for id := range e.frameworks {
		out = append(out, id)
	}
	return out
}

// Evaluate runs every active framework against the operation and merges the
// violations. Frameworks never short circuit each other: an operation
// violating two frameworks reports both sets.
func (e *ComplianceEngine) Evaluate(ctx context.Context, activeIDs []string, res *Resource, op *Operation) (ComplianceResult, error) {
	result := ComplianceResult{Compliant: true, Evaluated: make([]string, 0, len(activeIDs))}
	if op == nil {
		return result, nil
	}
	for _, id := range activeIDs {
		e.mu.RLock()
		f, ok := e.frameworks[id]
		e.mu.RUnlock()
		if !ok {
			return result, fmt.Errorf("compliance framework %s is not registered", id)
		}
		result.Evaluated = append(result.Evaluated, id)
		if vs := f.Check(ctx, res, op); len(vs) > 0 {
			result.Violations = append(result.Violations, vs...)
		}
	}
	result.Compliant = len(result.Violations) == 0
	return result, nil
}

// ============================================================================
// BUILT-IN POLICIES
// ============================================================================

// DataProtectionPolicy covers personal data handling: lawful basis or
// consent for processing, bounded retention, and justified cross border
// transfers.
func DataProtectionPolicy() *CompliancePolicy {
	return &CompliancePolicy{
		ID:      "data-protection",
		Name:    "Data Protection Baseline",
		Version: 1,
		Checks: []ComplianceCheck{
			{
				Code:       "dp-lawful-basis",
				Severity:   SeverityCritical,
				Message:    "processing personal data requires consent or a lawful basis",
				AppliesTo:  []OperationKind{OpCollect, OpProcess, OpShare, OpExport},
				Categories: []string{"personal", "biometric", "health"},
				Condition:  `op.consent == true or op.lawful_basis != ""`,
			},
			{
				Code:       "dp-retention",
				Severity:   SeverityWarning,
				Message:    "personal data retention must be declared and at most 730 days",
				AppliesTo:  []OperationKind{OpStore},
				Categories: []string{"personal", "biometric"},
				Condition:  `op.retention_days >= 1 and op.retention_days <= 730`,
			},
			{
				Code:      "dp-cross-border",
				Severity:  SeverityCritical,
				Message:   "cross border transfers require a documented justification",
				AppliesTo: []OperationKind{OpShare, OpExport},
				Condition: `op.cross_border == false or op.justification != ""`,
			},
		},
	}
}

// FinancialControlPolicy covers financial records: justified access,
// a seven year retention floor before deletion, and encryption at rest
// and in transit.
func FinancialControlPolicy() *CompliancePolicy {
	return &CompliancePolicy{
		ID:      "financial-control",
		Name:    "Financial Control Baseline",
		Version: 1,
		Checks: []ComplianceCheck{
			{
				Code:       "fc-justification",
				Severity:   SeverityCritical,
				Message:    "access to financial records requires a justification",
				AppliesTo:  []OperationKind{OpProcess, OpShare, OpDelete, OpExport},
				Categories: []string{"financial"},
				Condition:  `op.justification != ""`,
			},
			{
				Code:       "fc-retention-floor",
				Severity:   SeverityCritical,
				Message:    "financial records must be retained at least 2555 days before deletion",
				AppliesTo:  []OperationKind{OpDelete},
				Categories: []string{"financial"},
				Condition:  `op.retention_days >= 2555`,
			},
			{
				Code:       "fc-encryption",
				Severity:   SeverityCritical,
				Message:    "financial records must be encrypted when stored or exported",
				AppliesTo:  []OperationKind{OpStore, OpExport},
				Categories: []string{"financial"},
				Condition:  `op.encrypted == true`,
			},
		},
	}
}

// HealthDataPolicy covers health records: encryption everywhere, consent
// before disclosure, and a minimum necessary justification when sharing.
func HealthDataPolicy() *CompliancePolicy {
	return &CompliancePolicy{
		ID:      "health-data",
		Name:    "Health Data Baseline",
		Version: 1,
		Checks: []ComplianceCheck{
			{
				Code:       "hd-encryption",
				Severity:   SeverityCritical,
				Message:    "health data must be encrypted",
				Categories: []string{"health", "biometric"},
				Condition:  `op.encrypted == true`,
			},
			{
				Code:       "hd-consent",
				Severity:   SeverityCritical,
				Message:    "disclosing health data requires consent",
				AppliesTo:  []OperationKind{OpShare, OpExport},
				Categories: []string{"health"},
				Condition:  `op.consent == true`,
			},
			{
				Code:       "hd-minimum-necessary",
				Severity:   SeverityWarning,
				Message:    "sharing health data requires a minimum necessary justification",
				AppliesTo:  []OperationKind{OpShare},
				Categories: []string{"health"},
				Condition:  `op.justification != ""`,
			},
		},
	}
}
