package guard

import (
	"context"
	"errors"
	"testing"
)

func violationCodes(vs []Violation) map[string]bool {
	out := make(map[string]bool, len(vs))
	for _, v := range vs {
		out[v.Framework+"/"+v.Code] = true
	}
	return out
}

func TestDataProtectionLawfulBasis(t *testing.T) {
	e := NewComplianceEngine()
	ctx := context.Background()
	res := &Resource{ID: "d1", Type: "document", Regulated: true}

	op := &Operation{Kind: OpProcess, DataCategories: []string{"personal"}}
	result, err := e.Evaluate(ctx, []string{"data-protection"}, res, op)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Compliant {
		t.Fatalf("processing personal data without consent or basis should violate")
	}
	if !violationCodes(result.Violations)["data-protection/dp-lawful-basis"] {
		t.Fatalf("expected dp-lawful-basis, got %+v", result.Violations)
	}

	// Either consent or a lawful basis satisfies the check.
	op.ConsentPresent = true
	result, _ = e.Evaluate(ctx, []string{"data-protection"}, res, op)
	if !result.Compliant {
		t.Fatalf("consent should satisfy, got %+v", result.Violations)
	}
	op.ConsentPresent = false
	op.LawfulBasis = "contract"
	result, _ = e.Evaluate(ctx, []string{"data-protection"}, res, op)
	if !result.Compliant {
		t.Fatalf("lawful basis should satisfy, got %+v", result.Violations)
	}
}

func TestRetentionBoundsPerFramework(t *testing.T) {
	e := NewComplianceEngine()
	ctx := context.Background()
	res := &Resource{ID: "r1", Type: "record"}

	// Data protection caps retention; storing for 10 years violates.
	store := &Operation{Kind: OpStore, DataCategories: []string{"personal"}, ConsentPresent: true, RetentionDays: 3650}
	result, _ := e.Evaluate(ctx, []string{"data-protection"}, res, store)
	if !violationCodes(result.Violations)["data-protection/dp-retention"] {
		t.Fatalf("expected dp-retention, got %+v", result.Violations)
	}

	// Financial control floors retention; deleting after 1 year violates.
	del := &Operation{Kind: OpDelete, DataCategories: []string{"financial"}, RetentionDays: 365, Justification: "cleanup"}
	result, _ = e.Evaluate(ctx, []string{"financial-control"}, res, del)
	if !violationCodes(result.Violations)["financial-control/fc-retention-floor"] {
		t.Fatalf("expected fc-retention-floor, got %+v", result.Violations)
	}
	del.RetentionDays = 2600
	result, _ = e.Evaluate(ctx, []string{"financial-control"}, res, del)
	if !result.Compliant {
		t.Fatalf("long enough retention should pass, got %+v", result.Violations)
	}
}

func TestFrameworksDoNotShortCircuit(t *testing.T) {
	e := NewComplianceEngine()
	ctx := context.Background()
	res := &Resource{ID: "x1", Type: "export"}

	// Unencrypted cross border export of personal plus financial data, no
	// consent, no justification: both frameworks must report.
	op := &Operation{
		Kind:           OpExport,
		DataCategories: []string{"personal", "financial"},
		CrossBorder:    true,
	}
	result, err := e.Evaluate(ctx, []string{"data-protection", "financial-control"}, res, op)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	codes := violationCodes(result.Violations)
	for _, want := range []string{
		"data-protection/dp-lawful-basis",
		"data-protection/dp-cross-border",
		"financial-control/fc-justification",
		"financial-control/fc-encryption",
	} {
		if !codes[want] {
			t.Fatalf("missing %s in %+v", want, result.Violations)
		}
	}
	if len(result.Evaluated) != 2 {
		t.Fatalf("both frameworks must be evaluated, got %v", result.Evaluated)
	}
}

func TestHealthDataSharing(t *testing.T) {
	e := NewComplianceEngine()
	ctx := context.Background()
	res := &Resource{ID: "p1", Type: "patient-record", Regulated: true}

	op := &Operation{Kind: OpShare, DataCategories: []string{"health"}, Encrypted: true}
	result, _ := e.Evaluate(ctx, []string{"health-data"}, res, op)
	codes := violationCodes(result.Violations)
	if !codes["health-data/hd-consent"] || !codes["health-data/hd-minimum-necessary"] {
		t.Fatalf("expected consent and minimum necessary violations, got %+v", result.Violations)
	}

	op.ConsentPresent = true
	op.Justification = "treatment coordination"
	result, _ = e.Evaluate(ctx, []string{"health-data"}, res, op)
	if !result.Compliant {
		t.Fatalf("expected pass, got %+v", result.Violations)
	}
}

func TestChecksFilterByKindAndCategory(t *testing.T) {
	e := NewComplianceEngine()
	ctx := context.Background()
	res := &Resource{ID: "d1", Type: "document"}

	// Reading internal data trips nothing: no check applies to the category.
	op := &Operation{Kind: OpProcess, DataCategories: []string{"internal"}}
	result, _ := e.Evaluate(ctx, []string{"data-protection", "financial-control", "health-data"}, res, op)
	if !result.Compliant {
		t.Fatalf("non-regulated categories should pass untouched, got %+v", result.Violations)
	}

	// Collecting financial data is outside fc-justification's kinds.
	op = &Operation{Kind: OpCollect, DataCategories: []string{"financial"}}
	result, _ = e.Evaluate(ctx, []string{"financial-control"}, res, op)
	if !result.Compliant {
		t.Fatalf("collect is not a controlled kind for fc-justification, got %+v", result.Violations)
	}
}

func TestUnregisteredActiveFrameworkIsAnError(t *testing.T) {
	e := NewComplianceEngine()
	_, err := e.Evaluate(context.Background(), []string{"no-such"}, &Resource{ID: "r"}, &Operation{Kind: OpProcess})
	if err == nil {
		t.Fatalf("unknown active framework must error, not silently pass")
	}
}

func TestPolicyVersionMonotonicity(t *testing.T) {
	e := NewComplianceEngine()

	// The built-in ships at version 1; the same version is stale.
	stale := DataProtectionPolicy()
	if err := e.UpdatePolicy(stale); !errors.Is(err, ErrStalePolicyVersion) {
		t.Fatalf("expected ErrStalePolicyVersion, got %v", err)
	}

	updated := DataProtectionPolicy()
	updated.Version = 2
	updated.Checks = updated.Checks[:1]
	if err := e.UpdatePolicy(updated); err != nil {
		t.Fatalf("newer version should register: %v", err)
	}
	f, ok := e.Framework("data-protection")
	if !ok || f.Version() != 2 {
		t.Fatalf("expected version 2 active, got %v", f)
	}
}

func TestServiceComplianceVeto(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	env.svc.SetRequirement("document", "share", Requirement{Permission: "docs.read", Level: LevelRead})
	env.grantReader(t, tc, "alice", LevelAdmin)
	if err := env.svc.ConfigureFrameworks(ctx, tc, []string{"data-protection"}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	res := &Resource{
		ID:   "d1",
		Type: "document",
		Operation: &Operation{
			Kind:           OpShare,
			DataCategories: []string{"personal"},
		},
	}
	dec, err := env.svc.Decide(ctx, "alice", "t1", res, "share")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("compliance must veto a permission-level allow")
	}
	if dec.Reason != ReasonComplianceViolation || len(dec.Violations) == 0 {
		t.Fatalf("expected compliance violations on decision, got %+v", dec)
	}

	// The same request with consent passes.
	res.Operation.ConsentPresent = true
	dec, err = env.svc.Decide(ctx, "alice", "t1", res, "share")
	if err != nil || !dec.Allowed {
		t.Fatalf("expected allow with consent, got %+v %v", dec, err)
	}
}

func TestRegulatedResourceWithoutOperationDenied(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	env.svc.SetRequirement("document", "read", Requirement{Permission: "docs.read", Level: LevelRead})
	env.grantReader(t, tc, "alice", LevelAdmin)
	if err := env.svc.ConfigureFrameworks(ctx, tc, []string{"data-protection"}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	// Regulated but carrying no operation metadata: nothing to check
	// against, so the decision fails closed.
	res := &Resource{ID: "d1", Type: "document", Regulated: true}
	dec, err := env.svc.Decide(ctx, "alice", "t1", res, "read")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if dec.Allowed {
		t.Fatalf("regulated resource without operation metadata must be denied")
	}
	if dec.Reason != ReasonComplianceViolation || len(dec.Violations) != 1 {
		t.Fatalf("expected a single compliance violation, got %+v", dec)
	}
	if dec.Violations[0].Code != "missing-operation" {
		t.Fatalf("unexpected violation code %q", dec.Violations[0].Code)
	}

	// An unregulated resource with no operation skips compliance entirely.
	plain := &Resource{ID: "d2", Type: "document"}
	dec, err = env.svc.Decide(ctx, "alice", "t1", plain, "read")
	if err != nil || !dec.Allowed {
		t.Fatalf("unregulated resource should be allowed, got %+v %v", dec, err)
	}
}

func TestOperationWithoutFrameworksPasses(t *testing.T) {
	env := newTestEnv(t, "t1")
	ctx := context.Background()
	tc := env.bind(t, "alice", "t1")

	env.svc.SetRequirement("document", "share", Requirement{Permission: "docs.read", Level: LevelRead})
	env.grantReader(t, tc, "alice", LevelRead)

	// No frameworks configured for the tenant: the operation is not checked.
	res := &Resource{ID: "d1", Type: "document", Operation: &Operation{Kind: OpShare, DataCategories: []string{"personal"}}}
	dec, err := env.svc.Decide(ctx, "alice", "t1", res, "share")
	if err != nil || !dec.Allowed {
		t.Fatalf("expected allow with no active frameworks, got %+v %v", dec, err)
	}
}

func TestParseConditionTable(t *testing.T) {
	env := condEnv{
		res: &Resource{Type: "document", Regulated: true},
		op: &Operation{
			Kind:           OpShare,
			DataCategories: []string{"personal", "financial"},
			ConsentPresent: true,
			RetentionDays:  100,
			Justification:  "audit",
		},
	}
	cases := []struct {
		cond string
		want bool
	}{
		{`op.consent == true`, true},
		{`op.consent != true`, false},
		{`op.retention_days >= 100`, true},
		{`op.retention_days > 100`, false},
		{`op.retention_days < 200`, true},
		{`op.justification != ""`, true},
		{`op.lawful_basis != ""`, false},
		{`op.kind == "share"`, true},
		{`res.type == "document"`, true},
		{`res.regulated == true`, true},
		{`op.kind in ["share", "export"]`, true},
		{`op.kind in ["delete"]`, false},
		{`op.data_categories in ["financial"]`, true},
		{`op.consent == true and op.retention_days <= 730`, true},
		{`op.consent == false and op.retention_days <= 730`, false},
		{`op.consent == false or op.justification != ""`, true},
		{`op.kind in ["delete"] or op.consent == true and op.retention_days >= 50`, true},
		{``, true},
	}
	for _, tc := range cases {
		cond, err := ParseCondition(tc.cond)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.cond, err)
		}
		if got := cond.holds(env); got != tc.want {
			t.Fatalf("condition %q: expected %v, got %v", tc.cond, tc.want, got)
		}
	}

	for _, bad := range []string{
		`op.kind ~= "share"`,
		`frobnicate`,
		`op.kind in [unterminated`,
	} {
		if _, err := ParseCondition(bad); err == nil {
			t.Fatalf("expected parse error for %q", bad)
		}
	}
}

func TestUnknownConditionFieldFailsClosed(t *testing.T) {
	cond, err := ParseCondition(`op.nonexistent == "x"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cond.holds(condEnv{op: &Operation{}}) {
		t.Fatalf("unknown field must not satisfy a condition")
	}
}
