package validation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofhir/fhirpath"

	"github.com/mattjoyce/fhirgate/internal/config"
)

// FHIRPathEngineName selects the invariant engine.
const FHIRPathEngineName = "fhirpath"

// Invariant is a FHIRPath rule that must hold for the whole bundle.
type Invariant struct {
	Key        string
	Expression string
	// Severity is error or warning.
	Severity Severity
	Human    string
}

// BundleInvariants are the R4 Bundle constraints evaluated by default.
var BundleInvariants = []Invariant{
	{Key: "bdl-1", Severity: SeverityError, Human: "total only when a search or history",
		Expression: "total.empty() or (type = 'searchset') or (type = 'history')"},
	{Key: "bdl-2", Severity: SeverityError, Human: "entry.search only when a search",
		Expression: "entry.search.empty() or (type = 'searchset')"},
	{Key: "bdl-3", Severity: SeverityError, Human: "entry.request only for some types of bundles",
		Expression: "entry.request.empty() or (type = 'batch') or (type = 'transaction') or (type = 'history')"},
	{Key: "bdl-4", Severity: SeverityError, Human: "entry.response only for some types of bundles",
		Expression: "entry.response.empty() or (type = 'batch-response') or (type = 'transaction-response') or (type = 'history')"},
	{Key: "bdl-7", Severity: SeverityError, Human: "FullUrl must be unique in a bundle, or else entries with the same fullUrl must have different meta.versionId (except in history bundles)",
		Expression: "(type = 'history') or entry.where(fullUrl.exists()).select(fullUrl & resource.meta.versionId).isDistinct()"},
	{Key: "bdl-9", Severity: SeverityError, Human: "A document must have an identifier with a system and a value",
		Expression: "type = 'document' implies (identifier.system.exists() and identifier.value.exists())"},
}

// InvariantsFromConfig converts configured rules. Severity defaults to error.
func InvariantsFromConfig(in []config.InvariantConfig) []Invariant {
	out := make([]Invariant, 0, len(in))
	for _, c := range in {
		sev := SeverityError
		if c.Severity == string(SeverityWarning) {
			sev = SeverityWarning
		}
		out = append(out, Invariant{Key: c.Key, Expression: c.Expression, Severity: sev, Human: c.Human})
	}
	return out
}

type compiledInvariant struct {
	Invariant
	expr *fhirpath.Expression
	err  error
}

// FHIRPathEngine evaluates bundle invariants.
type FHIRPathEngine struct {
	invariants []compiledInvariant
}

// NewFHIRPathEngine compiles the built-in invariants plus extra. A built-in
// that fails to compile is reported as a warning at evaluation time; a bad
// extra expression is a configuration error.
func NewFHIRPathEngine(extra []Invariant) (*FHIRPathEngine, error) {
	e := &FHIRPathEngine{}
	for _, inv := range BundleInvariants {
		expr, err := fhirpath.Compile(inv.Expression)
		e.invariants = append(e.invariants, compiledInvariant{Invariant: inv, expr: expr, err: err})
	}
	for _, inv := range extra {
		expr, err := fhirpath.Compile(inv.Expression)
		if err != nil {
			return nil, fmt.Errorf("compile invariant %s: %w", inv.Key, err)
		}
		e.invariants = append(e.invariants, compiledInvariant{Invariant: inv, expr: expr})
	}
	return e, nil
}

func (e *FHIRPathEngine) Name() string { return FHIRPathEngineName }

// Validate evaluates every invariant against the bundle root.
func (e *FHIRPathEngine) Validate(ctx context.Context, payload []byte) ([]Issue, error) {
	var probe map[string]any
	if err := json.Unmarshal(payload, &probe); err != nil {
		return []Issue{{
			Severity:    SeverityFatal,
			Code:        CodeStructure,
			Diagnostics: fmt.Sprintf("payload is not a well-formed JSON object: %v", err),
			Engine:      FHIRPathEngineName,
		}}, nil
	}

	var issues []Issue
	for _, inv := range e.invariants {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if inv.err != nil {
			issues = append(issues, invariantIssue(inv.Invariant, SeverityWarning, CodeProcessing,
				fmt.Sprintf("Constraint %s could not be compiled: %v", inv.Key, inv.err)))
			continue
		}

		result, err := inv.expr.Evaluate(payload)
		if err != nil {
			issues = append(issues, invariantIssue(inv.Invariant, SeverityWarning, CodeProcessing,
				fmt.Sprintf("Constraint %s could not be evaluated: %v", inv.Key, err)))
			continue
		}
		if !constraintPassed(result) {
			issues = append(issues, invariantIssue(inv.Invariant, inv.Severity, CodeInvariant,
				fmt.Sprintf("Constraint failed: %s: '%s'", inv.Key, inv.Human)))
		}
	}
	return issues, nil
}

func invariantIssue(inv Invariant, sev Severity, code IssueCode, msg string) Issue {
	return Issue{
		Severity:      sev,
		Code:          code,
		Diagnostics:   msg,
		Expression:    []string{"Bundle"},
		Engine:        FHIRPathEngineName,
		ConstraintKey: inv.Key,
	}
}

// constraintPassed treats an empty result as not applicable.
func constraintPassed(result fhirpath.Collection) bool {
	if result.Empty() {
		return true
	}
	b, err := result.ToBoolean()
	if err != nil {
		return true
	}
	return b
}
