package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fhirgate/internal/config"
)

func errorIssues(issues []Issue) []Issue {
	var out []Issue
	for _, is := range issues {
		if is.IsError() {
			out = append(out, is)
		}
	}
	return out
}

func TestFHIRPathEngineValidBundle(t *testing.T) {
	engine, err := NewFHIRPathEngine(nil)
	require.NoError(t, err)

	issues, err := engine.Validate(context.Background(), []byte(validBundle))
	require.NoError(t, err)
	assert.Empty(t, errorIssues(issues))
}

func TestFHIRPathEngineTotalOutsideSearchset(t *testing.T) {
	engine, err := NewFHIRPathEngine(nil)
	require.NoError(t, err)

	issues, err := engine.Validate(context.Background(), []byte(bundleWithTotal))
	require.NoError(t, err)

	errs := errorIssues(issues)
	require.Len(t, errs, 1)
	assert.Equal(t, "bdl-1", errs[0].ConstraintKey)
	assert.Equal(t, CodeInvariant, errs[0].Code)
	assert.Equal(t, FHIRPathEngineName, errs[0].Engine)
	assert.Contains(t, errs[0].Diagnostics, "bdl-1")
}

func TestFHIRPathEngineConfiguredInvariant(t *testing.T) {
	extra := InvariantsFromConfig([]config.InvariantConfig{
		{Key: "gw-1", Expression: "entry.count() > 5", Severity: "warning", Human: "at least six entries"},
	})
	require.Len(t, extra, 1)
	assert.Equal(t, SeverityWarning, extra[0].Severity)

	engine, err := NewFHIRPathEngine(extra)
	require.NoError(t, err)

	issues, err := engine.Validate(context.Background(), []byte(validBundle))
	require.NoError(t, err)

	var found *Issue
	for i := range issues {
		if issues[i].ConstraintKey == "gw-1" {
			found = &issues[i]
		}
	}
	require.NotNil(t, found, "gw-1 should be reported")
	assert.Equal(t, SeverityWarning, found.Severity)
	assert.False(t, found.IsError())
}

func TestFHIRPathEngineRejectsBadExpression(t *testing.T) {
	_, err := NewFHIRPathEngine([]Invariant{{Key: "bad", Expression: "entry.(("}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
}

func TestFHIRPathEngineMalformedPayload(t *testing.T) {
	engine, err := NewFHIRPathEngine(nil)
	require.NoError(t, err)

	issues, err := engine.Validate(context.Background(), []byte("not json"))
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityFatal, issues[0].Severity)
}

func TestInvariantsFromConfigDefaultsToError(t *testing.T) {
	got := InvariantsFromConfig([]config.InvariantConfig{{Key: "x", Expression: "true"}})
	require.Len(t, got, 1)
	assert.Equal(t, SeverityError, got[0].Severity)
}
