package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuralEngineAcceptsValidBundle(t *testing.T) {
	issues, err := NewStructuralEngine().Validate(context.Background(), []byte(validBundle))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestStructuralEngineFindings(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		severity Severity
		code     IssueCode
		path     string
	}{
		{"not json", `{"resourceType":`, SeverityFatal, CodeStructure, ""},
		{"json array", `[1,2]`, SeverityFatal, CodeStructure, ""},
		{"missing resourceType", `{"type":"collection"}`, SeverityFatal, CodeRequired, "resourceType"},
		{"wrong resourceType", `{"resourceType":"Patient"}`, SeverityFatal, CodeInvalid, "resourceType"},
		{"missing type", `{"resourceType":"Bundle"}`, SeverityError, CodeRequired, "Bundle.type"},
		{"unknown type", `{"resourceType":"Bundle","type":"pile"}`, SeverityError, CodeValue, "Bundle.type"},
		{"bad id", `{"resourceType":"Bundle","id":"not valid!","type":"collection"}`, SeverityError, CodeValue, "Bundle.id"},
		{"entry not array", `{"resourceType":"Bundle","type":"collection","entry":{}}`, SeverityError, CodeStructure, "Bundle.entry"},
		{"entry without resource", `{"resourceType":"Bundle","type":"collection","entry":[{"fullUrl":"urn:x"}]}`,
			SeverityError, CodeRequired, "Bundle.entry[0].resource"},
		{"resource without resourceType", `{"resourceType":"Bundle","type":"collection","entry":[{"resource":{"id":"a"}}]}`,
			SeverityError, CodeRequired, "Bundle.entry[0].resource.resourceType"},
		{"numeric fullUrl", `{"resourceType":"Bundle","type":"collection","entry":[{"fullUrl":3,"resource":{"resourceType":"Patient"}}]}`,
			SeverityError, CodeValue, "Bundle.entry[0].fullUrl"},
	}

	engine := NewStructuralEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues, err := engine.Validate(context.Background(), []byte(tt.payload))
			require.NoError(t, err)
			require.NotEmpty(t, issues)

			got := issues[0]
			assert.Equal(t, tt.severity, got.Severity)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, StructuralEngineName, got.Engine)
			if tt.path == "" {
				assert.Empty(t, got.Expression)
			} else {
				assert.Equal(t, []string{tt.path}, got.Expression)
			}
			assert.True(t, got.IsError())
		})
	}
}

func TestStructuralEngineResponseEntriesMayOmitResource(t *testing.T) {
	payload := `{"resourceType":"Bundle","type":"batch-response","entry":[{"response":{"status":"201 Created"}}]}`
	issues, err := NewStructuralEngine().Validate(context.Background(), []byte(payload))
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestStructuralEngineHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewStructuralEngine().Validate(ctx, []byte(validBundle))
	assert.ErrorIs(t, err, context.Canceled)
}
