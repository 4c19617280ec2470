package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fhirgate/internal/config"
)

func TestEnginesFromConfig(t *testing.T) {
	cfg := config.Defaults()
	engines, err := EnginesFromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, engines, 2)
	assert.Equal(t, StructuralEngineName, engines[0].Name())
	assert.Equal(t, FHIRPathEngineName, engines[1].Name())

	svc, err := NewServiceFromConfig(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{FHIRPathEngineName, StructuralEngineName}, svc.Engines())
}

func TestEnginesFromConfigFallsBackToDefault(t *testing.T) {
	cfg := config.Defaults()
	cfg.Validation.Engines = nil
	engines, err := EnginesFromConfig(cfg)
	require.NoError(t, err)
	require.Len(t, engines, 1)
	assert.Equal(t, StructuralEngineName, engines[0].Name())
}

func TestEnginesFromConfigErrors(t *testing.T) {
	cfg := config.Defaults()
	cfg.Validation.Engines = []string{"hl7-official"}
	_, err := EnginesFromConfig(cfg)
	assert.ErrorIs(t, err, ErrUnknownEngine)

	cfg = config.Defaults()
	cfg.Validation.Invariants = []config.InvariantConfig{{Key: "gw-1", Expression: "entry.(("}}
	_, err = EnginesFromConfig(cfg)
	assert.ErrorContains(t, err, "gw-1")
}
