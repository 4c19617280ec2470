package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/fhirgate/internal/config"
)

// ErrUnknownEngine is returned when a request names an engine that is not registered.
var ErrUnknownEngine = errors.New("unknown validation engine")

// Engine checks a raw bundle payload.
type Engine interface {
	Name() string
	// Validate returns findings. An error means the engine itself failed,
	// not that the payload is invalid.
	Validate(ctx context.Context, payload []byte) ([]Issue, error)
}

// EnginesFromConfig builds the engines named in cfg.Validation.Engines.
func EnginesFromConfig(cfg *config.Config) ([]Engine, error) {
	names := cfg.Validation.Engines
	if len(names) == 0 {
		names = []string{cfg.Validation.DefaultEngine}
	}
	engines := make([]Engine, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case StructuralEngineName:
			engines = append(engines, NewStructuralEngine())
		case FHIRPathEngineName:
			e, err := NewFHIRPathEngine(InvariantsFromConfig(cfg.Validation.Invariants))
			if err != nil {
				return nil, err
			}
			engines = append(engines, e)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
		}
	}
	return engines, nil
}

// NewServiceFromConfig wires the configured engines into a Service.
func NewServiceFromConfig(cfg *config.Config, store SessionStore) (*Service, error) {
	engines, err := EnginesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return NewService(store, strings.ToLower(cfg.Validation.DefaultEngine), engines...)
}
