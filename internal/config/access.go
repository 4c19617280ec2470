package config

import (
	"fmt"
	"strings"

	"github.com/iancoleman/strcase"
	"gopkg.in/yaml.v3"
)

// legacyProperties maps the flat property names older deployments used to
// their dotted paths.
var legacyProperties = map[string]string{
	"shinnyDataLakeApiUri":       "data_lake.api_uri",
	"fhirServerUrl":              "fhir.server_url",
	"operationDefinitionBaseUrl": "fhir.operation_definition_base_url",
	"version":                    "service.version",
}

// GetPath retrieves a value from the configuration using a dot-notation path.
func (c *Config) GetPath(path string) (any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// Property resolves a property by dotted path, legacy flat name, or a
// camelCase spelling of a dotted path ("dataLake.apiUri").
func (c *Config) Property(name string) (string, error) {
	path := name
	if mapped, ok := legacyProperties[name]; ok {
		path = mapped
	} else {
		parts := strings.Split(name, ".")
		for i, p := range parts {
			parts[i] = strcase.ToSnake(p)
		}
		path = strings.Join(parts, ".")
	}

	v, err := c.GetPath(path)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case map[string]any, []any:
		return "", fmt.Errorf("property %q is not a scalar", name)
	default:
		return fmt.Sprint(val), nil
	}
}

func getValue(m map[string]any, path string) (any, error) {
	if path == "" {
		return m, nil
	}

	var current any = m
	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not a map", path, part)
		}
		next, ok := node[part]
		if !ok {
			return nil, fmt.Errorf("path %q not found (missing %q)", path, part)
		}
		current = next
	}
	return current, nil
}
