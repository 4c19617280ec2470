package api

import (
	"net/http"
	"regexp"
	"strings"
)

var pathParamPattern = regexp.MustCompile(`\{([A-Za-z]+)\}`)

// buildOpenAPIDoc describes the served routes as an OpenAPI 3.1 document.
func buildOpenAPIDoc(routes []route, version string) map[string]any {
	if version == "" {
		version = "dev"
	}
	paths := map[string]any{}
	for _, rt := range routes {
		item, _ := paths[rt.Path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.Path] = item
		}
		item[strings.ToLower(rt.Method)] = buildOperation(rt)
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "fhirgate",
			"version": version,
		},
		"paths": paths,
	}
}

func buildOperation(rt route) map[string]any {
	op := map[string]any{
		"summary": rt.Summary,
		"responses": map[string]any{
			"200": map[string]any{"description": "OK"},
		},
	}

	var params []map[string]any
	for _, m := range pathParamPattern.FindAllStringSubmatch(rt.Path, -1) {
		params = append(params, map[string]any{
			"name":     m[1],
			"in":       "path",
			"required": true,
			"schema":   map[string]any{"type": "string"},
		})
	}

	if rt.Method == http.MethodPost {
		if strings.HasPrefix(rt.Path, "/Bundle") {
			params = append(params, headerParam(HeaderProvider, true))
		} else {
			params = append(params, headerParam(HeaderProvider, false))
		}
		if rt.Path == "/Bundle" {
			params = append(params, headerParam(HeaderOverrideURL, false))
			op["responses"] = map[string]any{
				"202": map[string]any{"description": "Submission accepted"},
				"400": map[string]any{"description": "Bad request or invalid target URL"},
				"422": map[string]any{"description": "Rejected by validation"},
			}
		}
		params = append(params, headerParam(HeaderEngine, false))
		op["requestBody"] = map[string]any{
			"required": true,
			"content": map[string]any{
				"application/fhir+json": map[string]any{"schema": map[string]any{"type": "object"}},
			},
		}
	}
	if len(params) > 0 {
		op["parameters"] = params
	}
	return op
}

func headerParam(name string, required bool) map[string]any {
	return map[string]any{
		"name":     name,
		"in":       "header",
		"required": required,
		"schema":   map[string]any{"type": "string"},
	}
}
