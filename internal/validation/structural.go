package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/gofhir/fhir/r4"
)

// StructuralEngineName selects the structural engine.
const StructuralEngineName = "structural"

var fhirIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

var bundleTypes = map[string]bool{
	"document":             true,
	"message":              true,
	"transaction":          true,
	"transaction-response": true,
	"batch":                true,
	"batch-response":       true,
	"history":              true,
	"searchset":            true,
	"collection":           true,
}

// Entries of these bundle types may carry only request/response data.
var resourceOptional = map[string]bool{
	"transaction-response": true,
	"batch-response":       true,
	"history":              true,
}

// StructuralEngine checks bundle shape without evaluating invariants.
type StructuralEngine struct{}

// NewStructuralEngine returns the structural engine.
func NewStructuralEngine() *StructuralEngine { return &StructuralEngine{} }

func (e *StructuralEngine) Name() string { return StructuralEngineName }

// Validate checks well-formedness, the Bundle envelope and each entry, then
// decodes the payload into the R4 Bundle model.
func (e *StructuralEngine) Validate(ctx context.Context, payload []byte) ([]Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var issues []Issue
	add := func(is Issue) {
		is.Engine = StructuralEngineName
		issues = append(issues, is)
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		add(newIssue(SeverityFatal, CodeStructure, "", "payload is not a well-formed JSON object: %v", err))
		return issues, nil
	}

	rt, _ := doc["resourceType"].(string)
	switch rt {
	case "":
		add(newIssue(SeverityFatal, CodeRequired, "resourceType", "resourceType is missing"))
		return issues, nil
	case "Bundle":
	default:
		add(newIssue(SeverityFatal, CodeInvalid, "resourceType", "expected resourceType Bundle, got %q", rt))
		return issues, nil
	}

	if raw, ok := doc["id"]; ok {
		id, isString := raw.(string)
		if !isString || !fhirIDPattern.MatchString(id) {
			add(newIssue(SeverityError, CodeValue, "Bundle.id", "id %v does not match the FHIR id format", raw))
		}
	}

	bundleType, _ := doc["type"].(string)
	switch {
	case bundleType == "":
		add(newIssue(SeverityError, CodeRequired, "Bundle.type", "Bundle.type is required"))
	case !bundleTypes[bundleType]:
		add(newIssue(SeverityError, CodeValue, "Bundle.type", "unknown bundle type %q", bundleType))
	}

	if raw, ok := doc["entry"]; ok {
		entries, isArray := raw.([]any)
		if !isArray {
			add(newIssue(SeverityError, CodeStructure, "Bundle.entry", "Bundle.entry must be an array"))
		}
		for i, item := range entries {
			for _, is := range checkEntry(item, i, resourceOptional[bundleType]) {
				add(is)
			}
		}
	}

	if len(issues) == 0 {
		var bundle r4.Bundle
		if err := json.Unmarshal(payload, &bundle); err != nil {
			add(newIssue(SeverityError, CodeStructure, "Bundle", "bundle does not decode as an R4 Bundle: %v", err))
		}
	}

	return issues, nil
}

func checkEntry(item any, i int, resourceOptional bool) []Issue {
	path := fmt.Sprintf("Bundle.entry[%d]", i)
	entry, ok := item.(map[string]any)
	if !ok {
		return []Issue{newIssue(SeverityError, CodeStructure, path, "entry must be an object")}
	}

	var issues []Issue
	if fullURL, ok := entry["fullUrl"]; ok {
		if _, isString := fullURL.(string); !isString {
			issues = append(issues, newIssue(SeverityError, CodeValue, path+".fullUrl", "fullUrl must be a string"))
		}
	}

	raw, ok := entry["resource"]
	if !ok {
		if !resourceOptional {
			issues = append(issues, newIssue(SeverityError, CodeRequired, path+".resource", "entry has no resource"))
		}
		return issues
	}
	resource, ok := raw.(map[string]any)
	if !ok {
		return append(issues, newIssue(SeverityError, CodeStructure, path+".resource", "resource must be an object"))
	}
	if rt, _ := resource["resourceType"].(string); rt == "" {
		issues = append(issues, newIssue(SeverityError, CodeRequired, path+".resource.resourceType", "resource has no resourceType"))
	}
	if raw, ok := resource["id"]; ok {
		id, isString := raw.(string)
		if !isString || !fhirIDPattern.MatchString(id) {
			issues = append(issues, newIssue(SeverityError, CodeValue, path+".resource.id", "id %v does not match the FHIR id format", raw))
		}
	}
	return issues
}
