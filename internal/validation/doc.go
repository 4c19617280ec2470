// Package validation checks FHIR bundles with pluggable engines and records
// each verdict against a submission session.
//
// Two engines ship with the gateway: "structural" checks the Bundle envelope
// and decodes it into the R4 model, and "fhirpath" evaluates bundle
// invariants plus any configured expressions.
package validation
