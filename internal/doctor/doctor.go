// Package doctor reviews a loaded fhirgate configuration for problems that
// pass schema validation but are likely mistakes.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/fhirgate/internal/config"
	"github.com/mattjoyce/fhirgate/internal/dispatch"
	"github.com/mattjoyce/fhirgate/internal/storage"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a configuration and the directory it was loaded from.
type Doctor struct {
	cfg       *config.Config
	configDir string
}

// New creates a Doctor. configDir may be empty when the config did not come
// from disk.
func New(cfg *config.Config, configDir string) *Doctor {
	return &Doctor{cfg: cfg, configDir: configDir}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateEngines(r)
	d.validateTargets(r)
	d.validateAPIConfig(r)
	d.validateSubmission(r)
	d.warnStore(r)
	d.warnMissingEnvVars(r)
	d.warnIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateEngines builds every configured engine so bad invariants surface
// before the gateway starts.
func (d *Doctor) validateEngines(r *Result) {
	engines, err := validation.EnginesFromConfig(d.cfg)
	if err != nil {
		d.addError(r, "validation", "validation.engines", err.Error())
		return
	}
	if _, err := validation.NewService(nil, strings.ToLower(d.cfg.Validation.DefaultEngine), engines...); err != nil {
		d.addError(r, "validation", "validation.default_engine", err.Error())
	}
	for i, inv := range d.cfg.Validation.Invariants {
		for _, builtin := range validation.BundleInvariants {
			if inv.Key == builtin.Key {
				d.addWarning(r, "validation", fmt.Sprintf("validation.invariants[%d].key", i),
					fmt.Sprintf("%s duplicates a built-in bundle invariant", inv.Key))
			}
		}
	}
}

func (d *Doctor) validateTargets(r *Result) {
	target, err := dispatch.ParseTarget(d.cfg.DataLake.APIURI)
	if err != nil {
		d.addError(r, "data_lake", "data_lake.api_uri", err.Error())
		return
	}
	if u, err := url.Parse(target.String()); err == nil {
		if u.Scheme != "https" {
			d.addWarning(r, "data_lake", "data_lake.api_uri", "bundles carry PHI; use https for the data lake")
		}
		if u.Query().Has(dispatch.ProcessingAgentParam) {
			d.addWarning(r, "data_lake", "data_lake.api_uri",
				fmt.Sprintf("%s is set per submission and will be overwritten", dispatch.ProcessingAgentParam))
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		d.addWarning(r, "api", "api.enabled", "API disabled; the gateway will accept no bundles")
		return
	}
	for i, origin := range d.cfg.API.CORSOrigins {
		if origin == "*" {
			d.addWarning(r, "api", fmt.Sprintf("api.cors_origins[%d]", i), "wildcard origin allows any site to submit bundles")
		}
	}
	if d.cfg.API.MaxBodyBytes > 0 && d.cfg.API.MaxBodyBytes < 64<<10 {
		d.addWarning(r, "api", "api.max_body_bytes", "limit below 64KiB will reject most real bundles")
	}
}

func (d *Doctor) validateSubmission(r *Result) {
	s := d.cfg.Submission
	if s.ShutdownGrace > 0 && s.ShutdownGrace < s.Timeout {
		d.addWarning(r, "submission", "submission.shutdown_grace",
			fmt.Sprintf("grace %s is shorter than timeout %s; in-flight submissions may be cancelled on shutdown", s.ShutdownGrace, s.Timeout))
	}
	if s.OnInvalid == config.InvalidSubmit {
		d.addWarning(r, "submission", "submission.on_invalid", "invalid bundles are forwarded to the data lake")
	}
}

func (d *Doctor) warnStore(r *Result) {
	if d.cfg.Store.Path == storage.MemoryPath {
		d.addWarning(r, "store", "store.path", "in-memory store loses all sessions on restart")
	}
}

var envVarRe = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// warnMissingEnvVars flags ${VAR} references left in the raw config file.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	if d.configDir == "" {
		return
	}
	raw, err := os.ReadFile(filepath.Join(d.configDir, config.ConfigFileName))
	if err != nil {
		return
	}
	seen := map[string]bool{}
	for _, m := range envVarRe.FindAllStringSubmatch(string(raw), -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		if os.Getenv(m[1]) == "" {
			d.addWarning(r, "env_vars", "", fmt.Sprintf("environment variable ${%s} not set", m[1]))
		}
	}
}

func (d *Doctor) warnIntegrity(r *Result) {
	if d.configDir == "" {
		return
	}
	if _, err := config.LoadChecksums(d.configDir); err != nil {
		if errors.Is(err, config.ErrChecksumsMissing) {
			d.addWarning(r, "integrity", "", "no checksum manifest; run 'fhirgate config lock'")
			return
		}
		d.addError(r, "integrity", "", err.Error())
		return
	}
	if err := config.VerifyChecksums(d.configDir, []string{config.ConfigFileName}); err != nil {
		d.addError(r, "integrity", "", err.Error())
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
