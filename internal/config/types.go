package config

import "time"

// Config represents the complete fhirgate configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Store      StoreConfig      `yaml:"store"`
	API        APIConfig        `yaml:"api,omitempty"`
	FHIR       FHIRConfig       `yaml:"fhir"`
	DataLake   DataLakeConfig   `yaml:"data_lake"`
	Submission SubmissionConfig `yaml:"submission"`
	Validation ValidationConfig `yaml:"validation"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PIDFile guards against two gateways sharing one session store.
	PIDFile string `yaml:"pid_file,omitempty"`
}

// StoreConfig defines session store settings.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Listen       string   `yaml:"listen"`
	CORSOrigins  []string `yaml:"cors_origins,omitempty"`
	MaxBodyBytes int64    `yaml:"max_body_bytes,omitempty"`
	// EventBuffer is the number of session events kept for late SSE clients.
	EventBuffer int `yaml:"event_buffer,omitempty"`
}

// FHIRConfig feeds the capability statement.
type FHIRConfig struct {
	ServerURL                  string `yaml:"server_url"`
	OperationDefinitionBaseURL string `yaml:"operation_definition_base_url"`
	BundleProfileURL           string `yaml:"bundle_profile_url,omitempty"`
}

// DataLakeConfig defines the downstream submission target.
type DataLakeConfig struct {
	APIURI string `yaml:"api_uri"`
}

// InvalidPolicy decides what happens to a bundle that fails validation.
type InvalidPolicy string

const (
	// InvalidSubmit forwards the bundle regardless of the validation verdict.
	InvalidSubmit InvalidPolicy = "submit"
	// InvalidReject refuses to forward bundles with validation errors.
	InvalidReject InvalidPolicy = "reject"
)

// SubmissionConfig defines outbound submission behaviour.
type SubmissionConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	OnInvalid          InvalidPolicy `yaml:"on_invalid"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second,omitempty"`
	Burst              int           `yaml:"burst,omitempty"`
	ContentType        string        `yaml:"content_type,omitempty"`
	// ShutdownGrace bounds how long shutdown waits for in-flight submissions.
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`
}

// ValidationConfig defines validation engine selection.
type ValidationConfig struct {
	DefaultEngine string            `yaml:"default_engine"`
	Engines       []string          `yaml:"engines,omitempty"`
	Invariants    []InvariantConfig `yaml:"invariants,omitempty"`
}

// InvariantConfig is an extra FHIRPath rule evaluated against each bundle.
type InvariantConfig struct {
	Key        string `yaml:"key"`
	Expression string `yaml:"expression"`
	Severity   string `yaml:"severity,omitempty"` // error (default) or warning
	Human      string `yaml:"human,omitempty"`
}

const (
	// DefaultBundleProfileURL is the SHIN-NY bundle profile advertised in the
	// capability statement.
	DefaultBundleProfileURL = "https://djq7jdt8kb490.cloudfront.net/1115/StructureDefinition-SHINNYBundleProfile.json"
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "fhirgate",
			Version:   "0.1.0",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Store: StoreConfig{
			Path: "./data/sessions.db",
		},
		API: APIConfig{
			Enabled:      true,
			Listen:       "127.0.0.1:8080",
			MaxBodyBytes: 50 << 20,
			EventBuffer:  256,
		},
		FHIR: FHIRConfig{
			BundleProfileURL: DefaultBundleProfileURL,
		},
		Submission: SubmissionConfig{
			Timeout:       30 * time.Second,
			OnInvalid:     InvalidSubmit,
			Burst:         1,
			ContentType:   "application/json",
			ShutdownGrace: 30 * time.Second,
		},
		Validation: ValidationConfig{
			DefaultEngine: "structural",
			Engines:       []string{"structural", "fhirpath"},
		},
	}
}
