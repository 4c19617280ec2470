package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ConfigFileName is the file looked up when a directory is given.
const ConfigFileName = "config.yaml"

// Load reads, interpolates, defaults, integrity-checks and validates the
// configuration at configPath (a file, or a directory holding config.yaml).
func Load(configPath string) (*Config, error) {
	absPath, err := ResolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := VerifyChecksums(filepath.Dir(absPath), []string{filepath.Base(absPath)}); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolveConfigFile turns a file or directory path into the absolute path
// of the config file.
func ResolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, ConfigFileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", ConfigFileName, absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $FHIRGATE_CONFIG_DIR, ~/.config/fhirgate, /etc/fhirgate, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("FHIRGATE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "fhirgate")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/fhirgate"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./" + ConfigFileName); err == nil {
		return "./" + ConfigFileName, nil
	}

	return "", fmt.Errorf("no config found (checked: $FHIRGATE_CONFIG_DIR, ~/.config/fhirgate, /etc/fhirgate, ./config.yaml)")
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.Version == "" {
		cfg.Service.Version = defaults.Service.Version
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaults.Store.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.MaxBodyBytes == 0 {
		cfg.API.MaxBodyBytes = defaults.API.MaxBodyBytes
	}
	if cfg.API.EventBuffer == 0 {
		cfg.API.EventBuffer = defaults.API.EventBuffer
	}

	if cfg.FHIR.BundleProfileURL == "" {
		cfg.FHIR.BundleProfileURL = defaults.FHIR.BundleProfileURL
	}

	if cfg.Submission.Timeout == 0 {
		cfg.Submission.Timeout = defaults.Submission.Timeout
	}
	if cfg.Submission.OnInvalid == "" {
		cfg.Submission.OnInvalid = defaults.Submission.OnInvalid
	}
	if cfg.Submission.Burst == 0 {
		cfg.Submission.Burst = defaults.Submission.Burst
	}
	if cfg.Submission.ContentType == "" {
		cfg.Submission.ContentType = defaults.Submission.ContentType
	}
	if cfg.Submission.ShutdownGrace == 0 {
		cfg.Submission.ShutdownGrace = defaults.Submission.ShutdownGrace
	}

	if len(cfg.Validation.Engines) == 0 {
		cfg.Validation.Engines = defaults.Validation.Engines
	}
	if cfg.Validation.DefaultEngine == "" {
		cfg.Validation.DefaultEngine = defaults.Validation.DefaultEngine
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}

	if err := requireURL("data_lake.api_uri", cfg.DataLake.APIURI); err != nil {
		return err
	}
	if err := requireURL("fhir.server_url", cfg.FHIR.ServerURL); err != nil {
		return err
	}
	if err := requireURL("fhir.operation_definition_base_url", cfg.FHIR.OperationDefinitionBaseURL); err != nil {
		return err
	}

	if cfg.Submission.Timeout <= 0 {
		return fmt.Errorf("submission.timeout must be positive")
	}
	switch cfg.Submission.OnInvalid {
	case InvalidSubmit, InvalidReject:
	default:
		return fmt.Errorf("submission.on_invalid must be submit or reject (got %q)", cfg.Submission.OnInvalid)
	}
	if cfg.Submission.RateLimitPerSecond < 0 {
		return fmt.Errorf("submission.rate_limit_per_second must not be negative")
	}
	if cfg.Submission.Burst < 1 {
		return fmt.Errorf("submission.burst must be at least 1")
	}

	if !slices.Contains(cfg.Validation.Engines, cfg.Validation.DefaultEngine) {
		return fmt.Errorf("validation.default_engine %q is not listed in validation.engines", cfg.Validation.DefaultEngine)
	}
	for i, inv := range cfg.Validation.Invariants {
		if inv.Key == "" || inv.Expression == "" {
			return fmt.Errorf("validation.invariants[%d]: key and expression are required", i)
		}
		if inv.Severity != "" && inv.Severity != "error" && inv.Severity != "warning" {
			return fmt.Errorf("validation.invariants[%d].severity must be error or warning (got %q)", i, inv.Severity)
		}
	}
	return nil
}

func requireURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	if m := envVarPattern.FindStringSubmatch(raw); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL (got %q)", field, raw)
	}
	if strings.ContainsAny(u.Host, " \t") {
		return fmt.Errorf("%s has an invalid host (got %q)", field, raw)
	}
	return nil
}
