package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFileName is the integrity manifest kept beside config.yaml.
const ChecksumFileName = ".checksums"

// ErrChecksumsMissing is returned by LoadChecksums when no manifest exists.
var ErrChecksumsMissing = errors.New("checksums file not found (run 'fhirgate config lock')")

// ChecksumManifest records the BLAKE3 hash of each locked file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockReport describes what `config lock` hashed.
type LockReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Hashes       map[string]string
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// GenerateChecksums hashes files in configDir and, unless dryRun, writes the
// manifest. Missing files are skipped.
func GenerateChecksums(configDir string, files []string, dryRun bool) (*LockReport, error) {
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}

	for _, name := range files {
		path := filepath.Join(configDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", name, err)
		}
		manifest.Hashes[name] = hash
	}

	report := &LockReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFileName),
		Hashes:       manifest.Hashes,
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the manifest from configDir.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrChecksumsMissing
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// VerifyChecksums checks files against the manifest in configDir. A directory
// without a manifest is unlocked and passes.
func VerifyChecksums(configDir string, files []string) error {
	manifest, err := LoadChecksums(configDir)
	if errors.Is(err, ErrChecksumsMissing) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, name := range files {
		expected, ok := manifest.Hashes[name]
		if !ok {
			return fmt.Errorf("%s has no hash in %s (run 'fhirgate config lock')", name, ChecksumFileName)
		}
		actual, err := ComputeBlake3Hash(filepath.Join(configDir, name))
		if err != nil {
			return fmt.Errorf("failed to compute hash: %w", err)
		}
		if actual != expected {
			return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
				"If you edited this file intentionally, run: fhirgate config lock", name, expected, actual)
		}
	}
	return nil
}
