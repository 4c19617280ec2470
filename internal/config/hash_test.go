package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateChecksumsDryRun(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimalYAML)

	report, err := GenerateChecksums(dir, []string{ConfigFileName, "extra.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Hashes) != 1 || report.Hashes[ConfigFileName] == "" {
		t.Fatalf("hashes = %v, want only %s", report.Hashes, ConfigFileName)
	}
	if _, err := os.Stat(filepath.Join(dir, ChecksumFileName)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockedConfigLoads(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimalYAML)

	if _, err := GenerateChecksums(dir, []string{ConfigFileName}, false); err != nil {
		t.Fatalf("GenerateChecksums() failed: %v", err)
	}
	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if manifest.Version != 1 {
		t.Fatalf("manifest version = %d, want 1", manifest.Version)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}
}

func TestTamperedConfigRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimalYAML)
	if _, err := GenerateChecksums(dir, []string{ConfigFileName}, false); err != nil {
		t.Fatal(err)
	}

	writeConfig(t, dir, minimalYAML+"service:\n  log_level: debug\n")

	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	_, err := LoadChecksums(t.TempDir())
	if !errors.Is(err, ErrChecksumsMissing) {
		t.Fatalf("LoadChecksums() error = %v, want ErrChecksumsMissing", err)
	}
}

func TestComputeBlake3HashStable(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "x: 1\n")
	a, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := ComputeBlake3Hash(path)
	if a != b || len(a) != 64 {
		t.Fatalf("hash = %q / %q, want stable 64-char hex", a, b)
	}
}
