package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, root, envName, content string) {
	t.Helper()
	dir := filepath.Join(root, "config")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, envName+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Port != 8080 || cfg.SummaryTimeoutSecs != 60 || cfg.PerchBaseURL != "http://localhost:9000" {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, root, "dev", "port: 9999\nperch_base_url: http://perch.internal:9000\n")

	cfg, err := LoadFrom(root)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Port != 9999 || cfg.PerchBaseURL != "http://perch.internal:9000" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("untouched default changed: %q", cfg.LogLevel)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, root, "dev", "port: 9999\n")
	t.Setenv("PORT", "7070")

	cfg, err := LoadFrom(root)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Port != 7070 {
		t.Fatalf("port = %d, want env override 7070", cfg.Port)
	}
}

func TestLoadExpandsEnvRefs(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, root, "dev", "database_url: ${TEST_DB_URL}\nperch_base_url: ${UNSET_REF_XYZ}\n")
	t.Setenv("TEST_DB_URL", "postgres://u:p@db:5432/kastrel")

	cfg, err := LoadFrom(root)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DatabaseURL != "postgres://u:p@db:5432/kastrel" {
		t.Fatalf("database_url = %q", cfg.DatabaseURL)
	}
	if cfg.PerchBaseURL != "${UNSET_REF_XYZ}" {
		t.Fatalf("unset ref rewritten: %q", cfg.PerchBaseURL)
	}
}

func TestLoadSelectsEnvironmentFile(t *testing.T) {
	root := t.TempDir()
	writeConfigFile(t, root, "staging", "port: 8181\n")
	t.Setenv("KASTREL_ENV", "staging")

	cfg, err := LoadFrom(root)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Env != "staging" || cfg.Port != 8181 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
