package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ExpandsEnvVarsAndAppliesGameDefaults(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("CONFIG_DIR", dir)
	defer os.Unsetenv("CONFIG_DIR")
	os.Setenv("TEST_MONGO_URI", "mongodb://example:27017")
	defer os.Unsetenv("TEST_MONGO_URI")

	body := `{
		"server": {"host": "0.0.0.0", "port": 8080},
		"mongodb": {"uri": "${TEST_MONGO_URI}", "database": "chess"},
		"jwt": {"accessSecret": "s3cret"}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.test.json"), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}

	cfg, err := Load("test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MongoDB.URI != "mongodb://example:27017" {
		t.Fatalf("expected env var expansion, got %q", cfg.MongoDB.URI)
	}
	if cfg.Game.MaxDrawOffers != 2 {
		t.Fatalf("expected default maxDrawOffers 2, got %d", cfg.Game.MaxDrawOffers)
	}
	if cfg.Game.WatcherTickMs != 100 {
		t.Fatalf("expected default watcherTickMs 100, got %d", cfg.Game.WatcherTickMs)
	}
}

func TestLoad_RespectsExplicitGameOverrides(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("CONFIG_DIR", dir)
	defer os.Unsetenv("CONFIG_DIR")

	body := `{"game": {"maxDrawOffers": 5, "watcherTickMs": 50}}`
	if err := os.WriteFile(filepath.Join(dir, "config.dev.json"), []byte(body), 0644); err != nil {
		t.Fatalf("failed to write fixture config: %v", err)
	}

	cfg, err := Load("dev")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Game.MaxDrawOffers != 5 {
		t.Fatalf("expected override to survive defaulting, got %d", cfg.Game.MaxDrawOffers)
	}
	if cfg.Game.DisconnectGraceMs != 20_000 {
		t.Fatalf("expected unset field to take default, got %d", cfg.Game.DisconnectGraceMs)
	}
}

func TestGetEnv_DefaultsToDev(t *testing.T) {
	os.Unsetenv("CHESS_ENV")
	if env := GetEnv(); env != "dev" {
		t.Fatalf("expected default env dev, got %s", env)
	}
	os.Setenv("CHESS_ENV", "prod")
	defer os.Unsetenv("CHESS_ENV")
	if env := GetEnv(); env != "prod" {
		t.Fatalf("expected CHESS_ENV override prod, got %s", env)
	}
}
