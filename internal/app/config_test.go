package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ServerURL == "" || cfg.LogLevel != "info" || !cfg.SmartRouting {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	want := Config{
		ServerURL:    "https://forge.example/api",
		Token:        "tok",
		DataDir:      "/tmp/fc",
		LogLevel:     "debug",
		SmartRouting: false,
		EnhanceMode:  "smart",
	}
	if err := SaveConfig(want, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.ServerURL != want.ServerURL || got.Token != want.Token ||
		got.LogLevel != want.LogLevel || got.EnhanceMode != want.EnhanceMode {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if got.SmartRouting {
		t.Error("smart_routing false not preserved")
	}
}

func TestLoadConfigBackfillsBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("token: abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Token != "abc" {
		t.Errorf("token = %q", cfg.Token)
	}
	if cfg.ServerURL == "" || cfg.DataDir == "" || cfg.LogLevel == "" || cfg.EnhanceMode == "" {
		t.Errorf("blanks not backfilled: %+v", cfg)
	}
}
