package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-transfer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-transfer/pkg/decision"
	"github.com/paulschiretz/pgl-transfer/pkg/flagparse"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("Default Config", func(t *testing.T) {
		cfg := NewDefault()
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected default config to pass validation, but got error: %v", err)
		}
	})

	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"Invalid Log Level", func(c *Config) { c.LogLevel = "loud" }},
		{"Zero Buffer Size", func(c *Config) { c.Engine.Performance.BufferSizeKB = 0 }},
		{"Zero Concurrency", func(c *Config) { c.Engine.Performance.Concurrency = 0 }},
		{"Negative Progress Interval", func(c *Config) { c.Engine.Performance.ProgressIntervalSeconds = -1 }},
		{"Invalid Conflict", func(c *Config) { c.Decision.Conflict = "merge" }},
		{"Invalid Error Action", func(c *Config) { c.Decision.Error = "ignore" }},
		{"Negative Retry Count", func(c *Config) { c.Decision.RetryCount = -1 }},
		{"Retry Without Budget", func(c *Config) {
			c.Decision.Error = decision.Retry.String()
			c.Decision.RetryCount = 0
		}},
		{"Zero Fetch Timeout", func(c *Config) { c.Transfer.FetchTimeoutSeconds = 0 }},
		{"Invalid Level", func(c *Config) { c.Archive.Level = "extreme" }},
		{"Invalid Overwrite", func(c *Config) { c.Archive.Overwrite = "sometimes" }},
		{"Unmountable Extension", func(c *Config) { c.Retime.Extensions = []string{".rar"} }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefault()
			tc.modify(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, but got nil")
			}
		})
	}

	t.Run("Normalizes Extensions", func(t *testing.T) {
		cfg := NewDefault()
		cfg.Retime.Extensions = []string{"ZIP", " .Tar.GZ "}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := []string{".zip", ".tar.gz"}; !reflect.DeepEqual(cfg.Retime.Extensions, want) {
			t.Errorf("expected %v, got %v", want, cfg.Retime.Extensions)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("Missing File Returns Defaults", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := Load(dir)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Dir != dir {
			t.Errorf("expected Dir %q, got %q", dir, cfg.Dir)
		}
		if cfg.Decision.Conflict != NewDefault().Decision.Conflict {
			t.Errorf("expected default conflict action, got %q", cfg.Decision.Conflict)
		}
	})

	t.Run("Partial File Keeps Defaults", func(t *testing.T) {
		dir := t.TempDir()
		content := `{"version": "0.0.1", "decision": {"conflict": "rename"}, "archive": {"level": "best"}}`
		if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(dir)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Decision.Conflict != "rename" || cfg.Archive.Level != "best" {
			t.Errorf("expected file values, got conflict=%q level=%q", cfg.Decision.Conflict, cfg.Archive.Level)
		}
		if cfg.Decision.Error != NewDefault().Decision.Error {
			t.Errorf("expected default error action, got %q", cfg.Decision.Error)
		}
		if cfg.Version != buildinfo.Version {
			t.Errorf("expected version to be updated to %q, got %q", buildinfo.Version, cfg.Version)
		}
	})

	t.Run("Malformed File", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(dir); err == nil {
			t.Error("expected an error for malformed JSON")
		}
	})
}

func TestGenerate(t *testing.T) {
	cfg := NewDefault()
	cfg.Dir = filepath.Join(t.TempDir(), "nested", "config")
	cfg.Decision.Conflict = "skip-all"
	cfg.Runtime.Interactive = true

	if err := Generate(cfg); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(cfg.Dir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if strings.Contains(string(data), "Interactive") {
		t.Error("runtime settings must not be written to the config file")
	}
	if !strings.Contains(string(data), `"extensions": []`) {
		t.Errorf("expected an empty extensions list for discoverability, got: %s", data)
	}

	loaded, err := Load(cfg.Dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Decision.Conflict != "skip-all" {
		t.Errorf("expected round-tripped conflict 'skip-all', got %q", loaded.Decision.Conflict)
	}
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()
	base.Retime.Extensions = []string{".zip"}

	flags := map[string]any{
		"log-level":   "debug",
		"conflict":    "rename",
		"retry-count": 5,
		"interactive": true,
		"trash":       true,
		"level":       "fastest",
		"nested":      true,
		"extensions":  []string{".tar"},
		"config-dir":  "/elsewhere",
		"sources":     []string{"/a"},
	}
	merged := MergeConfigWithFlags(flagparse.Copy, base, flags)

	if merged.LogLevel != "debug" || merged.Decision.Conflict != "rename" || merged.Decision.RetryCount != 5 {
		t.Errorf("flags not merged: %+v", merged)
	}
	if !merged.Runtime.Interactive || !merged.Transfer.MoveToTrash || !merged.Retime.Nested {
		t.Errorf("bool flags not merged: %+v", merged)
	}
	if merged.Archive.Level != "fastest" {
		t.Errorf("expected level 'fastest', got %q", merged.Archive.Level)
	}
	if !reflect.DeepEqual(merged.Retime.Extensions, []string{".tar"}) {
		t.Errorf("expected extensions [.tar], got %v", merged.Retime.Extensions)
	}
	if merged.Dir != base.Dir {
		t.Errorf("config-dir must only change the directory for init, got %q", merged.Dir)
	}
	if !reflect.DeepEqual(base.Retime.Extensions, []string{".zip"}) {
		t.Errorf("base config was modified: %v", base.Retime.Extensions)
	}

	initMerged := MergeConfigWithFlags(flagparse.Init, base, map[string]any{"config-dir": "/elsewhere"})
	if initMerged.Dir != "/elsewhere" {
		t.Errorf("expected init to take the config-dir, got %q", initMerged.Dir)
	}
}
