package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"cascade/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 2*time.Second || cfg.Retry.Multiplier != 2 {
		t.Fatalf("unexpected retry defaults %+v", cfg.Retry)
	}
	if len(cfg.Workspace.Members) != 3 || cfg.Release.PinPolicy != "reject" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
workspace:
  members: ["libs/*"]
retry:
  base_delay: 500ms
release:
  pin_policy: rewrite
  skip: [internal-tools]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Workspace.Members) != 1 || cfg.Workspace.Members[0] != "libs/*" {
		t.Fatalf("members not replaced: %v", cfg.Workspace.Members)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond || cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("unexpected retry %+v", cfg.Retry)
	}
	if cfg.Release.PinPolicy != "rewrite" || cfg.Release.Skip[0] != "internal-tools" {
		t.Fatalf("unexpected release %+v", cfg.Release)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"multiplier": "retry:\n  multiplier: 0.5\n",
		"attempts":   "retry:\n  max_attempts: 0\n",
		"pin":        "release:\n  pin_policy: loose\n",
		"fail_fast":  "release:\n  fail_fast: false\n",
		"skip":       "release:\n  skip: [a, a]\n",
		"level":      "log:\n  level: trace\n",
		"pattern":    "workspace:\n  members: [\"[\"]\n",
	}
	for name, body := range cases {
		if _, err := config.FromYAML([]byte(body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "cascade init") {
		t.Fatalf("expected not found error, got %v", err)
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected defaults, got %v %v", cfg, err)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}
