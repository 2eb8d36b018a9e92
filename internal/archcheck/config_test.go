package archcheck

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "config", "archcheck.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GuardMount.Func != "withGuardChain" {
		t.Fatalf("guard mount func = %q", cfg.GuardMount.Func)
	}
	if len(cfg.GuardStages.Stages) != 5 {
		t.Fatalf("expected 5 stages, got %d", len(cfg.GuardStages.Stages))
	}
	if cfg.RouteWrapper.MaxDepth != 3 {
		t.Fatalf("max depth = %d", cfg.RouteWrapper.MaxDepth)
	}
}

func TestLoadConfigRejectsVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archcheck.yaml")
	raw := `version: 2
guard_mount:
  package: internal/server
  func: withGuardChain
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected version error")
	}
}
