package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Sync.VerifyWindow != 50 || cfg.Sync.FullScanBudget != 10*time.Minute {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Sync.StaleAfter != 30*24*time.Hour {
		t.Fatalf("stale_after = %v", cfg.Sync.StaleAfter)
	}
	tiers := cfg.PolicyTiers()
	if len(tiers) != 3 || cfg.Policy.DefaultTier != "free" {
		t.Fatalf("default tiers %+v", tiers)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
database:
  driver: postgres
  dsn: postgres://localhost/mail
sync:
  verify_window: 20
  full_scan_budget: 2m
policy:
  default_tier: basic
  tiers:
    basic:
      min_interval: 30m
      max_messages: 1000
    team:
      unlimited: true
http:
  addr: ":9000"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("MAILMIRROR_HTTP_ADDR", ":9100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://localhost/mail" {
		t.Fatalf("database %+v", cfg.Database)
	}
	if cfg.Sync.VerifyWindow != 20 || cfg.Sync.FullScanBudget != 2*time.Minute || cfg.Sync.FetchChunk != 100 {
		t.Fatalf("sync %+v", cfg.Sync)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("env override ignored: %q", cfg.HTTP.Addr)
	}

	tiers := cfg.PolicyTiers()
	if len(tiers) != 2 || tiers[0].Name != "basic" || tiers[0].MinSyncInterval != 30*time.Minute ||
		tiers[0].MaxMessageBudget != 1000 || !tiers[1].Unlimited {
		t.Fatalf("tiers %+v", tiers)
	}
	if rc := cfg.ReconcileConfig(); rc.VerifyWindow != 20 || rc.VerifyQuery == "" {
		t.Fatalf("reconcile config %+v", rc)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: mysql\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for mysql driver")
	}
}
