package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %s", cfg.DatabaseDriver)
	}
	if cfg.PageSize != defaultPageSize {
		t.Fatalf("expected default page size, got %d", cfg.PageSize)
	}
	if cfg.Retention != 7*24*time.Hour {
		t.Fatalf("expected seven day retention, got %s", cfg.Retention)
	}
	if len(cfg.SyncTables) != 0 {
		t.Fatalf("expected no table allowlist, got %v", cfg.SyncTables)
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	_, err := Load(NewViper())
	if err == nil || !strings.Contains(err.Error(), "auth.signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("database.driver", "oracle")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected driver validation error")
	}
}

func TestLoadSplitsTableList(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("sync.tables", []string{"products, customers", " invoices "})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"products", "customers", "invoices"}
	if strings.Join(cfg.SyncTables, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected tables %v", cfg.SyncTables)
	}
}

func TestLoadAgentDefaultsPullIntervalToSyncInterval(t *testing.T) {
	configViper := NewViper()
	ApplyAgentDefaults(configViper)
	configViper.Set("license.device_id", "pos-1")
	configViper.Set("license.client_id", "merchant-1")
	configViper.Set("license.branch_id", "branch-1")
	configViper.Set("license.sync_interval", 45*time.Second)
	configViper.Set("agent.server_url", "http://sync.local/")
	configViper.Set("agent.token", "token")

	cfg, err := LoadAgent(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PullInterval != 45*time.Second {
		t.Fatalf("expected pull interval to follow sync interval, got %s", cfg.PullInterval)
	}
	if cfg.ServerURL != "http://sync.local" {
		t.Fatalf("expected trailing slash to be trimmed, got %s", cfg.ServerURL)
	}
	if cfg.ConflictPolicy != "auto:server" {
		t.Fatalf("unexpected conflict policy %s", cfg.ConflictPolicy)
	}
	if cfg.MetricsAddress != "" {
		t.Fatalf("expected the metrics listener to be off by default, got %q", cfg.MetricsAddress)
	}
}

func TestLoadAgentReadsMetricsAddress(t *testing.T) {
	configViper := NewViper()
	ApplyAgentDefaults(configViper)
	configViper.Set("license.device_id", "pos-1")
	configViper.Set("license.client_id", "merchant-1")
	configViper.Set("license.branch_id", "branch-1")
	configViper.Set("license.enable_sync", false)
	configViper.Set("agent.metrics_address", " 127.0.0.1:9464 ")

	cfg, err := LoadAgent(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MetricsAddress != "127.0.0.1:9464" {
		t.Fatalf("unexpected metrics address %q", cfg.MetricsAddress)
	}
}

func TestLoadAgentRejectsUnknownPolicy(t *testing.T) {
	configViper := NewViper()
	ApplyAgentDefaults(configViper)
	configViper.Set("license.device_id", "pos-1")
	configViper.Set("license.client_id", "merchant-1")
	configViper.Set("license.branch_id", "branch-1")
	configViper.Set("license.enable_sync", false)
	configViper.Set("agent.conflict_policy", "merge")

	if _, err := LoadAgent(configViper); err == nil {
		t.Fatalf("expected conflict policy validation error")
	}
}
