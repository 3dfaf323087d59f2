package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for explicit missing config file")
	}

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Interval.Seconds() != 60 {
		t.Fatalf("unexpected default interval: %v", cfg.Scheduler.Interval)
	}
	if cfg.Keeper.DisputeTolerance != 0.05 {
		t.Fatalf("unexpected default tolerance: %v", cfg.Keeper.DisputeTolerance)
	}
	if !cfg.Scheduler.RunImmediately {
		t.Fatal("expected run_immediately to default to true")
	}
	if cfg.Export.MaxDataPoints != 100000 {
		t.Fatalf("unexpected default max_data_points: %d", cfg.Export.MaxDataPoints)
	}
}

func TestValidateRejectsBadAddress(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Keeper.Account = "not-an-address"
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "keeper.account") {
		t.Fatalf("expected address validation error, got %v", err)
	}
}

func TestValidateRejectsOverlongIdentifier(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.PriceFeeds.Decimals = map[string]int32{
		strings.Repeat("X", 33): 8,
	}
	err = cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "exceeds 32 bytes") {
		t.Fatalf("expected identifier length error, got %v", err)
	}
}

func TestValidateTelegramRequiresCredentials(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Alerting.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when telegram enabled without bot token")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if got := cfg.ResolveMaxPoints(0); got != 500 {
		t.Fatalf("expected config default 500, got %d", got)
	}
	if got := cfg.ResolveMaxPoints(10); got != 10 {
		t.Fatalf("expected override 10, got %d", got)
	}
}
