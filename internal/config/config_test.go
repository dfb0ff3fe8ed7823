package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vrupdate.yaml")
	body := `server_url: https://updates.example.com/
check_interval_seconds: 900
auto_install: true
prefer_delta_updates: false
max_bandwidth_kbps: 512
restart_unit: vr-runtime.service
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != "https://updates.example.com/" {
		t.Fatalf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.CheckIntervalSeconds != 900 || !cfg.AutoInstall || cfg.PreferDeltaUpdates {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MaxBandwidthKbps != 512 || cfg.RestartUnit != "vr-runtime.service" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	// Untouched keys keep their defaults.
	if cfg.TickSeconds != 30 || cfg.RollbackHistoryCount != 3 || !cfg.EnforceDependencies {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vrupdate.yaml")
	if err := os.WriteFile(path, []byte("channel: beta\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VRUPDATE_CHANNEL", "dev")
	t.Setenv("VRUPDATE_DEVICE_MODEL", "hx-2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channel != "dev" {
		t.Fatalf("Channel = %q, want dev", cfg.Channel)
	}
	if cfg.DeviceModel != "hx-2" {
		t.Fatalf("DeviceModel = %q, want hx-2", cfg.DeviceModel)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestUpdateConfigConversion(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(t.TempDir(), "update.pub")
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(pub)+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	cfg.ServerURL = "https://updates.example.com/"
	cfg.PublicKeyFile = keyFile
	cfg.RetryInitialDelayMs = 250

	uc, err := cfg.UpdateConfig()
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if uc.ServerURL != "https://updates.example.com" {
		t.Fatalf("ServerURL = %q, trailing slash should be trimmed", uc.ServerURL)
	}
	if uc.CheckInterval != 6*time.Hour || uc.TickInterval != 30*time.Second {
		t.Fatalf("intervals = %s / %s", uc.CheckInterval, uc.TickInterval)
	}
	if uc.RetryInitialDelay != 250*time.Millisecond {
		t.Fatalf("RetryInitialDelay = %s", uc.RetryInitialDelay)
	}
	if !pub.Equal(uc.PublicKey) {
		t.Fatal("public key from file not decoded")
	}
}

func TestUpdateConfigWithoutKey(t *testing.T) {
	uc, err := Default().UpdateConfig()
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if len(uc.PublicKey) != 0 {
		t.Fatal("expected no key")
	}
}

func TestUpdateConfigBadKeyFile(t *testing.T) {
	cfg := Default()
	cfg.PublicKeyFile = filepath.Join(t.TempDir(), "absent.pub")
	if _, err := cfg.UpdateConfig(); err == nil {
		t.Fatal("expected error for unreadable key file")
	}
}

func TestCredentials(t *testing.T) {
	cfg := Default()
	cfg.S3Region = "eu-west-1"
	cfg.B2AccountID = "acct"
	creds := cfg.Credentials()
	if creds.S3Region != "eu-west-1" || creds.B2AccountID != "acct" {
		t.Fatalf("credentials not copied: %+v", creds)
	}
}
