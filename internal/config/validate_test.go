package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.ServerURL = "https://updates.example.com"
	cfg.PublicKey = base64.StdEncoding.EncodeToString(pub)
	cfg.FactoryVersion = "1.0.0"
	return cfg
}

func TestValidateTieredMissingServerURLIsFatal(t *testing.T) {
	cfg := validConfig(t)
	cfg.ServerURL = ""
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("missing server_url should be fatal")
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := validConfig(t)
	cfg.ServerURL = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredPlainHTTPIsWarning(t *testing.T) {
	cfg := validConfig(t)
	cfg.ServerURL = "http://updates.local"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("http server_url should not be fatal: %v", result.Fatals)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", result.Warnings)
	}
}

func TestValidateTieredSharedDirsIsFatal(t *testing.T) {
	cfg := validConfig(t)
	cfg.BackupDir = cfg.InstallDir + "/"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("install_dir and backup_dir sharing a path should be fatal")
	}
	if !strings.Contains(result.Fatals[0].Error(), "must differ") {
		t.Fatalf("unexpected error: %v", result.Fatals[0])
	}
}

func TestValidateTieredEmptyDirIsFatal(t *testing.T) {
	cfg := validConfig(t)
	cfg.DownloadDir = ""
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("empty download_dir should be fatal")
	}
}

func TestValidateTieredBadPublicKeyIsFatal(t *testing.T) {
	cfg := validConfig(t)
	cfg.PublicKey = "not-a-key"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("undecodable public_key should be fatal")
	}
}

func TestValidateTieredMissingPublicKeyIsWarning(t *testing.T) {
	cfg := validConfig(t)
	cfg.PublicKey = ""
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("missing key should not be fatal: %v", result.Fatals)
	}
	found := false
	for _, err := range result.Warnings {
		if strings.Contains(err.Error(), "every package will be rejected") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about missing public key")
	}
}

func TestValidateTieredBadFactoryVersionIsFatal(t *testing.T) {
	cfg := validConfig(t)
	cfg.FactoryVersion = "banana"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("unparseable factory_version should be fatal")
	}
}

func TestValidateTieredControlCharsInCredentialsIsFatal(t *testing.T) {
	cfg := validConfig(t)
	cfg.B2ApplicationKey = "key\x00with\x01control"
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("control chars in credentials should be fatal")
	}
}

func TestValidateTieredIntervalClampingIsWarning(t *testing.T) {
	cfg := validConfig(t)
	cfg.CheckIntervalSeconds = 1
	result := cfg.ValidateTiered()

	if result.HasFatals() {
		t.Fatalf("clamped interval should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped interval")
	}
	if cfg.CheckIntervalSeconds != 60 {
		t.Fatalf("CheckIntervalSeconds = %d, want 60 (clamped)", cfg.CheckIntervalSeconds)
	}
}

func TestValidateTieredTickNeverExceedsInterval(t *testing.T) {
	cfg := validConfig(t)
	cfg.CheckIntervalSeconds = 120
	cfg.TickSeconds = 600
	cfg.ValidateTiered()
	if cfg.TickSeconds != 120 {
		t.Fatalf("TickSeconds = %d, want 120", cfg.TickSeconds)
	}
}

func TestValidateTieredNegativeBandwidthClamped(t *testing.T) {
	cfg := validConfig(t)
	cfg.MaxBandwidthKbps = -5
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("negative bandwidth should be warning: %v", result.Fatals)
	}
	if cfg.MaxBandwidthKbps != 0 {
		t.Fatalf("MaxBandwidthKbps = %d, want 0 (unlimited)", cfg.MaxBandwidthKbps)
	}
}

func TestValidateTieredRollbackHistoryClamping(t *testing.T) {
	cfg := validConfig(t)
	cfg.RollbackHistoryCount = 0
	cfg.StatusMaxClients = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped values should be warnings: %v", result.Fatals)
	}
	if cfg.RollbackHistoryCount != 1 {
		t.Fatalf("RollbackHistoryCount = %d, want 1", cfg.RollbackHistoryCount)
	}
	if cfg.StatusMaxClients != 1 {
		t.Fatalf("StatusMaxClients = %d, want 1", cfg.StatusMaxClients)
	}
}

func TestValidateTieredUnknownLogLevelIsWarning(t *testing.T) {
	cfg := validConfig(t)
	cfg.LogLevel = "verbose"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("unknown log level should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
}

func TestValidateTieredInvalidLogFormatIsWarning(t *testing.T) {
	cfg := validConfig(t)
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("invalid log format should not be fatal")
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for invalid log format")
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() {
		t.Fatal("HasFatals() on empty result should be false")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
}

func TestAllErrorsReturnsBoth(t *testing.T) {
	cfg := validConfig(t)
	cfg.ServerURL = "ftp://bad" // fatal
	cfg.Channel = "nightly"     // warning
	result := cfg.ValidateTiered()

	all := result.AllErrors()
	if len(all) < 2 {
		t.Fatalf("AllErrors() returned %d errors, expected at least 2 (fatals + warnings)", len(all))
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := validConfig(t)
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("valid config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("valid config has warnings: %v", result.Warnings)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("Validate() = %v", errs)
	}
}
