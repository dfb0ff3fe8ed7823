package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/version"
)

var log = logging.L("config")

var knownChannels = map[string]bool{
	"stable": true,
	"beta":   true,
	"dev":    true,
}

// ValidationResult separates problems that must stop startup from values
// that were corrected or can be lived with.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	out := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	out = append(out, r.Fatals...)
	return append(out, r.Warnings...)
}

// Validate checks the config and returns all problems found, logging each
// as a warning.
func (c *Config) Validate() []error {
	errs := c.ValidateTiered().AllErrors()
	for _, err := range errs {
		log.Warn("config validation", logging.KeyError, err)
	}
	return errs
}

// ValidateTiered checks the config. Unsafe numeric values are clamped to a
// safe range and reported as warnings; values the manager cannot run with
// are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	fatal := func(format string, args ...any) { r.Fatals = append(r.Fatals, fmt.Errorf(format, args...)) }
	warn := func(format string, args ...any) { r.Warnings = append(r.Warnings, fmt.Errorf(format, args...)) }

	if c.ServerURL == "" {
		fatal("server_url is required")
	} else if u, err := url.Parse(c.ServerURL); err != nil {
		fatal("server_url %q is not a valid URL: %w", c.ServerURL, err)
	} else if u.Scheme != "http" && u.Scheme != "https" {
		fatal("server_url scheme must be http or https, got %q", u.Scheme)
	} else if u.Scheme == "http" {
		warn("server_url %q is not https; packages are still signature-checked", c.ServerURL)
	}

	if c.Channel != "" && !knownChannels[strings.ToLower(c.Channel)] {
		warn("unknown channel %q", c.Channel)
	}

	dirs := map[string]string{"download_dir": c.DownloadDir, "install_dir": c.InstallDir, "backup_dir": c.BackupDir}
	seen := map[string]string{}
	for _, key := range []string{"download_dir", "install_dir", "backup_dir"} {
		dir := dirs[key]
		if dir == "" {
			fatal("%s is required", key)
			continue
		}
		clean := filepath.Clean(dir)
		if other, ok := seen[clean]; ok {
			fatal("%s and %s must differ (both %s)", other, key, clean)
		}
		seen[clean] = key
	}

	if c.PublicKey == "" && c.PublicKeyFile == "" {
		warn("no public_key or public_key_file configured; every package will be rejected")
	} else if c.PublicKey != "" && c.PublicKeyFile != "" {
		warn("both public_key and public_key_file set; public_key wins")
	}
	if _, err := c.publicKey(); err != nil {
		fatal("%w", err)
	}

	if c.FactoryVersion != "" {
		if _, err := version.Parse(c.FactoryVersion); err != nil {
			fatal("factory_version %q: %w", c.FactoryVersion, err)
		}
	}

	for _, s := range []string{c.S3SecretAccessKey, c.B2ApplicationKey} {
		if hasControl(s) {
			fatal("mirror credentials contain control characters")
			break
		}
	}

	clamp := func(key string, v *int, min, max int) {
		if *v < min {
			warn("%s %d is below minimum %d, clamping", key, *v, min)
			*v = min
		} else if max > 0 && *v > max {
			warn("%s %d exceeds maximum %d, clamping", key, *v, max)
			*v = max
		}
	}
	clamp("check_interval_seconds", &c.CheckIntervalSeconds, 60, 7*24*60*60)
	clamp("tick_seconds", &c.TickSeconds, 1, 3600)
	clamp("failure_retry_seconds", &c.FailureRetrySeconds, 10, 24*60*60)
	clamp("max_bandwidth_kbps", &c.MaxBandwidthKbps, 0, 0)
	clamp("rollback_history_count", &c.RollbackHistoryCount, 1, 20)
	clamp("max_retries", &c.MaxRetries, 0, 10)
	clamp("retry_initial_delay_ms", &c.RetryInitialDelayMs, 100, 60000)
	clamp("download_timeout_seconds", &c.DownloadTimeoutSeconds, 0, 24*60*60)
	clamp("install_timeout_seconds", &c.InstallTimeoutSeconds, 0, 4*60*60)
	clamp("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)
	clamp("log_max_backups", &c.LogMaxBackups, 0, 100)
	clamp("status_max_clients", &c.StatusMaxClients, 1, 1000)

	if c.TickSeconds > c.CheckIntervalSeconds {
		warn("tick_seconds %d exceeds check_interval_seconds %d, clamping", c.TickSeconds, c.CheckIntervalSeconds)
		c.TickSeconds = c.CheckIntervalSeconds
	}

	if c.AutoInstall && !c.AutoDownload {
		warn("auto_install has no effect without auto_download")
	}

	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}

	return r
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
