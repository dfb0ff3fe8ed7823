package config

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/vrupdate/internal/download/providers"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/verify"
)

type Config struct {
	ServerURL   string `mapstructure:"server_url"`
	Channel     string `mapstructure:"channel"`
	DeviceModel string `mapstructure:"device_model"`

	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
	TickSeconds          int  `mapstructure:"tick_seconds"`
	FailureRetrySeconds  int  `mapstructure:"failure_retry_seconds"`
	AutoDownload         bool `mapstructure:"auto_download"`
	AutoInstall          bool `mapstructure:"auto_install"`
	MaxBandwidthKbps     int  `mapstructure:"max_bandwidth_kbps"` // kilobits/s, 0 = unlimited
	RollbackHistoryCount int  `mapstructure:"rollback_history_count"`
	PreferDeltaUpdates   bool `mapstructure:"prefer_delta_updates"`
	EnforceDependencies  bool `mapstructure:"enforce_dependencies"`

	DownloadDir string `mapstructure:"download_dir"`
	InstallDir  string `mapstructure:"install_dir"`
	BackupDir   string `mapstructure:"backup_dir"`

	PublicKey      string `mapstructure:"public_key"`
	PublicKeyFile  string `mapstructure:"public_key_file"`
	FactoryVersion string `mapstructure:"factory_version"`

	MaxRetries             int `mapstructure:"max_retries"`
	RetryInitialDelayMs    int `mapstructure:"retry_initial_delay_ms"`
	DownloadTimeoutSeconds int `mapstructure:"download_timeout_seconds"`
	InstallTimeoutSeconds  int `mapstructure:"install_timeout_seconds"`

	// RestartUnit is the service restarted after a scheduled install that
	// requires it. Empty disables the restart.
	RestartUnit string `mapstructure:"restart_unit"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	AuditLog      string `mapstructure:"audit_log"`

	StatusListenAddr string `mapstructure:"status_listen_addr"`
	StatusMaxClients int    `mapstructure:"status_max_clients"`

	S3Region           string `mapstructure:"s3_region"`
	S3Endpoint         string `mapstructure:"s3_endpoint"`
	S3AccessKeyID      string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey  string `mapstructure:"s3_secret_access_key"`
	GCSCredentialsFile string `mapstructure:"gcs_credentials_file"`
	AzureAccountURL    string `mapstructure:"azure_account_url"`
	B2AccountID        string `mapstructure:"b2_account_id"`
	B2ApplicationKey   string `mapstructure:"b2_application_key"`
}

func Default() *Config {
	data := DataDir()
	return &Config{
		Channel:                "stable",
		CheckIntervalSeconds:   6 * 60 * 60,
		TickSeconds:            30,
		FailureRetrySeconds:    300,
		AutoDownload:           true,
		AutoInstall:            false,
		RollbackHistoryCount:   3,
		PreferDeltaUpdates:     true,
		EnforceDependencies:    true,
		DownloadDir:            filepath.Join(data, "downloads"),
		InstallDir:             filepath.Join(data, "install"),
		BackupDir:              filepath.Join(data, "backups"),
		MaxRetries:             3,
		RetryInitialDelayMs:    1000,
		DownloadTimeoutSeconds: 3600,
		InstallTimeoutSeconds:  900,
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           10,
		LogMaxBackups:          3,
		AuditLog:               filepath.Join(data, "audit.jsonl"),
		StatusListenAddr:       "127.0.0.1:7787",
		StatusMaxClients:       16,
	}
}

// Load reads cfgFile, or vrupdate.yaml from the config dir or the working
// directory, over the defaults. VRUPDATE_* environment variables override
// both.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("vrupdate")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VRUPDATE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent
// from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"server_url":               cfg.ServerURL,
		"channel":                  cfg.Channel,
		"device_model":             cfg.DeviceModel,
		"check_interval_seconds":   cfg.CheckIntervalSeconds,
		"tick_seconds":             cfg.TickSeconds,
		"failure_retry_seconds":    cfg.FailureRetrySeconds,
		"auto_download":            cfg.AutoDownload,
		"auto_install":             cfg.AutoInstall,
		"max_bandwidth_kbps":       cfg.MaxBandwidthKbps,
		"rollback_history_count":   cfg.RollbackHistoryCount,
		"prefer_delta_updates":     cfg.PreferDeltaUpdates,
		"enforce_dependencies":     cfg.EnforceDependencies,
		"download_dir":             cfg.DownloadDir,
		"install_dir":              cfg.InstallDir,
		"backup_dir":               cfg.BackupDir,
		"public_key":               cfg.PublicKey,
		"public_key_file":          cfg.PublicKeyFile,
		"factory_version":          cfg.FactoryVersion,
		"max_retries":              cfg.MaxRetries,
		"retry_initial_delay_ms":   cfg.RetryInitialDelayMs,
		"download_timeout_seconds": cfg.DownloadTimeoutSeconds,
		"install_timeout_seconds":  cfg.InstallTimeoutSeconds,
		"restart_unit":             cfg.RestartUnit,
		"log_level":                cfg.LogLevel,
		"log_format":               cfg.LogFormat,
		"log_file":                 cfg.LogFile,
		"log_max_size_mb":          cfg.LogMaxSizeMB,
		"log_max_backups":          cfg.LogMaxBackups,
		"audit_log":                cfg.AuditLog,
		"status_listen_addr":       cfg.StatusListenAddr,
		"status_max_clients":       cfg.StatusMaxClients,
		"s3_region":                cfg.S3Region,
		"s3_endpoint":              cfg.S3Endpoint,
		"s3_access_key_id":         cfg.S3AccessKeyID,
		"s3_secret_access_key":     cfg.S3SecretAccessKey,
		"gcs_credentials_file":     cfg.GCSCredentialsFile,
		"azure_account_url":        cfg.AzureAccountURL,
		"b2_account_id":            cfg.B2AccountID,
		"b2_application_key":       cfg.B2ApplicationKey,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// UpdateConfig builds the immutable per-session update configuration,
// decoding the trusted public key.
func (c *Config) UpdateConfig() (update.Config, error) {
	key, err := c.publicKey()
	if err != nil {
		return update.Config{}, err
	}
	return update.Config{
		ServerURL:           strings.TrimRight(c.ServerURL, "/"),
		Channel:             c.Channel,
		DeviceModel:         c.DeviceModel,
		CheckInterval:       seconds(c.CheckIntervalSeconds),
		TickInterval:        seconds(c.TickSeconds),
		FailureRetryDelay:   seconds(c.FailureRetrySeconds),
		AutoDownload:        c.AutoDownload,
		AutoInstall:         c.AutoInstall,
		MaxBandwidthKbps:    c.MaxBandwidthKbps,
		RollbackHistory:     c.RollbackHistoryCount,
		PreferDelta:         c.PreferDeltaUpdates,
		EnforceDependencies: c.EnforceDependencies,
		DownloadDir:         c.DownloadDir,
		InstallDir:          c.InstallDir,
		BackupDir:           c.BackupDir,
		PublicKey:           key,
		FactoryVersion:      c.FactoryVersion,
		MaxRetries:          c.MaxRetries,
		RetryInitialDelay:   time.Duration(c.RetryInitialDelayMs) * time.Millisecond,
		DownloadTimeout:     seconds(c.DownloadTimeoutSeconds),
		InstallTimeout:      seconds(c.InstallTimeoutSeconds),
	}, nil
}

// Credentials returns the mirror credentials for the download providers.
func (c *Config) Credentials() providers.Credentials {
	return providers.Credentials{
		S3Region:           c.S3Region,
		S3Endpoint:         c.S3Endpoint,
		S3AccessKeyID:      c.S3AccessKeyID,
		S3SecretAccessKey:  c.S3SecretAccessKey,
		GCSCredentialsFile: c.GCSCredentialsFile,
		AzureAccountURL:    c.AzureAccountURL,
		B2AccountID:        c.B2AccountID,
		B2ApplicationKey:   c.B2ApplicationKey,
	}
}

// publicKey decodes public_key, else the contents of public_key_file. No
// key at all is not an error here; the manager then rejects every package.
func (c *Config) publicKey() (ed25519.PublicKey, error) {
	switch {
	case c.PublicKey != "":
		key, err := verify.ParsePublicKey([]byte(c.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("public_key: %w", err)
		}
		return key, nil
	case c.PublicKeyFile != "":
		data, err := os.ReadFile(c.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("public_key_file: %w", err)
		}
		key, err := verify.ParsePublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("public_key_file %s: %w", c.PublicKeyFile, err)
		}
		return key, nil
	}
	return nil, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ConfigDir is where vrupdate.yaml is looked up.
func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "VRUpdate")
	case "darwin":
		return "/Library/Application Support/VRUpdate"
	default:
		return "/etc/vrupdate"
	}
}

// DataDir is the default root for downloads, the install tree, backups and
// the audit journal.
func DataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "VRUpdate", "data")
	case "darwin":
		return "/Library/Application Support/VRUpdate/data"
	default:
		return "/var/lib/vrupdate"
	}
}
