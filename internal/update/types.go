// Package update holds the domain model shared by the update manager and its
// collaborators: package descriptions, the ledger entry type, the status
// union and the contracts each pipeline stage is implemented behind.
package update

import (
	"crypto/ed25519"
	"time"
)

// Config is the immutable per-session update configuration. It is built once
// at startup (see internal/config) and never mutated afterwards.
type Config struct {
	ServerURL   string
	Channel     string
	DeviceModel string

	CheckInterval       time.Duration
	TickInterval        time.Duration
	FailureRetryDelay   time.Duration
	AutoDownload        bool
	AutoInstall         bool
	MaxBandwidthKbps    int
	RollbackHistory     int
	PreferDelta         bool
	EnforceDependencies bool

	DownloadDir string
	InstallDir  string
	BackupDir   string

	PublicKey      ed25519.PublicKey
	FactoryVersion string

	MaxRetries        int
	RetryInitialDelay time.Duration
	DownloadTimeout   time.Duration
	InstallTimeout    time.Duration
}

// PackageInfo describes one full package advertised by the update server.
type PackageInfo struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Size         int64     `json:"size"`
	Notes        string    `json:"notes,omitempty"`
	ReleaseDate  time.Time `json:"releaseDate"`
	URL          string    `json:"url"`
	SignatureURL string    `json:"signatureUrl,omitempty"`
	SHA256       string    `json:"sha256,omitempty"`
}

// DeltaInfo describes a binary diff from BaseVersion to TargetVersion.
type DeltaInfo struct {
	BaseVersion      string    `json:"baseVersion"`
	TargetVersion    string    `json:"targetVersion"`
	DeltaSize        int64     `json:"deltaSize"`
	FullSize         int64     `json:"fullSize"`
	ReductionPercent float64   `json:"reductionPercent"`
	Notes            string    `json:"notes,omitempty"`
	ReleaseDate      time.Time `json:"releaseDate"`
	URL              string    `json:"url,omitempty"`
	SignatureURL     string    `json:"signatureUrl,omitempty"`
	TargetSHA256     string    `json:"targetSha256,omitempty"`
}

// AsPackage lets a delta travel through the Downloader like any package.
func (d DeltaInfo) AsPackage(name string) PackageInfo {
	return PackageInfo{
		Name:         name + "-delta-" + d.BaseVersion,
		Version:      d.TargetVersion,
		Size:         d.DeltaSize,
		Notes:        d.Notes,
		ReleaseDate:  d.ReleaseDate,
		URL:          d.URL,
		SignatureURL: d.SignatureURL,
	}
}

// Source records how a ledger entry came to be.
type Source string

const (
	SourceFull     Source = "full"
	SourceDelta    Source = "delta"
	SourceOverride Source = "override"
	SourceRollback Source = "rollback"
)

// InstalledInfo is one entry of the append-only update history.
type InstalledInfo struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	Version         string            `json:"version"`
	PreviousVersion string            `json:"previousVersion,omitempty"`
	InstalledAt     time.Time         `json:"installedAt"`
	Source          Source            `json:"source"`
	BackupPath      string            `json:"backupPath,omitempty"`
	PackageSHA256   string            `json:"packageSha256,omitempty"`
	Components      map[string]string `json:"components,omitempty"`
	RequiresRestart bool              `json:"requiresRestart,omitempty"`
}

// Dependency is a required package and the version constraint it must meet.
type Dependency struct {
	Name       string `json:"name" yaml:"name"`
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`
}

// Conflict names a package that must not be installed at a matching version.
type Conflict struct {
	Name       string `json:"name" yaml:"name"`
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Installed  string `json:"installed,omitempty" yaml:"-"`
}

// Requirements are hardware/system preconditions declared by a package.
type Requirements struct {
	MinFreeDiskMB uint64   `json:"minFreeDiskMb,omitempty" yaml:"min_free_disk_mb,omitempty"`
	MinMemoryMB   uint64   `json:"minMemoryMb,omitempty" yaml:"min_memory_mb,omitempty"`
	Architectures []string `json:"architectures,omitempty" yaml:"architectures,omitempty"`
	DeviceModels  []string `json:"deviceModels,omitempty" yaml:"device_models,omitempty"`
}

// Metadata is the manifest carried inside a package.
type Metadata struct {
	Name            string            `json:"name" yaml:"name"`
	Version         string            `json:"version" yaml:"version"`
	ReleaseNotes    string            `json:"releaseNotes,omitempty" yaml:"release_notes,omitempty"`
	ReleaseDate     time.Time         `json:"releaseDate,omitempty" yaml:"release_date,omitempty"`
	RequiresRestart bool              `json:"requiresRestart" yaml:"requires_restart"`
	Provides        map[string]string `json:"provides,omitempty" yaml:"provides,omitempty"`
	Dependencies    []Dependency      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Conflicts       []Conflict        `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Requirements    Requirements      `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Files           map[string]string `json:"files,omitempty" yaml:"files,omitempty"`
}

// InstalledPackage is one entry of the installed set handed to the resolver.
type InstalledPackage struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SystemInfo is the capability snapshot the resolver checks requirements against.
type SystemInfo struct {
	Arch          string `json:"arch"`
	Platform      string `json:"platform,omitempty"`
	DeviceModel   string `json:"deviceModel,omitempty"`
	FreeDiskMB    uint64 `json:"freeDiskMb"`
	TotalMemoryMB uint64 `json:"totalMemoryMb"`
}

// DependencyResult is the resolver verdict. Satisfied is true only when both
// Missing and Conflicts are empty.
type DependencyResult struct {
	Satisfied bool         `json:"satisfied"`
	Missing   []Dependency `json:"missing,omitempty"`
	Conflicts []Conflict   `json:"conflicts,omitempty"`
}

// Progress is emitted by long-running stages.
type Progress struct {
	Stage          string  `json:"stage"`
	Percent        float64 `json:"percent"`
	BytesDone      int64   `json:"bytesDone,omitempty"`
	BytesTotal     int64   `json:"bytesTotal,omitempty"`
	BytesPerSecond float64 `json:"bytesPerSecond,omitempty"`
}

// ProgressFunc receives progress events. A nil ProgressFunc is valid.
type ProgressFunc func(Progress)

// Report calls fn when it is set.
func (fn ProgressFunc) Report(p Progress) {
	if fn != nil {
		fn(p)
	}
}
