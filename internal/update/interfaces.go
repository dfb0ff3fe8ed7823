package update

import (
	"context"
	"crypto/ed25519"
)

// PackageChecker lists packages newer than current, newest first.
type PackageChecker interface {
	Check(ctx context.Context, serverURL, current string) ([]PackageInfo, error)
}

// Downloader fetches a package (and its detached signature) into destDir and
// returns the local package path. maxKbps is in kilobits per second;
// <= 0 means unlimited.
type Downloader interface {
	Fetch(ctx context.Context, pkg PackageInfo, destDir string, maxKbps int, progress ProgressFunc) (string, error)
}

// Verifier checks a package file against the trusted key. It must fail
// closed: a missing or malformed signature is an error.
type Verifier interface {
	Verify(path string, key ed25519.PublicKey) error
}

// DependencyResolver decides whether a package may be installed.
type DependencyResolver interface {
	Check(meta Metadata, installed []InstalledPackage, sys SystemInfo) DependencyResult
}

// DeltaEngine finds, inspects and applies binary-diff packages. Inspect
// returns the target package manifest carried in the delta header.
type DeltaEngine interface {
	Find(ctx context.Context, serverURL, baseVersion string) (*DeltaInfo, error)
	Inspect(path string) (DeltaInfo, Metadata, error)
	Apply(ctx context.Context, deltaPath, installDir, backupDir string, progress ProgressFunc) (InstalledInfo, error)
}

// Installer stages packages into the install dir and restores backups.
// Once the live tree is touched an Install or Rollback runs to completion
// regardless of ctx.
type Installer interface {
	Install(ctx context.Context, pkgPath, installDir, backupDir string, progress ProgressFunc) (InstalledInfo, error)
	Rollback(ctx context.Context, target, installDir, backupDir string, progress ProgressFunc) error
}

// MetadataReader reads the manifest of a package file.
type MetadataReader interface {
	ReadMetadata(path string) (Metadata, error)
}

// SystemProbe reports the capabilities dependency checks run against.
type SystemProbe interface {
	SystemInfo(ctx context.Context) (SystemInfo, error)
}
