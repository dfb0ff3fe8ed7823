// Package installer stages verified packages into the live install tree and
// restores backup snapshots.
//
// Install dir layout:
//
//	system/               live payload
//	package.vrpkg         package the live payload came from (delta base)
//	version               current version marker
//	update_history.json   ledger, owned by the update manager
//	.lock                 held for the duration of an install or rollback
//
// Backups live at <backup_dir>/<version>/{system,package.vrpkg}.
package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/pkgfile"
	"github.com/breeze-rmm/vrupdate/internal/update"
)

var log = logging.L("installer")

const (
	SystemDir   = "system"
	PackageFile = "package.vrpkg"
	VersionFile = "version"
	LockFile    = ".lock"

	unknownVersion = "unknown"
)

// Installer satisfies update.Installer on the local filesystem.
type Installer struct {
	keep int
	now  func() time.Time
}

// New returns an Installer that retains at most keep backups (minimum 1).
func New(keep int) *Installer {
	if keep < 1 {
		keep = 1
	}
	return &Installer{keep: keep, now: time.Now}
}

// Install extracts pkgPath, checks it against its manifest, snapshots the
// current tree into backupDir and swaps the new tree in. ctx is honored
// only while staging; once the live tree is touched the install runs to a
// result.
func (in *Installer) Install(ctx context.Context, pkgPath, installDir, backupDir string, progress update.ProgressFunc) (update.InstalledInfo, error) {
	unlock, err := lockInstallDir(installDir)
	if err != nil {
		return update.InstalledInfo{}, err
	}
	defer unlock()

	staging, err := os.MkdirTemp(installDir, ".staging-")
	if err != nil {
		return update.InstalledInfo{}, update.Fatal("install", err)
	}
	defer os.RemoveAll(staging)

	meta, err := pkgfile.Extract(ctx, pkgPath, staging, scale(progress, "extracting", 0, 50))
	if err != nil {
		if ctx.Err() != nil {
			return update.InstalledInfo{}, update.Transient("install", "", err)
		}
		return update.InstalledInfo{}, update.Integrity("install", "", fmt.Errorf("extract package: %w", err))
	}
	progress.Report(update.Progress{Stage: "verifying", Percent: 55})
	if err := pkgfile.VerifyTree(staging, meta.Files); err != nil {
		return update.InstalledInfo{}, update.Integrity("install", meta.Version, err)
	}
	sum, err := pkgfile.SHA256File(pkgPath)
	if err != nil {
		return update.InstalledInfo{}, update.Transient("install", meta.Version, err)
	}
	if err := ctx.Err(); err != nil {
		return update.InstalledInfo{}, update.Transient("install", meta.Version, err)
	}

	// Past this point the live tree is modified; ctx is no longer consulted.
	prev := installedVersion(installDir)
	backupPath, err := in.snapshot(installDir, backupDir, prev, progress)
	if err != nil {
		return update.InstalledInfo{}, update.Transient("install", meta.Version, fmt.Errorf("backup %s: %w", prev, err))
	}

	progress.Report(update.Progress{Stage: "swapping", Percent: 85})
	if err := swapTree(installDir, staging, meta.Files); err != nil {
		return update.InstalledInfo{}, err
	}
	if err := copyFileAtomic(pkgPath, filepath.Join(installDir, PackageFile)); err != nil {
		log.Warn("failed to record installed package", logging.KeyVersion, meta.Version, logging.KeyError, err)
	}

	if removed := in.prune(backupDir); len(removed) > 0 {
		log.Info("pruned old backups", "versions", removed)
	}
	progress.Report(update.Progress{Stage: "complete", Percent: 100})

	info := update.InstalledInfo{
		ID:              uuid.NewString(),
		Name:            meta.Name,
		Version:         meta.Version,
		PreviousVersion: prev,
		InstalledAt:     in.now().UTC(),
		Source:          update.SourceFull,
		BackupPath:      backupPath,
		PackageSHA256:   sum,
		Components:      meta.Provides,
		RequiresRestart: meta.RequiresRestart,
	}
	log.Info("package installed", logging.KeyVersion, info.Version, "previous", prev, "backup", backupPath)
	return info, nil
}

// Rollback restores the snapshot of target. The current tree is snapshotted
// first so the rollback can itself be undone.
func (in *Installer) Rollback(ctx context.Context, target, installDir, backupDir string, progress update.ProgressFunc) error {
	src := filepath.Join(backupDir, target)
	if _, err := os.Stat(filepath.Join(src, SystemDir)); err != nil {
		return update.Policy("rollback", target, update.ErrNoBackup)
	}
	if err := ctx.Err(); err != nil {
		return update.Transient("rollback", target, err)
	}

	unlock, err := lockInstallDir(installDir)
	if err != nil {
		return err
	}
	defer unlock()

	staging, err := os.MkdirTemp(installDir, ".staging-")
	if err != nil {
		return update.Fatal("rollback", err)
	}
	defer os.RemoveAll(staging)

	progress.Report(update.Progress{Stage: "staging", Percent: 10})
	if err := copyTree(filepath.Join(src, SystemDir), staging); err != nil {
		return update.Transient("rollback", target, fmt.Errorf("stage backup: %w", err))
	}

	current := installedVersion(installDir)
	if current != target {
		if _, err := in.snapshot(installDir, backupDir, current, scale(progress, "backing-up", 40, 70)); err != nil {
			return update.Transient("rollback", target, fmt.Errorf("backup %s: %w", current, err))
		}
	}

	progress.Report(update.Progress{Stage: "swapping", Percent: 80})
	if err := swapTree(installDir, staging, nil); err != nil {
		return err
	}
	if err := copyFileAtomic(filepath.Join(src, PackageFile), filepath.Join(installDir, PackageFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to restore installed package", logging.KeyVersion, target, logging.KeyError, err)
	}
	progress.Report(update.Progress{Stage: "complete", Percent: 100})
	log.Info("rollback complete", "from", current, "to", target)
	return nil
}

// Backups lists the versions with a restorable snapshot, newest snapshot
// first.
func Backups(backupDir string) []string {
	entries := backupEntries(backupDir)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.version)
	}
	return out
}

// snapshot copies the live tree and package into backupDir/<version>.
func (in *Installer) snapshot(installDir, backupDir, version string, progress update.ProgressFunc) (string, error) {
	live := filepath.Join(installDir, SystemDir)
	if _, err := os.Stat(live); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if version == "" {
		version = unknownVersion
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", err
	}

	dest := filepath.Join(backupDir, version)
	tmp := dest + ".tmp"
	os.RemoveAll(tmp)
	progress.Report(update.Progress{Stage: "backing-up", Percent: 60})
	if err := copyTree(live, filepath.Join(tmp, SystemDir)); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := copyFile(filepath.Join(installDir, PackageFile), filepath.Join(tmp, PackageFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := os.RemoveAll(dest); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	now := in.now()
	os.Chtimes(dest, now, now)
	progress.Report(update.Progress{Stage: "backing-up", Percent: 75})
	return dest, nil
}

// swapTree replaces system/ with staging. When files is non-empty the new
// tree is checked against it and the old tree is restored on mismatch.
func swapTree(installDir, staging string, files map[string]string) error {
	live := filepath.Join(installDir, SystemDir)
	old := filepath.Join(installDir, ".old-"+uuid.NewString())

	hadLive := true
	if err := os.Rename(live, old); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return update.Transient("swap", "", err)
		}
		hadLive = false
	}
	restore := func() {
		os.RemoveAll(live)
		if hadLive {
			if err := os.Rename(old, live); err != nil {
				log.Error("failed to restore previous tree", "old", old, logging.KeyError, err)
			}
		}
	}

	if err := os.Rename(staging, live); err != nil {
		restore()
		return update.Transient("swap", "", err)
	}
	if len(files) > 0 {
		if err := pkgfile.VerifyTree(live, files); err != nil {
			restore()
			return update.Integrity("post-install check", "", err)
		}
	}
	if hadLive {
		if err := os.RemoveAll(old); err != nil {
			log.Warn("failed to remove previous tree", "path", old, logging.KeyError, err)
		}
	}
	return nil
}

type backupEntry struct {
	version string
	path    string
	mod     time.Time
}

func backupEntries(backupDir string) []backupEntry {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil
	}
	var out []backupEntry
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, backupEntry{version: e.Name(), path: filepath.Join(backupDir, e.Name()), mod: info.ModTime()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].mod.After(out[j].mod) })
	return out
}

func (in *Installer) prune(backupDir string) []string {
	entries := backupEntries(backupDir)
	if len(entries) <= in.keep {
		return nil
	}
	var removed []string
	for _, e := range entries[in.keep:] {
		if err := os.RemoveAll(e.path); err != nil {
			log.Warn("failed to prune backup", "path", e.path, logging.KeyError, err)
			continue
		}
		removed = append(removed, e.version)
	}
	return removed
}

// installedVersion reads the version of the installed package, falling back
// to the version marker.
func installedVersion(installDir string) string {
	if meta, err := pkgfile.ReadMetadata(filepath.Join(installDir, PackageFile)); err == nil {
		return meta.Version
	}
	if b, err := os.ReadFile(filepath.Join(installDir, VersionFile)); err == nil {
		return strings.TrimSpace(string(b))
	}
	return ""
}

func scale(progress update.ProgressFunc, stage string, from, to float64) update.ProgressFunc {
	if progress == nil {
		return nil
	}
	return func(p update.Progress) {
		p.Stage = stage
		p.Percent = from + (to-from)*p.Percent/100
		progress(p)
	}
}
