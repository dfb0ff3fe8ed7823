// Package updater owns the update state machine. A Manager composes the
// pipeline stages (check, download, verify, dependency check, install),
// publishes every status transition, keeps the install ledger and runs the
// background scheduler. Manual operations and scheduled cycles share one
// pipeline implementation and one operation slot.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/vrupdate/internal/audit"
	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/pkgfile"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/version"
)

var log = logging.L("updater")

// Component names reported to the health monitor.
const (
	ComponentChecker    = "checker"
	ComponentDownloader = "downloader"
	ComponentVerifier   = "verifier"
	ComponentInstaller  = "installer"
)

const (
	defaultTickInterval      = 30 * time.Second
	defaultCheckInterval     = 6 * time.Hour
	defaultFailureRetryDelay = 5 * time.Minute
)

// Journal records auditable update events.
type Journal interface {
	Log(eventType, operationID string, details map[string]any)
}

// HealthReporter receives per-stage outcomes.
type HealthReporter interface {
	RecordSuccess(component string)
	RecordFailure(component string, err error)
}

// Deps are the collaborators a Manager composes. Checker, Downloader,
// Verifier and Installer are required; Resolver is required when
// dependencies are enforced.
type Deps struct {
	Checker    update.PackageChecker
	Downloader update.Downloader
	Verifier   update.Verifier
	Resolver   update.DependencyResolver
	Delta      update.DeltaEngine
	Installer  update.Installer
	Metadata   update.MetadataReader
	System     update.SystemProbe

	Journal Journal
	Health  HealthReporter
	// Restart is called after a scheduled install that requires a restart.
	Restart func() error
	Now     func() time.Time
}

// Manager is the update orchestrator.
type Manager struct {
	cfg     update.Config
	deps    Deps
	now     func() time.Time
	status  *bus
	history *history

	// op is held for the whole of one status-publishing operation.
	op sync.Mutex

	mu           sync.RWMutex
	available    []update.PackageInfo
	delta        *update.DeltaInfo
	lastCheck    time.Time
	retryAt      time.Time
	failedDeltas map[string]bool
	marker       string

	schedMu sync.Mutex
	sched   *scheduler
}

// New validates deps, creates the working directories, loads the ledger and
// reconciles the version marker with it. Directory and ledger failures are
// fatal.
func New(cfg update.Config, deps Deps) (*Manager, error) {
	switch {
	case deps.Checker == nil:
		return nil, update.Fatal("new manager", errors.New("no package checker"))
	case deps.Downloader == nil:
		return nil, update.Fatal("new manager", errors.New("no downloader"))
	case deps.Verifier == nil:
		return nil, update.Fatal("new manager", errors.New("no verifier"))
	case deps.Installer == nil:
		return nil, update.Fatal("new manager", errors.New("no installer"))
	case cfg.EnforceDependencies && deps.Resolver == nil:
		return nil, update.Fatal("new manager", errors.New("dependency enforcement requires a resolver"))
	}
	if deps.Metadata == nil {
		deps.Metadata = pkgfile.Reader{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.FailureRetryDelay <= 0 {
		cfg.FailureRetryDelay = defaultFailureRetryDelay
	}

	for _, dir := range []string{cfg.DownloadDir, cfg.InstallDir, cfg.BackupDir} {
		if dir == "" {
			return nil, update.Fatal("new manager", errors.New("download, install and backup dirs are required"))
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, update.Fatal("new manager", fmt.Errorf("create %s: %w", dir, err))
		}
	}

	h, err := loadHistory(filepath.Join(cfg.InstallDir, HistoryFile))
	if err != nil {
		return nil, update.Fatal("new manager", err)
	}

	m := &Manager{
		cfg:          cfg,
		deps:         deps,
		now:          deps.Now,
		status:       newBus(deps.Now),
		history:      h,
		failedDeltas: make(map[string]bool),
		marker:       readMarker(cfg.InstallDir),
	}
	m.reconcileMarker()

	log.Info("update manager ready",
		"currentVersion", m.CurrentVersion(),
		"historyEntries", len(h.snapshot()),
		"enforceDependencies", cfg.EnforceDependencies,
		"preferDelta", cfg.PreferDelta && deps.Delta != nil)
	return m, nil
}

// reconcileMarker rewrites the marker when it disagrees with the ledger
// tail. Without a ledger the marker stands.
func (m *Manager) reconcileMarker() {
	tail, ok := m.history.tail()
	if !ok || m.marker == tail.Version {
		return
	}
	log.Warn("version marker disagrees with history, rewriting", "marker", m.marker, "history", tail.Version)
	if err := writeMarker(m.cfg.InstallDir, tail.Version); err != nil {
		log.Error("failed to rewrite version marker", logging.KeyError, err)
		return
	}
	m.marker = tail.Version
}

// Close stops the scheduler and ends every subscription.
func (m *Manager) Close() error {
	err := m.Stop()
	m.status.close()
	return err
}

// --- getters ---

func (m *Manager) Status() update.Status { return m.status.load().Status }

// StatusEvent returns the current status with its sequence and timestamp.
func (m *Manager) StatusEvent() Event { return m.status.load() }

// Subscribe streams status transitions, starting with the current status.
// Events are delivered in order and none are dropped while subscribed.
func (m *Manager) Subscribe() (<-chan Event, func()) { return m.status.subscribe() }

func (m *Manager) AvailableUpdates() []update.PackageInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]update.PackageInfo, len(m.available))
	copy(out, m.available)
	return out
}

func (m *Manager) AvailableDelta() *update.DeltaInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.delta == nil {
		return nil
	}
	d := *m.delta
	return &d
}

func (m *Manager) History() []update.InstalledInfo { return m.history.snapshot() }

func (m *Manager) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// CurrentVersion is the ledger tail, else the version marker, else the
// configured factory version.
func (m *Manager) CurrentVersion() string {
	if tail, ok := m.history.tail(); ok {
		return tail.Version
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.marker != "" {
		return m.marker
	}
	return m.cfg.FactoryVersion
}

// --- manual operations ---

// CheckForUpdates asks the server for newer packages and publishes
// UpdateAvailable, DeltaUpdateAvailable or NoUpdates.
func (m *Manager) CheckForUpdates(ctx context.Context) ([]update.PackageInfo, error) {
	o, err := m.begin("check")
	if err != nil {
		return nil, err
	}
	defer o.end()
	return m.check(ctx, o)
}

// DownloadUpdate fetches and verifies pkg, ending in ReadyToInstall. It
// never installs.
func (m *Manager) DownloadUpdate(ctx context.Context, pkg update.PackageInfo) (string, error) {
	o, err := m.begin("download")
	if err != nil {
		return "", err
	}
	defer o.end()
	return m.download(ctx, o, pkg)
}

// DownloadDelta fetches and verifies a delta file, ending in
// ReadyToInstall. The result is installed with ApplyDeltaUpdate.
func (m *Manager) DownloadDelta(ctx context.Context, d update.DeltaInfo) (string, error) {
	o, err := m.begin("download-delta")
	if err != nil {
		return "", err
	}
	defer o.end()
	name := ""
	for _, p := range m.AvailableUpdates() {
		if p.Version == d.TargetVersion {
			name = p.Name
			break
		}
	}
	return m.download(ctx, o, d.AsPackage(m.productName(name)))
}

// InstallUpdate installs a verified package strictly newer than the current
// version.
func (m *Manager) InstallUpdate(ctx context.Context, path string) (update.InstalledInfo, error) {
	o, err := m.begin("install")
	if err != nil {
		return update.InstalledInfo{}, err
	}
	defer o.end()
	return m.install(ctx, o, path, false)
}

// InstallUpdateAllowDowngrade installs a verified package regardless of its
// version. The ledger entry is recorded with SourceOverride.
func (m *Manager) InstallUpdateAllowDowngrade(ctx context.Context, path string) (update.InstalledInfo, error) {
	o, err := m.begin("install-override")
	if err != nil {
		return update.InstalledInfo{}, err
	}
	defer o.end()
	return m.install(ctx, o, path, true)
}

// ApplyDeltaUpdate verifies a delta file, gates it like a full install and
// applies it against the installed base.
func (m *Manager) ApplyDeltaUpdate(ctx context.Context, path string) (update.InstalledInfo, error) {
	if m.deps.Delta == nil {
		return update.InstalledInfo{}, update.Fatal("apply delta", errors.New("delta updates are not configured"))
	}
	o, err := m.begin("apply-delta")
	if err != nil {
		return update.InstalledInfo{}, err
	}
	defer o.end()
	return m.applyDelta(ctx, o, path)
}

// Rollback restores the backup of target. An empty target means the
// version installed before the current one.
func (m *Manager) Rollback(ctx context.Context, target string) error {
	o, err := m.begin("rollback")
	if err != nil {
		return err
	}
	defer o.end()
	return m.rollback(ctx, o, target)
}

// --- operation slot ---

type operation struct {
	m     *Manager
	id    string
	name  string
	log   *slog.Logger
	start time.Time
}

// begin claims the operation slot. A busy manager rejects the call without
// publishing anything.
func (m *Manager) begin(name string) (*operation, error) {
	if !m.op.TryLock() {
		return nil, update.Policy(name, "", update.ErrBusy)
	}
	id := uuid.NewString()
	return &operation{
		m:     m,
		id:    id,
		name:  name,
		log:   logging.WithOperation(log, id, name),
		start: time.Now(),
	}, nil
}

func (o *operation) end() {
	o.log.Debug("operation finished", logging.KeyDurationMs, time.Since(o.start).Milliseconds(), "state", o.m.Status().State())
	o.m.op.Unlock()
}

// --- pipeline stages ---

func (m *Manager) check(ctx context.Context, o *operation) ([]update.PackageInfo, error) {
	m.publish(update.CheckingForUpdates{})

	current := m.CurrentVersion()
	pkgs, err := m.deps.Checker.Check(ctx, m.cfg.ServerURL, current)
	if err != nil {
		m.reportFailure(ComponentChecker, err)
		return nil, m.fail(o, "", err, update.IsTransient(err))
	}
	m.reportSuccess(ComponentChecker)

	var delta *update.DeltaInfo
	if len(pkgs) > 0 {
		delta = m.findDelta(ctx, o, current, pkgs[0])
	}

	m.mu.Lock()
	m.available = pkgs
	m.delta = delta
	m.lastCheck = m.now()
	m.mu.Unlock()

	switch {
	case len(pkgs) == 0:
		o.log.Info("no updates available", logging.KeyVersion, current)
		m.publish(update.NoUpdates{})
	case delta != nil:
		o.log.Info("delta update available", "base", delta.BaseVersion, "target", delta.TargetVersion,
			"reductionPercent", delta.ReductionPercent)
		m.publish(update.DeltaUpdateAvailable{
			BaseVersion:      delta.BaseVersion,
			TargetVersion:    delta.TargetVersion,
			DeltaSize:        delta.DeltaSize,
			FullSize:         delta.FullSize,
			ReductionPercent: delta.ReductionPercent,
			Notes:            delta.Notes,
			ReleaseDate:      delta.ReleaseDate,
		})
	default:
		newest := pkgs[0]
		o.log.Info("update available", logging.KeyVersion, newest.Version, "current", current, "count", len(pkgs))
		m.publish(update.UpdateAvailable{
			Version:     newest.Version,
			Size:        newest.Size,
			Notes:       newest.Notes,
			ReleaseDate: newest.ReleaseDate,
		})
	}
	return pkgs, nil
}

// findDelta returns a usable delta from current to newest, or nil. Delta
// lookup failures only cost the optimization.
func (m *Manager) findDelta(ctx context.Context, o *operation, current string, newest update.PackageInfo) *update.DeltaInfo {
	if !m.cfg.PreferDelta || m.deps.Delta == nil || current == "" {
		return nil
	}
	m.mu.RLock()
	failed := m.failedDeltas[newest.Version]
	m.mu.RUnlock()
	if failed {
		o.log.Info("delta previously failed, using full package", logging.KeyVersion, newest.Version)
		return nil
	}

	d, err := m.deps.Delta.Find(ctx, m.cfg.ServerURL, current)
	if err != nil {
		o.log.Warn("delta lookup failed", logging.KeyError, err)
		return nil
	}
	if d == nil || d.BaseVersion != current || d.TargetVersion != newest.Version {
		return nil
	}
	if d.FullSize == 0 {
		d.FullSize = newest.Size
	}
	if d.Notes == "" {
		d.Notes = newest.Notes
	}
	if d.ReleaseDate.IsZero() {
		d.ReleaseDate = newest.ReleaseDate
	}
	if d.DeltaSize <= 0 || (d.FullSize > 0 && d.DeltaSize >= d.FullSize) {
		return nil
	}
	return d
}

func (m *Manager) download(ctx context.Context, o *operation, pkg update.PackageInfo) (string, error) {
	m.publish(update.Downloading{Version: pkg.Version, BytesTotal: pkg.Size})

	fetchCtx, cancel := withTimeout(ctx, m.cfg.DownloadTimeout)
	defer cancel()

	progress := func(p update.Progress) {
		m.publish(update.Downloading{
			Version:        pkg.Version,
			Percent:        p.Percent,
			BytesDone:      p.BytesDone,
			BytesTotal:     p.BytesTotal,
			BytesPerSecond: p.BytesPerSecond,
		})
	}
	path, err := m.deps.Downloader.Fetch(fetchCtx, pkg, m.cfg.DownloadDir, m.cfg.MaxBandwidthKbps, progress)
	if err != nil {
		if fetchCtx.Err() != nil && ctx.Err() == nil {
			err = update.Transient("download", pkg.Version, fmt.Errorf("timed out after %s: %w", m.cfg.DownloadTimeout, err))
		}
		m.reportFailure(ComponentDownloader, err)
		return "", m.fail(o, pkg.Version, err, true)
	}
	m.reportSuccess(ComponentDownloader)

	m.publish(update.Verifying{Version: pkg.Version, Path: path})
	if err := m.verify(o, path, pkg.Version); err != nil {
		m.discard(o, path)
		return "", m.fail(o, pkg.Version, err, true)
	}

	size := pkg.Size
	if st, err := os.Stat(path); err == nil {
		size = st.Size()
	}
	o.log.Info("package ready to install", logging.KeyVersion, pkg.Version, "path", path)
	m.publish(update.ReadyToInstall{Version: pkg.Version, Size: size, Notes: pkg.Notes, Path: path})
	return path, nil
}

// verify fails closed: no trusted key is a failure regardless of verifier.
func (m *Manager) verify(o *operation, path, ver string) error {
	var err error
	if len(m.cfg.PublicKey) == 0 {
		err = update.Integrity("verify", ver, fmt.Errorf("%w: no trusted public key configured", update.ErrSignatureInvalid))
	} else if err = m.deps.Verifier.Verify(path, m.cfg.PublicKey); err != nil && !update.IsIntegrity(err) {
		err = update.Integrity("verify", ver, fmt.Errorf("%w: %v", update.ErrSignatureInvalid, err))
	}
	if err != nil {
		m.reportFailure(ComponentVerifier, err)
		m.journal(o, audit.EventVerificationFailed, map[string]any{"path": path, "version": ver, "error": err.Error()})
		return err
	}
	m.reportSuccess(ComponentVerifier)
	return nil
}

func (m *Manager) install(ctx context.Context, o *operation, path string, allowDowngrade bool) (update.InstalledInfo, error) {
	m.publish(update.Verifying{Path: path})
	if err := m.verify(o, path, ""); err != nil {
		m.discard(o, path)
		return update.InstalledInfo{}, m.fail(o, "", err, false)
	}

	meta, err := m.deps.Metadata.ReadMetadata(path)
	if err != nil {
		err = update.Integrity("install", "", fmt.Errorf("read package metadata: %w", err))
		m.discard(o, path)
		return update.InstalledInfo{}, m.fail(o, "", err, false)
	}

	source, err := m.checkForward(o, "install", meta.Version, allowDowngrade)
	if err != nil {
		return update.InstalledInfo{}, m.fail(o, meta.Version, err, false)
	}
	if err := m.checkDependencies(ctx, o, meta); err != nil {
		return update.InstalledInfo{}, err
	}

	info, err := m.runInstall(ctx, o, meta.Version, func(ctx context.Context, progress update.ProgressFunc) (update.InstalledInfo, error) {
		return m.deps.Installer.Install(ctx, path, m.cfg.InstallDir, m.cfg.BackupDir, progress)
	})
	if err != nil {
		if update.IsIntegrity(err) {
			m.discard(o, path)
		}
		return update.InstalledInfo{}, err
	}
	info.Source = source
	fillFromMetadata(&info, meta)

	event := audit.EventUpdateInstalled
	if source == update.SourceOverride {
		event = audit.EventOverrideInstalled
	}
	return m.commit(o, info, path, event)
}

func (m *Manager) applyDelta(ctx context.Context, o *operation, path string) (update.InstalledInfo, error) {
	m.publish(update.Verifying{Path: path})
	if err := m.verify(o, path, ""); err != nil {
		m.discard(o, path)
		return update.InstalledInfo{}, m.fail(o, "", err, false)
	}

	d, meta, err := m.deps.Delta.Inspect(path)
	if err != nil {
		err = update.Integrity("apply delta", "", err)
		m.discard(o, path)
		return update.InstalledInfo{}, m.fail(o, "", err, false)
	}
	current := m.CurrentVersion()
	if d.BaseVersion != current {
		m.markDeltaFailed(d.TargetVersion)
		err := update.Policy("apply delta", d.TargetVersion,
			fmt.Errorf("%w: delta base %s, installed %s", update.ErrDeltaBaseMismatch, d.BaseVersion, current))
		return update.InstalledInfo{}, m.fail(o, d.TargetVersion, err, false)
	}
	if _, err := m.checkForward(o, "apply delta", d.TargetVersion, false); err != nil {
		return update.InstalledInfo{}, m.fail(o, d.TargetVersion, err, false)
	}
	if err := m.checkDependencies(ctx, o, meta); err != nil {
		return update.InstalledInfo{}, err
	}

	info, err := m.runInstall(ctx, o, d.TargetVersion, func(ctx context.Context, progress update.ProgressFunc) (update.InstalledInfo, error) {
		return m.deps.Delta.Apply(ctx, path, m.cfg.InstallDir, m.cfg.BackupDir, progress)
	})
	if err != nil {
		if !update.IsTransient(err) {
			m.markDeltaFailed(d.TargetVersion)
			m.discard(o, path)
		}
		return update.InstalledInfo{}, err
	}
	info.Source = update.SourceDelta
	fillFromMetadata(&info, meta)
	return m.commit(o, info, path, audit.EventDeltaApplied)
}

// checkForward refuses candidates not strictly newer than the current
// version unless allowDowngrade is set.
func (m *Manager) checkForward(o *operation, op, candidate string, allowDowngrade bool) (update.Source, error) {
	current := m.CurrentVersion()
	newer, err := version.Newer(candidate, current)
	if err != nil {
		return "", update.Policy(op, candidate, fmt.Errorf("compare versions: %w", err))
	}
	if newer {
		return update.SourceFull, nil
	}
	if allowDowngrade {
		o.log.Warn("installing non-newer version by override", logging.KeyVersion, candidate, "current", current)
		return update.SourceOverride, nil
	}
	m.journal(o, audit.EventRollbackRefused, map[string]any{"version": candidate, "current": current})
	return "", update.Policy(op, candidate, fmt.Errorf("%w (%s <= %s)", update.ErrRollbackDetected, candidate, current))
}

// checkDependencies publishes CheckingDependencies and refuses the install
// with DependenciesNotSatisfied when the resolver objects.
func (m *Manager) checkDependencies(ctx context.Context, o *operation, meta update.Metadata) error {
	if !m.cfg.EnforceDependencies {
		return nil
	}
	m.publish(update.CheckingDependencies{Version: meta.Version})

	var sys update.SystemInfo
	if m.deps.System != nil {
		var err error
		if sys, err = m.deps.System.SystemInfo(ctx); err != nil {
			err = update.Transient("check dependencies", meta.Version, fmt.Errorf("collect system info: %w", err))
			return m.fail(o, meta.Version, err, true)
		}
	}

	res := m.deps.Resolver.Check(meta, m.installedPackages(meta.Name), sys)
	if res.Satisfied && len(res.Missing) == 0 && len(res.Conflicts) == 0 {
		return nil
	}
	derr := &update.DependencyError{Version: meta.Version, Missing: res.Missing, Conflicts: res.Conflicts}
	o.log.Warn("dependencies not satisfied", logging.KeyVersion, meta.Version, logging.KeyError, derr)
	m.journal(o, audit.EventDependencyRefused, map[string]any{"version": meta.Version, "error": derr.Error()})
	m.publish(update.DependenciesNotSatisfied{Version: meta.Version, Missing: res.Missing, Conflicts: res.Conflicts})
	return derr
}

// installedPackages is the ledger tail and its components. Before the
// first install the running product is assumed to be name at the current
// version.
func (m *Manager) installedPackages(name string) []update.InstalledPackage {
	set := map[string]string{}
	if tail, ok := m.history.tail(); ok {
		n := tail.Name
		if n == "" {
			n = name
		}
		if n != "" {
			set[n] = tail.Version
		}
		for k, v := range tail.Components {
			set[k] = v
		}
	} else if current := m.CurrentVersion(); current != "" && name != "" {
		set[name] = current
	}

	out := make([]update.InstalledPackage, 0, len(set))
	for n, v := range set {
		out = append(out, update.InstalledPackage{Name: n, Version: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type installFunc func(ctx context.Context, progress update.ProgressFunc) (update.InstalledInfo, error)

// runInstall publishes Installing and runs fn. Every outcome other than
// success ends in InstallationFailed here.
func (m *Manager) runInstall(ctx context.Context, o *operation, ver string, fn installFunc) (update.InstalledInfo, error) {
	m.publish(update.Installing{Version: ver, Stage: "starting"})

	installCtx, cancel := withTimeout(ctx, m.cfg.InstallTimeout)
	defer cancel()

	progress := func(p update.Progress) {
		m.publish(update.Installing{Version: ver, Percent: p.Percent, Stage: p.Stage})
	}
	info, err := fn(installCtx, progress)
	if err != nil {
		if errors.Is(err, update.ErrBusy) {
			err = update.Policy("install", ver, err)
		}
		m.reportFailure(ComponentInstaller, err)
		m.journal(o, audit.EventInstallFailed, map[string]any{"version": ver, "error": err.Error(), "class": update.ClassOf(err).String()})
		return update.InstalledInfo{}, m.fail(o, ver, err, update.IsTransient(err))
	}
	m.reportSuccess(ComponentInstaller)
	return info, nil
}

// commit appends the ledger entry and refreshes the marker before
// InstallationComplete is published. A ledger write failure restores the
// previous tree so disk and ledger keep agreeing.
func (m *Manager) commit(o *operation, info update.InstalledInfo, pkgPath, event string) (update.InstalledInfo, error) {
	if info.ID == "" {
		info.ID = o.id
	}
	if info.InstalledAt.IsZero() {
		info.InstalledAt = m.now().UTC()
	}

	if err := m.history.append(info); err != nil {
		err = update.Transient("install", info.Version, fmt.Errorf("persist history: %w", err))
		o.log.Error("failed to persist history, restoring previous version", logging.KeyVersion, info.Version, logging.KeyError, err)
		if !m.restorePrevious(o, info.PreviousVersion) {
			// The new tree stays live; the marker is the only record of it.
			m.setMarker(o, info.Version)
		}
		m.journal(o, audit.EventInstallFailed, map[string]any{"version": info.Version, "error": err.Error()})
		return update.InstalledInfo{}, m.fail(o, info.Version, err, true)
	}
	m.setMarker(o, info.Version)

	m.mu.Lock()
	remaining := m.available[:0:0]
	for _, p := range m.available {
		if newer, err := version.Newer(p.Version, info.Version); err == nil && newer {
			remaining = append(remaining, p)
		}
	}
	m.available = remaining
	m.delta = nil
	delete(m.failedDeltas, info.Version)
	m.mu.Unlock()

	m.journal(o, event, map[string]any{
		"version":  info.Version,
		"previous": info.PreviousVersion,
		"source":   string(info.Source),
		"sha256":   info.PackageSHA256,
	})
	o.log.Info("update installed", logging.KeyVersion, info.Version, "previous", info.PreviousVersion, "source", info.Source)
	m.publish(update.InstallationComplete{
		Version:         info.Version,
		InstalledAt:     info.InstalledAt,
		RequiresRestart: info.RequiresRestart,
	})
	m.discard(o, pkgPath)
	return info, nil
}

// restorePrevious puts prev back after a failed ledger write and reports
// whether it did.
func (m *Manager) restorePrevious(o *operation, prev string) bool {
	if prev == "" || prev == "unknown" {
		o.log.Error("no previous version recorded, live tree left at new version")
		return false
	}
	ctx, cancel := withTimeout(context.Background(), m.cfg.InstallTimeout)
	defer cancel()
	if err := m.deps.Installer.Rollback(ctx, prev, m.cfg.InstallDir, m.cfg.BackupDir, nil); err != nil {
		o.log.Error("failed to restore previous version", logging.KeyVersion, prev, logging.KeyError, err)
		return false
	}
	return true
}

func (m *Manager) rollback(ctx context.Context, o *operation, target string) error {
	current := m.CurrentVersion()
	if target == "" {
		if tail, ok := m.history.tail(); ok {
			target = tail.PreviousVersion
		}
	}
	m.publish(update.RollingBack{From: current, To: target})

	failed := func(err error) error {
		m.reportFailure(ComponentInstaller, err)
		m.journal(o, audit.EventRollbackFailed, map[string]any{"from": current, "to": target, "error": err.Error()})
		o.log.Warn("rollback failed", "from", current, "to", target, logging.KeyError, err)
		m.publish(update.RollbackFailed{From: current, To: target, Error: err.Error()})
		return err
	}
	switch {
	case target == "" || target == "unknown":
		return failed(update.Policy("rollback", "", update.ErrNoBackup))
	case target == current:
		return failed(update.Policy("rollback", target, fmt.Errorf("%s is already installed", target)))
	}

	rbCtx, cancel := withTimeout(ctx, m.cfg.InstallTimeout)
	defer cancel()
	progress := func(p update.Progress) {
		m.publish(update.RollingBack{From: current, To: target, Percent: p.Percent})
	}
	if err := m.deps.Installer.Rollback(rbCtx, target, m.cfg.InstallDir, m.cfg.BackupDir, progress); err != nil {
		return failed(err)
	}

	entry := update.InstalledInfo{
		ID:              o.id,
		Version:         target,
		PreviousVersion: current,
		InstalledAt:     m.now().UTC(),
		Source:          update.SourceRollback,
		BackupPath:      filepath.Join(m.cfg.BackupDir, target),
	}
	if prior, ok := m.lastEntryFor(target); ok {
		entry.Name = prior.Name
		entry.PackageSHA256 = prior.PackageSHA256
		entry.Components = prior.Components
		entry.RequiresRestart = prior.RequiresRestart
	}
	if err := m.history.append(entry); err != nil {
		o.log.Error("failed to persist rollback, restoring", logging.KeyVersion, current, logging.KeyError, err)
		m.restorePrevious(o, current)
		return failed(update.Transient("rollback", target, fmt.Errorf("persist history: %w", err)))
	}
	m.setMarker(o, target)
	m.reportSuccess(ComponentInstaller)
	m.journal(o, audit.EventRollbackCompleted, map[string]any{"from": current, "to": target})
	o.log.Info("rollback complete", "from", current, "to", target)
	m.publish(update.RollbackComplete{From: current, To: target, RolledBackAt: entry.InstalledAt})
	return nil
}

func (m *Manager) lastEntryFor(v string) (update.InstalledInfo, bool) {
	entries := m.history.snapshot()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Version == v {
			return entries[i], true
		}
	}
	return update.InstalledInfo{}, false
}

// --- helpers ---

func (m *Manager) publish(s update.Status) {
	ev := m.status.publish(s)
	log.Debug("status", "state", s.State(), "seq", ev.Seq)
}

func (m *Manager) fail(o *operation, ver string, err error, canRetry bool) error {
	o.log.Warn("operation failed", logging.KeyVersion, ver, "class", update.ClassOf(err).String(),
		"canRetry", canRetry, logging.KeyError, err)
	m.publish(update.InstallationFailed{Version: ver, Error: err.Error(), CanRetry: canRetry})
	return err
}

func (m *Manager) setMarker(o *operation, v string) {
	if err := writeMarker(m.cfg.InstallDir, v); err != nil {
		o.log.Warn("failed to write version marker", logging.KeyVersion, v, logging.KeyError, err)
	}
	m.mu.Lock()
	m.marker = v
	m.mu.Unlock()
}

func (m *Manager) markDeltaFailed(target string) {
	if target == "" {
		return
	}
	m.mu.Lock()
	m.failedDeltas[target] = true
	if m.delta != nil && m.delta.TargetVersion == target {
		m.delta = nil
	}
	m.mu.Unlock()
}

// discard removes a downloaded file and its signature. Files outside the
// download dir belong to the caller and are left alone.
func (m *Manager) discard(o *operation, path string) {
	rel, err := filepath.Rel(m.cfg.DownloadDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return
	}
	for _, p := range []string{path, pkgfile.SignaturePath(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			o.log.Warn("failed to remove downloaded file", "path", p, logging.KeyError, err)
		}
	}
}

func (m *Manager) productName(fallback string) string {
	if tail, ok := m.history.tail(); ok && tail.Name != "" {
		return tail.Name
	}
	if fallback != "" {
		return fallback
	}
	return "update"
}

func (m *Manager) journal(o *operation, event string, details map[string]any) {
	if m.deps.Journal != nil {
		m.deps.Journal.Log(event, o.id, details)
	}
}

func (m *Manager) reportSuccess(component string) {
	if m.deps.Health != nil {
		m.deps.Health.RecordSuccess(component)
	}
}

func (m *Manager) reportFailure(component string, err error) {
	if m.deps.Health != nil {
		m.deps.Health.RecordFailure(component, err)
	}
}

func fillFromMetadata(info *update.InstalledInfo, meta update.Metadata) {
	if info.Name == "" {
		info.Name = meta.Name
	}
	if info.Version == "" {
		info.Version = meta.Version
	}
	if info.Components == nil {
		info.Components = meta.Provides
	}
	info.RequiresRestart = info.RequiresRestart || meta.RequiresRestart
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
