package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/vrupdate/internal/pkgfile"
	"github.com/breeze-rmm/vrupdate/internal/update"
)

type dirs struct {
	install, backup, pkgs string
}

func newDirs(t *testing.T) dirs {
	root := t.TempDir()
	return dirs{
		install: filepath.Join(root, "install"),
		backup:  filepath.Join(root, "backup"),
		pkgs:    filepath.Join(root, "pkgs"),
	}
}

func buildPkg(t *testing.T, d dirs, version, content string) string {
	t.Helper()
	p := filepath.Join(d.pkgs, "vr-system-"+version+".vrpkg")
	meta := update.Metadata{
		Name:            "vr-system",
		Version:         version,
		RequiresRestart: true,
		Provides:        map[string]string{"compositor": version},
	}
	require.NoError(t, pkgfile.Build(p, meta, map[string][]byte{"bin/compositor": []byte(content)}))
	return p
}

func readLive(t *testing.T, d dirs) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(d.install, SystemDir, "bin", "compositor"))
	require.NoError(t, err)
	return string(b)
}

func TestInstallFreshAndUpgrade(t *testing.T) {
	d := newDirs(t)
	in := New(3)

	var stages []string
	info, err := in.Install(context.Background(), buildPkg(t, d, "1.0.0", "v1"), d.install, d.backup, func(p update.Progress) {
		stages = append(stages, p.Stage)
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Empty(t, info.PreviousVersion)
	assert.Empty(t, info.BackupPath)
	assert.True(t, info.RequiresRestart)
	assert.Equal(t, map[string]string{"compositor": "1.0.0"}, info.Components)
	assert.NotEmpty(t, info.PackageSHA256)
	assert.Equal(t, "v1", readLive(t, d))
	assert.Contains(t, stages, "extracting")
	assert.Equal(t, "complete", stages[len(stages)-1])

	info, err = in.Install(context.Background(), buildPkg(t, d, "2.0.0", "v2"), d.install, d.backup, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", info.PreviousVersion)
	assert.Equal(t, filepath.Join(d.backup, "1.0.0"), info.BackupPath)
	assert.Equal(t, "v2", readLive(t, d))
	assert.Equal(t, []string{"1.0.0"}, Backups(d.backup))

	entries, err := os.ReadDir(d.install)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".staging-")
		assert.NotContains(t, e.Name(), ".old-")
	}
}

func TestRollbackRestoresBackup(t *testing.T) {
	d := newDirs(t)
	in := New(3)
	_, err := in.Install(context.Background(), buildPkg(t, d, "1.0.0", "v1"), d.install, d.backup, nil)
	require.NoError(t, err)
	_, err = in.Install(context.Background(), buildPkg(t, d, "2.0.0", "v2"), d.install, d.backup, nil)
	require.NoError(t, err)

	require.NoError(t, in.Rollback(context.Background(), "1.0.0", d.install, d.backup, nil))
	assert.Equal(t, "v1", readLive(t, d))
	assert.Equal(t, "1.0.0", installedVersion(d.install))
	assert.ElementsMatch(t, []string{"1.0.0", "2.0.0"}, Backups(d.backup))
}

func TestRollbackWithoutBackup(t *testing.T) {
	d := newDirs(t)
	err := New(3).Rollback(context.Background(), "0.5.0", d.install, d.backup, nil)
	assert.ErrorIs(t, err, update.ErrNoBackup)
	assert.True(t, update.IsPolicy(err))
}

func TestInstallCancelledBeforeSwapLeavesLiveTree(t *testing.T) {
	d := newDirs(t)
	in := New(3)
	_, err := in.Install(context.Background(), buildPkg(t, d, "1.0.0", "v1"), d.install, d.backup, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = in.Install(ctx, buildPkg(t, d, "2.0.0", "v2"), d.install, d.backup, nil)
	require.Error(t, err)
	assert.True(t, update.IsTransient(err))
	assert.Equal(t, "v1", readLive(t, d))
}

func TestInstallRejectsCorruptPackage(t *testing.T) {
	d := newDirs(t)
	require.NoError(t, os.MkdirAll(d.pkgs, 0755))
	bad := filepath.Join(d.pkgs, "bad.vrpkg")
	require.NoError(t, os.WriteFile(bad, []byte("not a package"), 0644))

	_, err := New(3).Install(context.Background(), bad, d.install, d.backup, nil)
	require.Error(t, err)
	assert.True(t, update.IsIntegrity(err))
	_, statErr := os.Stat(filepath.Join(d.install, SystemDir))
	assert.True(t, os.IsNotExist(statErr))
}

func TestInstallPrunesBackups(t *testing.T) {
	d := newDirs(t)
	in := New(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	in.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Hour)
	}

	for i, v := range []string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"} {
		_, err := in.Install(context.Background(), buildPkg(t, d, v, "v"+v), d.install, d.backup, nil)
		require.NoError(t, err, "install %d", i)
	}
	assert.Equal(t, []string{"1.2.0", "1.1.0"}, Backups(d.backup))
}

func TestLockRejectsConcurrentInstall(t *testing.T) {
	d := newDirs(t)
	unlock, err := lockInstallDir(d.install)
	require.NoError(t, err)
	defer unlock()

	_, err = New(3).Install(context.Background(), buildPkg(t, d, "1.0.0", "v1"), d.install, d.backup, nil)
	assert.ErrorIs(t, err, update.ErrBusy)
}
