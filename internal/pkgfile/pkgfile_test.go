package pkgfile

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/vrupdate/internal/update"
)

func testMeta(v string) update.Metadata {
	return update.Metadata{
		Name:            "vr-system",
		Version:         v,
		ReleaseNotes:    "fixes",
		RequiresRestart: true,
		Dependencies:    []update.Dependency{{Name: "tracking-fw", Constraint: ">= 1.0"}},
	}
}

func TestBuildAndReadMetadata(t *testing.T) {
	p := filepath.Join(t.TempDir(), "pkg.vrpkg")
	require.NoError(t, Build(p, testMeta("2.0.0"), map[string][]byte{"bin/compositor": []byte("v2")}))

	meta, err := ReadMetadata(p)
	require.NoError(t, err)
	assert.Equal(t, "vr-system", meta.Name)
	assert.Equal(t, "2.0.0", meta.Version)
	assert.True(t, meta.RequiresRestart)
	require.Len(t, meta.Dependencies, 1)
	assert.Equal(t, ">= 1.0", meta.Dependencies[0].Constraint)
	assert.Contains(t, meta.Files, "bin/compositor")
}

func TestBuildIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{"a": []byte("1"), "b/c": []byte("2")}
	require.NoError(t, Build(filepath.Join(dir, "one"), testMeta("1.0.0"), files))
	require.NoError(t, Build(filepath.Join(dir, "two"), testMeta("1.0.0"), files))

	s1, err := SHA256File(filepath.Join(dir, "one"))
	require.NoError(t, err)
	s2, err := SHA256File(filepath.Join(dir, "two"))
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestExtractAndVerifyTree(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "pkg.vrpkg")
	require.NoError(t, Build(p, testMeta("2.0.0"), map[string][]byte{
		"bin/compositor": []byte("compositor v2"),
		"etc/display":    []byte("refresh=120"),
	}))

	var last update.Progress
	dest := filepath.Join(dir, "out")
	meta, err := Extract(context.Background(), p, dest, func(pr update.Progress) { last = pr })
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", meta.Version)
	assert.EqualValues(t, 100, last.Percent)

	got, err := os.ReadFile(filepath.Join(dest, "bin", "compositor"))
	require.NoError(t, err)
	assert.Equal(t, "compositor v2", string(got))
	require.NoError(t, VerifyTree(dest, meta.Files))

	require.NoError(t, os.WriteFile(filepath.Join(dest, "etc", "display"), []byte("tampered"), 0644))
	err = VerifyTree(dest, meta.Files)
	assert.True(t, errors.Is(err, update.ErrChecksumMismatch))
}

func TestExtractCancelled(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "pkg.vrpkg")
	require.NoError(t, Build(p, testMeta("2.0.0"), map[string][]byte{"a": []byte("x")}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Extract(ctx, p, filepath.Join(dir, "out"), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "evil.vrpkg")
	f, err := os.Create(p)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	manifest := []byte("name: evil\nversion: 1.0.0\n")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: ManifestName, Mode: 0644, Size: int64(len(manifest)), Typeflag: tar.TypeReg}))
	_, err = tw.Write(manifest)
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "payload/../../escape", Mode: 0644, Size: 1, Typeflag: tar.TypeReg}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, err = Extract(context.Background(), p, filepath.Join(dir, "out"), nil)
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "escape"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReadMetadataNoManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.vrpkg")
	f, err := os.Create(p)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, err = ReadMetadata(p)
	assert.ErrorIs(t, err, ErrNoManifest)
}
