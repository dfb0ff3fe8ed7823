package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/vrupdate/internal/download/providers"
	"github.com/breeze-rmm/vrupdate/internal/httputil"
	"github.com/breeze-rmm/vrupdate/internal/update"
)

var payload = []byte("vr system image 2.0.0")

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func fastRetry() httputil.RetryConfig {
	return httputil.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
}

func mirror(t *testing.T, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var pkgCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pkgs/vr-system-2.0.0.vrpkg":
			if pkgCalls.Add(1) <= failFirst {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write(payload)
		case "/pkgs/vr-system-2.0.0.vrpkg.sig":
			w.Write([]byte("c2lnbmF0dXJl\n"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &pkgCalls
}

func newDownloader(srv *httptest.Server) *Downloader {
	return New(providers.NewRegistry(providers.Credentials{}, srv.Client()), fastRetry())
}

func TestFetchWritesPackageAndSignature(t *testing.T) {
	srv, calls := mirror(t, 1)
	dest := t.TempDir()

	var last update.Progress
	pkg := update.PackageInfo{Name: "vr-system", Version: "2.0.0", URL: srv.URL + "/pkgs/vr-system-2.0.0.vrpkg", SHA256: digest(payload)}
	path, err := newDownloader(srv).Fetch(context.Background(), pkg, dest, 0, func(p update.Progress) { last = p })
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dest, "vr-system-2.0.0.vrpkg"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.FileExists(t, path+".sig")
	assert.NoFileExists(t, path+".part")
	assert.EqualValues(t, 100, last.Percent)
	assert.EqualValues(t, len(payload), last.BytesDone)
	assert.EqualValues(t, 2, calls.Load(), "first 502 should be retried")
}

func TestFetchChecksumMismatchIsIntegrity(t *testing.T) {
	srv, calls := mirror(t, 0)
	dest := t.TempDir()

	pkg := update.PackageInfo{Name: "vr-system", Version: "2.0.0", URL: srv.URL + "/pkgs/vr-system-2.0.0.vrpkg", SHA256: digest([]byte("other"))}
	_, err := newDownloader(srv).Fetch(context.Background(), pkg, dest, 0, nil)
	require.Error(t, err)
	assert.True(t, update.IsIntegrity(err))
	assert.EqualValues(t, 1, calls.Load(), "integrity failures are not retried")

	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries)
}

func TestFetchMissingSignature(t *testing.T) {
	srv, _ := mirror(t, 0)
	dest := t.TempDir()

	pkg := update.PackageInfo{
		Name: "vr-system", Version: "2.0.0",
		URL:          srv.URL + "/pkgs/vr-system-2.0.0.vrpkg",
		SignatureURL: srv.URL + "/nowhere.sig",
	}
	_, err := newDownloader(srv).Fetch(context.Background(), pkg, dest, 0, nil)
	require.Error(t, err)
	assert.True(t, update.IsTransient(err))
	entries, _ := os.ReadDir(dest)
	assert.Empty(t, entries)
}

func TestFetchCancelled(t *testing.T) {
	srv, _ := mirror(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pkg := update.PackageInfo{Name: "vr-system", Version: "2.0.0", URL: srv.URL + "/pkgs/vr-system-2.0.0.vrpkg"}
	_, err := newDownloader(srv).Fetch(ctx, pkg, t.TempDir(), 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, update.IsTransient(err))
}

func TestNewBucket(t *testing.T) {
	assert.Nil(t, NewBucket(0))
	b := NewBucket(800)
	require.NotNil(t, b)
	assert.InDelta(t, 100000, b.Rate(), 1)
	assert.EqualValues(t, 100000, b.Capacity())

	// 8 kbps is 1000 bytes per second.
	b = NewBucket(8)
	require.NotNil(t, b)
	assert.InDelta(t, 1000, b.Rate(), 0.01)
}

func TestFileNameUsesURLExtension(t *testing.T) {
	assert.Equal(t, "vr-system-delta-1.0.0-2.0.0.vrdelta",
		fileName(update.PackageInfo{Name: "vr-system-delta-1.0.0", Version: "2.0.0", URL: "s3://b/deltas/x.vrdelta"}))
	assert.Equal(t, "package-1.0.0.vrpkg", fileName(update.PackageInfo{Version: "1.0.0", URL: "https://h/dl?id=7"}))
}
