// Package download fetches update packages from their mirrors under a
// bandwidth cap.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/ratelimit"

	"github.com/breeze-rmm/vrupdate/internal/download/providers"
	"github.com/breeze-rmm/vrupdate/internal/httputil"
	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/pkgfile"
	"github.com/breeze-rmm/vrupdate/internal/update"
)

var log = logging.L("download")

const (
	progressInterval = 250 * time.Millisecond
	maxSignatureSize = 4096
)

// Downloader satisfies update.Downloader.
type Downloader struct {
	registry *providers.Registry
	retry    httputil.RetryConfig
}

func New(registry *providers.Registry, retry httputil.RetryConfig) *Downloader {
	if registry == nil {
		registry = providers.NewRegistry(providers.Credentials{}, nil)
	}
	return &Downloader{registry: registry, retry: retry}
}

// Fetch downloads pkg and its detached signature into destDir and returns
// the package path. A digest mismatch is an integrity error and is not
// retried; everything else is transient.
func (d *Downloader) Fetch(ctx context.Context, pkg update.PackageInfo, destDir string, maxKbps int, progress update.ProgressFunc) (string, error) {
	if pkg.URL == "" {
		return "", update.Policy("download", pkg.Version, errors.New("package has no download url"))
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", update.Fatal("download", fmt.Errorf("create download dir: %w", err))
	}

	dest := filepath.Join(destDir, fileName(pkg))
	part := dest + ".part"
	sigURL := pkg.SignatureURL
	if sigURL == "" {
		sigURL = signatureURL(pkg.URL)
	}

	start := time.Now()
	err := httputil.Retry(ctx, d.retry, "download "+pkg.Version, func() error {
		err := d.fetchOnce(ctx, pkg, part, maxKbps, progress)
		if errors.Is(err, update.ErrChecksumMismatch) || errors.Is(err, providers.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		os.Remove(part)
		if update.ClassOf(err) == update.ClassFatal {
			return "", err
		}
		if errors.Is(err, update.ErrChecksumMismatch) {
			return "", update.Integrity("download", pkg.Version, err)
		}
		return "", update.Transient("download", pkg.Version, err)
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return "", update.Transient("download", pkg.Version, err)
	}

	err = httputil.Retry(ctx, d.retry, "signature "+pkg.Version, func() error {
		err := d.fetchSignature(ctx, sigURL, pkgfile.SignaturePath(dest))
		if errors.Is(err, providers.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		os.Remove(dest)
		return "", update.Transient("download signature", pkg.Version, err)
	}

	log.Info("package downloaded",
		logging.KeyVersion, pkg.Version,
		"path", dest,
		logging.KeyDurationMs, time.Since(start).Milliseconds(),
	)
	return dest, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, pkg update.PackageInfo, part string, maxKbps int, progress update.ProgressFunc) error {
	body, size, err := d.registry.Open(ctx, pkg.URL)
	if err != nil {
		return err
	}
	defer body.Close()
	if size < 0 {
		size = pkg.Size
	}

	out, err := os.Create(part)
	if err != nil {
		return backoff.Permanent(update.Fatal("download", err))
	}
	defer out.Close()

	var src io.Reader = &contextReader{ctx: ctx, r: body}
	if bucket := NewBucket(maxKbps); bucket != nil {
		src = ratelimit.Reader(src, bucket)
	}

	h := sha256.New()
	pw := newProgressWriter(size, progress)
	if _, err := io.Copy(io.MultiWriter(out, h, pw), src); err != nil {
		return err
	}
	pw.finish()
	if err := out.Sync(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if pkg.SHA256 != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, pkg.SHA256) {
			return fmt.Errorf("%w: expected %s, got %s", update.ErrChecksumMismatch, pkg.SHA256, got)
		}
	}
	return nil
}

func (d *Downloader) fetchSignature(ctx context.Context, rawURL, dest string) error {
	body, _, err := d.registry.Open(ctx, rawURL)
	if err != nil {
		return err
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxSignatureSize))
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0644)
}

// NewBucket returns a token bucket for maxKbps kilobits per second, or nil
// when unlimited. Capacity is one second of traffic.
func NewBucket(maxKbps int) *ratelimit.Bucket {
	if maxKbps <= 0 {
		return nil
	}
	rate := float64(maxKbps) * 1000 / 8
	capacity := int64(rate)
	if capacity < 1 {
		capacity = 1
	}
	return ratelimit.NewBucketWithRate(rate, capacity)
}

func fileName(pkg update.PackageInfo) string {
	ext := pkgfile.Extension
	if u, err := url.Parse(pkg.URL); err == nil {
		if e := path.Ext(u.Path); e != "" {
			ext = e
		}
	}
	name := pkg.Name
	if name == "" {
		name = "package"
	}
	return sanitize(name) + "-" + sanitize(pkg.Version) + ext
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '+':
			return r
		}
		return '_'
	}, s)
}

func signatureURL(pkgURL string) string {
	u, err := url.Parse(pkgURL)
	if err != nil {
		return pkgURL + pkgfile.SigExtension
	}
	u.Path += pkgfile.SigExtension
	return u.String()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
