// Package pkgfile reads and writes .vrpkg update packages: a gzip-compressed
// tar carrying manifest.yaml at the root and the payload under payload/.
package pkgfile

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/update"
)

var log = logging.L("pkgfile")

const (
	ManifestName  = "manifest.yaml"
	PayloadPrefix = "payload/"
	Extension     = ".vrpkg"
	SigExtension  = ".sig"

	maxManifestSize = 1 << 20
)

var ErrNoManifest = errors.New("package has no manifest")

// SignaturePath returns the detached signature path for a package.
func SignaturePath(pkgPath string) string {
	return pkgPath + SigExtension
}

// Reader satisfies update.MetadataReader.
type Reader struct{}

func (Reader) ReadMetadata(path string) (update.Metadata, error) { return ReadMetadata(path) }

// ReadMetadata returns the manifest of the package at p.
func ReadMetadata(p string) (update.Metadata, error) {
	f, err := os.Open(p)
	if err != nil {
		return update.Metadata{}, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return update.Metadata{}, fmt.Errorf("open package %s: %w", p, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return update.Metadata{}, ErrNoManifest
		}
		if err != nil {
			return update.Metadata{}, fmt.Errorf("read package %s: %w", p, err)
		}
		if path.Clean(hdr.Name) != ManifestName {
			continue
		}
		raw, err := io.ReadAll(io.LimitReader(tr, maxManifestSize))
		if err != nil {
			return update.Metadata{}, fmt.Errorf("read manifest: %w", err)
		}
		return ParseManifest(raw)
	}
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(raw []byte) (update.Metadata, error) {
	var meta update.Metadata
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return update.Metadata{}, fmt.Errorf("parse manifest: %w", err)
	}
	if meta.Name == "" || meta.Version == "" {
		return update.Metadata{}, fmt.Errorf("manifest missing name or version")
	}
	// requires_restart defaults to true when the manifest omits it.
	var restart struct {
		RequiresRestart *bool `yaml:"requires_restart"`
	}
	if err := yaml.Unmarshal(raw, &restart); err == nil && restart.RequiresRestart == nil {
		meta.RequiresRestart = true
	}
	return meta, nil
}

// Extract unpacks the payload of the package at p into dest and returns the
// manifest. Entries escaping dest are rejected.
func Extract(ctx context.Context, p, dest string, progress update.ProgressFunc) (update.Metadata, error) {
	f, err := os.Open(p)
	if err != nil {
		return update.Metadata{}, err
	}
	defer f.Close()

	var total int64
	if st, err := f.Stat(); err == nil {
		total = st.Size()
	}
	counter := &countingReader{r: f}

	gz, err := gzip.NewReader(counter)
	if err != nil {
		return update.Metadata{}, fmt.Errorf("open package %s: %w", p, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0755); err != nil {
		return update.Metadata{}, err
	}

	var meta update.Metadata
	haveManifest := false
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return update.Metadata{}, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return update.Metadata{}, fmt.Errorf("read package %s: %w", p, err)
		}

		name := path.Clean(hdr.Name)
		if name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
			return update.Metadata{}, fmt.Errorf("illegal path %q in package", hdr.Name)
		}
		if name == ManifestName {
			raw, err := io.ReadAll(io.LimitReader(tr, maxManifestSize))
			if err != nil {
				return update.Metadata{}, fmt.Errorf("read manifest: %w", err)
			}
			if meta, err = ParseManifest(raw); err != nil {
				return update.Metadata{}, err
			}
			haveManifest = true
			continue
		}
		if !strings.HasPrefix(name, PayloadPrefix) {
			log.Debug("skipping non-payload entry", "entry", hdr.Name)
			continue
		}

		target, err := safeJoin(dest, strings.TrimPrefix(name, PayloadPrefix))
		if err != nil {
			return update.Metadata{}, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return update.Metadata{}, err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return update.Metadata{}, err
			}
		default:
			return update.Metadata{}, fmt.Errorf("unsupported entry type %q for %s", hdr.Typeflag, hdr.Name)
		}

		if total > 0 {
			progress.Report(update.Progress{
				Stage:      "extracting",
				Percent:    float64(counter.n) * 100 / float64(total),
				BytesDone:  counter.n,
				BytesTotal: total,
			})
		}
	}

	if !haveManifest {
		return update.Metadata{}, ErrNoManifest
	}
	progress.Report(update.Progress{Stage: "extracting", Percent: 100, BytesDone: total, BytesTotal: total})
	return meta, nil
}

// VerifyTree checks every file listed in files (payload-relative path to
// hex SHA-256) against the tree rooted at dir.
func VerifyTree(dir string, files map[string]string) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, err := safeJoin(dir, name)
		if err != nil {
			return err
		}
		sum, err := SHA256File(p)
		if err != nil {
			return fmt.Errorf("verify %s: %w", name, err)
		}
		if !strings.EqualFold(sum, files[name]) {
			return fmt.Errorf("verify %s: %w", name, update.ErrChecksumMismatch)
		}
	}
	return nil
}

// Build writes a package at p containing meta and files (payload-relative
// path to content). When meta.Files is empty it is filled with the digests
// of files.
func Build(p string, meta update.Metadata, files map[string][]byte) error {
	if meta.Files == nil {
		meta.Files = make(map[string]string, len(files))
		for name, data := range files {
			sum := sha256.Sum256(data)
			meta.Files[name] = hex.EncodeToString(sum[:])
		}
	}
	manifest, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	// Fixed mtime keeps packages byte-stable for delta creation.
	mtime := time.Unix(0, 0)

	if err := writeEntry(tw, ManifestName, manifest, mtime); err != nil {
		return err
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeEntry(tw, PayloadPrefix+filepath.ToSlash(name), files[name], mtime); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}

// SHA256File returns the hex SHA-256 of the file at p.
func SHA256File(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeEntry(tw *tar.Writer, name string, data []byte, mtime time.Time) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  mtime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func safeJoin(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("illegal path %q in package", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal path %q in package", name)
	}
	return target, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
