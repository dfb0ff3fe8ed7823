// Package delta builds and applies binary-diff packages.
//
// A delta file is one JSON header line followed by a zstd stream of the
// target package compressed with the base package as a raw dictionary.
package delta

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/breeze-rmm/vrupdate/internal/httputil"
	"github.com/breeze-rmm/vrupdate/internal/installer"
	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/pkgfile"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/version"
)

var log = logging.L("delta")

const (
	Format    = "vrdelta/1"
	Extension = ".vrdelta"

	deltasPath     = "/api/v1/deltas"
	maxHeaderSize  = 1 << 20 // the header carries the target manifest with every file digest
	dictID         = 1
	maxResponseLen = 1 << 20
)

var ErrBadDelta = errors.New("malformed delta file")

type header struct {
	Format        string `json:"format"`
	BaseVersion   string `json:"base_version"`
	TargetVersion string `json:"target_version"`
	TargetSHA256  string `json:"target_sha256"`
	FullSize      int64  `json:"full_size"`

	Manifest *update.Metadata `json:"manifest,omitempty"`
}

// Engine satisfies update.DeltaEngine. Reconstructed packages are handed to
// the wrapped Installer.
type Engine struct {
	client    *http.Client
	retry     httputil.RetryConfig
	installer update.Installer
}

func NewEngine(inst update.Installer, client *http.Client, retry httputil.RetryConfig) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{client: client, retry: retry, installer: inst}
}

type deltasResponse struct {
	Deltas []update.DeltaInfo `json:"deltas"`
}

// Find returns the delta from baseVersion to the newest target the server
// offers, or nil when there is none.
func (e *Engine) Find(ctx context.Context, serverURL, baseVersion string) (*update.DeltaInfo, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, update.Policy("find delta", baseVersion, fmt.Errorf("invalid server url %q", serverURL))
	}
	base.Path += deltasPath
	base.RawQuery = url.Values{"base": {baseVersion}}.Encode()

	resp, err := httputil.Do(ctx, e.client, http.MethodGet, base.String(), nil, http.Header{"Accept": {"application/json"}}, e.retry)
	if err != nil {
		return nil, update.Transient("find delta", baseVersion, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, nil
	}
	if err := httputil.CheckResponse(resp); err != nil {
		return nil, update.Transient("find delta", baseVersion, err)
	}
	defer resp.Body.Close()

	var body deltasResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseLen)).Decode(&body); err != nil {
		return nil, update.Transient("find delta", baseVersion, fmt.Errorf("decode deltas response: %w", err))
	}

	var best *update.DeltaInfo
	for i := range body.Deltas {
		d := body.Deltas[i]
		if d.BaseVersion != baseVersion {
			continue
		}
		if newer, err := version.Newer(d.TargetVersion, baseVersion); err != nil || !newer {
			continue
		}
		if best != nil {
			if newer, _ := version.Newer(d.TargetVersion, best.TargetVersion); !newer {
				continue
			}
		}
		if d.ReductionPercent == 0 && d.FullSize > 0 {
			d.ReductionPercent = ReductionPercent(d.DeltaSize, d.FullSize)
		}
		if d.URL != "" {
			d.URL = resolve(serverURL, d.URL)
		}
		if d.SignatureURL != "" {
			d.SignatureURL = resolve(serverURL, d.SignatureURL)
		}
		best = &d
	}
	return best, nil
}

// Inspect reads the header of a delta file.
func (e *Engine) Inspect(path string) (update.DeltaInfo, update.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return update.DeltaInfo{}, update.Metadata{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return update.DeltaInfo{}, update.Metadata{}, err
	}
	h, err := readHeader(bufio.NewReader(f))
	if err != nil {
		return update.DeltaInfo{}, update.Metadata{}, update.Integrity("inspect delta", "", err)
	}
	meta := update.Metadata{Version: h.TargetVersion, RequiresRestart: true}
	if h.Manifest != nil {
		meta = *h.Manifest
	}
	if meta.Version != h.TargetVersion {
		return update.DeltaInfo{}, update.Metadata{}, update.Integrity("inspect delta", h.TargetVersion,
			fmt.Errorf("%w: manifest version %s does not match target", ErrBadDelta, meta.Version))
	}
	info := update.DeltaInfo{
		BaseVersion:      h.BaseVersion,
		TargetVersion:    h.TargetVersion,
		DeltaSize:        st.Size(),
		FullSize:         h.FullSize,
		ReductionPercent: ReductionPercent(st.Size(), h.FullSize),
		Notes:            meta.ReleaseNotes,
		ReleaseDate:      meta.ReleaseDate,
		TargetSHA256:     h.TargetSHA256,
	}
	return info, meta, nil
}

// Apply reconstructs the target package from the installed base package and
// installs it.
func (e *Engine) Apply(ctx context.Context, deltaPath, installDir, backupDir string, progress update.ProgressFunc) (update.InstalledInfo, error) {
	basePath := filepath.Join(installDir, installer.PackageFile)
	baseMeta, err := pkgfile.ReadMetadata(basePath)
	if err != nil {
		return update.InstalledInfo{}, update.Policy("apply delta", "", fmt.Errorf("%w: no installed base package: %v", update.ErrDeltaBaseMismatch, err))
	}

	rebuilt := strings.TrimSuffix(deltaPath, Extension) + ".rebuilt" + pkgfile.Extension
	defer os.Remove(rebuilt)

	progress.Report(update.Progress{Stage: "reconstructing", Percent: 0})
	h, err := reconstruct(basePath, baseMeta.Version, deltaPath, rebuilt)
	if err != nil {
		return update.InstalledInfo{}, err
	}
	progress.Report(update.Progress{Stage: "reconstructing", Percent: 100})
	log.Info("delta reconstructed", "base", h.BaseVersion, "target", h.TargetVersion)

	if err := ctx.Err(); err != nil {
		return update.InstalledInfo{}, update.Transient("apply delta", h.TargetVersion, err)
	}
	info, err := e.installer.Install(ctx, rebuilt, installDir, backupDir, progress)
	if err != nil {
		return update.InstalledInfo{}, err
	}
	info.Source = update.SourceDelta
	return info, nil
}

// reconstruct rebuilds the target package at out from the base package and a
// delta file, checking the result against the target digest in the header.
func reconstruct(basePath, baseVersion, deltaPath, out string) (header, error) {
	f, err := os.Open(deltaPath)
	if err != nil {
		return header{}, update.Transient("apply delta", "", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	h, err := readHeader(br)
	if err != nil {
		return header{}, update.Integrity("apply delta", "", err)
	}
	if baseVersion != "" && h.BaseVersion != baseVersion {
		return h, update.Policy("apply delta", h.TargetVersion,
			fmt.Errorf("%w: delta base %s, installed %s", update.ErrDeltaBaseMismatch, h.BaseVersion, baseVersion))
	}

	dict, err := os.ReadFile(basePath)
	if err != nil {
		return h, update.Transient("apply delta", h.TargetVersion, fmt.Errorf("read base package: %w", err))
	}
	dec, err := zstd.NewReader(br, zstd.WithDecoderDictRaw(dictID, dict))
	if err != nil {
		return h, update.Integrity("apply delta", h.TargetVersion, err)
	}
	defer dec.Close()

	dst, err := os.Create(out)
	if err != nil {
		return h, update.Transient("apply delta", h.TargetVersion, err)
	}
	hash := sha256.New()
	_, copyErr := io.Copy(io.MultiWriter(dst, hash), dec)
	closeErr := dst.Close()
	if copyErr != nil {
		os.Remove(out)
		return h, update.Integrity("apply delta", h.TargetVersion, fmt.Errorf("%w: %v", ErrBadDelta, copyErr))
	}
	if closeErr != nil {
		os.Remove(out)
		return h, update.Transient("apply delta", h.TargetVersion, closeErr)
	}
	if got := hex.EncodeToString(hash.Sum(nil)); !strings.EqualFold(got, h.TargetSHA256) {
		os.Remove(out)
		return h, update.Integrity("apply delta", h.TargetVersion,
			fmt.Errorf("%w: reconstructed package digest %s, want %s", update.ErrChecksumMismatch, got, h.TargetSHA256))
	}
	return h, nil
}

// Create writes a delta from basePath to targetPath at out.
func Create(basePath, targetPath, out string) (update.DeltaInfo, error) {
	baseMeta, err := pkgfile.ReadMetadata(basePath)
	if err != nil {
		return update.DeltaInfo{}, fmt.Errorf("read base package: %w", err)
	}
	targetMeta, err := pkgfile.ReadMetadata(targetPath)
	if err != nil {
		return update.DeltaInfo{}, fmt.Errorf("read target package: %w", err)
	}
	dict, err := os.ReadFile(basePath)
	if err != nil {
		return update.DeltaInfo{}, err
	}
	target, err := os.ReadFile(targetPath)
	if err != nil {
		return update.DeltaInfo{}, err
	}
	sum := sha256.Sum256(target)

	h := header{
		Format:        Format,
		BaseVersion:   baseMeta.Version,
		TargetVersion: targetMeta.Version,
		TargetSHA256:  hex.EncodeToString(sum[:]),
		FullSize:      int64(len(target)),
		Manifest:      &targetMeta,
	}
	line, err := json.Marshal(h)
	if err != nil {
		return update.DeltaInfo{}, err
	}
	if len(line) > maxHeaderSize {
		return update.DeltaInfo{}, fmt.Errorf("delta header is %d bytes, limit %d: target manifest lists too many files", len(line), maxHeaderSize)
	}

	var buf bytes.Buffer
	buf.Write(line)
	buf.WriteByte('\n')
	enc, err := zstd.NewWriter(&buf,
		zstd.WithEncoderDictRaw(dictID, dict),
		zstd.WithEncoderLevel(zstd.SpeedBetterCompression),
	)
	if err != nil {
		return update.DeltaInfo{}, err
	}
	if _, err := enc.Write(target); err != nil {
		enc.Close()
		return update.DeltaInfo{}, err
	}
	if err := enc.Close(); err != nil {
		return update.DeltaInfo{}, err
	}
	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		return update.DeltaInfo{}, err
	}

	size := int64(buf.Len())
	return update.DeltaInfo{
		BaseVersion:      h.BaseVersion,
		TargetVersion:    h.TargetVersion,
		DeltaSize:        size,
		FullSize:         h.FullSize,
		ReductionPercent: ReductionPercent(size, h.FullSize),
		Notes:            targetMeta.ReleaseNotes,
		ReleaseDate:      targetMeta.ReleaseDate,
		TargetSHA256:     h.TargetSHA256,
	}, nil
}

// ReductionPercent is the size saving of a delta over the full package.
func ReductionPercent(deltaSize, fullSize int64) float64 {
	if fullSize <= 0 || deltaSize >= fullSize {
		return 0
	}
	return float64(fullSize-deltaSize) * 100 / float64(fullSize)
}

func readHeader(br *bufio.Reader) (header, error) {
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			return header{}, fmt.Errorf("%w: %v", ErrBadDelta, err)
		}
		line = append(line, chunk...)
		if len(line) > maxHeaderSize {
			return header{}, fmt.Errorf("%w: header too long", ErrBadDelta)
		}
		if !isPrefix {
			break
		}
	}
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return header{}, fmt.Errorf("%w: %v", ErrBadDelta, err)
	}
	if h.Format != Format {
		return header{}, fmt.Errorf("%w: unsupported format %q", ErrBadDelta, h.Format)
	}
	if h.BaseVersion == "" || h.TargetVersion == "" || h.TargetSHA256 == "" {
		return header{}, fmt.Errorf("%w: incomplete header", ErrBadDelta)
	}
	return h, nil
}

func resolve(serverURL, ref string) string {
	r, err := url.Parse(ref)
	if err != nil || r.IsAbs() {
		return ref
	}
	base, err := url.Parse(strings.TrimRight(serverURL, "/") + "/")
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
