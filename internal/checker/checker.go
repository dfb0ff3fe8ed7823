// Package checker queries the update server for available packages.
package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/breeze-rmm/vrupdate/internal/httputil"
	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/version"
)

var log = logging.L("checker")

const (
	updatesPath     = "/api/v1/updates"
	maxResponseSize = 4 << 20
)

// HTTPChecker satisfies update.PackageChecker against the update server API.
type HTTPChecker struct {
	client      *http.Client
	retry       httputil.RetryConfig
	channel     string
	deviceModel string
	arch        string
}

// Option customizes an HTTPChecker.
type Option func(*HTTPChecker)

func WithHTTPClient(c *http.Client) Option { return func(h *HTTPChecker) { h.client = c } }
func WithRetry(cfg httputil.RetryConfig) Option { return func(h *HTTPChecker) { h.retry = cfg } }
func WithChannel(channel string) Option { return func(h *HTTPChecker) { h.channel = channel } }
func WithDeviceModel(model string) Option { return func(h *HTTPChecker) { h.deviceModel = model } }

func New(opts ...Option) *HTTPChecker {
	h := &HTTPChecker{
		client: &http.Client{Timeout: 30 * time.Second},
		retry:  httputil.DefaultRetryConfig(),
		arch:   runtime.GOARCH,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type updatesResponse struct {
	Packages []update.PackageInfo `json:"packages"`
}

// Check returns packages strictly newer than current, newest first.
func (h *HTTPChecker) Check(ctx context.Context, serverURL, current string) ([]update.PackageInfo, error) {
	endpoint, err := updatesURL(serverURL, current, h.channel, h.deviceModel, h.arch)
	if err != nil {
		return nil, update.Policy("check", "", err)
	}

	resp, err := httputil.Do(ctx, h.client, http.MethodGet, endpoint, nil, http.Header{"Accept": {"application/json"}}, h.retry)
	if err != nil {
		return nil, update.Transient("check", "", err)
	}
	if err := httputil.CheckResponse(resp); err != nil {
		return nil, update.Transient("check", "", err)
	}
	defer resp.Body.Close()

	var body updatesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&body); err != nil {
		return nil, update.Transient("check", "", fmt.Errorf("decode updates response: %w", err))
	}

	pkgs := make([]update.PackageInfo, 0, len(body.Packages))
	for _, p := range body.Packages {
		newer, err := version.Newer(p.Version, current)
		if err != nil {
			log.Warn("ignoring package with invalid version", "name", p.Name, logging.KeyVersion, p.Version, logging.KeyError, err)
			continue
		}
		if !newer {
			continue
		}
		if p.URL != "" {
			p.URL = resolve(serverURL, p.URL)
		}
		if p.SignatureURL != "" {
			p.SignatureURL = resolve(serverURL, p.SignatureURL)
		}
		pkgs = append(pkgs, p)
	}
	version.SortNewestFirst(pkgs, func(p update.PackageInfo) string { return p.Version })

	log.Debug("update check complete", "current", current, "available", len(pkgs))
	return pkgs, nil
}

func updatesURL(serverURL, current, channel, model, arch string) (string, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid server url %q", serverURL)
	}
	base.Path += updatesPath
	q := url.Values{}
	q.Set("current", current)
	q.Set("arch", arch)
	if channel != "" {
		q.Set("channel", channel)
	}
	if model != "" {
		q.Set("model", model)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// resolve makes ref absolute against the server URL. Non-HTTP mirror URLs
// (s3://, gs://, ...) are returned unchanged.
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
