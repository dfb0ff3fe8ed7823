// Package providers opens package objects on the mirrors an update server may
// point at: plain HTTP(S), a local or mounted directory, S3, GCS, Azure Blob
// and Backblaze B2.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// Provider streams a single object. The returned size is -1 when unknown.
type Provider interface {
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// ErrNotFound is returned when the object does not exist on the mirror.
var ErrNotFound = errors.New("object not found")

// Credentials configure the cloud mirror clients. Empty fields fall back to
// each SDK's default credential chain.
type Credentials struct {
	S3Region           string
	S3Endpoint         string
	S3AccessKeyID      string
	S3SecretAccessKey  string
	GCSCredentialsFile string
	AzureAccountURL    string
	B2AccountID        string
	B2ApplicationKey   string
}

// Registry resolves package URLs to providers, creating cloud clients lazily
// and reusing them across downloads.
type Registry struct {
	creds      Credentials
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]Provider
}

func NewRegistry(creds Credentials, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Registry{
		creds:      creds,
		httpClient: httpClient,
		cache:      make(map[string]Provider),
	}
}

// Resolve returns the provider for rawURL and the object key within it.
func (r *Registry) Resolve(ctx context.Context, rawURL string) (Provider, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid package url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return &HTTPProvider{Client: r.httpClient}, u.String(), nil
	case "file":
		return &LocalProvider{}, u.Path, nil
	}

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, "", fmt.Errorf("package url %q needs a bucket and object", rawURL)
	}
	cacheKey := u.Scheme + "://" + bucket

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.cache[cacheKey]; ok {
		return p, key, nil
	}

	var p Provider
	switch u.Scheme {
	case "s3":
		p, err = NewS3Provider(ctx, bucket, r.creds)
	case "gs":
		p, err = NewGCSProvider(ctx, bucket, r.creds)
	case "azblob":
		p, err = NewAzureProvider(bucket, r.creds, u.RawQuery)
	case "b2":
		p, err = NewB2Provider(ctx, bucket, r.creds)
	default:
		return nil, "", fmt.Errorf("unsupported package url scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, "", err
	}
	r.cache[cacheKey] = p
	return p, key, nil
}

// Close releases cached cloud clients.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for k, p := range r.cache {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(r.cache, k)
	}
	return errors.Join(errs...)
}

// Open is a convenience wrapper around Resolve + Provider.Open.
func (r *Registry) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	p, key, err := r.Resolve(ctx, rawURL)
	if err != nil {
		return nil, 0, err
	}
	return p.Open(ctx, key)
}
