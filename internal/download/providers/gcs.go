package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSProvider reads objects from a Google Cloud Storage bucket.
type GCSProvider struct {
	Bucket string
	client *storage.Client
}

func NewGCSProvider(ctx context.Context, bucket string, creds Credentials) (*GCSProvider, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if creds.GCSCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(creds.GCSCredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSProvider{Bucket: bucket, client: client}, nil
}

func (p *GCSProvider) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	r, err := p.client.Bucket(p.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("gs://%s/%s: %w", p.Bucket, key, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("gcs read %s/%s: %w", p.Bucket, key, err)
	}
	return r, r.Attrs.Size, nil
}

func (p *GCSProvider) Close() error {
	return p.client.Close()
}
