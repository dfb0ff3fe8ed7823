package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Backblaze/blazer/b2"
)

// B2Provider reads objects from a Backblaze B2 bucket.
type B2Provider struct {
	bucket *b2.Bucket
	name   string
}

func NewB2Provider(ctx context.Context, bucket string, creds Credentials) (*B2Provider, error) {
	if creds.B2AccountID == "" || creds.B2ApplicationKey == "" {
		return nil, errors.New("b2 account id and application key are required for b2:// packages")
	}
	client, err := b2.NewClient(ctx, creds.B2AccountID, creds.B2ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	bkt, err := client.Bucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open b2 bucket %s: %w", bucket, err)
	}
	return &B2Provider{bucket: bkt, name: bucket}, nil
}

func (p *B2Provider) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj := p.bucket.Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		if b2.IsNotExist(err) {
			return nil, 0, fmt.Errorf("b2://%s/%s: %w", p.name, key, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("b2 stat %s/%s: %w", p.name, key, err)
	}
	return obj.NewReader(ctx), attrs.Size, nil
}
