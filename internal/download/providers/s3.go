package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Provider reads objects from an S3 or S3-compatible bucket.
type S3Provider struct {
	Bucket string
	client *s3.Client
}

// NewS3Provider creates an S3Provider. A custom endpoint switches to
// path-style addressing for S3-compatible stores (MinIO, Ceph).
func NewS3Provider(ctx context.Context, bucket string, creds Credentials) (*S3Provider, error) {
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if creds.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(creds.S3Region))
	}
	if creds.S3AccessKeyID != "" && creds.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.S3AccessKeyID, creds.S3SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if creds.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(creds.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Provider{Bucket: bucket, client: client}, nil
}

func (p *S3Provider) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, fmt.Errorf("s3://%s/%s: %w", p.Bucket, key, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("s3 get %s/%s: %w", p.Bucket, key, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}
