package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureProvider reads blobs from one container. Access is anonymous or via a
// SAS token carried in the account URL or the package URL query.
type AzureProvider struct {
	Container string
	client    *azblob.Client
}

func NewAzureProvider(container string, creds Credentials, sas string) (*AzureProvider, error) {
	if container == "" {
		return nil, errors.New("azure container is required")
	}
	if creds.AzureAccountURL == "" {
		return nil, errors.New("azure account url is required for azblob:// packages")
	}
	serviceURL := creds.AzureAccountURL
	if sas != "" && !strings.Contains(serviceURL, "?") {
		serviceURL = strings.TrimRight(serviceURL, "/") + "/?" + sas
	}
	client, err := azblob.NewClientWithNoCredential(serviceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &AzureProvider{Container: container, client: client}, nil
}

func (p *AzureProvider) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	resp, err := p.client.DownloadStream(ctx, p.Container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, 0, fmt.Errorf("azblob://%s/%s: %w", p.Container, key, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("azure download %s/%s: %w", p.Container, key, err)
	}
	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}
