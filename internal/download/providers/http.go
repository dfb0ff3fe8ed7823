package providers

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/breeze-rmm/vrupdate/internal/httputil"
)

// HTTPProvider fetches objects by absolute URL.
type HTTPProvider struct {
	Client *http.Client
}

func (p *HTTPProvider) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, 0, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err := httputil.CheckResponse(resp); err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}
