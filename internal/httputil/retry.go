package httputil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/breeze-rmm/vrupdate/internal/logging"
)

var log = logging.L("httputil")

// RetryConfig controls the retry behavior for transient failures.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultRetryConfig returns defaults for device→update-server calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// NewBackOff builds a bounded exponential backoff policy bound to ctx.
func (cfg RetryConfig) NewBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		eb.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		eb.MaxInterval = cfg.MaxDelay
	}
	if cfg.BackoffFactor >= 1 {
		eb.Multiplier = cfg.BackoffFactor
	}
	eb.RandomizationFactor = cfg.JitterFrac
	eb.MaxElapsedTime = 0

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Retry runs op until it succeeds, returns an error wrapped with
// backoff.Permanent, the retry budget is spent or ctx is done.
func Retry(ctx context.Context, cfg RetryConfig, what string, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op()
	}, cfg.NewBackOff(ctx), func(err error, next time.Duration) {
		log.Debug("retrying",
			"what", what,
			"attempt", attempt,
			"delay", next,
			logging.KeyError, err,
		)
	})
}

// isRetryableStatus returns true for HTTP status codes that are safe to retry.
func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

// Do executes an HTTP request with retry logic. The request body must be
// provided separately as a byte slice so it can be replayed on retries.
// Returns the response from the first successful attempt, or one whose
// status is not retryable.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	var resp *http.Response
	err := Retry(ctx, cfg, method+" "+url, func() error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		for k, vals := range headers {
			for _, v := range vals {
				req.Header.Add(k, v)
			}
		}

		r, err := client.Do(req)
		if err != nil {
			return err // network error, retry
		}
		if isRetryableStatus(r.StatusCode) {
			r.Body.Close()
			return &RetryableStatusError{StatusCode: r.StatusCode, URL: url}
		}
		resp = r
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn("all retries exhausted",
				"method", method,
				"url", url,
				"attempts", cfg.MaxRetries+1,
				logging.KeyError, err,
			)
		}
		return nil, err
	}
	return resp, nil
}

// RetryableStatusError indicates the server returned a retryable HTTP status.
type RetryableStatusError struct {
	StatusCode int
	URL        string
}

func (e *RetryableStatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request to %s returned %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("request to %s returned %d", e.URL, e.StatusCode)
}

// CheckResponse turns a non-2xx response into a *StatusError, consuming and
// closing the body.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		StatusCode: resp.StatusCode,
		URL:        resp.Request.URL.String(),
		Body:       string(bytes.TrimSpace(snippet)),
	}
}
