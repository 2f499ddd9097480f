package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return e.Status
	}
	return e.Status + ": " + e.Body
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// HTTPClient performs JSON requests with bounded retries. Transport errors,
// 429 and 5xx responses are retried; other statuses fail immediately.
type HTTPClient struct {
	client  *http.Client
	retries int
	backoff func(attempt int) time.Duration
}

// NewHTTPClient builds a client with exponential backoff starting at base.
func NewHTTPClient(timeout time.Duration, retries int, base time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if base == 0 {
		base = 300 * time.Millisecond
	}
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		retries: retries,
		backoff: func(attempt int) time.Duration { return base * time.Duration(1<<attempt) },
	}
}

// WithBackoff replaces the delay schedule; attempt starts at 0.
func (c *HTTPClient) WithBackoff(fn func(attempt int) time.Duration) *HTTPClient {
	c.backoff = fn
	return c
}

// Retries returns the configured retry budget.
func (c *HTTPClient) Retries() int { return c.retries }

// DoJSON sends body (if any) as JSON and decodes a 2xx response into out.
// It returns the number of attempts made alongside any error.
func (c *HTTPClient) DoJSON(ctx context.Context, method, url string, headers map[string]string, body any, out any) (int, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = b
	}

	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return attempt + 1, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if payload != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		lastErr = c.do(req, out)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if se, ok := lastErr.(*StatusError); ok && !se.Retryable() {
			return attempt + 1, lastErr
		}
		if ctx.Err() != nil {
			return attempt + 1, ctx.Err()
		}

		if attempt < tries-1 {
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return attempt + 1, ctx.Err()
			}
		}
	}
	return tries, lastErr
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
