package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transport delivers one payload body
type Transport interface {
	Deliver(ctx context.Context, body []byte) error
}

// HTTPError is a non-2xx response from the upload endpoint
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload rejected: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("upload rejected: HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether a delivery error may succeed on a later attempt.
// Client errors other than 408 and 429 are final.
func Retryable(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return true
	}
	switch {
	case httpErr.StatusCode == http.StatusRequestTimeout,
		httpErr.StatusCode == http.StatusTooManyRequests:
		return true
	case httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
		return false
	default:
		return true
	}
}

// HTTPTransport posts JSON bodies to a fixed endpoint
type HTTPTransport struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPTransport(endpoint, token string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// maxErrorBody bounds how much of a rejection body is kept
const maxErrorBody = 1024

func (t *HTTPTransport) Deliver(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
}
