// Package httputil provides the bounded HTTP client used for outbound
// webhook calls.
package httputil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client issues outbound requests with per-call timeouts and bounded
// response reads. Operator-specified endpoints are untrusted, so the body
// read is always capped.
type Client struct {
	httpClient *http.Client
	maxBody    int64
}

// Request describes one outbound call.
type Request struct {
	Method      string
	URL         string
	Headers     map[string]string
	Body        []byte
	ContentType string
	// Timeout bounds this call. Zero falls back to the client default.
	Timeout time.Duration
}

// Response is the outcome of an outbound call. Body is capped at the
// client's read limit; Truncated reports whether the cap was hit.
type Response struct {
	StatusCode int
	Body       []byte
	Truncated  bool
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NewClient creates a client with the given default timeout and response
// body cap.
func NewClient(defaultTimeout time.Duration, maxBody int64) *Client {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxBody:    maxBody,
	}
}

// Do executes the request under a cancellable, bounded timeout.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.httpClient.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, truncated, err := ReadAllWithLimit(resp.Body, c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Truncated: truncated}, nil
}

// ReadAllWithLimit reads at most limit bytes and reports whether more data
// was available.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, bool, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) < limit {
		return body, false, nil
	}
	// Probe one extra byte to distinguish exact-limit bodies.
	var probe [1]byte
	n, err := r.Read(probe[:])
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return body, n > 0, nil
}
