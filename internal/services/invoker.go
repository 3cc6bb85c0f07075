package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBody caps how much of a downstream response is kept for
// diagnostics.
const maxResponseBody = 1 << 20

// InvokeResponse is the outcome of one outbound POST.
type InvokeResponse struct {
	StatusCode int
	Body       []byte
}

// OK reports a 2xx response.
func (r *InvokeResponse) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Invoker sends JSON bodies to destinations, storage workers and loggers.
type Invoker interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*InvokeResponse, error)
}

// HTTPInvoker is the HTTP implementation of Invoker.
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker creates an HTTPInvoker whose calls time out after timeout.
func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Post sends body as JSON. A non-2xx status is not an error; transport
// failures and timeouts are.
func (c *HTTPInvoker) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*InvokeResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &InvokeResponse{StatusCode: resp.StatusCode}, fmt.Errorf("failed to read response body: %w", err)
	}
	return &InvokeResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

// Credentials decides which outbound calls carry the service key.
type Credentials struct {
	InternalMarker string
	ServiceKey     string
}

// HeadersFor returns the auth header for internal function URLs and nothing
// for third-party destinations.
func (c Credentials) HeadersFor(url string) map[string]string {
	if c.InternalMarker == "" || c.ServiceKey == "" || !strings.Contains(url, c.InternalMarker) {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.ServiceKey}
}
