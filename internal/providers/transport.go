package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"companyhub/pkg/requestcontext"
)

const maxResponseBytes = 4 << 20

// HTTPTransport performs JSON GETs against one upstream and maps transport
// failures onto the provider error taxonomy.
type HTTPTransport struct {
	provider Name
	baseURL  string
	client   *http.Client
	headers  http.Header
}

// TransportOption configures an HTTPTransport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) TransportOption {
	return func(t *HTTPTransport) {
		if value != "" {
			t.headers.Set(key, value)
		}
	}
}

// NewHTTPTransport creates a transport. timeout bounds a single call; the
// caller's context may cut it shorter.
func NewHTTPTransport(provider Name, baseURL string, timeout time.Duration, opts ...TransportOption) *HTTPTransport {
	t := &HTTPTransport{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		headers:  http.Header{"Accept": []string{"application/json"}},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// GetJSON issues GET baseURL+path?query and decodes a 2xx body into out.
func (t *HTTPTransport) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := t.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return NewProviderError(ErrorInternal, t.provider, "build request", err)
	}
	for k, v := range t.headers {
		req.Header[k] = v
	}
	if id := requestcontext.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return t.classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return t.classifyTransportError(ctx, err)
	}

	if err := t.classifyStatus(ctx, resp); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return NewProviderError(ErrorBadData, t.provider, "decode response", err)
	}
	return nil
}

func (t *HTTPTransport) classifyStatus(ctx context.Context, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return NewProviderError(ErrorNotFound, t.provider, "no record", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewRateLimitedError(t.provider, ParseRetryAfter(resp.Header.Get("Retry-After"), requestcontext.Now(ctx)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewProviderError(ErrorUpstream, t.provider, fmt.Sprintf("credentials rejected (%d)", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusGatewayTimeout:
		return NewProviderError(ErrorTimeout, t.provider, "upstream gateway timeout", nil)
	default:
		return NewProviderError(ErrorUpstream, t.provider, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
}

func (t *HTTPTransport) classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewProviderError(ErrorTimeout, t.provider, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewProviderError(ErrorTimeout, t.provider, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewProviderError(ErrorTimeout, t.provider, "request cancelled", err)
	}
	return NewProviderError(ErrorUpstream, t.provider, "request failed", err)
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
