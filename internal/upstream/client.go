// Package upstream provides HTTP clients for the named downstream
// dependencies the gateway governs. A Client performs one exchange per call;
// scheduling, retries, and admission belong to the gateway layers above.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dskow/callgate/internal/config"
	"github.com/dskow/callgate/internal/metrics"
)

// maxResponseBytes caps how much of an upstream body is buffered. Responses
// are buffered whole so a retried attempt never leaves a half-written client
// response behind.
const maxResponseBytes = 8 << 20 // 8 MB

// StatusError reports an upstream 5xx. The gateway's retry and breaker
// logic treat it as a dependency failure; 4xx responses are the caller's
// problem and come back as ordinary results.
type StatusError struct {
	Dependency string
	Status     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %q returned %d %s", e.Dependency, e.Status, http.StatusText(e.Status))
}

// Response is one buffered upstream exchange result.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Client calls one named dependency.
type Client struct {
	name    string
	base    *url.URL
	headers map[string]string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for the dependency. The http.Client carries no
// timeout of its own; per-attempt deadlines arrive via the call context.
func NewClient(dep config.DependencyConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(dep.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url for dependency %q: %w", dep.Name, err)
	}
	return &Client{
		name:    dep.Name,
		base:    base,
		headers: dep.Headers,
		http:    &http.Client{},
		logger:  logger,
	}, nil
}

// Name returns the dependency name.
func (c *Client) Name() string { return c.name }

// Call forwards one request to the dependency, joining path onto the
// configured base URL and carrying query through untouched. Transport errors
// and 5xx statuses return an error so the layers above count them as
// failures; any other status is a result.
func (c *Client) Call(ctx context.Context, method, path, query string, header http.Header, body []byte) (*Response, error) {
	target := c.resolve(path, query)

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("building upstream request for %q: %w", c.name, err)
	}

	copyHeader(req.Header, header)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling upstream %q: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading upstream %q response: %w", c.name, err)
	}

	if resp.StatusCode >= 500 {
		metrics.UpstreamErrors.WithLabelValues(c.name, fmt.Sprint(resp.StatusCode)).Inc()
		return nil, &StatusError{Dependency: c.name, Status: resp.StatusCode}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   respBody,
	}, nil
}

// resolve joins a request path onto the base URL, preserving any base path
// prefix the dependency was configured with. The query goes into RawQuery so
// URL escaping never touches it.
func (c *Client) resolve(path, query string) string {
	u := *c.base
	if path != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	}
	u.RawQuery = query
	return u.String()
}

// hopByHopHeaders are stripped before forwarding, per RFC 9110 §7.6.1.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		if hopByHopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// Registry maps dependency names to their clients.
type Registry struct {
	clients map[string]*Client
}

// NewRegistry builds a client per configured dependency.
func NewRegistry(deps []config.DependencyConfig, logger *slog.Logger) (*Registry, error) {
	clients := make(map[string]*Client, len(deps))
	for _, dep := range deps {
		c, err := NewClient(dep, logger)
		if err != nil {
			return nil, err
		}
		clients[dep.Name] = c
	}
	return &Registry{clients: clients}, nil
}

// Get returns the client for a dependency name.
func (r *Registry) Get(name string) (*Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}
