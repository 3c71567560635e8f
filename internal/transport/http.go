// Package transport builds MCP clients for the two HTTP-based wire
// transports and classifies the failures that drive transport fallback.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
)

// Transport kind identifiers
const (
	KindStreamableHTTP = "streamable-http"
	KindSSE            = "sse"
)

// Config holds everything needed to build a client for one server endpoint
type Config struct {
	URL         string
	Headers     map[string]string
	BearerToken string
	Timeout     time.Duration
}

// HTTPError carries the HTTP status of a failed transport exchange
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// headers merges configured headers with the bearer token
func (c *Config) headers() map[string]string {
	if len(c.Headers) == 0 && c.BearerToken == "" {
		return nil
	}
	merged := make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		merged[k] = v
	}
	if c.BearerToken != "" {
		merged["Authorization"] = "Bearer " + c.BearerToken
	}
	return merged
}

// NewStreamableHTTPClient creates an MCP client speaking the Streamable HTTP
// transport: a single endpoint carries both directions.
func NewStreamableHTTPClient(cfg *Config) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for streamable HTTP transport")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	opts := []mcptransport.StreamableHTTPCOption{
		mcptransport.WithHTTPTimeout(timeout),
	}
	if h := cfg.headers(); h != nil {
		opts = append(opts, mcptransport.WithHTTPHeaders(h))
	}

	httpTransport, err := mcptransport.NewStreamableHTTP(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

// NewSSEClient creates an MCP client speaking the legacy HTTP+SSE transport:
// a GET event stream for inbound messages plus POST for outbound.
func NewSSEClient(cfg *Config) (*client.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}

	var opts []mcptransport.ClientOption
	if h := cfg.headers(); h != nil {
		opts = append(opts, mcptransport.WithHeaders(h))
	}

	sseTransport, err := mcptransport.NewSSE(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE transport: %w", err)
	}
	return client.NewClient(sseTransport), nil
}
