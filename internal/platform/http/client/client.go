// Package client provides the bounded outbound HTTP client used to reach the backend.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

var (
	ErrResponseTooLarge = errors.New("response body too large")
	ErrRedirectBlocked  = errors.New("redirect blocked by policy")
)

// Config bounds outbound requests.
type Config struct {
	TimeoutMS          int   `toml:"timeout_ms"`
	ConnectTimeoutMS   int   `toml:"connect_timeout_ms"`
	MaxResponseBytes   int64 `toml:"max_response_bytes"`
	InsecureSkipVerify bool  `toml:"insecure_skip_verify"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.TimeoutMS <= 0 {
		c.TimeoutMS = 10000
	}
	if c.ConnectTimeoutMS <= 0 {
		c.ConnectTimeoutMS = 2000
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = 1 << 20
	}
}

// HTTPClient is the shared interface for outbound HTTP requests.
type HTTPClient interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Client applies connect and total timeouts, never follows redirects and
// ignores proxy environment variables.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client. A nil cfg uses defaults.
func New(cfg *Config) *Client {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.ApplyDefaults()

	dialer := &net.Dialer{
		Timeout: time.Duration(c.ConnectTimeoutMS) * time.Millisecond,
	}

	transport := &http.Transport{
		Proxy:       nil,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.InsecureSkipVerify,
		},
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}

	return &Client{
		cfg: c,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(c.TimeoutMS) * time.Millisecond,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Do sends req bound to ctx. A 3xx response is an error so bearer tokens
// never follow a redirect.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: received %d", ErrRedirectBlocked, resp.StatusCode)
	}
	return resp, nil
}

// ReadBody reads at most MaxResponseBytes from resp and closes it.
func (c *Client) ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}
	return body, nil
}

var _ HTTPClient = (*Client)(nil)
