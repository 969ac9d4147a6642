// Package httpclient is the HTTP client stagebus uses to reach the local
// inference backend. Requests are restricted to allowed schemes, URLs with
// embedded credentials are refused, and redirects are re-validated and capped.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/stagebus/errors"
)

// DefaultMaxResponseBytes bounds how much of a response body is read
const DefaultMaxResponseBytes = 8 << 20

// Options customizes New. Zero values pick the defaults.
type Options struct {
	Timeout          time.Duration // whole-request timeout (0 = none, rely on ctx)
	AllowedSchemes   []string      // default: http, https
	MaxRedirects     int           // default: 5
	MaxResponseBytes int64         // default: DefaultMaxResponseBytes
}

// Client wraps http.Client with URL validation
type Client struct {
	*http.Client
	allowedSchemes   []string
	maxRedirects     int
	maxResponseBytes int64
}

// New creates a Client
func New(opts Options) *Client {
	c := &Client{
		Client:           &http.Client{Timeout: opts.Timeout},
		allowedSchemes:   opts.AllowedSchemes,
		maxRedirects:     opts.MaxRedirects,
		maxResponseBytes: opts.MaxResponseBytes,
	}
	if len(c.allowedSchemes) == 0 {
		c.allowedSchemes = []string{"http", "https"}
	}
	if c.maxRedirects <= 0 {
		c.maxRedirects = 5
	}
	if c.maxResponseBytes <= 0 {
		c.maxResponseBytes = DefaultMaxResponseBytes
	}

	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= c.maxRedirects {
			return errors.Newf("stopped after %d redirects", c.maxRedirects)
		}
		if err := c.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	c.Transport = &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return c
}

// Wrap adopts an existing http.Client (httptest servers in tests)
func Wrap(client *http.Client) *Client {
	return &Client{
		Client:           client,
		allowedSchemes:   []string{"http", "https"},
		maxRedirects:     5,
		maxResponseBytes: DefaultMaxResponseBytes,
	}
}

func (c *Client) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range c.allowedSchemes {
		if scheme == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	if u.Hostname() == "" {
		return errors.New("URL missing hostname")
	}
	return nil
}

// ValidateURL parses and validates a URL string
func (c *Client) ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "invalid URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Do executes req after validating its URL
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

// StatusError is a non-2xx response
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return http.StatusText(e.StatusCode)
	}
	return http.StatusText(e.StatusCode) + ": " + e.Body
}

// PostJSON sends in as a JSON body and decodes a JSON response into out.
// Non-2xx responses return a *StatusError carrying the start of the body.
func (c *Client) PostJSON(ctx context.Context, rawURL string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBytes))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: snippet}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
