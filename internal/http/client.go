package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("http: resource not found")
	ErrForbidden        = errors.New("http: access forbidden")
	ErrUnauthorized     = errors.New("http: unauthorized")
	ErrServerError      = errors.New("http: server error")
	ErrTooManyRedirects = errors.New("http: too many redirects")
)

// StatusError is returned for a final response outside the 2xx range.
type StatusError struct {
	Code   int
	Status string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Unwrap maps well-known status codes to the package's sentinel errors.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusNotFound:
		return ErrNotFound
	case e.Code == http.StatusForbidden:
		return ErrForbidden
	case e.Code == http.StatusUnauthorized:
		return ErrUnauthorized
	case e.Code >= 500:
		return ErrServerError
	default:
		return nil
	}
}

// Options configures the HTTP client.
type Options struct {
	// ConnectTimeout bounds dialing, the TLS handshake and the wait for
	// response headers. It does not bound the body.
	// Default: 30s
	ConnectTimeout time.Duration

	// MaxRedirects is the number of redirects followed before giving up.
	// Default: 10
	MaxRedirects int

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 30 * time.Second,
		MaxRedirects:   10,
		UserAgent:      "romulator/1.0",
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size         int64
	ContentType  string
	LastModified time.Time
	URL          string
}

// Response is an open GET response after redirects.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
	URL           string
	Redirects     int
}

// Client is an HTTP client for single-stream file transfers.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	defaults := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaults.MaxRedirects
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaults.UserAgent
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ConnectTimeout,
		DisableKeepAlives:     true,
		DisableCompression:    true, // Content-Length must count raw bytes
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			// Redirects are followed by hand so the cap and the final URL
			// are ours to report.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		opts: opts,
	}
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, rawURL string) (*FileInfo, error) {
	resp, final, _, err := c.do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if err := checkStatusCode(resp, final); err != nil {
		return nil, err
	}

	info := &FileInfo{
		Size:        resp.ContentLength,
		ContentType: resp.Header.Get("Content-Type"),
		URL:         final.String(),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// Open performs a GET request and returns the body of the final response.
// The caller must close the body.
func (c *Client) Open(ctx context.Context, rawURL string) (*Response, error) {
	resp, final, redirects, err := c.do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}

	if err := checkStatusCode(resp, final); err != nil {
		resp.Body.Close()
		return nil, err
	}

	return &Response{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
		URL:           final.String(),
		Redirects:     redirects,
	}, nil
}

// do issues method against rawURL, following up to MaxRedirects redirects.
// Relative Location headers are resolved against the URL that returned them.
func (c *Client) do(ctx context.Context, method, rawURL string) (*http.Response, *url.URL, int, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("parse url: %w", err)
	}

	for redirects := 0; ; redirects++ {
		req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
		if err != nil {
			return nil, nil, redirects, fmt.Errorf("create request: %w", err)
		}
		req.Close = true
		req.Header.Set("Accept-Encoding", "identity")
		req.Header.Set("User-Agent", c.opts.UserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, nil, redirects, err
		}

		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return resp, target, redirects, nil
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if redirects >= c.opts.MaxRedirects {
			return nil, nil, redirects, fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, redirects)
		}

		next, err := target.Parse(location)
		if err != nil {
			return nil, nil, redirects, fmt.Errorf("parse redirect location %q: %w", location, err)
		}
		target = next
	}
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400 && code != http.StatusNotModified
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(resp *http.Response, final *url.URL) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{
		Code:   resp.StatusCode,
		Status: strings.TrimSpace(resp.Status),
		URL:    final.String(),
	}
}
