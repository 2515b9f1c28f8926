// Package fetch retrieves remote documents over HTTPS with SSRF protection,
// conditional requests, and response size limits. All document downloads in
// the pipeline go through a Fetcher so the same security checks apply to the
// initial page, linked PDFs, and images.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/c360studio/lexstream/fetch/weburl"
)

const (
	// DefaultMaxContentSize caps response bodies at 32MB, enough for
	// large scanned regulatory PDFs.
	DefaultMaxContentSize = 32 << 20

	// DefaultTimeout bounds a single fetch end to end.
	DefaultTimeout = 60 * time.Second

	// DefaultUserAgent identifies the pipeline to origin servers.
	DefaultUserAgent = "lexstream/1.0"

	maxRedirects = 5
)

// Result is the outcome of a single fetch.
type Result struct {
	Body         []byte
	ContentType  string
	ETag         string
	LastModified time.Time
	StatusCode   int
}

// NotModified reports whether the origin answered a conditional request
// with 304. Body is empty in that case and the cached copy remains valid.
func (r *Result) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// Fetcher downloads documents with DNS-rebinding protection: resolved IPs
// are validated against private ranges before any connection is made.
type Fetcher struct {
	client         *http.Client
	userAgent      string
	maxContentSize int64
	allowInsecure  bool
	logger         *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithMaxContentSize overrides the response body cap.
func WithMaxContentSize(n int64) Option {
	return func(f *Fetcher) { f.maxContentSize = n }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.client.Timeout = d }
}

// WithLogger sets the logger. Discards by default.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithInsecureTargets disables URL validation and the private-IP dial
// guard. Only for local development against test servers.
func WithInsecureTargets() Option {
	return func(f *Fetcher) { f.allowInsecure = true }
}

// New creates a Fetcher with SSRF-safe transport defaults.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		userAgent:      DefaultUserAgent,
		maxContentSize: DefaultMaxContentSize,
		logger:         slog.Default(),
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	// Resolve first, validate every candidate IP, then dial by IP. This
	// closes the DNS rebinding window between validation and connection.
	safeDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address: %w", err)
		}

		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("DNS lookup failed: %w", err)
		}

		if !f.allowInsecure {
			for _, ipAddr := range ips {
				if weburl.IsPrivateIP(ipAddr.IP) {
					return nil, fmt.Errorf("connection to private IP %s is not allowed", ipAddr.IP)
				}
			}
		}

		var lastErr error
		for _, ipAddr := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("no resolvable address for %s", host)
	}

	f.client = &http.Client{
		Transport: &http.Transport{
			DialContext:           safeDial,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: DefaultTimeout,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		},
		Timeout: DefaultTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("too many redirects (max %d)", maxRedirects)
			}
			if !f.allowInsecure {
				if err := weburl.Validate(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
			}
			return nil
		},
	}

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves a document.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) (*Result, error) {
	return f.FetchConditional(ctx, urlStr, "")
}

// FetchConditional retrieves a document, sending If-None-Match when an
// etag from a previous fetch is supplied. A 304 comes back as a Result
// with NotModified() true rather than an error.
func (f *Fetcher) FetchConditional(ctx context.Context, urlStr, etag string) (*Result, error) {
	if !f.allowInsecure {
		if err := weburl.Validate(urlStr); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	result := &Result{
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
		StatusCode:  resp.StatusCode,
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			result.LastModified = t
		}
	}

	if resp.StatusCode == http.StatusNotModified {
		return result, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxContentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxContentSize {
		return nil, fmt.Errorf("content too large (exceeds %d bytes)", f.maxContentSize)
	}

	result.Body = body
	f.logger.Debug("fetched document",
		"url", urlStr,
		"bytes", len(body),
		"content_type", result.ContentType,
		"duration", time.Since(start))
	return result, nil
}
