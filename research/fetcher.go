package research

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/c360studio/elicit/llm"
)

// FetchResult is a fetched page.
type FetchResult struct {
	URL         string
	Body        []byte
	ContentType string
	StatusCode  int
}

// Fetcher downloads allowlisted pages.
type Fetcher struct {
	client    *http.Client
	allow     *Allowlist
	userAgent string
	maxBytes  int64
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*fetcherOptions)

type fetcherOptions struct {
	allowPrivate bool
	allowHTTP    bool
}

// WithPrivateNetworks permits loopback and private addresses over plain http.
// Only tests and local deployments should use it.
func WithPrivateNetworks() FetcherOption {
	return func(o *fetcherOptions) {
		o.allowPrivate = true
		o.allowHTTP = true
	}
}

// NewFetcher creates a fetcher bound to allow.
func NewFetcher(allow *Allowlist, timeout time.Duration, userAgent string, maxBytes int64, opts ...FetcherOption) *Fetcher {
	var o fetcherOptions
	for _, opt := range opts {
		opt(&o)
	}
	guard := *allow
	guard.allowPrivate = o.allowPrivate
	guard.allowHTTP = o.allowHTTP
	allow = &guard

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("DNS lookup failed: %w", err)
			}
			// Check every resolved address so a rebinding DNS answer cannot slip through.
			if !o.allowPrivate {
				for _, ip := range ips {
					if IsPrivateIP(ip.IP) {
						return nil, fmt.Errorf("%w: %s resolves to private address %s", ErrNotAllowed, host, ip.IP)
					}
				}
			}
			for _, ip := range ips {
				if conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port)); err == nil {
					return conn, nil
				}
			}
			return nil, fmt.Errorf("failed to connect to any address of %s", host)
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				if _, err := allow.Check(req.URL.String()); err != nil {
					return fmt.Errorf("redirect blocked: %w", err)
				}
				return nil
			},
		},
		allow:     allow,
		userAgent: userAgent,
		maxBytes:  maxBytes,
	}
}

// Fetch downloads rawURL. 429, 5xx and network failures come back as
// llm.TransientError so the dispatcher may retry them.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	u, err := f.allow.Check(rawURL)
	if err != nil {
		return nil, llm.NewFatalError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.NewTransientError(fmt.Errorf("fetch %s: %w", u, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, llm.NewTransientError(fmt.Errorf("fetch %s: HTTP %d", u, resp.StatusCode))
	default:
		return nil, llm.NewFatalError(fmt.Errorf("fetch %s: HTTP %d", u, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.maxBytes {
		return nil, llm.NewFatalError(fmt.Errorf("content too large (exceeds %d bytes)", f.maxBytes))
	}

	return &FetchResult{
		URL:         u.String(),
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}
