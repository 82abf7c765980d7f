// Package research pulls external documents into a session's context.
//
// URLs must match a configured allowlist of doublestar patterns written as
// "host/path" (for example "docs.example.com/**" or "*.rfc-editor.org/rfc/*").
// Fetched HTML is reduced to its main content and converted to markdown.
package research

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrNotAllowed is returned for URLs outside the allowlist or pointing at private networks.
var ErrNotAllowed = errors.New("url not allowed")

var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// IsPrivateIP reports whether ip is loopback, private, link-local, CGNAT, or unspecified.
func IsPrivateIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || cgnat.Contains(ip)
}

// Allowlist decides which URLs may be fetched.
type Allowlist struct {
	patterns     []string
	allowPrivate bool
	allowHTTP    bool
}

// NewAllowlist validates the patterns. An empty list allows nothing.
func NewAllowlist(patterns []string) (*Allowlist, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid allow pattern %q", p)
		}
	}
	return &Allowlist{patterns: append([]string(nil), patterns...)}, nil
}

// Check parses rawURL and returns it if allowed.
func (a *Allowlist) Check(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !a.allowHTTP {
			return nil, fmt.Errorf("%w: %s requires https", ErrNotAllowed, rawURL)
		}
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrNotAllowed, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrNotAllowed)
	}
	if !a.allowPrivate {
		if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
			return nil, fmt.Errorf("%w: local host %s", ErrNotAllowed, host)
		}
		if ip := net.ParseIP(host); ip != nil && IsPrivateIP(ip) {
			return nil, fmt.Errorf("%w: private address %s", ErrNotAllowed, host)
		}
	}

	target := host + "/" + strings.TrimPrefix(u.EscapedPath(), "/")
	target = strings.TrimSuffix(target, "/")
	for _, p := range a.patterns {
		if ok, _ := doublestar.Match(strings.ToLower(p), target); ok {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s matches no allow pattern", ErrNotAllowed, target)
}
