package research

// Test Coverage:
// - Allowlist: scheme, private host, and pattern checks
// - Fetcher: status mapping to transient/fatal, size limit, redirect blocking
// - Converter: main-content extraction, noise pruning, plain text passthrough
// - Chunk: paragraph packing and long-paragraph splitting
// - WebResearcher: end-to-end fetch, convert, chunk

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/elicit/llm"
)

func TestAllowlist_Check(t *testing.T) {
	allow, err := NewAllowlist([]string{"docs.example.com/**", "*.rfc-editor.org/rfc/*"})
	require.NoError(t, err)

	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"matching path", "https://docs.example.com/guide/intro", true},
		{"host root", "https://docs.example.com/", true},
		{"wildcard subdomain", "https://www.rfc-editor.org/rfc/rfc9110", true},
		{"plain http", "http://docs.example.com/guide", false},
		{"unlisted host", "https://evil.example.com/", false},
		{"path outside pattern", "https://www.rfc-editor.org/errata/1", false},
		{"localhost", "https://localhost/x", false},
		{"private ip", "https://10.0.0.1/x", false},
		{"ftp scheme", "ftp://docs.example.com/file", false},
		{"unparseable", "https://%zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := allow.Check(tt.url)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrNotAllowed)
			}
		})
	}
}

func TestNewAllowlist_InvalidPattern(t *testing.T) {
	_, err := NewAllowlist([]string{"docs.example.com/[unclosed"})
	assert.Error(t, err)
}

func TestIsPrivateIP(t *testing.T) {
	for _, s := range []string{"127.0.0.1", "10.1.2.3", "192.168.1.1", "172.16.0.5", "169.254.1.1", "100.64.0.1", "::1", "0.0.0.0"} {
		assert.True(t, IsPrivateIP(net.ParseIP(s)), s)
	}
	for _, s := range []string{"8.8.8.8", "93.184.216.34", "2606:4700::1111"} {
		assert.False(t, IsPrivateIP(net.ParseIP(s)), s)
	}
}

func localAllowlist(t *testing.T, srv *httptest.Server) *Allowlist {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	h, _, err := net.SplitHostPort(host)
	require.NoError(t, err)
	allow, err := NewAllowlist([]string{h + "/ok/**"})
	require.NoError(t, err)
	return allow
}

func TestFetcher_StatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body><p>hello</p></body></html>"))
		case "/ok/busy":
			w.WriteHeader(http.StatusTooManyRequests)
		case "/ok/broken":
			w.WriteHeader(http.StatusBadGateway)
		case "/ok/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/ok/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
		case "/ok/redirect":
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	f := NewFetcher(localAllowlist(t, srv), 5*time.Second, "test", 1024, WithPrivateNetworks())
	ctx := context.Background()

	res, err := f.Fetch(ctx, srv.URL+"/ok/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(res.Body), "hello")

	_, err = f.Fetch(ctx, srv.URL+"/ok/busy")
	assert.True(t, llm.IsTransient(err), "429 should be transient: %v", err)

	_, err = f.Fetch(ctx, srv.URL+"/ok/broken")
	assert.True(t, llm.IsTransient(err), "5xx should be transient: %v", err)

	_, err = f.Fetch(ctx, srv.URL+"/ok/gone")
	assert.True(t, llm.IsFatal(err), "404 should be fatal: %v", err)

	_, err = f.Fetch(ctx, srv.URL+"/ok/big")
	assert.True(t, llm.IsFatal(err), "oversized body should be fatal: %v", err)

	_, err = f.Fetch(ctx, srv.URL+"/ok/redirect")
	assert.Error(t, err, "redirect outside the allowlist must be blocked")

	_, err = f.Fetch(ctx, srv.URL+"/not-listed")
	assert.True(t, llm.IsFatal(err))
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestFetcher_PrivateBlockedByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f := NewFetcher(localAllowlist(t, srv), time.Second, "test", 1024)
	_, err := f.Fetch(context.Background(), srv.URL+"/ok/page")
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestConverter_MainContent(t *testing.T) {
	page := `<html><head><title>Release Notes</title></head><body>
<nav><a href="/">Home</a></nav>
<main><h1>Version 2</h1><p>Adds <strong>exports</strong>.</p>
<table><tr><th>Field</th><th>Type</th></tr><tr><td>id</td><td>string</td></tr></table></main>
<footer>Copyright</footer></body></html>`

	doc, err := NewConverter().Convert([]byte(page), "text/html; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "Release Notes", doc.Title)
	assert.Contains(t, doc.Markdown, "# Version 2")
	assert.Contains(t, doc.Markdown, "**exports**")
	assert.Contains(t, doc.Markdown, "| Field")
	assert.Contains(t, doc.Markdown, "string")
	assert.NotContains(t, doc.Markdown, "Home")
	assert.NotContains(t, doc.Markdown, "Copyright")
}

func TestConverter_PrunesWithoutMain(t *testing.T) {
	page := `<html><body><div class="sidebar">Links</div><script>alert(1)</script>
<h1>Overview</h1><p>Body text.</p></body></html>`

	doc, err := NewConverter().Convert([]byte(page), "text/html")
	require.NoError(t, err)
	assert.Equal(t, "Overview", doc.Title)
	assert.Contains(t, doc.Markdown, "Body text.")
	assert.NotContains(t, doc.Markdown, "Links")
	assert.NotContains(t, doc.Markdown, "alert")
}

func TestConverter_PlainText(t *testing.T) {
	doc, err := NewConverter().Convert([]byte("# Notes\n\nplain"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "Notes", doc.Title)
	assert.Equal(t, "# Notes\n\nplain", doc.Markdown)
}

func TestChunk(t *testing.T) {
	t.Run("packs paragraphs", func(t *testing.T) {
		chunks := Chunk("aaa\n\nbbb\n\nccc", 8)
		assert.Equal(t, []string{"aaa\n\nbbb", "ccc"}, chunks)
	})

	t.Run("splits long paragraph on words", func(t *testing.T) {
		chunks := Chunk("one two three four", 9)
		assert.Equal(t, []string{"one two", "three", "four"}, chunks)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), 9)
		}
	})

	t.Run("cuts oversized words", func(t *testing.T) {
		chunks := Chunk("abcdefghij", 4)
		assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
	})

	t.Run("empty input", func(t *testing.T) {
		assert.Empty(t, Chunk("\n\n  \n\n", 10))
	})
}

func TestWebResearcher_Research(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Spec</title></head><body><article>
<p>First paragraph about retention.</p><p>Second paragraph about export.</p></article></body></html>`))
	}))
	defer srv.Close()

	h, _, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	r, err := NewWebResearcher(Config{Allow: []string{h + "/**"}, ChunkChars: 40}, nil, WithPrivateNetworks())
	require.NoError(t, err)

	res, err := r.Research(context.Background(), srv.URL+"/doc")
	require.NoError(t, err)
	assert.Equal(t, "Spec", res.Title)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "[Spec] First paragraph about retention.", res.Chunks[0])
	assert.Equal(t, "[Spec] Second paragraph about export.", res.Chunks[1])
}
