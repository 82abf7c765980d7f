package research

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for Config.
const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxBytes   = 5 << 20
	DefaultChunkChars = 2000
	DefaultUserAgent  = "elicit-research/1.0"
)

// Config configures a WebResearcher.
type Config struct {
	Allow      []string      `json:"allow" yaml:"allow"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	MaxBytes   int64         `json:"max_bytes" yaml:"max_bytes"`
	ChunkChars int           `json:"chunk_chars" yaml:"chunk_chars"`
	UserAgent  string        `json:"user_agent" yaml:"user_agent"`
}

// WebResearcher fetches, converts, and chunks allowlisted pages.
type WebResearcher struct {
	fetcher    *Fetcher
	converter  *Converter
	chunkChars int
	logger     *slog.Logger
}

// NewWebResearcher creates a researcher from cfg.
func NewWebResearcher(cfg Config, logger *slog.Logger, opts ...FetcherOption) (*WebResearcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.ChunkChars <= 0 {
		cfg.ChunkChars = DefaultChunkChars
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	allow, err := NewAllowlist(cfg.Allow)
	if err != nil {
		return nil, err
	}
	return &WebResearcher{
		fetcher:    NewFetcher(allow, cfg.Timeout, cfg.UserAgent, cfg.MaxBytes, opts...),
		converter:  NewConverter(),
		chunkChars: cfg.ChunkChars,
		logger:     logger,
	}, nil
}

// Result is one researched page split into indexable chunks.
type Result struct {
	URL    string   `json:"url"`
	Title  string   `json:"title"`
	Chunks []string `json:"-"`
}

// Research fetches rawURL and returns its chunks, each prefixed with the page title.
func (r *WebResearcher) Research(ctx context.Context, rawURL string) (*Result, error) {
	page, err := r.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	doc, err := r.converter.Convert(page.Body, page.ContentType)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", rawURL, err)
	}

	res := &Result{URL: page.URL, Title: doc.Title}
	prefix := ""
	if doc.Title != "" {
		prefix = "[" + doc.Title + "] "
	}
	for _, c := range Chunk(doc.Markdown, r.chunkChars) {
		res.Chunks = append(res.Chunks, prefix+c)
	}
	r.logger.Debug("Researched page",
		"url", page.URL,
		"title", doc.Title,
		"bytes", len(page.Body),
		"chunks", len(res.Chunks))
	return res, nil
}
