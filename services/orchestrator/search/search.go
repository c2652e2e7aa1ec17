// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search implements the built-in web search tools: a light variant
// returning links and snippets, and a deep variant that also fetches and
// flattens the top result pages.
package search

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint is DuckDuckGo's script-free results page.
	DefaultEndpoint = "https://html.duckduckgo.com/html/"

	DefaultMaxResults   = 5
	DefaultFetchPages   = 3
	DefaultFetchTimeout = 10 * time.Second
	DefaultPageChars    = 4000

	maxPageBytes = 2 << 20
	userAgent    = "Mozilla/5.0 (compatible; AleutianConductor/0.1; +https://aleutian.ai)"
)

// ErrEmptyQuery is returned when the query argument is missing or blank.
var ErrEmptyQuery = errors.New("query is required")

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`

	// Content is the flattened page text; deep search only.
	Content string `json:"content,omitempty"`
	// FetchError explains a missing Content; deep search only.
	FetchError string `json:"fetchError,omitempty"`
}

// Response is what both search tools return.
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
}

// Config tunes a Searcher. Zero values take the defaults.
type Config struct {
	Endpoint     string
	MaxResults   int
	FetchPages   int
	FetchTimeout time.Duration
	PageChars    int
	// RequestsPerMinute limits calls to the search endpoint. Zero means
	// unlimited.
	RequestsPerMinute int
}

// Searcher runs searches and page fetches.
//
// Thread Safety: Safe for concurrent use.
type Searcher struct {
	config  Config
	client  *http.Client
	cache   *PageCache
	policy  *bluemonday.Policy
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSearcher creates a Searcher. cache may be nil.
func NewSearcher(config Config, client *http.Client, cache *PageCache, logger *slog.Logger) *Searcher {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.MaxResults <= 0 {
		config.MaxResults = DefaultMaxResults
	}
	if config.FetchPages <= 0 {
		config.FetchPages = DefaultFetchPages
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if config.PageChars <= 0 {
		config.PageChars = DefaultPageChars
	}
	if client == nil {
		client = &http.Client{Timeout: config.FetchTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(config.RequestsPerMinute)/60.0), 1)
	}
	policy := bluemonday.StrictPolicy()
	policy.AddSpaceWhenStrippingTag(true)
	return &Searcher{
		config:  config,
		client:  client,
		cache:   cache,
		policy:  policy,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "search")),
	}
}

// Light returns title, link and snippet for up to max results.
//
// Inputs:
//   - ctx: Context for the request.
//   - query: Search terms. Must not be blank.
//   - max: Result cap; <= 0 uses the configured default.
func (s *Searcher) Light(ctx context.Context, query string, max int) (*Response, error) {
	ctx, span := searchTracer.Start(ctx, "search.Searcher.Light",
		trace.WithAttributes(attribute.Int("query_len", len(query))),
	)
	defer span.End()

	resp, err := s.search(ctx, query, max)
	recordSearch("light", span, err)
	return resp, err
}

// Deep runs Light and then fetches and flattens the top result pages.
//
// Description:
//
//	Pages are fetched concurrently, at most FetchPages of them. A page
//	that fails to load keeps its snippet and records FetchError; only a
//	failed search itself is an error. Flattened pages are cached.
func (s *Searcher) Deep(ctx context.Context, query string, max int) (*Response, error) {
	ctx, span := searchTracer.Start(ctx, "search.Searcher.Deep",
		trace.WithAttributes(attribute.Int("query_len", len(query))),
	)
	defer span.End()

	resp, err := s.search(ctx, query, max)
	if err != nil {
		recordSearch("deep", span, err)
		return nil, err
	}

	n := min(len(resp.Results), s.config.FetchPages)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			text, err := s.page(gctx, resp.Results[i].URL)
			if err != nil {
				resp.Results[i].FetchError = err.Error()
				return nil
			}
			resp.Results[i].Content = text
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("pages", n))
	recordSearch("deep", span, nil)
	return resp, nil
}

func (s *Searcher) search(ctx context.Context, query string, max int) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if max <= 0 || max > s.config.MaxResults {
		max = s.config.MaxResults
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %d", res.StatusCode)
	}

	results, err := parseResults(io.LimitReader(res.Body, maxPageBytes), max)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("search completed",
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)),
	)
	if results == nil {
		results = []Result{}
	}
	return &Response{Query: query, Results: results}, nil
}

// page returns the flattened text of one URL, from cache when possible.
func (s *Searcher) page(ctx context.Context, pageURL string) (string, error) {
	if text, ok, err := s.cache.Get(ctx, pageURL); err != nil {
		s.logger.Warn("page cache read failed", slog.String("error", err.Error()))
	} else if ok {
		pageFetches.WithLabelValues("cached").Inc()
		return text, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		pageFetches.WithLabelValues("error").Inc()
		return "", fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	res, err := s.client.Do(req)
	if err != nil {
		pageFetches.WithLabelValues("error").Inc()
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		pageFetches.WithLabelValues("error").Inc()
		return "", fmt.Errorf("page returned %d", res.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxPageBytes))
	if err != nil {
		pageFetches.WithLabelValues("error").Inc()
		return "", fmt.Errorf("read page: %w", err)
	}
	text := s.Flatten(string(raw))
	pageFetches.WithLabelValues("fetched").Inc()

	if err := s.cache.Put(ctx, pageURL, text); err != nil {
		s.logger.Warn("page cache write failed", slog.String("error", err.Error()))
	}
	return text, nil
}

// Flatten strips markup from an HTML document and truncates the text to
// the configured page size.
func (s *Searcher) Flatten(doc string) string {
	text := html.UnescapeString(s.policy.Sanitize(doc))
	text = collapseSpace(text)
	r := []rune(text)
	if len(r) > s.config.PageChars {
		text = string(r[:s.config.PageChars]) + "..."
	}
	return text
}

func recordSearch(variant string, span trace.Span, err error) {
	if err != nil {
		searchesTotal.WithLabelValues(variant, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "search failed")
		return
	}
	searchesTotal.WithLabelValues(variant, "success").Inc()
}
