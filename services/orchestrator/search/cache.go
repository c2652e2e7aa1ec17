// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

// =============================================================================
// PageCache: flattened page persistence
// =============================================================================
//
// Fetching and flattening a page costs a network round trip plus a full
// HTML sanitize pass. Deep search re-reads the same popular pages often,
// so flattened text is kept in BadgerDB under a versioned key with a
// native TTL. Expired keys read as misses.
//
// Storage layout:
//
//	search/page/v1/{sha256(url)}  →  flattened UTF-8 text
//	                                 TTL: cache_ttl (default 24h)

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// DefaultCacheTTL is the lifetime of a cached page.
const DefaultCacheTTL = 24 * time.Hour

const pageKeyPrefix = "search/page/v1/"

var errCacheMiss = errors.New("cache miss")

// PageCache stores flattened page text keyed by URL.
//
// Description:
//
//	All methods are nil-safe: a nil *PageCache never hits and silently
//	drops writes, which is how deep search runs without a cache dir.
//
// Thread Safety: Safe for concurrent use.
type PageCache struct {
	db     *dgbadger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// OpenPageCache opens (or creates) a cache under dir. An empty dir gives an
// in-memory cache that lives as long as the process.
func OpenPageCache(dir string, ttl time.Duration, logger *slog.Logger) (*PageCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	opts := dgbadger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open page cache: %w", err)
	}
	logger.Info("page cache opened",
		slog.String("dir", dir),
		slog.Bool("in_memory", dir == ""),
		slog.Duration("ttl", ttl),
	)
	return &PageCache{db: db, ttl: ttl, logger: logger}, nil
}

// Close releases the underlying database.
func (c *PageCache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached text for url.
//
// Outputs:
//   - string: The cached text.
//   - bool: False on miss or expiry.
//   - error: Storage failure only.
func (c *PageCache) Get(ctx context.Context, url string) (string, bool, error) {
	if c == nil {
		return "", false, nil
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var raw []byte
	err := c.db.View(func(txn *dgbadger.Txn) error {
		item, err := txn.Get(pageKey(url))
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get page key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, errCacheMiss) {
		cacheLookups.WithLabelValues("miss").Inc()
		return "", false, nil
	}
	if err != nil {
		cacheLookups.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("page cache load: %w", err)
	}
	cacheLookups.WithLabelValues("hit").Inc()
	c.logger.Debug("page cache hit", slog.String("url", url), slog.Int("bytes", len(raw)))
	return string(raw), true, nil
}

// Put stores text for url with the cache TTL.
func (c *PageCache) Put(ctx context.Context, url, text string) error {
	if c == nil || text == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(pageKey(url), []byte(text)).WithTTL(c.ttl))
	})
	if err != nil {
		return fmt.Errorf("page cache save: %w", err)
	}
	return nil
}

func pageKey(url string) []byte {
	sum := sha256.Sum256([]byte(url))
	return []byte(pageKeyPrefix + hex.EncodeToString(sum[:]))
}
