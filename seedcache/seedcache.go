// Package seedcache maintains the precomputed embedding for every known
// scam seed phrase. The whole set is rebuilt in one batched embed call —
// once per TTL window or when a mutation invalidates it — never one call
// per phrase.
//
// Staleness policy: while a rebuild is in flight, readers keep getting the
// previous generation. Transient inaccuracy is preferred over blocking the
// ranking pipeline on the embedding server.
package seedcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/serplab/scamscope/embedder"
	"github.com/serplab/scamscope/signals"
	"github.com/serplab/scamscope/termstore"
	"github.com/serplab/scamscope/vecmath"
)

// SeedSource supplies the current seed phrases (termstore in production).
type SeedSource interface {
	SeedPhrases(ctx context.Context) ([]termstore.SeedPhrase, error)
}

// Config tunes the cache.
type Config struct {
	// TTL bounds how long a generation is served before a rebuild.
	// Default: 24h — embedding computation dominates cost and the seed
	// vocabulary changes rarely.
	TTL time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// failureBackoff is how long a failed cold rebuild is remembered. One
// ranking pass evaluates thousands of candidates; without this a dead
// embedding server would be retried once per candidate instead of once
// per pass.
const failureBackoff = 30 * time.Second

// Cache holds one generation of seed vectors.
type Cache struct {
	emb    embedder.Embedder
	src    SeedSource
	ttl    time.Duration
	logger *slog.Logger

	mu         sync.Mutex
	entries    []signals.SeedVector
	loadedAt   time.Time
	rebuilding bool
	lastErr    error
	failedAt   time.Time
}

// New creates a Cache; the first Entries call populates it.
func New(emb embedder.Embedder, src SeedSource, cfg Config) *Cache {
	cfg.defaults()
	return &Cache{emb: emb, src: src, ttl: cfg.TTL, logger: cfg.Logger}
}

// Entries returns the current seed vectors. A cold cache rebuilds
// synchronously; an expired one returns the stale generation immediately
// and rebuilds in the background. The returned slice is shared — callers
// must not mutate it.
func (c *Cache) Entries(ctx context.Context) ([]signals.SeedVector, error) {
	c.mu.Lock()
	fresh := time.Since(c.loadedAt) < c.ttl
	have := c.entries != nil
	if have && fresh {
		defer c.mu.Unlock()
		return c.entries, nil
	}
	if have && !c.rebuilding {
		// Serve stale, refresh off the request path.
		c.rebuilding = true
		go func() {
			bctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := c.rebuild(bctx); err != nil {
				c.logger.Warn("seed cache background rebuild failed", "error", err)
			}
			c.mu.Lock()
			c.rebuilding = false
			c.mu.Unlock()
		}()
	}
	if have {
		defer c.mu.Unlock()
		return c.entries, nil
	}
	// Cold cache: a recent failed rebuild is served from memory so a dead
	// embedding server is probed once per backoff window, not per caller.
	if c.lastErr != nil && time.Since(c.failedAt) < failureBackoff {
		defer c.mu.Unlock()
		return nil, c.lastErr
	}
	c.mu.Unlock()

	if err := c.rebuild(ctx); err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.failedAt = time.Now()
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries, nil
}

// rebuild loads phrases and embeds them in one batched call, then swaps
// the generation in.
func (c *Cache) rebuild(ctx context.Context) error {
	phrases, err := c.src.SeedPhrases(ctx)
	if err != nil {
		return fmt.Errorf("load seed phrases: %w", err)
	}
	if len(phrases) == 0 {
		c.swap(nil)
		return nil
	}

	texts := make([]string, len(phrases))
	for i, p := range phrases {
		texts[i] = p.Text
	}
	vecs, err := c.emb.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d seed phrases: %w", len(phrases), err)
	}

	entries := make([]signals.SeedVector, len(phrases))
	for i, p := range phrases {
		entries[i] = signals.SeedVector{
			Text:     p.Text,
			Category: p.Category,
			Severity: p.Severity,
			Vec:      vecs[i],
			Norm:     vecmath.Norm(vecs[i]),
		}
	}
	c.swap(entries)
	c.logger.Info("seed embedding cache rebuilt", "phrases", len(entries))
	return nil
}

func (c *Cache) swap(entries []signals.SeedVector) {
	c.mu.Lock()
	if entries == nil {
		entries = []signals.SeedVector{}
	}
	c.entries = entries
	c.loadedAt = time.Now()
	c.lastErr = nil
	c.failedAt = time.Time{}
	c.mu.Unlock()
}

// Invalidate forces the next Entries call to rebuild synchronously.
// Called after every seed-phrase mutation.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entries = nil
	c.loadedAt = time.Time{}
	c.lastErr = nil
	c.failedAt = time.Time{}
	c.mu.Unlock()
}

// Len reports the current generation size without triggering a rebuild.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
