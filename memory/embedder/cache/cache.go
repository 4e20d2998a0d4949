// Package cache memoises embeddings in front of another embedder.
package cache

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-recall/memory"
)

// DefaultMaxBytes bounds the cached vectors when no size is configured.
const DefaultMaxBytes = 64 << 20

// Embedder caches vectors per (model, text). Failed embeddings are never
// cached. Optional capabilities of the wrapped embedder are forwarded.
type Embedder struct {
	next  memory.Embedder
	model string
	cache *ristretto.Cache
}

var (
	_ memory.Embedder   = (*Embedder)(nil)
	_ memory.ModelNamer = (*Embedder)(nil)
	_ memory.Pinger     = (*Embedder)(nil)
)

// New wraps next with a cache holding up to maxBytes of vectors.
func New(next memory.Embedder, maxBytes int64) (*Embedder, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	// Ristretto wants ~10x as many counters as items it will hold.
	items := maxBytes / int64(4*max(next.Dimensions(), 1))
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max(items*10, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	model := ""
	if n, ok := next.(memory.ModelNamer); ok {
		model = n.Model()
	}
	return &Embedder{next: next, model: model, cache: c}, nil
}

// Embed returns the cached vector for text, or embeds and caches it.
// Callers get their own copy of the vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.model + "\x00" + text
	if v, ok := e.cache.Get(key); ok {
		return slices.Clone(v.([]float32)), nil
	}

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(key, slices.Clone(vec), int64(4*len(vec)))
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Model returns the wrapped embedder's model name, if it has one.
func (e *Embedder) Model() string {
	return e.model
}

// Ping forwards to the wrapped embedder when it can be pinged.
func (e *Embedder) Ping(ctx context.Context) error {
	if p, ok := e.next.(memory.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Wait blocks until buffered writes are visible to Get.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close stops the cache's background goroutines and closes the wrapped
// embedder when it holds resources of its own.
func (e *Embedder) Close() error {
	e.cache.Close()
	if c, ok := e.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
