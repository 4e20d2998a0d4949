// Package mock provides a deterministic embedder for tests and offline runs.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// DefaultDimensions matches nomic-embed-text.
const DefaultDimensions = 768

// MockEmbedder generates deterministic embeddings based on a text hash.
// Equal texts get equal vectors; different texts get unrelated ones.
type MockEmbedder struct {
	dimensions int

	// Fail, when set, is consulted before every embedding. A non-nil
	// return is reported as the embedding error.
	Fail func(text string) error

	calls atomic.Int64
}

var _ memory.Embedder = (*MockEmbedder)(nil)

// New creates a mock embedder. dims <= 0 selects DefaultDimensions.
func New(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &MockEmbedder{dimensions: dims}
}

// Embed creates a deterministic unit vector from text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	if strings.TrimSpace(text) == "" {
		return nil, core.ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, core.ProviderError("mock embed", err)
	}
	if m.Fail != nil {
		if err := m.Fail(text); err != nil {
			return nil, err
		}
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		// LCG step, mapped to [-1, 1].
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

// Model returns "mock".
func (m *MockEmbedder) Model() string {
	return "mock"
}

// Ping always succeeds.
func (m *MockEmbedder) Ping(ctx context.Context) error {
	return nil
}

// Calls returns how many times Embed has been invoked.
func (m *MockEmbedder) Calls() int {
	return int(m.calls.Load())
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
