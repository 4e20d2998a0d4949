// Package embedder holds helpers shared by every embedding provider.
// Providers themselves live in the subpackages.
package embedder

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// DefaultChunkSize is how many texts are embedded concurrently.
const DefaultChunkSize = 10

// Batch embeds texts in fixed-size chunks, one concurrent request per text
// within a chunk. A failed text gets an all-zero vector of e.Dimensions() in
// its slot so the result always lines up with texts; the failures are
// returned joined. The zero vectors are not valid store input.
func Batch(ctx context.Context, e memory.Embedder, texts []string, chunkSize int) ([][]float32, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	out := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	for start := 0; start < len(texts); start += chunkSize {
		end := min(start+chunkSize, len(texts))

		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				vec, err := e.Embed(ctx, texts[i])
				if err == nil && len(vec) == 0 {
					err = core.ErrEmptyResult
				}
				if err != nil {
					errs[i] = fmt.Errorf("text %d: %w", i, err)
					vec = make([]float32, e.Dimensions())
				}
				out[i] = vec
				return nil
			})
		}
		g.Wait()
	}

	return out, errors.Join(errs...)
}
