package memory

import (
	"fmt"
	"math"

	"github.com/becomeliminal/nim-recall/core"
)

// Similarity converts a cosine distance in [0, 2] to a score in [0, 1]:
// max(0, 1 - distance/2). This is deliberately not 1 - distance.
func Similarity(distance float64) float64 {
	s := 1 - distance/2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// DistanceFromCosine converts a cosine similarity in [-1, 1] to a cosine
// distance in [0, 2], clamping rounding noise.
func DistanceFromCosine(cosine float32) float32 {
	d := 1 - cosine
	if d < 0 {
		return 0
	}
	if d > 2 {
		return 2
	}
	return d
}

// round4 rounds to four decimals, as similarity scores are reported.
func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// ValidateID rejects empty IDs.
func ValidateID(id string) error {
	if id == "" {
		return core.ErrInvalidID
	}
	return nil
}

// ValidateEmbedding rejects vectors that cannot be compared by cosine
// distance in a collection of the given dimensionality. dims <= 0 skips the
// length check.
func ValidateEmbedding(vec []float32, dims int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: got empty vector", core.ErrDimensionMismatch)
	}
	if dims > 0 && len(vec) != dims {
		return fmt.Errorf("%w: got %d, want %d", core.ErrDimensionMismatch, len(vec), dims)
	}
	var norm float64
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("%w: vector contains NaN or Inf", core.ErrValidation)
		}
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return core.ErrZeroVector
	}
	return nil
}
