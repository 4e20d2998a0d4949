package chromem

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-recall/memory"
)

// chromem-go stores metadata as map[string]string. Known string keys are
// stored raw so the equality filter on was_helpful works on "true"/"false";
// every other value is JSON-encoded and decoded back on read.

// normKey holds the magnitude of an embedding that chromem-go unit-normalised
// on write. It never leaves this package.
const normKey = "_embedding_norm"

// unitTolerance matches the check chromem-go uses to skip normalisation.
const unitTolerance = 1e-6

// encodeMetadata flattens metadata for storage. Absent keys are omitted.
func encodeMetadata(m memory.Metadata) (map[string]string, error) {
	flat := m.Map()
	if _, ok := flat[normKey]; ok {
		return nil, fmt.Errorf("metadata key %q is reserved", normKey)
	}
	out := make(map[string]string, len(flat))
	for k, v := range flat {
		if isRawKey(k) {
			switch val := v.(type) {
			case string:
				out[k] = val
				continue
			case bool:
				out[k] = strconv.FormatBool(val)
				continue
			}
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode metadata %q: %w", k, err)
		}
		out[k] = string(b)
	}
	return out, nil
}

// decodeMetadata is the inverse of encodeMetadata.
func decodeMetadata(stored map[string]string) memory.Metadata {
	flat := make(map[string]any, len(stored))
	for k, v := range stored {
		if k == normKey {
			continue
		}
		if isRawKey(k) {
			flat[k] = v
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err != nil {
			// Written by something other than this store; keep it verbatim.
			flat[k] = v
			continue
		}
		flat[k] = decoded
	}
	return memory.MetadataFromMap(flat)
}

func isRawKey(k string) bool {
	switch k {
	case memory.KeyUserMessage, memory.KeyWasHelpful, memory.KeyIntent,
		memory.KeyCategory, memory.KeyUserPhone, memory.KeyTimestamp:
		return true
	}
	return false
}

// helpfulFilter builds the equality filter for the was_helpful key.
func helpfulFilter(helpful *bool) map[string]string {
	if helpful == nil {
		return nil
	}
	return map[string]string{memory.KeyWasHelpful: strconv.FormatBool(*helpful)}
}

// embeddingNorm returns the magnitude chromem-go would divide vec by, and
// false when it leaves vec untouched.
func embeddingNorm(vec []float32) (float32, bool) {
	var sq64 float64
	var sq32 float32
	for _, v := range vec {
		sq64 += float64(v) * float64(v)
		sq32 += v * v
	}
	if math.Abs(math.Sqrt(sq64)-1) < unitTolerance {
		return 0, false
	}
	return float32(math.Sqrt(float64(sq32))), true
}

// restoreEmbedding undoes chromem-go's normalisation using the stored norm.
func restoreEmbedding(vec []float32, meta map[string]string) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	raw, ok := meta[normKey]
	if !ok {
		return out
	}
	norm, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return out
	}
	for i, v := range out {
		out[i] = v * float32(norm)
	}
	return out
}

func recordFromDocument(doc chromem.Document) memory.Record {
	return memory.Record{
		ID:        doc.ID,
		Embedding: restoreEmbedding(doc.Embedding, doc.Metadata),
		Document:  doc.Content,
		Metadata:  decodeMetadata(doc.Metadata),
	}
}
