package memory

import "slices"

// Record is the unit of storage: one conversation turn.
type Record struct {
	// ID is supplied by the caller and shared with its relational record.
	ID string

	// Embedding has the collection's fixed dimensionality.
	Embedding []float32

	// Document is conventionally the agent's response, not the query.
	Document string

	Metadata Metadata
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Embedding = slices.Clone(r.Embedding)
	r.Metadata = r.Metadata.Clone()
	return r
}

// Match is a single search result.
type Match struct {
	ID       string
	Document string
	Metadata Metadata

	// Distance is the cosine distance to the query in [0, 2].
	Distance float32
}

// Similarity converts the match distance to a bounded score in [0, 1].
func (m Match) Similarity() float64 {
	return Similarity(float64(m.Distance))
}

// Listing is a record without its embedding, as returned by GetAll.
type Listing struct {
	ID       string   `json:"id"`
	Document string   `json:"document"`
	Metadata Metadata `json:"metadata"`
}

// Stats is read-only store introspection.
type Stats struct {
	Count    int    `json:"count"`
	Name     string `json:"name"`
	Location string `json:"location"`
}

// Optional carries a value together with an explicit presence flag, so a
// present-but-empty value is never confused with an omitted one.
type Optional[T any] struct {
	value T
	set   bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, set: true}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether a value is present.
func (o Optional[T]) IsSet() bool {
	return o.set
}

// Patch describes a partial update. Only present fields are overwritten.
// Metadata, when present, replaces the stored metadata as a whole; use
// Store.UpdateMetadata for a merge.
type Patch struct {
	Embedding Optional[[]float32]
	Document  Optional[string]
	Metadata  Optional[Metadata]
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return !p.Embedding.IsSet() && !p.Document.IsSet() && !p.Metadata.IsSet()
}

// Apply returns rec with the present patch fields written over it.
func (p Patch) Apply(rec Record) Record {
	if v, ok := p.Embedding.Get(); ok {
		rec.Embedding = slices.Clone(v)
	}
	if v, ok := p.Document.Get(); ok {
		rec.Document = v
	}
	if v, ok := p.Metadata.Get(); ok {
		rec.Metadata = v.Clone()
	}
	return rec
}
