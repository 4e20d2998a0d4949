package memory

import (
	"context"
)

// Store is the vector storage backend interface.
// Implementations: ChromemStore (embedded, default), PgVectorStore (PostgreSQL).
//
// Implementations must be safe for concurrent use. Mutations (Insert, Update,
// UpdateMetadata, Delete) are serialised; reads (Search, Get, GetAll, Stats)
// may run concurrently; Reset excludes everything else.
type Store interface {
	// Insert saves a record. If the ID already exists, all three fields
	// (embedding, document, metadata) are overwritten instead. Returns the ID.
	Insert(ctx context.Context, rec Record) (string, error)

	// Update overwrites only the fields present in the patch.
	// Returns core.ErrNotFound if the ID does not exist.
	Update(ctx context.Context, id string, patch Patch) (string, error)

	// UpdateMetadata shallow-merges partial over the stored metadata.
	// Returns false (and no error) if the ID does not exist.
	UpdateMetadata(ctx context.Context, id string, partial Metadata) (bool, error)

	// Delete removes a record. Returns false (and no error) if the ID does not exist.
	Delete(ctx context.Context, id string) (bool, error)

	// Search returns up to topK records nearest to query by cosine distance,
	// nearest first. A non-nil helpful restricts candidates to records whose
	// was_helpful metadata equals *helpful before ranking.
	Search(ctx context.Context, query []float32, topK int, helpful *bool) ([]Match, error)

	// Get returns the full record, or nil if the ID does not exist.
	Get(ctx context.Context, id string) (*Record, error)

	// GetAll lists up to limit records without their embeddings.
	// No ordering is guaranteed.
	GetAll(ctx context.Context, limit int) ([]Listing, error)

	// Reset destroys the collection and recreates it empty with the same
	// name and distance configuration.
	Reset(ctx context.Context) error

	// Stats reports record count, collection name and storage location.
	Stats(ctx context.Context) (Stats, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Embedder converts text to vector embeddings.
// Implementations: ollama (Ollama server), onnx (local model), mock (testing).
//
// Note: Embedder is an implementation detail of SimpleManager.
// Stores never interact with it.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// ModelNamer is implemented by embedders that can report their model name.
type ModelNamer interface {
	Model() string
}

// Pinger is implemented by embedders with a reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Manager orchestrates memory for the agent engine.
//
// The engine is opinionated about WHEN to use memory (retrieve before the
// model call, record after it). The manager decides HOW.
type Manager interface {
	// Retrieve finds relevant past exchanges for the user's message and
	// returns them formatted for prompt injection, or "" when none qualify.
	Retrieve(ctx context.Context, userMessage string) (string, error)

	// RecordConversation stores an exchange. An empty ID gets a generated one.
	// Returns the ID the exchange was stored under.
	RecordConversation(ctx context.Context, exchange StoreRequest) (string, error)
}
