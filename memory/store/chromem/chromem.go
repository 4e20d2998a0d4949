package chromem

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// DefaultCollection is the name of the single collection the service uses.
const DefaultCollection = "conversations"

// Config configures a ChromemStore.
type Config struct {
	// Path is the persistence directory. It is created if absent and
	// reloaded if it already holds data. Empty keeps everything in memory.
	Path string

	// Collection name. Default: "conversations".
	Collection string

	// Dimensions is the fixed embedding length of the collection.
	Dimensions int

	// Compress gzips the persisted documents.
	Compress bool

	Logger *slog.Logger
}

// ChromemStore wraps chromem-go for vector storage.
// chromem-go is a pure Go, embedded vector database.
//
// Mutations take the write lock, reads share the read lock and Reset is
// exclusive. The existence check that routes Insert to an update is made
// under the same write lock as the write itself.
type ChromemStore struct {
	db     *chromem.DB
	col    *chromem.Collection
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ memory.Store = (*ChromemStore)(nil)

// collectionMetadata is recreated verbatim by Reset.
var collectionMetadata = map[string]string{
	"description": "Conversation embeddings for semantic search",
	"distance":    "cosine",
}

// New opens (or creates) a chromem-based store.
func New(cfg Config) (*ChromemStore, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", core.ErrValidation)
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "chromem")

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, core.StoreError("open chromem db", err)
		}
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, collectionMetadata, refuseEmbedding)
	if err != nil {
		return nil, core.StoreError("open collection", err)
	}

	logger.Info("store opened", "path", cfg.Path, "collection", cfg.Collection, "count", col.Count())

	return &ChromemStore{
		db:     db,
		col:    col,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// refuseEmbedding is the collection's embedding func. Vectors are always
// supplied by the caller, so any call is a bug.
func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem store never embeds text; pass an embedding")
}

// Insert saves a record, overwriting an existing one with the same ID.
func (s *ChromemStore) Insert(ctx context.Context, rec memory.Record) (string, error) {
	if err := memory.ValidateID(rec.ID); err != nil {
		return "", err
	}
	if err := memory.ValidateEmbedding(rec.Embedding, s.cfg.Dimensions); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	_, getErr := s.col.GetByID(ctx, rec.ID)
	exists := getErr == nil

	if err := s.write(ctx, rec.Clone()); err != nil {
		return "", err
	}

	if exists {
		s.logger.Debug("record replaced", "id", rec.ID)
	} else {
		s.logger.Debug("record inserted", "id", rec.ID)
	}
	return rec.ID, nil
}

// Update overwrites only the fields present in the patch.
func (s *ChromemStore) Update(ctx context.Context, id string, patch memory.Patch) (string, error) {
	if err := memory.ValidateID(id); err != nil {
		return "", err
	}
	if emb, ok := patch.Embedding.Get(); ok {
		if err := memory.ValidateEmbedding(emb, s.cfg.Dimensions); err != nil {
			return "", err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	doc, err := s.col.GetByID(ctx, id)
	if err != nil {
		return "", fmt.Errorf("update %q: %w", id, core.ErrNotFound)
	}
	if patch.Empty() {
		return id, nil
	}

	rec := patch.Apply(recordFromDocument(doc))
	if err := s.write(ctx, rec); err != nil {
		return "", err
	}
	s.logger.Debug("record updated", "id", id)
	return id, nil
}

// UpdateMetadata shallow-merges partial over the stored metadata.
func (s *ChromemStore) UpdateMetadata(ctx context.Context, id string, partial memory.Metadata) (bool, error) {
	if err := memory.ValidateID(id); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	doc, err := s.col.GetByID(ctx, id)
	if err != nil {
		s.logger.Debug("metadata update for unknown record", "id", id)
		return false, nil
	}

	rec := recordFromDocument(doc)
	rec.Metadata = rec.Metadata.Merge(partial)
	if err := s.write(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a record. Deleting an unknown ID reports false.
func (s *ChromemStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := memory.ValidateID(id); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	if _, err := s.col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return false, core.StoreError("delete document", err)
	}
	s.logger.Debug("record deleted", "id", id)
	return true, nil
}

// Search returns up to topK nearest records, nearest first, ties by ID.
func (s *ChromemStore) Search(ctx context.Context, query []float32, topK int, helpful *bool) ([]memory.Match, error) {
	if topK < 1 {
		return nil, core.ErrInvalidTopK
	}
	if err := memory.ValidateEmbedding(query, s.cfg.Dimensions); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	// chromem-go picks its top n from a heap, so records tied at the cutoff
	// would be chosen arbitrarily. Rank every candidate and cut afterwards.
	n := s.col.Count()
	if n == 0 {
		return []memory.Match{}, nil
	}

	results, err := s.col.QueryEmbedding(ctx, query, n, helpfulFilter(helpful), nil)
	if err != nil {
		return nil, core.StoreError("query embedding", err)
	}

	matches := make([]memory.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, memory.Match{
			ID:       r.ID,
			Document: r.Content,
			Metadata: decodeMetadata(r.Metadata),
			Distance: memory.DistanceFromCosine(r.Similarity),
		})
	}
	slices.SortStableFunc(matches, func(a, b memory.Match) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	s.logger.Debug("search", "top_k", topK, "filtered", helpful != nil, "results", len(matches))
	return matches, nil
}

// Get returns the record, or nil if the ID does not exist. The embedding
// keeps the magnitude it was written with.
func (s *ChromemStore) Get(ctx context.Context, id string) (*memory.Record, error) {
	if err := memory.ValidateID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	doc, err := s.col.GetByID(ctx, id)
	if err != nil {
		return nil, nil
	}
	rec := recordFromDocument(doc)
	return &rec, nil
}

// GetAll lists up to limit records without embeddings. chromem-go has no
// listing API, so this ranks the whole collection against a basis vector
// and keeps the first limit results; no ordering is promised.
func (s *ChromemStore) GetAll(ctx context.Context, limit int) ([]memory.Listing, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be >= 1", core.ErrValidation)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	n := min(limit, s.col.Count())
	if n == 0 {
		return []memory.Listing{}, nil
	}

	probe := make([]float32, s.cfg.Dimensions)
	probe[0] = 1
	results, err := s.col.QueryEmbedding(ctx, probe, n, nil, nil)
	if err != nil {
		return nil, core.StoreError("list documents", err)
	}

	out := make([]memory.Listing, 0, len(results))
	for _, r := range results {
		out = append(out, memory.Listing{
			ID:       r.ID,
			Document: r.Content,
			Metadata: decodeMetadata(r.Metadata),
		})
	}
	return out, nil
}

// Reset deletes the collection and recreates it empty.
func (s *ChromemStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if err := s.db.DeleteCollection(s.cfg.Collection); err != nil {
		return core.StoreError("delete collection", err)
	}
	col, err := s.db.CreateCollection(s.cfg.Collection, collectionMetadata, refuseEmbedding)
	if err != nil {
		return core.StoreError("recreate collection", err)
	}
	s.col = col

	s.logger.Warn("collection reset", "collection", s.cfg.Collection)
	return nil
}

// Stats reports the record count, collection name and persistence directory.
func (s *ChromemStore) Stats(ctx context.Context) (memory.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return memory.Stats{}, err
	}

	location := s.cfg.Path
	if location == "" {
		location = ":memory:"
	}
	return memory.Stats{
		Count:    s.col.Count(),
		Name:     s.cfg.Collection,
		Location: location,
	}, nil
}

// Ping reports whether the store is open.
func (s *ChromemStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

// Close releases resources. Documents are persisted on every write, so
// there is nothing to flush.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// write stores rec under its ID. Callers hold the write lock.
func (s *ChromemStore) write(ctx context.Context, rec memory.Record) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if norm, ok := embeddingNorm(rec.Embedding); ok {
		meta[normKey] = strconv.FormatFloat(float64(norm), 'g', -1, 32)
	}
	err = s.col.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Metadata:  meta,
		Embedding: rec.Embedding,
		Content:   rec.Document,
	})
	if err != nil {
		return core.StoreError("add document", err)
	}
	return nil
}

func (s *ChromemStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("%w: store is closed", core.ErrStoreUnavailable)
	}
	return nil
}
