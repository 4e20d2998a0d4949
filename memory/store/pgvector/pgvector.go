// Package pgvector stores conversation records in PostgreSQL with the
// pgvector extension, for deployments that already run Postgres.
package pgvector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// DefaultTable holds the records when no table is configured.
const DefaultTable = "conversations"

// Config configures a PgVectorStore.
type Config struct {
	// DSN is a libpq connection string or postgres:// URL.
	DSN string

	// Table name. Default: "conversations".
	Table string

	// Dimensions is the fixed embedding length of the vector column.
	Dimensions int

	Logger *slog.Logger
}

// PgVectorStore implements memory.Store on a single table. Upserts use
// ON CONFLICT, metadata merges use the jsonb || operator and search
// ranks by the <=> cosine distance operator.
type PgVectorStore struct {
	pool   *pgxpool.Pool
	cfg    Config
	table  string
	logger *slog.Logger

	// Same discipline as the embedded store: single writer, shared readers,
	// Reset exclusive.
	mu sync.RWMutex
}

var _ memory.Store = (*PgVectorStore)(nil)

// New connects, installs the vector extension if needed and creates the
// table if absent.
func New(ctx context.Context, cfg Config) (*PgVectorStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", core.ErrValidation)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive", core.ErrValidation)
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pgvector")

	// The vector type must exist before pooled connections register it.
	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, core.StoreError("connect", err)
	}
	_, err = conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	conn.Close(ctx)
	if err != nil {
		return nil, core.StoreError("create extension", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %w", core.ErrValidation, err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, core.StoreError("open pool", err)
	}

	s := &PgVectorStore{
		pool:   pool,
		cfg:    cfg,
		table:  pgx.Identifier{cfg.Table}.Sanitize(),
		logger: logger,
	}
	if _, err := pool.Exec(ctx, s.createTableSQL()); err != nil {
		pool.Close()
		return nil, core.StoreError("create table", err)
	}

	logger.Info("store opened", "table", cfg.Table, "dimensions", cfg.Dimensions)
	return s, nil
}

func (s *PgVectorStore) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	embedding  vector(%d) NOT NULL,
	document   TEXT NOT NULL DEFAULT '',
	metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table, s.cfg.Dimensions)
}

// Insert upserts a record. All three fields are replaced on conflict.
func (s *PgVectorStore) Insert(ctx context.Context, rec memory.Record) (string, error) {
	if err := memory.ValidateID(rec.ID); err != nil {
		return "", err
	}
	if err := memory.ValidateEmbedding(rec.Embedding, s.cfg.Dimensions); err != nil {
		return "", err
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: encode metadata: %w", core.ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted bool
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, embedding, document, metadata)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (id) DO UPDATE
		SET embedding = EXCLUDED.embedding,
		    document = EXCLUDED.document,
		    metadata = EXCLUDED.metadata,
		    updated_at = now()
		RETURNING (xmax = 0)`, s.table),
		rec.ID, pgvector.NewVector(rec.Embedding), rec.Document, string(meta),
	).Scan(&inserted)
	if err != nil {
		return "", core.StoreError("upsert", err)
	}

	if inserted {
		s.logger.Debug("record inserted", "id", rec.ID)
	} else {
		s.logger.Debug("record replaced", "id", rec.ID)
	}
	return rec.ID, nil
}

// Update overwrites only the fields present in the patch.
func (s *PgVectorStore) Update(ctx context.Context, id string, patch memory.Patch) (string, error) {
	if err := memory.ValidateID(id); err != nil {
		return "", err
	}

	sets := []string{"updated_at = now()"}
	args := []any{id}
	if emb, ok := patch.Embedding.Get(); ok {
		if err := memory.ValidateEmbedding(emb, s.cfg.Dimensions); err != nil {
			return "", err
		}
		args = append(args, pgvector.NewVector(emb))
		sets = append(sets, fmt.Sprintf("embedding = $%d", len(args)))
	}
	if doc, ok := patch.Document.Get(); ok {
		args = append(args, doc)
		sets = append(sets, fmt.Sprintf("document = $%d", len(args)))
	}
	if meta, ok := patch.Metadata.Get(); ok {
		b, err := json.Marshal(meta)
		if err != nil {
			return "", fmt.Errorf("%w: encode metadata: %w", core.ErrValidation, err)
		}
		args = append(args, string(b))
		sets = append(sets, fmt.Sprintf("metadata = $%d::jsonb", len(args)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if patch.Empty() {
		exists, err := s.exists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", fmt.Errorf("update %q: %w", id, core.ErrNotFound)
		}
		return id, nil
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, s.table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return "", core.StoreError("update", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("update %q: %w", id, core.ErrNotFound)
	}
	return id, nil
}

// UpdateMetadata shallow-merges partial over the stored metadata.
func (s *PgVectorStore) UpdateMetadata(ctx context.Context, id string, partial memory.Metadata) (bool, error) {
	if err := memory.ValidateID(id); err != nil {
		return false, err
	}
	b, err := json.Marshal(partial)
	if err != nil {
		return false, fmt.Errorf("%w: encode metadata: %w", core.ErrValidation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET metadata = metadata || $2::jsonb, updated_at = now() WHERE id = $1`, s.table),
		id, string(b))
	if err != nil {
		return false, core.StoreError("update metadata", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes a record. Deleting an unknown ID reports false.
func (s *PgVectorStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := memory.ValidateID(id); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table), id)
	if err != nil {
		return false, core.StoreError("delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Search ranks the filtered rows by cosine distance, ties by ID.
func (s *PgVectorStore) Search(ctx context.Context, query []float32, topK int, helpful *bool) ([]memory.Match, error) {
	if topK < 1 {
		return nil, core.ErrInvalidTopK
	}
	if err := memory.ValidateEmbedding(query, s.cfg.Dimensions); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, document, metadata, embedding <=> $1 AS distance
		FROM %s
		WHERE $2::boolean IS NULL OR CASE
			WHEN jsonb_typeof(metadata->'was_helpful') = 'boolean'
			THEN (metadata->>'was_helpful')::boolean = $2::boolean
			ELSE false
		END
		ORDER BY distance, id
		LIMIT $3`, s.table),
		pgvector.NewVector(query), helpful, topK)
	if err != nil {
		return nil, core.StoreError("search", err)
	}
	defer rows.Close()

	matches := []memory.Match{}
	for rows.Next() {
		var (
			m        memory.Match
			meta     []byte
			distance float64
		)
		if err := rows.Scan(&m.ID, &m.Document, &meta, &distance); err != nil {
			return nil, core.StoreError("scan match", err)
		}
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, core.StoreError("decode metadata", err)
		}
		m.Distance = memory.DistanceFromCosine(float32(1 - distance))
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.StoreError("search", err)
	}
	return matches, nil
}

// Get returns the record, or nil if the ID does not exist.
func (s *PgVectorStore) Get(ctx context.Context, id string) (*memory.Record, error) {
	if err := memory.ValidateID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec  memory.Record
		vec  pgvector.Vector
		meta []byte
	)
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT id, embedding, document, metadata FROM %s WHERE id = $1`, s.table), id,
	).Scan(&rec.ID, &vec, &rec.Document, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, core.StoreError("get", err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, core.StoreError("decode metadata", err)
	}
	rec.Embedding = vec.Slice()
	return &rec, nil
}

// GetAll lists up to limit records, oldest first.
func (s *PgVectorStore) GetAll(ctx context.Context, limit int) ([]memory.Listing, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be >= 1", core.ErrValidation)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, document, metadata FROM %s ORDER BY created_at, id LIMIT $1`, s.table), limit)
	if err != nil {
		return nil, core.StoreError("list", err)
	}
	defer rows.Close()

	out := []memory.Listing{}
	for rows.Next() {
		var (
			l    memory.Listing
			meta []byte
		)
		if err := rows.Scan(&l.ID, &l.Document, &meta); err != nil {
			return nil, core.StoreError("scan listing", err)
		}
		if err := json.Unmarshal(meta, &l.Metadata); err != nil {
			return nil, core.StoreError("decode metadata", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, core.StoreError("list", err)
	}
	return out, nil
}

// Reset drops and recreates the table in one transaction.
func (s *PgVectorStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, s.createTableSQL())
		return err
	})
	if err != nil {
		return core.StoreError("reset", err)
	}
	s.logger.Warn("table reset", "table", s.cfg.Table)
	return nil
}

// Stats reports the row count, table name and database.
func (s *PgVectorStore) Stats(ctx context.Context) (memory.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&count); err != nil {
		return memory.Stats{}, core.StoreError("count", err)
	}
	cc := s.pool.Config().ConnConfig
	return memory.Stats{
		Count:    count,
		Name:     s.cfg.Table,
		Location: fmt.Sprintf("postgres://%s:%d/%s", cc.Host, cc.Port, cc.Database),
	}, nil
}

// Ping checks the database answers.
func (s *PgVectorStore) Ping(ctx context.Context) error {
	return core.StoreError("ping", s.pool.Ping(ctx))
}

// Close closes the pool.
func (s *PgVectorStore) Close() error {
	s.pool.Close()
	return nil
}

// exists reports whether id is stored. Callers hold a lock.
func (s *PgVectorStore) exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.table), id).Scan(&ok)
	if err != nil {
		return false, core.StoreError("exists", err)
	}
	return ok, nil
}
