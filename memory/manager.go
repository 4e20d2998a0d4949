package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/becomeliminal/nim-recall/core"
)

// SimpleManager is the memory service. It is built once at startup and
// shared by every transport and by the engine.
//
// It owns the embedder: text is vectorised here, before the store is
// entered, so store locks are never held across a provider call.
type SimpleManager struct {
	store    Store
	embedder Embedder
	config   *Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

var _ Manager = (*SimpleManager)(nil)

// NewSimpleManager creates a new SimpleManager.
func NewSimpleManager(store Store, embedder Embedder, config *Config) *SimpleManager {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SimpleManager{
		store:    store,
		embedder: embedder,
		config:   config,
		logger:   logger.With("component", "memory"),
		tracer:   otel.Tracer("github.com/becomeliminal/nim-recall/memory"),
		now:      time.Now,
	}
}

// Embed converts text to a vector with the configured provider.
func (m *SimpleManager) Embed(ctx context.Context, text string) (*EmbedResponse, error) {
	ctx, span := m.tracer.Start(ctx, "memory.Embed")
	defer span.End()

	vec, err := m.embed(ctx, text)
	if err != nil {
		return nil, spanError(span, err)
	}
	return &EmbedResponse{
		Embedding:  vec,
		Model:      m.modelName(),
		Dimensions: len(vec),
	}, nil
}

// Search finds stored exchanges similar to the query.
//
// With FailOpen set, provider and store failures are logged and answered
// with an empty, Degraded response. Validation errors always propagate.
func (m *SimpleManager) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	ctx, span := m.tracer.Start(ctx, "memory.Search")
	defer span.End()

	if strings.TrimSpace(req.Query) == "" {
		return nil, spanError(span, core.ErrEmptyInput)
	}
	topK := req.TopK
	if topK == 0 {
		topK = m.config.DefaultTopK
	}
	if topK < 1 {
		return nil, spanError(span, core.ErrInvalidTopK)
	}
	if m.config.MaxTopK > 0 && topK > m.config.MaxTopK {
		topK = m.config.MaxTopK
	}
	span.SetAttributes(attribute.Int("memory.top_k", topK), attribute.Bool("memory.filtered", req.FilterHelpful != nil))

	resp := &SearchResponse{Results: []SearchResult{}, Query: req.Query}

	query, err := m.embed(ctx, req.Query)
	if err != nil {
		return m.degrade(span, resp, "embed query", err)
	}

	matches, err := m.store.Search(ctx, query, topK, req.FilterHelpful)
	if err != nil {
		return m.degrade(span, resp, "search store", err)
	}

	for _, match := range matches {
		r := SearchResult{
			ID:          match.ID,
			BotResponse: match.Document,
			Similarity:  round4(match.Similarity()),
			WasHelpful:  match.Metadata.WasHelpful,
			Metadata:    match.Metadata,
		}
		if match.Metadata.UserMessage != nil {
			r.UserMessage = *match.Metadata.UserMessage
		}
		resp.Results = append(resp.Results, r)
	}
	resp.TotalFound = len(resp.Results)
	span.SetAttributes(attribute.Int("memory.results", resp.TotalFound))

	m.logger.Debug("search", "query", truncate(req.Query, 50), "top_k", topK, "results", resp.TotalFound)
	return resp, nil
}

// degrade turns a read-path failure into a degraded empty response when
// failing open, or returns it otherwise.
func (m *SimpleManager) degrade(span trace.Span, resp *SearchResponse, op string, err error) (*SearchResponse, error) {
	if !m.config.FailOpen || errors.Is(err, core.ErrValidation) {
		return nil, spanError(span, fmt.Errorf("%s: %w", op, err))
	}
	m.logger.Error("search degraded", "op", op, "error", err, "kind", core.KindOf(err))
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("memory.degraded", true))
	resp.Degraded = true
	resp.Warning = fmt.Sprintf("%s failed (%s); results may be incomplete", op, core.KindOf(err))
	return resp, nil
}

// Store embeds the user's message and stores the exchange under req.ID,
// replacing any previous exchange with that ID.
func (m *SimpleManager) Store(ctx context.Context, req StoreRequest) (*StoreResponse, error) {
	ctx, span := m.tracer.Start(ctx, "memory.Store")
	defer span.End()

	if err := ValidateID(req.ID); err != nil {
		return nil, spanError(span, err)
	}
	span.SetAttributes(attribute.String("memory.id", req.ID))

	vec, err := m.embed(ctx, req.UserMessage)
	if err != nil {
		return nil, spanError(span, err)
	}
	resp, err := m.insert(ctx, req, vec)
	if err != nil {
		return nil, spanError(span, err)
	}
	return resp, nil
}

// StoreWithEmbedding stores an exchange whose user message was already
// embedded, as bulk imports do. The vector must match the store's
// dimensionality and must not be all zeros.
func (m *SimpleManager) StoreWithEmbedding(ctx context.Context, req StoreRequest, embedding []float32) (*StoreResponse, error) {
	ctx, span := m.tracer.Start(ctx, "memory.StoreWithEmbedding", trace.WithAttributes(attribute.String("memory.id", req.ID)))
	defer span.End()

	if err := ValidateID(req.ID); err != nil {
		return nil, spanError(span, err)
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, spanError(span, core.ErrEmptyInput)
	}
	if err := ValidateEmbedding(embedding, m.embedder.Dimensions()); err != nil {
		return nil, spanError(span, err)
	}
	resp, err := m.insert(ctx, req, embedding)
	if err != nil {
		return nil, spanError(span, err)
	}
	return resp, nil
}

func (m *SimpleManager) insert(ctx context.Context, req StoreRequest, vec []float32) (*StoreResponse, error) {
	rec := Record{
		ID:        req.ID,
		Embedding: vec,
		Document:  req.BotResponse,
		Metadata: Metadata{
			UserMessage: String(req.UserMessage),
			WasHelpful:  req.WasHelpful,
			Intent:      req.Intent,
			Category:    req.Category,
			UserPhone:   req.UserPhone,
			Timestamp:   Time(m.now().UTC()),
		},
	}
	id, err := m.store.Insert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("store exchange: %w", err)
	}

	m.logger.Info("exchange stored", "id", id)
	return &StoreResponse{
		Success:  true,
		VectorID: id,
		Message:  "conversation stored",
	}, nil
}

// Delete removes an exchange. It returns core.ErrNotFound for an unknown ID.
func (m *SimpleManager) Delete(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "memory.Delete", trace.WithAttributes(attribute.String("memory.id", id)))
	defer span.End()

	ok, err := m.store.Delete(ctx, id)
	if err != nil {
		return spanError(span, fmt.Errorf("delete %q: %w", id, err))
	}
	if !ok {
		return fmt.Errorf("delete %q: %w", id, core.ErrNotFound)
	}
	m.logger.Info("exchange deleted", "id", id)
	return nil
}

// UpdateFeedback records whether an exchange was helpful. Other metadata is
// preserved. It returns core.ErrNotFound for an unknown ID.
func (m *SimpleManager) UpdateFeedback(ctx context.Context, id string, wasHelpful bool) error {
	ctx, span := m.tracer.Start(ctx, "memory.UpdateFeedback", trace.WithAttributes(
		attribute.String("memory.id", id),
		attribute.Bool("memory.was_helpful", wasHelpful),
	))
	defer span.End()

	ok, err := m.store.UpdateMetadata(ctx, id, Metadata{WasHelpful: Bool(wasHelpful)})
	if err != nil {
		return spanError(span, fmt.Errorf("update feedback %q: %w", id, err))
	}
	if !ok {
		return fmt.Errorf("update feedback %q: %w", id, core.ErrNotFound)
	}
	m.logger.Info("feedback updated", "id", id, "was_helpful", wasHelpful)
	return nil
}

// Get returns a stored exchange. It returns core.ErrNotFound for an unknown ID.
func (m *SimpleManager) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", id, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("get %q: %w", id, core.ErrNotFound)
	}
	return rec, nil
}

// List returns up to limit exchanges without embeddings. Zero selects
// Config.DefaultListLimit.
func (m *SimpleManager) List(ctx context.Context, limit int) ([]Listing, error) {
	if limit == 0 {
		limit = m.config.DefaultListLimit
	}
	out, err := m.store.GetAll(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return out, nil
}

// Reset destroys every stored exchange.
func (m *SimpleManager) Reset(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "memory.Reset")
	defer span.End()

	if err := m.store.Reset(ctx); err != nil {
		return spanError(span, fmt.Errorf("reset: %w", err))
	}
	m.logger.Warn("memory reset")
	return nil
}

// Stats describes the collection and its collaborators. It never fails;
// unreachable components are reported as disconnected.
func (m *SimpleManager) Stats(ctx context.Context) StatsResponse {
	resp := StatsResponse{
		EmbeddingModel:      m.modelName(),
		EmbeddingDimensions: m.embedder.Dimensions(),
		ProviderStatus:      status(m.pingProvider(ctx)),
		StoreStatus:         StatusDisconnected,
	}
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("store stats unavailable", "error", err)
		return resp
	}
	resp.TotalEmbeddings = stats.Count
	resp.CollectionName = stats.Name
	resp.Location = stats.Location
	resp.StoreStatus = StatusConnected
	return resp
}

// Health reports healthy when both the provider and the store answer.
// It never fails.
func (m *SimpleManager) Health(ctx context.Context) HealthResponse {
	providerErr := m.pingProvider(ctx)
	storeErr := m.store.Ping(ctx)

	h := HealthResponse{
		Status:    StatusHealthy,
		Provider:  status(providerErr),
		Store:     status(storeErr),
		Timestamp: m.now().UTC(),
	}
	if providerErr != nil || storeErr != nil {
		h.Status = StatusDegraded
		m.logger.Warn("health degraded", "provider_error", providerErr, "store_error", storeErr)
	}
	return h
}

// Retrieve finds relevant past exchanges and formats them for the system
// prompt. It returns "" when memory is disabled or nothing clears
// Config.MinSimilarity.
func (m *SimpleManager) Retrieve(ctx context.Context, userMessage string) (string, error) {
	if !m.config.Enabled {
		return "", nil
	}

	req := SearchRequest{Query: userMessage, TopK: m.config.RetrieveTopK}
	if m.config.OnlyHelpful {
		req.FilterHelpful = Bool(true)
	}
	resp, err := m.Search(ctx, req)
	if err != nil {
		return "", fmt.Errorf("retrieve: %w", err)
	}
	if resp.Degraded {
		m.logger.Warn("retrieve skipped", "warning", resp.Warning)
		return "", nil
	}

	var relevant []SearchResult
	for _, r := range resp.Results {
		if r.Similarity >= m.config.MinSimilarity {
			relevant = append(relevant, r)
		}
	}

	m.logger.Info("retrieved memories", "query", truncate(userMessage, 50), "found", resp.TotalFound, "relevant", len(relevant))
	return formatExchanges(relevant), nil
}

// RecordConversation stores an exchange after a reply. An empty ID gets a
// generated one. It is a no-op returning "" when memory is disabled.
func (m *SimpleManager) RecordConversation(ctx context.Context, exchange StoreRequest) (string, error) {
	if !m.config.Enabled {
		return "", nil
	}
	if exchange.ID == "" {
		exchange.ID = uuid.NewString()
	}
	resp, err := m.Store(ctx, exchange)
	if err != nil {
		return "", fmt.Errorf("record conversation: %w", err)
	}
	return resp.VectorID, nil
}

// Close releases the store and, when it holds resources, the embedder.
func (m *SimpleManager) Close() error {
	var errs []error
	if c, ok := m.embedder.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, m.store.Close())
	return errors.Join(errs...)
}

func (m *SimpleManager) embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.ErrEmptyInput
	}
	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, core.ProviderError("embed", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embed: %w", core.ErrEmptyResult)
	}
	return vec, nil
}

func (m *SimpleManager) pingProvider(ctx context.Context) error {
	if p, ok := m.embedder.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (m *SimpleManager) modelName() string {
	if n, ok := m.embedder.(ModelNamer); ok {
		return n.Model()
	}
	return "unknown"
}

func status(err error) string {
	if err != nil {
		return StatusDisconnected
	}
	return StatusConnected
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Config holds SimpleManager configuration.
type Config struct {
	// Enabled toggles the engine-facing Retrieve and RecordConversation.
	// The service operations work regardless.
	Enabled bool

	// MinSimilarity is the minimum similarity for Retrieve [0.0-1.0].
	// Default: 0.5
	MinSimilarity float64

	// DefaultTopK is used by Search when the request leaves TopK zero.
	// Default: 5
	DefaultTopK int

	// MaxTopK caps TopK. Zero means no cap. Default: 100
	MaxTopK int

	// RetrieveTopK is how many candidates Retrieve considers. Default: 3
	RetrieveTopK int

	// OnlyHelpful restricts Retrieve to exchanges marked helpful.
	// Default: true
	OnlyHelpful bool

	// FailOpen answers Search with an empty degraded result instead of an
	// error when the provider or the store fails. Default: true
	FailOpen bool

	// DefaultListLimit is used by List when the limit is zero. Default: 100
	DefaultListLimit int

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		MinSimilarity:    0.5,
		DefaultTopK:      5,
		MaxTopK:          100,
		RetrieveTopK:     3,
		OnlyHelpful:      true,
		FailOpen:         true,
		DefaultListLimit: 100,
	}
}
