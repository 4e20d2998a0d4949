package memory

import "time"

// Requests and responses of the memory service. Transports encode these
// directly as JSON.

// EmbedResponse carries a vector and the model that produced it.
type EmbedResponse struct {
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
}

// SearchRequest asks for past exchanges similar to Query.
type SearchRequest struct {
	Query string `json:"query"`

	// TopK defaults to Config.DefaultTopK when zero.
	TopK int `json:"top_k"`

	// FilterHelpful restricts candidates to records with this feedback.
	FilterHelpful *bool `json:"filter_helpful,omitempty"`
}

// SearchResult is one similar past exchange.
type SearchResult struct {
	ID          string   `json:"id"`
	UserMessage string   `json:"user_message"`
	BotResponse string   `json:"bot_response"`
	Similarity  float64  `json:"similarity"`
	WasHelpful  *bool    `json:"was_helpful"`
	Metadata    Metadata `json:"metadata"`
}

// SearchResponse lists results nearest first. Degraded is set, with a
// Warning, when a provider or store failure was swallowed and the empty
// result does not mean "nothing similar".
type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	Query      string         `json:"query"`
	TotalFound int            `json:"total_found"`
	Degraded   bool           `json:"degraded,omitempty"`
	Warning    string         `json:"warning,omitempty"`
}

// StoreRequest records one exchange under the caller's ID.
type StoreRequest struct {
	ID          string  `json:"id"`
	UserMessage string  `json:"user_message"`
	BotResponse string  `json:"bot_response"`
	WasHelpful  *bool   `json:"was_helpful,omitempty"`
	Intent      *string `json:"intent,omitempty"`
	Category    *string `json:"category,omitempty"`
	UserPhone   *string `json:"user_phone,omitempty"`
}

// StoreResponse acknowledges a stored exchange.
type StoreResponse struct {
	Success  bool   `json:"success"`
	VectorID string `json:"vector_id"`
	Message  string `json:"message"`
}

// Component status values reported by Stats and Health.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
)

// StatsResponse describes the collection and its collaborators.
type StatsResponse struct {
	TotalEmbeddings     int    `json:"total_embeddings"`
	CollectionName      string `json:"collection_name"`
	Location            string `json:"location"`
	EmbeddingModel      string `json:"embedding_model"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	ProviderStatus      string `json:"provider_status"`
	StoreStatus         string `json:"store_status"`
}

// HealthResponse is healthy only when both collaborators are reachable.
type HealthResponse struct {
	Status    string    `json:"status"`
	Provider  string    `json:"provider"`
	Store     string    `json:"store"`
	Timestamp time.Time `json:"timestamp"`
}

// Healthy reports whether Status is healthy.
func (h HealthResponse) Healthy() bool {
	return h.Status == StatusHealthy
}
