package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
)

const testDims = 16

func newManager(t *testing.T, config *memory.Config) (*memory.SimpleManager, *mock.MockEmbedder) {
	t.Helper()
	store, err := chromem.New(chromem.Config{Dimensions: testDims})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	embedder := mock.New(testDims)
	manager := memory.NewSimpleManager(store, embedder, config)
	t.Cleanup(func() { manager.Close() })
	return manager, embedder
}

// brokenStore fails every read. Unused methods panic through the nil
// embedded interface.
type brokenStore struct {
	memory.Store
}

func (brokenStore) Search(context.Context, []float32, int, *bool) ([]memory.Match, error) {
	return nil, core.ErrStoreUnavailable
}

func (brokenStore) Stats(context.Context) (memory.Stats, error) {
	return memory.Stats{}, core.ErrStoreUnavailable
}

func (brokenStore) Ping(context.Context) error { return core.ErrStoreUnavailable }

func (brokenStore) Close() error { return nil }

func TestSimpleManager_StoreAndSearch(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	resp, err := manager.Store(ctx, memory.StoreRequest{
		ID:          "conv-1",
		UserMessage: "How do I reset my password?",
		BotResponse: "Use the 'forgot password' link on the login page.",
		Intent:      memory.String("account"),
	})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if !resp.Success || resp.VectorID != "conv-1" {
		t.Errorf("Unexpected store response: %+v", resp)
	}

	found, err := manager.Search(ctx, memory.SearchRequest{Query: "How do I reset my password?"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if found.TotalFound != 1 || len(found.Results) != 1 {
		t.Fatalf("Expected 1 result, got %d", found.TotalFound)
	}

	r := found.Results[0]
	if r.Similarity != 1 {
		t.Errorf("Expected similarity 1 for identical text, got %v", r.Similarity)
	}
	if r.UserMessage != "How do I reset my password?" || !strings.Contains(r.BotResponse, "forgot password") {
		t.Errorf("Unexpected result: %+v", r)
	}
	if r.WasHelpful != nil {
		t.Errorf("Expected was_helpful absent, got %v", *r.WasHelpful)
	}
	meta := r.Metadata.Map()
	if _, ok := meta[memory.KeyTimestamp]; !ok {
		t.Error("Expected timestamp to be set")
	}
	for _, key := range []string{memory.KeyWasHelpful, memory.KeyCategory, memory.KeyUserPhone} {
		if _, ok := meta[key]; ok {
			t.Errorf("Expected %q to be omitted, got %v", key, meta[key])
		}
	}
	if found.Degraded {
		t.Error("Expected a healthy search")
	}
}

func TestSimpleManager_StoreSameIDReplaces(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	for _, answer := range []string{"first", "second"} {
		if _, err := manager.Store(ctx, memory.StoreRequest{ID: "x", UserMessage: "q", BotResponse: answer}); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}

	stats := manager.Stats(ctx)
	if stats.TotalEmbeddings != 1 {
		t.Errorf("Expected 1 embedding, got %d", stats.TotalEmbeddings)
	}
	rec, err := manager.Get(ctx, "x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Document != "second" {
		t.Errorf("Expected latest answer, got %q", rec.Document)
	}
}

func TestSimpleManager_FeedbackAndFilter(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	manager.Store(ctx, memory.StoreRequest{ID: "a", UserMessage: "opening hours", BotResponse: "9 to 5", Category: memory.String("info")})
	manager.Store(ctx, memory.StoreRequest{ID: "b", UserMessage: "opening hours?", BotResponse: "no idea"})

	if err := manager.UpdateFeedback(ctx, "a", true); err != nil {
		t.Fatalf("UpdateFeedback failed: %v", err)
	}
	if err := manager.UpdateFeedback(ctx, "b", false); err != nil {
		t.Fatalf("UpdateFeedback failed: %v", err)
	}
	if err := manager.UpdateFeedback(ctx, "missing", true); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	found, err := manager.Search(ctx, memory.SearchRequest{Query: "opening hours", FilterHelpful: memory.Bool(true)})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if found.TotalFound != 1 || found.Results[0].ID != "a" {
		t.Fatalf("Expected only a, got %+v", found.Results)
	}
	// Feedback merges; the category survives.
	if c := found.Results[0].Metadata.Category; c == nil || *c != "info" {
		t.Errorf("Expected category to survive feedback update, got %v", c)
	}
}

func TestSimpleManager_Delete(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	manager.Store(ctx, memory.StoreRequest{ID: "x", UserMessage: "q", BotResponse: "a"})

	if err := manager.Delete(ctx, "x"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := manager.Delete(ctx, "x"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := manager.Get(ctx, "x"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Expected ErrNotFound from Get, got %v", err)
	}
}

func TestSimpleManager_Validation(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	if _, err := manager.Search(ctx, memory.SearchRequest{Query: "  "}); !errors.Is(err, core.ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}
	if _, err := manager.Search(ctx, memory.SearchRequest{Query: "q", TopK: -1}); !errors.Is(err, core.ErrInvalidTopK) {
		t.Errorf("Expected ErrInvalidTopK, got %v", err)
	}
	if _, err := manager.Store(ctx, memory.StoreRequest{UserMessage: "q"}); !errors.Is(err, core.ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}
	if _, err := manager.Store(ctx, memory.StoreRequest{ID: "x"}); !errors.Is(err, core.ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}
}

func TestSimpleManager_SearchFailOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("provider down, open", func(t *testing.T) {
		manager, embedder := newManager(t, nil)
		embedder.Fail = func(string) error { return errors.New("connection refused") }

		resp, err := manager.Search(ctx, memory.SearchRequest{Query: "hello"})
		if err != nil {
			t.Fatalf("Expected fail-open search to succeed, got %v", err)
		}
		if !resp.Degraded || resp.Warning == "" {
			t.Errorf("Expected degraded response with warning, got %+v", resp)
		}
		if resp.Results == nil || len(resp.Results) != 0 {
			t.Errorf("Expected empty non-nil results, got %v", resp.Results)
		}
	})

	t.Run("provider down, closed", func(t *testing.T) {
		config := memory.DefaultConfig()
		config.FailOpen = false
		manager, embedder := newManager(t, config)
		embedder.Fail = func(string) error { return errors.New("connection refused") }

		_, err := manager.Search(ctx, memory.SearchRequest{Query: "hello"})
		if !errors.Is(err, core.ErrProviderUnavailable) {
			t.Errorf("Expected ErrProviderUnavailable, got %v", err)
		}
	})

	t.Run("store down, open", func(t *testing.T) {
		manager := memory.NewSimpleManager(brokenStore{}, mock.New(testDims), nil)

		resp, err := manager.Search(ctx, memory.SearchRequest{Query: "hello"})
		if err != nil {
			t.Fatalf("Expected fail-open search to succeed, got %v", err)
		}
		if !resp.Degraded {
			t.Error("Expected degraded response")
		}
	})
}

func TestSimpleManager_StoreFailurePropagates(t *testing.T) {
	ctx := context.Background()
	manager, embedder := newManager(t, nil)
	embedder.Fail = func(string) error { return core.ErrProviderTimeout }

	_, err := manager.Store(ctx, memory.StoreRequest{ID: "x", UserMessage: "q", BotResponse: "a"})
	if !errors.Is(err, core.ErrProviderTimeout) {
		t.Errorf("Expected ErrProviderTimeout, got %v", err)
	}
}

func TestSimpleManager_HealthAndStats(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	h := manager.Health(ctx)
	if !h.Healthy() || h.Provider != memory.StatusConnected || h.Store != memory.StatusConnected {
		t.Errorf("Expected healthy, got %+v", h)
	}
	stats := manager.Stats(ctx)
	if stats.CollectionName != chromem.DefaultCollection || stats.EmbeddingModel != "mock" || stats.EmbeddingDimensions != testDims {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	broken := memory.NewSimpleManager(brokenStore{}, mock.New(testDims), nil)
	h = broken.Health(ctx)
	if h.Healthy() || h.Store != memory.StatusDisconnected {
		t.Errorf("Expected degraded store, got %+v", h)
	}
	if s := broken.Stats(ctx); s.StoreStatus != memory.StatusDisconnected {
		t.Errorf("Expected disconnected store in stats, got %+v", s)
	}
}

func TestSimpleManager_RecordAndRetrieve(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	id, err := manager.RecordConversation(ctx, memory.StoreRequest{
		UserMessage: "send money to Alice",
		BotResponse: "Sent $50 to Alice.",
	})
	if err != nil {
		t.Fatalf("RecordConversation failed: %v", err)
	}
	if id == "" {
		t.Fatal("Expected a generated ID")
	}

	// Not yet marked helpful, so it is not offered back.
	formatted, err := manager.Retrieve(ctx, "send money to Alice")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if formatted != "" {
		t.Errorf("Expected nothing before feedback, got %q", formatted)
	}

	if err := manager.UpdateFeedback(ctx, id, true); err != nil {
		t.Fatalf("UpdateFeedback failed: %v", err)
	}
	formatted, err = manager.Retrieve(ctx, "send money to Alice")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if !strings.Contains(formatted, "RELEVANT PAST CONVERSATIONS") || !strings.Contains(formatted, "Sent $50 to Alice.") {
		t.Errorf("Unexpected formatted memories: %q", formatted)
	}
}

func TestSimpleManager_Disabled(t *testing.T) {
	ctx := context.Background()
	config := memory.DefaultConfig()
	config.Enabled = false
	manager, embedder := newManager(t, config)

	id, err := manager.RecordConversation(ctx, memory.StoreRequest{ID: "x", UserMessage: "q", BotResponse: "a"})
	if err != nil || id != "" {
		t.Errorf("Expected disabled record to be a no-op, got id=%q err=%v", id, err)
	}
	formatted, err := manager.Retrieve(ctx, "q")
	if err != nil || formatted != "" {
		t.Errorf("Expected disabled retrieve to be empty, got %q err=%v", formatted, err)
	}
	if embedder.Calls() != 0 {
		t.Errorf("Expected no embedding calls, got %d", embedder.Calls())
	}
}

func TestSimpleManager_ListAndReset(t *testing.T) {
	ctx := context.Background()
	manager, _ := newManager(t, nil)

	manager.Store(ctx, memory.StoreRequest{ID: "a", UserMessage: "one", BotResponse: "1"})
	manager.Store(ctx, memory.StoreRequest{ID: "b", UserMessage: "two", BotResponse: "2"})

	list, err := manager.List(ctx, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("Expected 2 listings, got %d", len(list))
	}

	if err := manager.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if n := manager.Stats(ctx).TotalEmbeddings; n != 0 {
		t.Errorf("Expected 0 embeddings after reset, got %d", n)
	}
}

func TestSimpleManager_StoreWithEmbedding(t *testing.T) {
	ctx := context.Background()
	manager, embedder := newManager(t, nil)

	vec, err := embedder.Embed(ctx, "where is my order?")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	calls := embedder.Calls()

	resp, err := manager.StoreWithEmbedding(ctx, memory.StoreRequest{
		ID:          "pre-1",
		UserMessage: "where is my order?",
		BotResponse: "It ships tomorrow.",
	}, vec)
	if err != nil {
		t.Fatalf("StoreWithEmbedding failed: %v", err)
	}
	if resp.VectorID != "pre-1" {
		t.Errorf("Expected pre-1, got %s", resp.VectorID)
	}
	if embedder.Calls() != calls {
		t.Error("Expected no extra embedding call")
	}

	rec, err := manager.Get(ctx, "pre-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Metadata.Timestamp == nil || rec.Metadata.UserMessage == nil {
		t.Errorf("Expected timestamp and user_message, got %+v", rec.Metadata)
	}

	zero := make([]float32, testDims)
	if _, err := manager.StoreWithEmbedding(ctx, memory.StoreRequest{ID: "z", UserMessage: "q"}, zero); !errors.Is(err, core.ErrZeroVector) {
		t.Errorf("Expected ErrZeroVector, got %v", err)
	}
	if _, err := manager.StoreWithEmbedding(ctx, memory.StoreRequest{ID: "s", UserMessage: "q"}, vec[:4]); !errors.Is(err, core.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}
