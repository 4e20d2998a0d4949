package ollama_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory/embedder/ollama"
)

// fakeOllama serves the subset of the Ollama API the embedder uses.
func fakeOllama(t *testing.T, embed http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embed", embed)
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "nomic-embed-text:latest", "model": "nomic-embed-text:latest"}},
		})
	})
	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		enc.Encode(map[string]any{"status": "pulling manifest"})
		enc.Encode(map[string]any{"status": "success"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newEmbedder(t *testing.T, srv *httptest.Server, cfg ollama.Config) *ollama.Embedder {
	t.Helper()
	cfg.BaseURL = srv.URL
	e, err := ollama.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create embedder: %v", err)
	}
	return e
}

func TestEmbedder_Embed(t *testing.T) {
	var gotModel string
	srv := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string `json:"model"`
			Input string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		json.NewEncoder(w).Encode(map[string]any{
			"model":      req.Model,
			"embeddings": [][]float32{{0.1, 0.2, 0.3}},
		})
	})
	e := newEmbedder(t, srv, ollama.Config{Dimensions: 3})

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Errorf("Unexpected vector: %v", vec)
	}
	if gotModel != ollama.DefaultModel {
		t.Errorf("Expected model %q, got %q", ollama.DefaultModel, gotModel)
	}
	if e.Model() != ollama.DefaultModel || e.Dimensions() != 3 {
		t.Errorf("Unexpected model/dimensions: %s/%d", e.Model(), e.Dimensions())
	}
}

func TestEmbedder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		text    string
		want    error
	}{
		{
			name:    "empty input",
			handler: func(w http.ResponseWriter, r *http.Request) {},
			text:    "  \n",
			want:    core.ErrEmptyInput,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "model crashed"})
			},
			text: "hello",
			want: core.ErrProviderUnavailable,
		},
		{
			name: "empty embeddings",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{}})
			},
			text: "hello",
			want: core.ErrEmptyResult,
		},
		{
			name: "timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			},
			text: "hello",
			want: core.ErrProviderTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeOllama(t, tt.handler)
			e := newEmbedder(t, srv, ollama.Config{Timeout: 50 * time.Millisecond})

			_, err := e.Embed(context.Background(), tt.text)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEmbedder_Unreachable(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {})
	e := newEmbedder(t, srv, ollama.Config{})
	srv.Close()

	_, err := e.Embed(context.Background(), "hello")
	if !errors.Is(err, core.ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
	if err := e.Ping(context.Background()); !errors.Is(err, core.ErrProviderUnavailable) {
		t.Errorf("Expected Ping to fail with ErrProviderUnavailable, got %v", err)
	}
}

func TestEmbedder_Ping(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {})

	if err := newEmbedder(t, srv, ollama.Config{}).Ping(context.Background()); err != nil {
		t.Errorf("Expected untagged model to match :latest, got %v", err)
	}

	err := newEmbedder(t, srv, ollama.Config{Model: "mxbai-embed-large"}).Ping(context.Background())
	if !errors.Is(err, core.ErrProviderUnavailable) {
		t.Errorf("Expected missing model to be unavailable, got %v", err)
	}
}

func TestEmbedder_Pull(t *testing.T) {
	srv := fakeOllama(t, func(w http.ResponseWriter, r *http.Request) {})
	if err := newEmbedder(t, srv, ollama.Config{}).Pull(context.Background()); err != nil {
		t.Errorf("Pull failed: %v", err)
	}
}
