package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// RootResponse is the JSON response for GET /.
type RootResponse struct {
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// EmbedRequest is the body of POST /embed.
type EmbedRequest struct {
	Text string `json:"text"`
}

// searchBody accepts n_results as an alias of top_k.
type searchBody struct {
	memory.SearchRequest
	NResults int `json:"n_results"`
}

// RecordResponse is the JSON response for GET /conversations/{id}.
type RecordResponse struct {
	ID          string          `json:"id"`
	UserMessage string          `json:"user_message"`
	BotResponse string          `json:"bot_response"`
	Metadata    memory.Metadata `json:"metadata"`
	Embedding   []float32       `json:"embedding,omitempty"`
}

// ListResponse is the JSON response for GET /conversations.
type ListResponse struct {
	Conversations []memory.Listing `json:"conversations"`
	Total         int              `json:"total"`
}

// MessageResponse acknowledges a mutation.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, RootResponse{
			Service:   "recall",
			Version:   s.cfg.Version,
			Status:    "running",
			Timestamp: time.Now().UTC(),
		})
	}
}

// handleHealth always answers 200; a degraded service says so in the body.
func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.svc.Health(r.Context()))
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.svc.Stats(r.Context())
		s.metrics.SetStored(stats.TotalEmbeddings)
		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleEmbed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EmbedRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		resp, err := s.svc.Embed(r.Context(), req.Text)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleSearch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body searchBody
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		req := body.SearchRequest
		if req.TopK == 0 {
			req.TopK = body.NResults
		}
		resp, err := s.svc.Search(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if resp.Degraded {
			s.metrics.degraded.Inc()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleStore() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memory.StoreRequest
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		resp, err := s.svc.Store(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.svc.Delete(r.Context(), id); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: fmt.Sprintf("conversation %s deleted", id)})
	}
}

func (s *Server) handleUpdate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		helpful, err := strconv.ParseBool(r.URL.Query().Get("was_helpful"))
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: was_helpful must be true or false", core.ErrValidation))
			return
		}
		if err := s.svc.UpdateFeedback(r.Context(), id, helpful); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: fmt.Sprintf("conversation %s updated", id)})
	}
}

func (s *Server) handleList() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		list, err := s.svc.List(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ListResponse{Conversations: list, Total: len(list)})
	}
}

func (s *Server) handleGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp := RecordResponse{
			ID:          rec.ID,
			BotResponse: rec.Document,
			Metadata:    rec.Metadata,
		}
		if rec.Metadata.UserMessage != nil {
			resp.UserMessage = *rec.Metadata.UserMessage
		}
		if r.URL.Query().Get("embedding") == "true" {
			resp.Embedding = rec.Embedding
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleReset requires ?confirm=true.
func (s *Server) handleReset() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") != "true" {
			s.writeError(w, r, fmt.Errorf("%w: reset requires confirm=true", core.ErrValidation))
			return
		}
		if err := s.svc.Reset(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.metrics.SetStored(0)
		writeJSON(w, http.StatusOK, MessageResponse{Success: true, Message: "collection reset"})
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", core.ErrValidation, err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", core.ErrValidation, key)
	}
	return n, nil
}
