// Package memory provides the semantic conversation memory used by the agent.
//
// Past exchanges are stored as vector embeddings keyed by the caller's
// conversation ID, so the agent can find similar past questions and reuse the
// answers that users marked as helpful.
//
// Architecture:
//   - Store: vector storage backend (chromem-go on local disk, pgvector for Postgres)
//   - Embedder: text-to-vector conversion (Ollama server, ONNX locally, mock for tests)
//   - SimpleManager: orchestrates embedding, storage, search, feedback and health
//
// The store never calls the embedder. The manager vectorises text first and
// then enters the store, so no store lock is ever held across a network call.
//
// Integration:
//   - RETRIEVE phase: Retrieve formats helpful past exchanges for the system prompt
//   - RECORD phase: RecordConversation stores the new exchange after a reply
//
// Similarity:
//
// Stores report cosine distance in [0, 2]. Callers convert it with
// Similarity, which computes max(0, 1 - distance/2).
package memory
