// Package ollama embeds text with a local Ollama server.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Defaults for the embedding model served by Ollama.
const (
	DefaultBaseURL     = "http://localhost:11434"
	DefaultModel       = "nomic-embed-text"
	DefaultDimensions  = 768
	DefaultTimeout     = 30 * time.Second
	DefaultPullTimeout = 5 * time.Minute
)

// Config configures the Ollama embedder.
type Config struct {
	// BaseURL of the Ollama server. Default: http://localhost:11434.
	BaseURL string

	// Model to embed with. Default: nomic-embed-text.
	Model string

	// Dimensions the model produces. Default: 768.
	Dimensions int

	// Timeout bounds a single embedding request. Default: 30s.
	Timeout time.Duration

	// PullTimeout bounds a model download. Default: 5m.
	PullTimeout time.Duration

	// HTTPClient overrides the transport. Timeouts come from contexts, so
	// the client itself should not set one.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Embedder calls the Ollama embed endpoint. It is stateless and safe for
// concurrent use.
type Embedder struct {
	client *api.Client
	cfg    Config
	logger *slog.Logger
}

var (
	_ memory.Embedder   = (*Embedder)(nil)
	_ memory.ModelNamer = (*Embedder)(nil)
	_ memory.Pinger     = (*Embedder)(nil)
)

// New creates an Ollama embedder. No request is made until first use.
func New(cfg Config) (*Embedder, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PullTimeout == 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url %q: %w", cfg.BaseURL, err)
	}

	return &Embedder{
		client: api.NewClient(base, cfg.HTTPClient),
		cfg:    cfg,
		logger: logger.With("component", "ollama", "model", cfg.Model),
	}, nil
}

// Embed converts one text to a vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.ErrEmptyInput
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.cfg.Model,
		Input: text,
	})
	if err != nil {
		err = classify("embed", err)
		e.logger.Error("embedding failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed: %w", core.ErrEmptyResult)
	}

	vec := res.Embeddings[0]
	e.logger.Debug("embedded", "chars", len(text), "dimensions", len(vec), "elapsed", time.Since(start))
	return vec, nil
}

// Dimensions returns the configured vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

// Model returns the configured model name.
func (e *Embedder) Model() string {
	return e.cfg.Model
}

// Ping lists local models and requires the configured one to be present.
func (e *Embedder) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	res, err := e.client.List(ctx)
	if err != nil {
		return classify("list models", err)
	}
	for _, m := range res.Models {
		if matchesModel(m.Name, e.cfg.Model) || matchesModel(m.Model, e.cfg.Model) {
			return nil
		}
	}
	return fmt.Errorf("%w: model %q is not pulled", core.ErrProviderUnavailable, e.cfg.Model)
}

// Pull downloads the configured model, logging progress as the status
// changes.
func (e *Embedder) Pull(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PullTimeout)
	defer cancel()

	e.logger.Info("pulling model")
	var last string
	err := e.client.Pull(ctx, &api.PullRequest{Model: e.cfg.Model}, func(p api.ProgressResponse) error {
		if p.Status != last {
			e.logger.Info("pull progress", "status", p.Status, "completed", p.Completed, "total", p.Total)
			last = p.Status
		}
		return nil
	})
	if err != nil {
		return classify("pull", err)
	}
	e.logger.Info("model pulled")
	return nil
}

// matchesModel reports whether a listed model name refers to want,
// treating an untagged name as ":latest".
func matchesModel(listed, want string) bool {
	if listed == want {
		return true
	}
	if !strings.Contains(want, ":") {
		return listed == want+":latest"
	}
	return false
}

// classify maps Ollama client failures onto the provider error taxonomy.
func classify(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", op, core.ErrProviderTimeout, err)
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Errorf("%s: %w: status %d: %s", op, core.ErrProviderUnavailable, statusErr.StatusCode, statusErr.ErrorMessage)
	}
	return core.ProviderError(op, err)
}
