package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
)

// Validate checks a defaulted Config and returns every problem found.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(cfg.Server)...)
	errs = append(errs, validateStore(cfg.Store)...)
	errs = append(errs, validateEmbedder(cfg.Embedder)...)
	errs = append(errs, validateSearch(cfg.Search)...)

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", cfg.Log.Format))
	}
	if cfg.Tracing.Endpoint != "" {
		if _, _, err := net.SplitHostPort(cfg.Tracing.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("config: tracing.endpoint must be host:port: %w", err))
		}
	}

	return errors.Join(errs...)
}

func validateServer(c ServerConfig) []error {
	var errs []error
	if _, err := net.ResolveTCPAddr("tcp", c.Addr); err != nil {
		errs = append(errs, fmt.Errorf("config: server.addr %q: %w", c.Addr, err))
	}
	if c.GRPCAddr != "" {
		if _, err := net.ResolveTCPAddr("tcp", c.GRPCAddr); err != nil {
			errs = append(errs, fmt.Errorf("config: server.grpc_addr %q: %w", c.GRPCAddr, err))
		}
		if c.GRPCAddr == c.Addr {
			errs = append(errs, errors.New("config: server.grpc_addr must differ from server.addr"))
		}
	}
	return errs
}

func validateStore(c StoreConfig) []error {
	var errs []error
	switch c.Driver {
	case DriverChromem:
	case DriverPgVector:
		if c.DSN == "" {
			errs = append(errs, errors.New("config: store.dsn is required for the pgvector driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown store.driver %q (supported: %s, %s)", c.Driver, DriverChromem, DriverPgVector))
	}
	return errs
}

func validateEmbedder(c EmbedderConfig) []error {
	var errs []error
	switch c.Provider {
	case ProviderOllama:
		u, err := url.Parse(c.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("config: embedder.base_url %q is not an absolute URL", c.BaseURL))
		}
	case ProviderMock:
	case ProviderONNX:
		if c.ONNX.ModelPath == "" || c.ONNX.TokenizerPath == "" {
			errs = append(errs, errors.New("config: embedder.onnx.model_path and tokenizer_path are required for the onnx provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown embedder.provider %q (supported: %s, %s, %s)", c.Provider, ProviderOllama, ProviderMock, ProviderONNX))
	}
	return errs
}

func validateSearch(c SearchConfig) []error {
	var errs []error
	if c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("config: search.min_similarity must be in [0, 1], got %v", c.MinSimilarity))
	}
	if c.DefaultTopK > c.MaxTopK {
		errs = append(errs, fmt.Errorf("config: search.default_top_k (%d) exceeds max_top_k (%d)", c.DefaultTopK, c.MaxTopK))
	}
	return errs
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: log.level %q: %w", s, err)
	}
	return l, nil
}
