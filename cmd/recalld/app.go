package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/cache"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/embedder/ollama"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/pgvector"
)

// app holds what every command that touches memory needs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    memory.Store
	embedder memory.Embedder
	manager  *memory.SimpleManager
	shutdown func(context.Context) error
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// setupTracing installs a global tracer provider exporting over OTLP/HTTP.
// With no endpoint configured it is a no-op and spans are dropped.
func setupTracing(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// newEmbedder builds the configured provider, wrapped in the cache when
// enabled.
func newEmbedder(cfg config.EmbedderConfig, logger *slog.Logger) (memory.Embedder, error) {
	var e memory.Embedder
	switch cfg.Provider {
	case config.ProviderOllama:
		o, err := ollama.New(ollama.Config{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Dimensions:  cfg.Dimensions,
			Timeout:     cfg.Timeout,
			PullTimeout: cfg.PullTimeout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		e = o
	case config.ProviderMock:
		e = mock.New(cfg.Dimensions)
	case config.ProviderONNX:
		o, err := newONNXEmbedder(cfg, logger)
		if err != nil {
			return nil, err
		}
		e = o
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}

	if !cfg.Cache.Enabled {
		return e, nil
	}
	c, err := cache.New(e, cfg.Cache.MaxBytes)
	if err != nil {
		if cl, ok := e.(io.Closer); ok {
			cl.Close()
		}
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return c, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig, dims int, logger *slog.Logger) (memory.Store, error) {
	switch cfg.Driver {
	case config.DriverChromem:
		s, err := chromem.New(chromem.Config{
			Path:       cfg.Path,
			Collection: cfg.Collection,
			Dimensions: dims,
			Compress:   cfg.Compress,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPgVector:
		s, err := pgvector.New(ctx, pgvector.Config{
			DSN:        cfg.DSN,
			Table:      cfg.Table,
			Dimensions: dims,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func managerConfig(cfg *config.Config, logger *slog.Logger) *memory.Config {
	mc := memory.DefaultConfig()
	mc.Enabled = *cfg.Engine.Memory
	mc.FailOpen = *cfg.Search.FailOpen
	mc.OnlyHelpful = *cfg.Search.OnlyHelpful
	mc.MinSimilarity = cfg.Search.MinSimilarity
	mc.DefaultTopK = cfg.Search.DefaultTopK
	mc.MaxTopK = cfg.Search.MaxTopK
	mc.RetrieveTopK = cfg.Search.RetrieveTopK
	mc.Logger = logger
	return mc
}

// newApp wires logger, tracing, store, embedder and manager from cfg.
func newApp(ctx context.Context, cfg *config.Config, logw io.Writer) (*app, error) {
	logger := newLogger(cfg.Log, logw)

	shutdown, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}

	emb, err := newEmbedder(cfg.Embedder, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("embedder: %w", err)
	}

	store, err := newStore(ctx, cfg.Store, emb.Dimensions(), logger)
	if err != nil {
		if c, ok := emb.(io.Closer); ok {
			c.Close()
		}
		_ = shutdown(ctx)
		return nil, fmt.Errorf("store: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		embedder: emb,
		manager:  memory.NewSimpleManager(store, emb, managerConfig(cfg, logger)),
		shutdown: shutdown,
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.manager.Close(), a.shutdown(context.Background()))
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	return newApp(ctx, cfg, os.Stderr)
}
