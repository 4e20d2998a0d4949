package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the memory API over HTTP and WebSocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			checkStartup(ctx, a, cfg)

			srv := server.New(a.manager, server.Config{
				Addr:            cfg.Server.Addr,
				GRPCAddr:        cfg.Server.GRPCAddr,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				CORSOrigins:     cfg.Server.CORSOrigins,
				Version:         version,
				Logger:          a.logger,
			})
			srv.Metrics().SetStored(a.manager.Stats(ctx).TotalEmbeddings)
			return srv.Run(ctx)
		},
	}
}

// checkStartup logs the state of both collaborators. The service starts
// regardless; searches degrade until the provider is reachable.
func checkStartup(ctx context.Context, a *app, cfg *config.Config) {
	h := a.manager.Health(ctx)
	if h.Healthy() {
		stats := a.manager.Stats(ctx)
		a.logger.Info("memory ready",
			"store", cfg.Store.Driver,
			"location", stats.Location,
			"conversations", stats.TotalEmbeddings,
			"model", stats.EmbeddingModel,
		)
		return
	}
	a.logger.Warn("starting degraded", "provider", h.Provider, "store", h.Store)
	if cfg.Embedder.Provider == config.ProviderOllama && h.Provider != memory.StatusConnected {
		a.logger.Warn("embedding model unavailable; start Ollama and run 'recalld pull'", "model", cfg.Embedder.Model, "base_url", cfg.Embedder.BaseURL)
	}
}
