package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder"
)

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.jsonl>",
		Short: "Bulk-store exchanges from a JSON Lines file (\"-\" for stdin)",
		Long: `Each line is a store request:
  {"id": "...", "user_message": "...", "bot_response": "...", "was_helpful": true}
User messages are embedded in concurrent chunks. Lines that fail to parse
or embed are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := importExchanges(cmd.Context(), a.manager, a.embedder, r, cfg.Embedder.ChunkSize, a.logger)
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d, skipped %d\n", res.Stored, res.Skipped)
			return err
		},
	}
}

// importResult counts the outcome of an import.
type importResult struct {
	Stored  int
	Skipped int
}

// storer is the part of the manager an import needs.
type storer interface {
	StoreWithEmbedding(ctx context.Context, req memory.StoreRequest, embedding []float32) (*memory.StoreResponse, error)
}

// importExchanges reads JSON Lines store requests, embeds their user
// messages with embedder.Batch and stores each one. Per-line failures are
// logged and counted; only read errors and a cancelled context abort.
func importExchanges(ctx context.Context, m storer, e memory.Embedder, r io.Reader, chunkSize int, logger *slog.Logger) (importResult, error) {
	var (
		res  importResult
		reqs []memory.StoreRequest
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var req memory.StoreRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			logger.Warn("skipping line", "line", line, "error", err)
			res.Skipped++
			continue
		}
		if err := memory.ValidateID(req.ID); err != nil {
			logger.Warn("skipping line", "line", line, "error", err)
			res.Skipped++
			continue
		}
		reqs = append(reqs, req)
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("read: %w", err)
	}

	texts := make([]string, len(reqs))
	for i, req := range reqs {
		texts[i] = req.UserMessage
	}
	vecs, embedErr := embedder.Batch(ctx, e, texts, chunkSize)
	if embedErr != nil {
		logger.Warn("some messages failed to embed", "error", embedErr)
	}

	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		// Failed embeddings come back as zero vectors, which the store
		// rejects.
		if _, err := m.StoreWithEmbedding(ctx, req, vecs[i]); err != nil {
			if !errors.Is(err, core.ErrZeroVector) {
				logger.Warn("exchange not stored", "id", req.ID, "error", err)
			}
			res.Skipped++
			continue
		}
		res.Stored++
	}
	return res, nil
}
