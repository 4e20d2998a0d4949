//go:build onnx

package main

import (
	"log/slog"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/onnx"
)

func newONNXEmbedder(cfg config.EmbedderConfig, logger *slog.Logger) (memory.Embedder, error) {
	e, err := onnx.New(onnx.Config{
		LibraryPath:   cfg.ONNX.LibraryPath,
		ModelPath:     cfg.ONNX.ModelPath,
		TokenizerPath: cfg.ONNX.TokenizerPath,
		Dimensions:    cfg.Dimensions,
		MaxTokens:     cfg.ONNX.MaxTokens,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
