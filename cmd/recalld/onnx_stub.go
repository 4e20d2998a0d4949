//go:build !onnx

package main

import (
	"errors"
	"log/slog"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
)

func newONNXEmbedder(config.EmbedderConfig, *slog.Logger) (memory.Embedder, error) {
	return nil, errors.New("onnx provider not compiled in: rebuild with -tags onnx")
}
