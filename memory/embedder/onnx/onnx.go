//go:build onnx

package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Config configures the ONNX embedder.
type Config struct {
	// LibraryPath is the path to libonnxruntime. Empty uses the platform default.
	LibraryPath string

	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string

	// Dimensions is the embedding vector size (default: 768 for nomic-embed-text).
	Dimensions int

	// MaxTokens is the padded sequence length (default: 256).
	MaxTokens int

	Logger *slog.Logger
}

// ONNXEmbedder generates embeddings locally using ONNX Runtime.
type ONNXEmbedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	model      string
	dimensions int
	maxTokens  int
	logger     *slog.Logger

	// Run is serialised; one session is shared by all callers.
	mu sync.Mutex
}

var _ memory.Embedder = (*ONNXEmbedder)(nil)

// New creates a new ONNX embedder.
func New(cfg Config) (*ONNXEmbedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("ModelPath is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 768
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "onnx")

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	logger.Info("onnx model loaded", "model", cfg.ModelPath, "dimensions", cfg.Dimensions)

	return &ONNXEmbedder{
		session:    session,
		tokenizer:  tokenizer,
		model:      filepath.Base(cfg.ModelPath),
		dimensions: cfg.Dimensions,
		maxTokens:  cfg.MaxTokens,
		logger:     logger,
	}, nil
}

// Embed converts text to a unit-length embedding by mean pooling the last
// hidden state over attended tokens.
func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, core.ErrEmptyInput
	}
	if err := ctx.Err(); err != nil {
		return nil, core.ProviderError("onnx embed", err)
	}

	enc := e.tokenizer.Encode(text, e.maxTokens)
	shape := ort.NewShape(1, int64(e.maxTokens))

	inputIDs, err := ort.NewTensor(shape, enc.InputIDs)
	if err != nil {
		return nil, fmt.Errorf("create input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()
	mask, err := ort.NewTensor(shape, enc.AttentionMask)
	if err != nil {
		return nil, fmt.Errorf("create attention_mask tensor: %w", err)
	}
	defer mask.Destroy()
	types, err := ort.NewTensor(shape, enc.TokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("create token_type_ids tensor: %w", err)
	}
	defer types.Destroy()

	outputs := []ort.Value{nil}
	e.mu.Lock()
	err = e.session.Run([]ort.Value{inputIDs, mask, types}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, core.ProviderError("onnx inference", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok || hidden == nil {
		return nil, core.ErrEmptyResult
	}

	embedding, err := e.pool(hidden.GetData(), hidden.GetShape(), enc)
	if err != nil {
		return nil, err
	}
	return normalize(embedding), nil
}

// pool reduces the model output to one vector. Outputs of shape
// [1, hidden] are already pooled; [1, seq, hidden] is mean pooled.
func (e *ONNXEmbedder) pool(data []float32, shape ort.Shape, enc Encoding) ([]float32, error) {
	switch len(shape) {
	case 2:
		if len(data) < e.dimensions {
			return nil, fmt.Errorf("%w: model output %d, want %d", core.ErrDimensionMismatch, len(data), e.dimensions)
		}
		return append([]float32(nil), data[:e.dimensions]...), nil
	case 3:
		seqLen, hiddenSize := int(shape[1]), int(shape[2])
		if hiddenSize != e.dimensions {
			return nil, fmt.Errorf("%w: hidden size %d, want %d", core.ErrDimensionMismatch, hiddenSize, e.dimensions)
		}
		out := make([]float32, hiddenSize)
		for i := 0; i < seqLen; i++ {
			if enc.AttentionMask[i] == 0 {
				continue
			}
			row := data[i*hiddenSize : (i+1)*hiddenSize]
			for j, v := range row {
				out[j] += v
			}
		}
		n := float32(enc.Attended())
		for j := range out {
			out[j] /= n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected output shape: %v", shape)
	}
}

// Dimensions returns the embedding vector size.
func (e *ONNXEmbedder) Dimensions() int {
	return e.dimensions
}

// Model names the loaded model file.
func (e *ONNXEmbedder) Model() string {
	return e.model
}

// Close releases ONNX resources.
func (e *ONNXEmbedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}
