package mock_test

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
)

func TestMockEmbedder_Deterministic(t *testing.T) {
	ctx := context.Background()
	e := mock.New(16)

	a, err := e.Embed(ctx, "how do I reset my password")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	b, _ := e.Embed(ctx, "how do I reset my password")
	c, _ := e.Embed(ctx, "what is my balance")

	if !slices.Equal(a, b) {
		t.Error("Expected equal texts to produce equal vectors")
	}
	if slices.Equal(a, c) {
		t.Error("Expected different texts to produce different vectors")
	}
	if len(a) != 16 {
		t.Errorf("Expected 16 dimensions, got %d", len(a))
	}

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Errorf("Expected unit vector, got norm %v", norm)
	}
	if e.Calls() != 3 {
		t.Errorf("Expected 3 calls, got %d", e.Calls())
	}
}

func TestMockEmbedder_Errors(t *testing.T) {
	ctx := context.Background()
	e := mock.New(0)
	if e.Dimensions() != mock.DefaultDimensions {
		t.Errorf("Expected default dimensions, got %d", e.Dimensions())
	}

	if _, err := e.Embed(ctx, "   "); !errors.Is(err, core.ErrEmptyInput) {
		t.Errorf("Expected ErrEmptyInput, got %v", err)
	}

	e.Fail = func(string) error { return core.ErrProviderUnavailable }
	if _, err := e.Embed(ctx, "hello"); !errors.Is(err, core.ErrProviderUnavailable) {
		t.Errorf("Expected injected failure, got %v", err)
	}
}
