package memory_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/becomeliminal/nim-recall/memory"
)

func TestMetadata_MergeIsShallow(t *testing.T) {
	base := memory.Metadata{
		Intent: memory.String("balance"),
		Extra:  map[string]any{"a": 1, "b": 2},
	}
	patch := memory.Metadata{
		WasHelpful: memory.Bool(true),
		Extra:      map[string]any{"b": 3, "c": 4},
	}

	merged := base.Merge(patch)
	got := merged.Map()

	want := map[string]any{
		"a":                  1,
		"b":                  3,
		"c":                  4,
		memory.KeyIntent:     "balance",
		memory.KeyWasHelpful: true,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Key %q: expected %v, got %v", k, v, got[k])
		}
	}

	// The receiver is untouched.
	if base.Extra["b"] != 2 || base.WasHelpful != nil {
		t.Errorf("Merge mutated its receiver: %v", base.Map())
	}
}

func TestMetadata_MapOmitsAbsentKeys(t *testing.T) {
	m := memory.Metadata{
		UserMessage: memory.String("hello"),
		Extra:       map[string]any{"note": nil},
	}
	got := m.Map()
	if len(got) != 1 || got[memory.KeyUserMessage] != "hello" {
		t.Errorf("Expected only user_message, got %v", got)
	}
	if (memory.Metadata{}).IsEmpty() != true {
		t.Error("Expected zero Metadata to be empty")
	}
}

func TestMetadata_TypedFieldsShadowExtra(t *testing.T) {
	m := memory.Metadata{
		Intent: memory.String("typed"),
		Extra:  map[string]any{memory.KeyIntent: "extra"},
	}
	if got := m.Map()[memory.KeyIntent]; got != "typed" {
		t.Errorf("Expected typed field to win, got %v", got)
	}
}

func TestMetadata_FromMap(t *testing.T) {
	ts := time.Date(2024, 11, 5, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		in    map[string]any
		check func(t *testing.T, m memory.Metadata)
	}{
		{
			name: "known keys",
			in: map[string]any{
				memory.KeyUserMessage: "q",
				memory.KeyWasHelpful:  false,
				memory.KeyTimestamp:   ts.Format(time.RFC3339),
			},
			check: func(t *testing.T, m memory.Metadata) {
				if m.UserMessage == nil || *m.UserMessage != "q" {
					t.Errorf("user_message: got %v", m.UserMessage)
				}
				if m.WasHelpful == nil || *m.WasHelpful {
					t.Errorf("was_helpful: got %v", m.WasHelpful)
				}
				if m.Timestamp == nil || !m.Timestamp.Equal(ts) {
					t.Errorf("timestamp: got %v", m.Timestamp)
				}
			},
		},
		{
			name: "string bool",
			in:   map[string]any{memory.KeyWasHelpful: "true"},
			check: func(t *testing.T, m memory.Metadata) {
				if m.WasHelpful == nil || !*m.WasHelpful {
					t.Errorf("was_helpful: got %v", m.WasHelpful)
				}
			},
		},
		{
			name: "zone-less timestamp",
			in:   map[string]any{memory.KeyTimestamp: "2024-11-05T09:30:00.123456"},
			check: func(t *testing.T, m memory.Metadata) {
				if m.Timestamp == nil || m.Timestamp.Minute() != 30 {
					t.Errorf("timestamp: got %v", m.Timestamp)
				}
			},
		},
		{
			name: "unexpected type kept as extra",
			in:   map[string]any{memory.KeyIntent: 42.0},
			check: func(t *testing.T, m memory.Metadata) {
				if m.Intent != nil {
					t.Errorf("intent: expected nil, got %q", *m.Intent)
				}
				if m.Extra[memory.KeyIntent] != 42.0 {
					t.Errorf("extra: got %v", m.Extra)
				}
			},
		},
		{
			name: "nulls dropped",
			in:   map[string]any{memory.KeyCategory: nil, "x": nil},
			check: func(t *testing.T, m memory.Metadata) {
				if !m.IsEmpty() {
					t.Errorf("Expected empty metadata, got %v", m.Map())
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, memory.MetadataFromMap(tt.in))
		})
	}
}

func TestMetadata_JSON(t *testing.T) {
	var m memory.Metadata
	if err := json.Unmarshal([]byte(`{"intent":"transfer","was_helpful":null,"score":0.5}`), &m); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if m.Intent == nil || *m.Intent != "transfer" {
		t.Errorf("intent: got %v", m.Intent)
	}
	if m.WasHelpful != nil {
		t.Errorf("Expected null was_helpful to be absent, got %v", *m.WasHelpful)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != `{"intent":"transfer","score":0.5}` {
		t.Errorf("Unexpected JSON: %s", out)
	}
}

func TestPatch_Apply(t *testing.T) {
	rec := memory.Record{
		ID:        "x",
		Embedding: []float32{1, 0},
		Document:  "old",
		Metadata:  memory.Metadata{Intent: memory.String("a")},
	}

	if !(memory.Patch{}).Empty() {
		t.Error("Expected zero Patch to be empty")
	}

	got := memory.Patch{Document: memory.Some("")}.Apply(rec)
	if got.Document != "" {
		t.Errorf("Expected present empty document to be applied, got %q", got.Document)
	}
	if got.Metadata.Intent == nil || got.Embedding[0] != 1 {
		t.Errorf("Expected absent fields untouched, got %+v", got)
	}

	got = memory.Patch{Metadata: memory.Some(memory.Metadata{})}.Apply(rec)
	if !got.Metadata.IsEmpty() {
		t.Errorf("Expected metadata replaced wholesale, got %v", got.Metadata.Map())
	}
}
