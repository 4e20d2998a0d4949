package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Tokenizer is a lower-casing BERT WordPiece tokenizer loaded from a
// HuggingFace tokenizer.json.
type Tokenizer struct {
	vocab map[string]int64
	cls   int64
	sep   int64
	unk   int64
}

// LoadTokenizer reads the vocabulary from a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}

	var file struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocabulary", path)
	}
	return NewTokenizer(file.Model.Vocab), nil
}

// NewTokenizer builds a tokenizer from a vocabulary. Special tokens fall back
// to the standard BERT IDs when the vocabulary does not name them.
func NewTokenizer(vocab map[string]int64) *Tokenizer {
	lookup := func(tok string, fallback int64) int64 {
		if id, ok := vocab[tok]; ok {
			return id
		}
		return fallback
	}
	return &Tokenizer{
		vocab: vocab,
		cls:   lookup("[CLS]", 101),
		sep:   lookup("[SEP]", 102),
		unk:   lookup("[UNK]", 100),
	}
}

// Encoding is the model input for one text, padded to a fixed length.
type Encoding struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

// Attended returns the number of non-padding positions.
func (e Encoding) Attended() int {
	n := 0
	for _, m := range e.AttentionMask {
		if m == 1 {
			n++
		}
	}
	return n
}

// Encode tokenizes text into [CLS] tokens... [SEP], truncated and padded to
// maxLen.
func (t *Tokenizer) Encode(text string, maxLen int) Encoding {
	enc := Encoding{
		InputIDs:      make([]int64, maxLen),
		AttentionMask: make([]int64, maxLen),
		TokenTypeIDs:  make([]int64, maxLen),
	}

	tokens := t.Tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	enc.InputIDs[0] = t.cls
	enc.AttentionMask[0] = 1
	for i, id := range tokens {
		enc.InputIDs[i+1] = id
		enc.AttentionMask[i+1] = 1
	}
	end := len(tokens) + 1
	enc.InputIDs[end] = t.sep
	enc.AttentionMask[end] = 1
	return enc
}

// Tokenize converts text to WordPiece token IDs without special tokens.
func (t *Tokenizer) Tokenize(text string) []int64 {
	var ids []int64
	for _, word := range splitWords(strings.ToLower(text)) {
		if id, ok := t.vocab[word]; ok {
			ids = append(ids, id)
			continue
		}
		ids = append(ids, t.wordPiece(word)...)
	}
	return ids
}

// wordPiece splits a word greedily into the longest known subwords. A word
// with any unmatchable remainder becomes a single [UNK].
func (t *Tokenizer) wordPiece(word string) []int64 {
	var ids []int64
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		matched := false
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				ids = append(ids, id)
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []int64{t.unk}
		}
	}
	return ids
}

// splitWords splits on whitespace and isolates punctuation as its own word.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}
