package engine

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// Engine answers one user message at a time with Claude, using conversation
// memory to ground the reply in past exchanges.
type Engine struct {
	client *anthropic.Client
	memory memory.Manager // Optional: retrieve before the call, record after it
	config Config
	logger *slog.Logger
}

// Config holds engine defaults. Per-call Input fields override them.
type Config struct {
	// Model is the Claude model. Default: DefaultModel
	Model string

	// MaxTokens caps the reply. Default: 1024
	MaxTokens int64

	// SystemPrompt is the base system prompt. Default: DefaultSystemPrompt
	SystemPrompt string

	// ClassifyIntent makes a second, short call to label the user's
	// message before the exchange is recorded.
	ClassifyIntent bool
}

// DefaultModel is used when neither Config nor Input names a model.
const DefaultModel = "claude-sonnet-4-20250514"

// Option configures the engine.
type Option func(*Engine)

// WithMemory configures the engine with a memory manager.
func WithMemory(m memory.Manager) Option {
	return func(e *Engine) {
		e.memory = m
	}
}

// WithConfig sets the engine defaults.
func WithConfig(c Config) Option {
	return func(e *Engine) {
		e.config = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates a new engine with the given Anthropic client.
func NewEngine(client *anthropic.Client, opts ...Option) *Engine {
	e := &Engine{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.config.Model == "" {
		e.config.Model = DefaultModel
	}
	if e.config.MaxTokens == 0 {
		e.config.MaxTokens = 1024
	}
	if e.config.SystemPrompt == "" {
		e.config.SystemPrompt = DefaultSystemPrompt
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Turn is one earlier message of the same conversation.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// Input represents one message to answer.
type Input struct {
	// UserMessage is the user's message to process.
	UserMessage string

	// ExchangeID names the recorded exchange. Empty generates one.
	ExchangeID string

	// UserPhone and Category are recorded with the exchange when set.
	UserPhone string
	Category  string

	// History contains previous messages in the conversation, oldest first.
	History []Turn

	// Model, MaxTokens and SystemPrompt override the engine defaults.
	Model        string
	MaxTokens    int64
	SystemPrompt string

	// StreamCallback is an optional callback for streaming responses.
	StreamCallback func(chunk string, done bool)
}

// Output is the reply and what memory did around it.
type Output struct {
	// Text is the assistant's reply.
	Text string

	// ExchangeID is the ID the exchange was recorded under, or "" when it
	// was not recorded.
	ExchangeID string

	// Intent is the classified intent, when classification is enabled.
	Intent string

	// Enriched reports whether past exchanges were added to the prompt.
	Enriched bool

	// TokensUsed tracks Claude API token consumption for this call.
	TokensUsed TokenUsage
}

// TokenUsage counts Claude API tokens.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// Respond answers the message. Memory failures are logged and never fail
// the reply; only an empty message or a Claude API error does.
func (e *Engine) Respond(ctx context.Context, input *Input) (*Output, error) {
	if input == nil || strings.TrimSpace(input.UserMessage) == "" {
		return nil, core.ErrEmptyInput
	}

	// === PHASE 0: RETRIEVE MEMORIES ===
	var enrichment string
	if e.memory != nil {
		var err error
		enrichment, err = e.memory.Retrieve(ctx, input.UserMessage)
		if err != nil {
			e.logger.Warn("memory retrieval failed", "error", err, "kind", core.KindOf(err))
			enrichment = ""
		}
	}

	model := input.Model
	if model == "" {
		model = e.config.Model
	}
	maxTokens := input.MaxTokens
	if maxTokens == 0 {
		maxTokens = e.config.MaxTokens
	}
	systemPrompt := input.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = e.config.SystemPrompt
	}

	// === PHASE 1: ENRICH SYSTEM PROMPT ===
	if enrichment != "" {
		systemPrompt += "\n\n" + enrichment
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(input.History, input.UserMessage),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	}

	// === PHASE 2: CALL CLAUDE ===
	var resp *anthropic.Message
	var err error
	if input.StreamCallback != nil {
		resp, err = e.createMessageStreaming(ctx, params, input.StreamCallback)
	} else {
		resp, err = e.client.Messages.New(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("claude API error: %w", err)
	}

	out := &Output{
		Text:     responseText(resp),
		Enriched: enrichment != "",
		TokensUsed: TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
	if out.Text == "" {
		return nil, fmt.Errorf("claude API error: %w", core.ErrEmptyResult)
	}

	if e.config.ClassifyIntent {
		var usage TokenUsage
		out.Intent, usage = e.classify(ctx, model, input.UserMessage)
		out.TokensUsed.add(usage)
	}

	// === PHASE 3: RECORD EXCHANGE ===
	if e.memory != nil {
		exchange := memory.StoreRequest{
			ID:          input.ExchangeID,
			UserMessage: input.UserMessage,
			BotResponse: out.Text,
			Intent:      optional(out.Intent),
			Category:    optional(input.Category),
			UserPhone:   optional(input.UserPhone),
		}
		id, err := e.memory.RecordConversation(ctx, exchange)
		if err != nil {
			e.logger.Warn("memory recording failed", "error", err, "kind", core.KindOf(err))
		} else {
			out.ExchangeID = id
		}
	}

	e.logger.Info("replied",
		"model", model,
		"enriched", out.Enriched,
		"exchange_id", out.ExchangeID,
		"input_tokens", out.TokensUsed.InputTokens,
		"output_tokens", out.TokensUsed.OutputTokens,
	)
	return out, nil
}

func (u *TokenUsage) add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// buildMessages turns history into alternating API messages. Consecutive
// turns of the same role are merged, since the API rejects them.
func buildMessages(history []Turn, userMessage string) []anthropic.MessageParam {
	type msg struct {
		assistant bool
		text      string
	}
	var merged []msg
	push := func(assistant bool, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if n := len(merged); n > 0 && merged[n-1].assistant == assistant {
			merged[n-1].text += "\n\n" + text
			return
		}
		merged = append(merged, msg{assistant: assistant, text: text})
	}
	for _, t := range history {
		push(t.Role == "assistant", t.Text)
	}
	push(false, userMessage)

	// The first message must come from the user.
	for len(merged) > 0 && merged[0].assistant {
		merged = merged[1:]
	}

	out := make([]anthropic.MessageParam, 0, len(merged))
	for _, m := range merged {
		if m.assistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.text)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.text)))
		}
	}
	return out
}

// createMessageStreaming handles streaming API calls.
func (e *Engine) createMessageStreaming(ctx context.Context, params anthropic.MessageNewParams, callback func(string, bool)) (*anthropic.Message, error) {
	stream := e.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			e.logger.Debug("stream accumulate failed", "error", err)
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				callback(delta.Text, false)
			}
		case anthropic.MessageStopEvent:
			callback("", true)
		}
	}

	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &message, nil
}

func responseText(resp *anthropic.Message) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Intents are the labels classify can return.
var Intents = []string{"inquiry", "support", "sales", "complaint", "greeting", "farewell", "command", "other"}

// DefaultIntent is used when classification fails or is unparseable.
const DefaultIntent = "inquiry"

var intentPattern = regexp.MustCompile(`(?i)INTENT:\s*(\w+)`)

const classifyPrompt = `Classify the user's message. Reply ONLY in the form:
INTENT: <one of inquiry, support, sales, complaint, greeting, farewell, command, other>`

// classify labels the user's message. It never fails; errors fall back to
// DefaultIntent.
func (e *Engine) classify(ctx context.Context, model, userMessage string) (string, TokenUsage) {
	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 16,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf("Message: %q", userMessage))),
		},
		System: []anthropic.TextBlockParam{
			{Text: classifyPrompt},
		},
	})
	if err != nil {
		e.logger.Warn("intent classification failed", "error", err)
		return DefaultIntent, TokenUsage{}
	}
	usage := TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	return parseIntent(responseText(resp)), usage
}

func parseIntent(text string) string {
	m := intentPattern.FindStringSubmatch(text)
	if m == nil {
		return DefaultIntent
	}
	intent := strings.ToLower(m[1])
	for _, known := range Intents {
		if intent == known {
			return intent
		}
	}
	return "other"
}

// DefaultSystemPrompt is the default system prompt for the assistant.
const DefaultSystemPrompt = `You are a customer support assistant for a software development company.

GUIDELINES:
- Be professional, friendly and concise
- Keep replies to at most three short paragraphs
- Ask clarifying questions when needed
- Answer in the language the user writes in
- If a question is unrelated to the company's services, say so politely and offer what you can help with

When past conversations are provided below, prefer answers that were marked
helpful, but do not repeat them verbatim if the new question differs.`
