// Package llm provides a unified completion interface over two backends,
// native Anthropic and any OpenAI-compatible endpoint, plus per-episode
// token usage accounting.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sashabaranov/go-openai"
)

// Response is the unified result shape from either backend.
type Response struct {
	Content string
	Model   string
	Usage   *Usage
}

// Usage carries token accounting for a single completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Model describes an available model.
type Model struct {
	ID      string
	Name    string
	Created string
}

// FallbackModels is returned when a backend's model listing call fails.
var FallbackModels = []Model{
	{ID: "claude-opus-4-1-20250805", Name: "Claude Opus 4.1"},
	{ID: "claude-sonnet-4-5-20250929", Name: "Claude Sonnet 4.5"},
	{ID: "claude-3-5-haiku-20241022", Name: "Claude Haiku 3.5"},
	{ID: "claude-opus-4-20250514", Name: "Claude Opus 4"},
}

// Message is a single chat turn.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is a backend-agnostic completion call.
type CompletionRequest struct {
	Model       string
	MaxTokens   int
	System      string
	Messages    []Message
	Temperature float64
	Timeout     time.Duration
	JSONMode    bool
}

// Client is implemented by both backends.
type Client interface {
	MessagesCreate(ctx context.Context, req CompletionRequest) (Response, error)
	ListModels(ctx context.Context) []Model
	ProviderName() string
}

const jsonInstruction = "\n\n<output_format>CRITICAL JSON REQUIREMENTS:\n" +
	"1. Respond with ONLY valid JSON - no markdown, no ```json, no text\n" +
	"2. Start directly with '[' or '{', end with ']' or '}'\n" +
	"3. Use double quotes for strings, no trailing commas\n" +
	"4. Use null for missing values\n" +
	"Malformed JSON causes parsing failures.</output_format>"

// AnthropicClient calls the Anthropic API directly.
type AnthropicClient struct {
	client anthropic.Client
}

func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (a *AnthropicClient) MessagesCreate(ctx context.Context, req CompletionRequest) (Response, error) {
	system := req.System
	if req.JSONMode && !strings.Contains(system, "<output_format>") {
		system += jsonInstruction
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := a.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(req.MaxTokens),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    msgs,
		Temperature: anthropic.Float(req.Temperature),
	})
	if err != nil {
		return Response{}, fmt.Errorf("anthropic messages.create: %w", err)
	}

	var content string
	if len(resp.Content) > 0 {
		content = resp.Content[0].Text
	}

	return Response{
		Content: content,
		Model:   string(resp.Model),
		Usage: &Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}

func (a *AnthropicClient) ListModels(ctx context.Context) []Model {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil || page == nil {
		return append([]Model(nil), FallbackModels...)
	}
	models := make([]Model, 0, len(page.Data))
	for _, m := range page.Data {
		if strings.Contains(strings.ToLower(string(m.ID)), "claude") {
			models = append(models, Model{ID: string(m.ID), Name: m.DisplayName})
		}
	}
	if len(models) == 0 {
		return append([]Model(nil), FallbackModels...)
	}
	return models
}

func (a *AnthropicClient) ProviderName() string { return "anthropic" }

// OpenAICompatibleClient talks to any OpenAI-compatible endpoint: a local
// Ollama instance, an OpenAI-protocol gateway, or similar.
type OpenAICompatibleClient struct {
	client      *openai.Client
	baseURL     string
	defaultModel string
}

func NewOpenAICompatibleClient(baseURL, apiKey, defaultModel string) *OpenAICompatibleClient {
	if baseURL == "" {
		baseURL = "http://localhost:8000/v1"
	}
	if apiKey == "" {
		apiKey = "not-needed"
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAICompatibleClient{
		client:       openai.NewClientWithConfig(cfg),
		baseURL:      baseURL,
		defaultModel: defaultModel,
	}
}

func (o *OpenAICompatibleClient) MessagesCreate(ctx context.Context, req CompletionRequest) (Response, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Messages:    messages,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(callCtx, chatReq)
	if err != nil {
		return Response{}, fmt.Errorf("openai-compatible chat.completions.create: %w", err)
	}

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return Response{
		Content: content,
		Model:   resp.Model,
		Usage: &Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (o *OpenAICompatibleClient) ListModels(ctx context.Context) []Model {
	resp, err := o.client.ListModels(ctx)
	if err != nil {
		return append([]Model(nil), FallbackModels...)
	}
	models := make([]Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		lower := strings.ToLower(m.ID)
		if strings.Contains(lower, "claude") || strings.Contains(lower, "gpt") || strings.Contains(lower, "llama") {
			models = append(models, Model{ID: m.ID, Name: m.ID})
		}
	}
	if len(models) == 0 {
		return append([]Model(nil), FallbackModels...)
	}
	return models
}

func (o *OpenAICompatibleClient) ProviderName() string {
	return fmt.Sprintf("openai-compatible (%s)", o.baseURL)
}

// NewFromEnv selects a backend from provider, or from LLM_PROVIDER when
// provider is empty: "openai-compatible" selects the OpenAI-compatible
// backend, and any other value (e.g. "native" or "anthropic") selects
// Anthropic.
func NewFromEnv(provider, apiKey, baseURL, defaultModel string) Client {
	if provider == "" {
		provider = os.Getenv("LLM_PROVIDER")
	}
	if provider == "openai-compatible" {
		return NewOpenAICompatibleClient(baseURL, apiKey, defaultModel)
	}
	return NewAnthropicClient(apiKey)
}

// TokenTracker accumulates per-episode token usage in a mutex-guarded map
// keyed by episode ID, so concurrent episodes never mingle totals.
type TokenTracker struct {
	mu      sync.Mutex
	totals  map[string]Usage
}

func NewTokenTracker() *TokenTracker {
	return &TokenTracker{totals: make(map[string]Usage)}
}

// StartEpisode resets accounting for the given episode.
func (t *TokenTracker) StartEpisode(episodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[episodeID] = Usage{}
}

// Record adds usage from one completion call to the episode's running total.
func (t *TokenTracker) Record(episodeID string, usage *Usage) {
	if usage == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.totals[episodeID]
	total.InputTokens += usage.InputTokens
	total.OutputTokens += usage.OutputTokens
	t.totals[episodeID] = total
}

// Totals returns the accumulated usage for an episode.
func (t *TokenTracker) Totals(episodeID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[episodeID]
}

// EndEpisode clears accounting for the episode once processing completes.
func (t *TokenTracker) EndEpisode(episodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.totals, episodeID)
}
