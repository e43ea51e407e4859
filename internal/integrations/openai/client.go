package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"ledger-agent/internal/domain"
	"ledger-agent/internal/llm"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client is an llm.Client backed by the OpenAI Chat Completions API with
// strict structured output.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	keys       llm.KeySource

	mu  sync.Mutex
	api *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The API key is resolved from keys on the first
// call and reused for the lifetime of the process; a failed lookup is retried
// on the next call.
func NewClient(keys llm.KeySource, model string, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openai: key source must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// apiBaseURL normalizes a base URL so it always ends in /v1.
func apiBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func (c *Client) resolveAPI(ctx context.Context) (*goopenai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := c.keys.APIKey(ctx)
	if err != nil {
		return nil, err
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = apiBaseURL(c.baseURL)
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

func toChatMessages(req llm.Request) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		switch m.Role {
		case domain.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		case domain.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func responseFormat() *goopenai.ChatCompletionResponseFormat {
	return &goopenai.ChatCompletionResponseFormat{
		Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
			Name:   llm.SchemaName,
			Strict: true,
			Schema: llm.ResponseSchema,
		},
	}
}

// SendMessage implements llm.Client.
func (c *Client) SendMessage(ctx context.Context, req llm.Request) (llm.Response, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: resolve api key: %w", llm.Unavailable(err))
	}

	resp, err := api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:          c.model,
		Messages:       toChatMessages(req),
		ResponseFormat: responseFormat(),
	})
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: request failed: %w", classify(err))
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("openai: %w", llm.Protocol(errors.New("no choices in response")))
	}

	out, err := llm.DecodeReply(resp.Choices[0].Message.Content)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai: %w", err)
	}
	out.Model = resp.Model
	if out.Model == "" {
		out.Model = c.model
	}
	out.Usage = llm.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	slog.InfoContext(ctx, "llm usage",
		"provider", llm.ProviderOpenAI,
		"model", out.Model,
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"total_tokens", out.Usage.TotalTokens,
	)
	return out, nil
}

// classify maps go-openai errors onto the gateway sentinels.
func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("%w: %w", llm.StatusClass(apiErr.HTTPStatusCode), err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Errorf("%w: %w", llm.StatusClass(reqErr.HTTPStatusCode), err)
	}
	return llm.ClassifyTransport(err)
}

