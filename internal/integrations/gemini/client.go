// Package gemini is an llm.Client backed by the Gemini API through the
// google.golang.org/genai SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"ledger-agent/internal/domain"
	"ledger-agent/internal/llm"
)

const defaultAPIVersion = "v1beta"

// Client calls Models.GenerateContent with JSON output.
type Client struct {
	baseURL     string
	model       string
	temperature *float32
	httpClient  *http.Client
	keys        llm.KeySource

	mu  sync.Mutex
	api *genai.Client
}

type Option func(*Client)

// WithBaseURL overrides the API host. The API version is appended by the SDK.
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

func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

// NewClient creates a Client. The SDK client is built on the first call once
// the API key resolves; a failed lookup is retried on the next call.
func NewClient(keys llm.KeySource, model string, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("gemini: key source must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}
	c := &Client{
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// httpOptions points the SDK at baseURL. An empty baseURL keeps the SDK
// default host.
func httpOptions(baseURL string) genai.HTTPOptions {
	opts := genai.HTTPOptions{APIVersion: defaultAPIVersion}
	if base := strings.TrimRight(baseURL, "/"); base != "" {
		opts.BaseURL = base + "/"
	}
	return opts
}

func (c *Client) resolveAPI(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := c.keys.APIKey(ctx)
	if err != nil {
		return nil, err
	}
	api, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  c.httpClient,
		HTTPOptions: httpOptions(c.baseURL),
	})
	if err != nil {
		return nil, fmt.Errorf("create sdk client: %w", err)
	}
	c.api = api
	return api, nil
}

func toContents(req llm.Request) []*genai.Content {
	out := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == domain.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}
	return out
}

func nullable(t genai.Type) *genai.Schema {
	return &genai.Schema{Type: t, Nullable: genai.Ptr(true)}
}

// responseSchema mirrors llm.ResponseSchema in the SDK's schema dialect.
func responseSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"reply": {Type: genai.TypeString},
			"transaction": {
				Type:     genai.TypeObject,
				Nullable: genai.Ptr(true),
				Properties: map[string]*genai.Schema{
					"type":          nullable(genai.TypeString),
					"amount":        nullable(genai.TypeString),
					"date":          nullable(genai.TypeString),
					"category":      nullable(genai.TypeString),
					"paymentMethod": nullable(genai.TypeString),
					"memo":          nullable(genai.TypeString),
				},
			},
			"suggestions": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		Required: []string{"reply"},
	}
}

func (c *Client) generateConfig(req llm.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema(),
		Temperature:      c.temperature,
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	return cfg
}

// SendMessage implements llm.Client.
func (c *Client) SendMessage(ctx context.Context, req llm.Request) (llm.Response, error) {
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return llm.Response{}, fmt.Errorf("gemini: resolve api key: %w", llm.Unavailable(err))
	}

	resp, err := api.Models.GenerateContent(ctx, c.model, toContents(req), c.generateConfig(req))
	if err != nil {
		return llm.Response{}, fmt.Errorf("gemini: request failed: %w", classify(ctx, err))
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Response{}, fmt.Errorf("gemini: %w", llm.Protocol(fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)))
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return llm.Response{}, fmt.Errorf("gemini: %w", llm.Protocol(errors.New("no candidates in response")))
	}
	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			text.WriteString(p.Text)
		}
	}
	if text.Len() == 0 {
		return llm.Response{}, fmt.Errorf("gemini: %w", llm.Protocol(errors.New("no parts in candidate")))
	}

	out, err := llm.DecodeReply(text.String())
	if err != nil {
		return llm.Response{}, fmt.Errorf("gemini: %w", err)
	}
	out.Model = resp.ModelVersion
	if out.Model == "" {
		out.Model = c.model
	}
	var cached int
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
		cached = int(u.CachedContentTokenCount)
	}
	slog.InfoContext(ctx, "llm usage",
		"provider", llm.ProviderGemini,
		"model", out.Model,
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"total_tokens", out.Usage.TotalTokens,
		"cached_tokens", cached,
	)
	return out, nil
}

// classify maps SDK errors onto the gateway sentinels. A status-bearing
// APIError becomes an llm.HTTPStatusError.
func classify(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &llm.HTTPStatusError{Provider: llm.ProviderGemini, StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && apiErrPtr.Code != 0 {
		return &llm.HTTPStatusError{Provider: llm.ProviderGemini, StatusCode: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	if ctx.Err() != nil {
		return llm.Unavailable(fmt.Errorf("%w: %w", ctx.Err(), err))
	}
	return llm.ClassifyTransport(err)
}
