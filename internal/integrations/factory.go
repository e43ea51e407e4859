// Package integrations builds the language-model client selected by
// configuration.
package integrations

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ledger-agent/internal/config"
	"ledger-agent/internal/integrations/gemini"
	"ledger-agent/internal/integrations/openai"
	"ledger-agent/internal/integrations/paramstore"
	"ledger-agent/internal/llm"
)

// Factory creates LLM clients with consistent key resolution: a key set in
// the environment wins, otherwise it is read from the parameter store.
type Factory struct {
	cfg    *config.Config
	params paramstore.Getter
}

// NewFactory returns a Factory. params may be nil when every provider key is
// supplied through the environment.
func NewFactory(cfg *config.Config, params paramstore.Getter) (*Factory, error) {
	if cfg == nil {
		return nil, errors.New("integrations: config must not be nil")
	}
	return &Factory{cfg: cfg, params: params}, nil
}

func (f *Factory) keySource(provider, directKey string) (llm.KeySource, error) {
	if strings.TrimSpace(directKey) != "" {
		return llm.StaticKey(directKey), nil
	}
	if f.params == nil {
		return nil, fmt.Errorf("integrations: no API key configured for %s", provider)
	}
	return paramstore.NewTokenSource(f.params, f.cfg.ParamPrefix, provider)
}

// CreateClient builds the client for the configured provider.
func (f *Factory) CreateClient() (llm.Client, error) {
	return f.CreateClientFor(f.cfg.LLMProvider)
}

func (f *Factory) CreateClientFor(provider string) (llm.Client, error) {
	httpClient := &http.Client{Timeout: f.cfg.LLMTimeout}
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case llm.ProviderOpenAI:
		keys, err := f.keySource(llm.ProviderOpenAI, f.cfg.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		opts := []openai.Option{openai.WithHTTPClient(httpClient)}
		if f.cfg.OpenAIBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(f.cfg.OpenAIBaseURL))
		}
		return openai.NewClient(keys, f.cfg.OpenAIModel, opts...)
	case llm.ProviderGemini:
		keys, err := f.keySource(llm.ProviderGemini, f.cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		opts := []gemini.Option{gemini.WithHTTPClient(httpClient)}
		if f.cfg.GeminiBaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(f.cfg.GeminiBaseURL))
		}
		return gemini.NewClient(keys, f.cfg.GeminiModel, opts...)
	default:
		return nil, fmt.Errorf("integrations: unknown llm provider: %s", provider)
	}
}
