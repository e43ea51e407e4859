// Package llm defines the provider-neutral contract used to talk to a
// language model during a transaction-entry conversation, and the decoding
// of the structured reply every provider is asked to produce.
package llm

import (
	"context"
	"errors"
	"strings"

	"ledger-agent/internal/domain"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Request is one outbound model call. Messages holds the transcript in order,
// ending with the newest user message.
type Request struct {
	System   string
	Messages []domain.ChatMessage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the decoded model reply.
type Response struct {
	Text        string
	Extraction  domain.Slots
	Suggestions []string
	Usage       Usage
	Model       string
}

// Client sends a conversation to a language model. Implementations return
// errors wrapping ErrUnavailable or ErrProtocol.
type Client interface {
	SendMessage(ctx context.Context, req Request) (Response, error)
}

// KeySource resolves a provider API key.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a KeySource for a key supplied directly through configuration.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	key := strings.TrimSpace(string(k))
	if key == "" {
		return "", errors.New("llm: API key is empty")
	}
	return key, nil
}
