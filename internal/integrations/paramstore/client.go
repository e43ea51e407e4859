package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"ledger-agent/internal/domain"
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter reads one decrypted parameter value.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads SecureString parameters from SSM Parameter Store.
type Client struct {
	api ssmAPI
}

func New(api ssmAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &Client{api: api}, nil
}

// GetParameter returns the decrypted value of name. A missing parameter is
// reported as domain.ErrNotFound.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c == nil || c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	if name = strings.TrimSpace(name); name == "" {
		return "", errors.New("paramstore: parameter name is required")
	}

	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	var notFound *types.ParameterNotFound
	switch {
	case errors.As(err, &notFound):
		return "", fmt.Errorf("paramstore: parameter %q: %w", name, domain.ErrNotFound)
	case err != nil:
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q has a missing value", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// tokenPayload is the expected JSON shape stored in SSM for an API token.
type tokenPayload struct {
	Token string `json:"token"`
}

// TokenSource reads a provider API token stored as {"token": "..."} under
// <prefix>/<provider>-token.
type TokenSource struct {
	getter Getter
	name   string
}

// NewTokenSource returns a TokenSource for the given provider.
func NewTokenSource(getter Getter, prefix, provider string) (*TokenSource, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("paramstore: parameter prefix must not be empty")
	}
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, errors.New("paramstore: provider must not be empty")
	}
	return &TokenSource{getter: getter, name: prefix + "/" + provider + "-token"}, nil
}

// ParameterName is the SSM parameter the token is read from.
func (s *TokenSource) ParameterName() string {
	return s.name
}

// APIKey fetches and decodes the token. Callers cache the result.
func (s *TokenSource) APIKey(ctx context.Context) (string, error) {
	raw, err := s.getter.GetParameter(ctx, s.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
	}
	if strings.TrimSpace(tp.Token) == "" {
		return "", errors.New("paramstore: API token is empty")
	}
	return strings.TrimSpace(tp.Token), nil
}
