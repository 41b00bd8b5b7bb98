// Package ai fans prompts out to every configured LLM provider and
// synthesizes their answers.
package ai

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/grocerlabs/pricescout/internal/config"
)

// Kind is the typed key identifying a provider implementation.
type Kind string

// Supported provider kinds.
const (
	KindClaude Kind = "claude"
	KindOpenAI Kind = "openai"
	KindGemini Kind = "gemini"
	KindLocal  Kind = "local"
)

// ParseKind validates a provider kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindClaude, KindOpenAI, KindGemini, KindLocal:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown provider kind %q", s)
	}
}

// Provider is the uniform capability surface the engine requires from every
// LLM backend.
type Provider interface {
	Kind() Kind
	Complete(ctx context.Context, prompt string) (string, error)
	AnalyzeImage(ctx context.Context, imageBase64, mimeType, prompt string) (string, error)
	TestConnection(ctx context.Context) error
}

// model wraps a langchaingo LLM behind the Provider interface.
type model struct {
	kind Kind
	llm  llms.Model
}

// NewProvider constructs the concrete provider for kind from its config.
// A provider missing required credentials returns an error; the service
// treats that as "skip", not "fail".
func NewProvider(ctx context.Context, kind Kind, cfg config.ProviderConfig) (Provider, error) {
	var (
		llm llms.Model
		err error
	)
	switch kind {
	case KindClaude:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("claude provider requires an API key")
		}
		llm, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
	case KindOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err = openai.New(opts...)
	case KindGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		llm, err = googleai.New(ctx,
			googleai.WithAPIKey(cfg.APIKey),
			googleai.WithDefaultModel(cfg.Model),
		)
	case KindLocal:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err = ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", kind, err)
	}
	return &model{kind: kind, llm: llm}, nil
}

func (m *model) Kind() Kind {
	return m.kind
}

func (m *model) Complete(ctx context.Context, prompt string) (string, error) {
	response, err := llms.GenerateFromSinglePrompt(ctx, m.llm, prompt)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", m.kind, err)
	}
	return response, nil
}

func (m *model) AnalyzeImage(ctx context.Context, imageBase64, mimeType, prompt string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(imageBase64)
	if err != nil {
		return "", fmt.Errorf("decode image payload: %w", err)
	}
	messages := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.BinaryPart(mimeType, data),
				llms.TextPart(prompt),
			},
		},
	}
	response, err := m.llm.GenerateContent(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("%s image analysis: %w", m.kind, err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("%s image analysis: empty response", m.kind)
	}
	return response.Choices[0].Content, nil
}

func (m *model) TestConnection(ctx context.Context) error {
	if _, err := llms.GenerateFromSinglePrompt(ctx, m.llm, "Reply with OK."); err != nil {
		return fmt.Errorf("%s connection test: %w", m.kind, err)
	}
	return nil
}
