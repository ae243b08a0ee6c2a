package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

// NewProvider builds the provider implementation for a config entry.
func NewProvider(ctx context.Context, cfg models.ProviderConfig) (contracts.Provider, error) {
	switch cfg.Kind {
	case models.ProviderOpenAI, models.ProviderOllama:
		return NewOpenAIProvider(cfg), nil
	case models.ProviderAnthropic:
		return NewAnthropicProvider(cfg, nil), nil
	case models.ProviderBedrock:
		p, err := NewBedrockProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", cfg.Kind)
	}
}

// ── OpenAI / Ollama Provider ────────────────────────────────

// OpenAIProvider talks to the OpenAI chat completions API or any
// OpenAI-compatible endpoint, which is how Ollama is reached.
type OpenAIProvider struct {
	cfg    models.ProviderConfig
	client *openai.Client
}

// NewOpenAIProvider creates an OpenAI or Ollama provider.
func NewOpenAIProvider(cfg models.ProviderConfig) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.Kind == models.ProviderOllama {
		base := strings.TrimRight(cfg.BaseURL, "/")
		if base != "" && !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		oc.BaseURL = base
	} else if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	return &OpenAIProvider{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

func (p *OpenAIProvider) ID() string { return p.cfg.ID }

// Available requires an API key for OpenAI and a base URL for Ollama.
func (p *OpenAIProvider) Available() bool {
	if p.cfg.Kind == models.ProviderOllama {
		return p.cfg.BaseURL != ""
	}
	return p.cfg.APIKey != ""
}

func (p *OpenAIProvider) request(messages []models.ChatMessage, systemPrompt string, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    msgs,
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
		Stream:      stream,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages, systemPrompt, false))
	if err != nil {
		return "", fmt.Errorf("%s: chat completion: %w", p.cfg.ID, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: response has no choices", p.cfg.ID)
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (contracts.ChunkStream, error) {
	s, err := p.client.CreateChatCompletionStream(ctx, p.request(messages, systemPrompt, true))
	if err != nil {
		return nil, fmt.Errorf("%s: open stream: %w", p.cfg.ID, err)
	}
	return &openAIStream{id: p.cfg.ID, s: s}, nil
}

type openAIStream struct {
	id string
	s  *openai.ChatCompletionStream
}

// Recv skips deltas without content and returns io.EOF at the end.
func (o *openAIStream) Recv() (string, error) {
	for {
		resp, err := o.s.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("%s: stream: %w", o.id, err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (o *openAIStream) Close() error {
	o.s.Close()
	return nil
}
