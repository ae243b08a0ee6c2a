package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

// ── Bedrock Provider ────────────────────────────────────────

// BedrockInvoker is the subset of the bedrockruntime client the provider uses.
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider invokes models on AWS Bedrock with SigV4 credentials from
// the default AWS credential chain.
type BedrockProvider struct {
	cfg    models.ProviderConfig
	client BedrockInvoker
}

// NewBedrockProvider loads the AWS configuration for the provider region.
// Without a region the provider is registered but unavailable.
func NewBedrockProvider(ctx context.Context, cfg models.ProviderConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		return &BedrockProvider{cfg: cfg}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config for bedrock (region: %s): %w", cfg.Region, err)
	}
	return NewBedrockProviderWithClient(cfg, bedrockruntime.NewFromConfig(awsCfg)), nil
}

// NewBedrockProviderWithClient wires an existing client.
func NewBedrockProviderWithClient(cfg models.ProviderConfig, client BedrockInvoker) *BedrockProvider {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = anthropicMaxTokens
	}
	return &BedrockProvider{cfg: cfg, client: client}
}

func (p *BedrockProvider) ID() string      { return p.cfg.ID }
func (p *BedrockProvider) Available() bool { return p.client != nil && p.cfg.Model != "" }

func (p *BedrockProvider) Chat(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (string, error) {
	body, err := p.requestBody(messages, systemPrompt)
	if err != nil {
		return "", err
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(p.cfg.Model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("%s: invoke model: %w", p.cfg.ID, err)
	}
	return p.parseBody(out.Body)
}

// ChatStream emits the whole completion as a single chunk.
func (p *BedrockProvider) ChatStream(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (contracts.ChunkStream, error) {
	text, err := p.Chat(ctx, messages, systemPrompt)
	if err != nil {
		return nil, err
	}
	return &singleChunk{text: text}, nil
}

// modelFamily reads the family from ids like "anthropic.claude-3..." or
// inference profiles like "us.anthropic.claude-3...".
func modelFamily(model string) string {
	segments := strings.Split(model, ".")
	if len(segments) < 2 {
		return ""
	}
	switch segments[0] {
	case "us", "eu", "apac", "global":
		return segments[1]
	}
	return segments[0]
}

func flatten(messages []models.ChatMessage, systemPrompt string) string {
	var b strings.Builder
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n\n")
	}
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func (p *BedrockProvider) requestBody(messages []models.ChatMessage, systemPrompt string) ([]byte, error) {
	var body map[string]any
	switch family := modelFamily(p.cfg.Model); family {
	case "anthropic":
		body = map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        p.cfg.MaxTokens,
			"temperature":       p.cfg.Temperature,
			"messages":          messages,
		}
		if systemPrompt != "" {
			body["system"] = systemPrompt
		}
	case "amazon":
		body = map[string]any{
			"inputText": flatten(messages, systemPrompt),
			"textGenerationConfig": map[string]any{
				"maxTokenCount": p.cfg.MaxTokens,
				"temperature":   p.cfg.Temperature,
			},
		}
	case "meta":
		body = map[string]any{
			"prompt":      flatten(messages, systemPrompt),
			"max_gen_len": p.cfg.MaxTokens,
			"temperature": p.cfg.Temperature,
		}
	case "mistral":
		body = map[string]any{
			"prompt":      flatten(messages, systemPrompt),
			"max_tokens":  p.cfg.MaxTokens,
			"temperature": p.cfg.Temperature,
		}
	default:
		return nil, fmt.Errorf("%s: unsupported model family %q", p.cfg.ID, family)
	}
	return json.Marshal(body)
}

func (p *BedrockProvider) parseBody(body []byte) (string, error) {
	var resp struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Results []struct {
			OutputText string `json:"outputText"`
		} `json:"results"`
		Generation string `json:"generation"`
		Outputs    []struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.cfg.ID, err)
	}

	switch modelFamily(p.cfg.Model) {
	case "anthropic":
		var b strings.Builder
		for _, c := range resp.Content {
			b.WriteString(c.Text)
		}
		return b.String(), nil
	case "amazon":
		if len(resp.Results) > 0 {
			return resp.Results[0].OutputText, nil
		}
	case "meta":
		return resp.Generation, nil
	case "mistral":
		if len(resp.Outputs) > 0 {
			return resp.Outputs[0].Text, nil
		}
	}
	return "", nil
}

// singleChunk is a ChunkStream over one already-complete text.
type singleChunk struct {
	text string
	sent bool
}

func (s *singleChunk) Recv() (string, error) {
	if s.sent || s.text == "" {
		return "", io.EOF
	}
	s.sent = true
	return s.text, nil
}

func (s *singleChunk) Close() error {
	s.sent = true
	return nil
}
