package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

// ── Anthropic Provider ──────────────────────────────────────

const (
	anthropicEndpoint   = "https://api.anthropic.com"
	anthropicVersion    = "2023-06-01"
	anthropicMaxTokens  = 1024
	anthropicErrBodyCap = 2048
)

// AnthropicProvider calls the Anthropic Messages API over HTTP.
type AnthropicProvider struct {
	cfg    models.ProviderConfig
	client *http.Client
}

// NewAnthropicProvider creates an Anthropic provider. A nil client uses
// http.DefaultClient; per-call deadlines come from the router's context.
func NewAnthropicProvider(cfg models.ProviderConfig, client *http.Client) *AnthropicProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = anthropicEndpoint
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = anthropicMaxTokens
	}
	return &AnthropicProvider{cfg: cfg, client: client}
}

func (p *AnthropicProvider) ID() string      { return p.cfg.ID }
func (p *AnthropicProvider) Available() bool { return p.cfg.APIKey != "" }

type anthropicRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	MaxTokens   int                  `json:"max_tokens"`
	Temperature float32              `json:"temperature"`
	Stream      bool                 `json:"stream,omitempty"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *AnthropicProvider) post(ctx context.Context, messages []models.ChatMessage, systemPrompt string, stream bool) (*http.Response, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       p.cfg.Model,
		System:      systemPrompt,
		Messages:    messages,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      stream,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.cfg.ID, err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.cfg.ID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.cfg.ID, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, anthropicErrBodyCap))
		return nil, &StatusError{Provider: p.cfg.ID, StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}
	return httpResp, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (string, error) {
	httpResp, err := p.post(ctx, messages, systemPrompt, false)
	if err != nil {
		return "", err
	}
	defer httpResp.Body.Close()

	var resp anthropicResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", p.cfg.ID, err)
	}

	var content strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			content.WriteString(c.Text)
		}
	}
	return content.String(), nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (contracts.ChunkStream, error) {
	httpResp, err := p.post(ctx, messages, systemPrompt, true)
	if err != nil {
		return nil, err
	}
	return &sseStream{id: p.cfg.ID, body: httpResp.Body, reader: bufio.NewReader(httpResp.Body)}, nil
}

// sseStream reads Anthropic server-sent events and yields text deltas.
type sseStream struct {
	id     string
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

type sseEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *sseStream) Recv() (string, error) {
	for !s.done {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.done = true
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("%s: read stream: %w", s.id, err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return ev.Delta.Text, nil
			}
		case "message_stop":
			s.done = true
		case "error":
			s.done = true
			return "", fmt.Errorf("%s: stream error %s: %s", s.id, ev.Error.Type, ev.Error.Message)
		}
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}
