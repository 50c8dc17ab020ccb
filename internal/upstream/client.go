package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/sashabaranov/go-openai"

	"github.com/timeweave/timeweave/internal/config"
)

// Client executes one upstream text-generation call.
type Client interface {
	// Name identifies the provider for circuit breaker and metrics keys.
	Name() string

	// Generate issues a single prompt and returns the raw text body.
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// NewClient builds the concrete client for a provider configuration:
// web-search-capable providers are served through the Anthropic API, the
// rest through any OpenAI-compatible endpoint.
func NewClient(cfg config.ProviderConfig, logger *slog.Logger) Client {
	if cfg.SupportsWebSearch {
		return NewAnthropicClient(cfg, logger)
	}
	return NewOpenAIClient(cfg, logger)
}

// OpenAIClient drives an OpenAI-compatible chat completion endpoint.
type OpenAIClient struct {
	client *openai.Client
	cfg    config.ProviderConfig
	logger *slog.Logger
}

// NewOpenAIClient creates a client for the configured endpoint.
func NewOpenAIClient(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}
}

// Name returns the provider identity.
func (c *OpenAIClient) Name() string { return c.cfg.Name }

// Generate issues one chat completion under the provider's timeout.
func (c *OpenAIClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	latency := time.Since(start)

	if err != nil {
		return "", Classify(c.cfg.Name, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", &UpstreamError{
			Kind:     KindEmptyResponse,
			Provider: c.cfg.Name,
			Err:      fmt.Errorf("no completion content from model %s", c.cfg.Model),
		}
	}

	c.logger.Debug("openai-compatible call complete",
		"provider", c.cfg.Name,
		"model", c.cfg.Model,
		"latency_ms", latency.Milliseconds(),
		"tokens", resp.Usage.TotalTokens)

	return resp.Choices[0].Message.Content, nil
}

// AnthropicClient drives the Anthropic Messages API with web search enabled.
type AnthropicClient struct {
	client anthropic.Client
	cfg    config.ProviderConfig
	logger *slog.Logger
}

// NewAnthropicClient creates the web-search-capable client.
func NewAnthropicClient(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		cfg:    cfg,
		logger: logger,
	}
}

// Name returns the provider identity.
func (c *AnthropicClient) Name() string { return c.cfg.Name }

// Generate issues one message call, with the web search tool attached when
// the provider is configured for it.
func (c *AnthropicClient) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}

	if c.cfg.SupportsWebSearch {
		req.Tools = []anthropic.ToolUnionParam{{
			OfWebSearchTool20250305: &anthropic.WebSearchTool20250305Param{
				MaxUses: anthropic.Int(5),
			},
		}}
	}

	start := time.Now()
	resp, err := c.client.Messages.New(callCtx, req)
	latency := time.Since(start)

	if err != nil {
		return "", Classify(c.cfg.Name, err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	if content == "" {
		return "", &UpstreamError{
			Kind:     KindEmptyResponse,
			Provider: c.cfg.Name,
			Err:      fmt.Errorf("no text content from model %s", c.cfg.Model),
		}
	}

	c.logger.Debug("anthropic call complete",
		"provider", c.cfg.Name,
		"model", c.cfg.Model,
		"latency_ms", latency.Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	return content, nil
}
