package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicRateLimits reflects the default API tier. Accounts on
// higher tiers should configure their real limits instead.
var DefaultAnthropicRateLimits = RateLimitInfo{
	HasLimits:            true,
	InputTokensPerMinute: 30000,
	RequestsPerMinute:    50,
}

// AnthropicInvoker invokes Claude models through the official SDK.
type AnthropicInvoker struct {
	client anthropic.Client
	model  string
	limits RateLimitInfo
}

// NewAnthropicInvoker creates an Anthropic invoker. Model should come from
// configuration - do NOT hardcode model IDs.
func NewAnthropicInvoker(apiKey, model string, limits RateLimitInfo) *AnthropicInvoker {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicInvoker{
		client: client,
		model:  model,
		limits: limits,
	}
}

func (a *AnthropicInvoker) Provider() string {
	return "anthropic"
}

func (a *AnthropicInvoker) RateLimits() RateLimitInfo {
	return a.limits
}

// Invoke sends a single user message and waits for the full response.
func (a *AnthropicInvoker) Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Response, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic invocation failed: %w", err)
	}

	resp := &Response{
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			resp.Blocks = append(resp.Blocks, Block{Type: "text", Text: block.Text})
		}
	}
	return resp, nil
}

// CountTokens uses the messages.count_tokens endpoint for an exact count.
func (a *AnthropicInvoker) CountTokens(ctx context.Context, text string) (int, error) {
	result, err := a.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model: anthropic.Model(a.model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("token counting failed: %w", err)
	}
	return int(result.InputTokens), nil
}
