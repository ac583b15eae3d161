package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIInvoker invokes chat models through the official SDK.
type OpenAIInvoker struct {
	client openai.Client
	model  string
	limits RateLimitInfo
}

// NewOpenAIInvoker creates an OpenAI invoker. Model should come from
// configuration - do NOT hardcode model IDs.
func NewOpenAIInvoker(apiKey, model string, limits RateLimitInfo) *OpenAIInvoker {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIInvoker{
		client: client,
		model:  model,
		limits: limits,
	}
}

func (o *OpenAIInvoker) Provider() string {
	return "openai"
}

func (o *OpenAIInvoker) RateLimits() RateLimitInfo {
	return o.limits
}

func (o *OpenAIInvoker) Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Response, error) {
	completion, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Temperature:         openai.Float(temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("openai invocation failed: %w", err)
	}

	resp := &Response{
		Usage: Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	if len(completion.Choices) == 0 {
		resp.ErrorMessage = "no choices in completion response"
		return resp, nil
	}
	resp.Content = completion.Choices[0].Message.Content
	return resp, nil
}

// CountTokens always fails - OpenAI has no counting endpoint. Callers fall
// back to EstimateTokens.
func (o *OpenAIInvoker) CountTokens(ctx context.Context, text string) (int, error) {
	return 0, errors.New("openai does not expose a token counting endpoint")
}
