package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaInvoker invokes local models through the Ollama API client.
// Local inference has no per-minute rate limits.
type OllamaInvoker struct {
	client *api.Client
	model  string
}

// NewOllamaInvoker creates an Ollama invoker against baseURL
// (default http://localhost:11434).
func NewOllamaInvoker(baseURL, model string) (*OllamaInvoker, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL: %w", err)
	}
	httpClient := &http.Client{
		Timeout: 5 * time.Minute, // Longer timeout for local inference
	}
	return &OllamaInvoker{
		client: api.NewClient(u, httpClient),
		model:  model,
	}, nil
}

func (o *OllamaInvoker) Provider() string {
	return "ollama"
}

func (o *OllamaInvoker) RateLimits() RateLimitInfo {
	return RateLimitInfo{HasLimits: false}
}

func (o *OllamaInvoker) Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Response, error) {
	stream := false
	req := &api.ChatRequest{
		Model: o.model,
		Messages: []api.Message{
			{Role: "user", Content: prompt},
		},
		Stream: &stream,
		Options: map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}

	var sb strings.Builder
	var usage Usage
	err := o.client.Chat(ctx, req, func(r api.ChatResponse) error {
		sb.WriteString(r.Message.Content)
		if r.Done {
			usage = Usage{
				InputTokens:  r.Metrics.PromptEvalCount,
				OutputTokens: r.Metrics.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama invocation failed: %w", err)
	}

	return &Response{Content: sb.String(), Usage: usage}, nil
}

// CountTokens always fails - Ollama has no counting endpoint. Callers fall
// back to EstimateTokens.
func (o *OllamaInvoker) CountTokens(ctx context.Context, text string) (int, error) {
	return 0, errors.New("ollama does not expose a token counting endpoint")
}
