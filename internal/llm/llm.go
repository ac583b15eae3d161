// Package llm defines the model-invocation collaborator used by the
// compaction engine, plus adapters for the providers we ship.
package llm

import (
	"context"
	"strings"
)

// CharsPerToken is the rough chars-per-token ratio used when a provider has
// no token counting endpoint.
const CharsPerToken = 4

// Block is one typed content block in a model response.
type Block struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage reports token consumption for one invocation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the provider-agnostic result of one invocation. Transport
// failures are returned as errors from Invoke; provider-reported failures
// arrive here in ErrorMessage with a nil error.
type Response struct {
	Content      string  `json:"content,omitempty"`
	Blocks       []Block `json:"content_blocks,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Usage        Usage   `json:"usage"`
}

// Text extracts the response text: Content when set, otherwise the
// concatenation of all text-typed blocks. The result is trimmed.
func (r *Response) Text() string {
	if r.Content != "" {
		return strings.TrimSpace(r.Content)
	}
	var sb strings.Builder
	for _, b := range r.Blocks {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// RateLimitInfo describes a provider's advertised per-minute limits.
type RateLimitInfo struct {
	HasLimits            bool `json:"has_limits"`
	InputTokensPerMinute int  `json:"input_tokens_per_minute,omitempty"`
	RequestsPerMinute    int  `json:"requests_per_minute,omitempty"`
}

// Invoker is the model invocation collaborator. The engine sends a single
// user-role prompt per call; tool use and multi-turn context never cross this
// boundary.
type Invoker interface {
	// Invoke sends the prompt and blocks until the provider responds.
	Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Response, error)
	// CountTokens counts tokens in text. Implementations without a counting
	// endpoint return an error; callers fall back to EstimateTokens.
	CountTokens(ctx context.Context, text string) (int, error)
	// RateLimits reports the provider's advertised limits, if any.
	RateLimits() RateLimitInfo
	// Provider names the backing provider for log and warning messages.
	Provider() string
}

// EstimateTokens is the chars/4 fallback used whenever real counting fails.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}
