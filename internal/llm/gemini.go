package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiInvoker invokes Google Gemini models over the REST API.
type GeminiInvoker struct {
	apiKey string
	model  string
	limits RateLimitInfo
	client *http.Client
}

// NewGeminiInvoker creates a Gemini invoker. Model should come from
// configuration - do NOT hardcode model IDs.
func NewGeminiInvoker(apiKey, model string, limits RateLimitInfo) *GeminiInvoker {
	return &GeminiInvoker{
		apiKey: apiKey,
		model:  model,
		limits: limits,
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (g *GeminiInvoker) Provider() string {
	return "gemini"
}

func (g *GeminiInvoker) RateLimits() RateLimitInfo {
	return g.limits
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (g *GeminiInvoker) Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (*Response, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: &geminiGenConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		},
	}

	var parsed geminiResponse
	if err := g.post(ctx, "generateContent", reqBody, &parsed); err != nil {
		return nil, err
	}

	resp := &Response{}
	if parsed.Error != nil {
		resp.ErrorMessage = fmt.Sprintf("gemini error %d: %s", parsed.Error.Code, parsed.Error.Message)
		return resp, nil
	}
	if parsed.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}
	}
	for _, cand := range parsed.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				resp.Blocks = append(resp.Blocks, Block{Type: "text", Text: part.Text})
			}
		}
	}
	return resp, nil
}

// CountTokens uses the countTokens endpoint for an exact count.
func (g *GeminiInvoker) CountTokens(ctx context.Context, text string) (int, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: text}}},
		},
	}
	var parsed struct {
		TotalTokens int `json:"totalTokens"`
		Error       *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	}
	if err := g.post(ctx, "countTokens", reqBody, &parsed); err != nil {
		return 0, err
	}
	if parsed.Error != nil {
		return 0, fmt.Errorf("token counting failed: %s", parsed.Error.Message)
	}
	return parsed.TotalTokens, nil
}

func (g *GeminiInvoker) post(ctx context.Context, method string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to encode gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s:%s?key=%s", geminiBaseURL, g.model, method, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gemini request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gemini response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode gemini response (status %d): %w", httpResp.StatusCode, err)
	}
	return nil
}
