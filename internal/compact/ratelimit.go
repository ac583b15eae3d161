package compact

import (
	"context"

	"github.com/loopworks/condense/internal/llm"
)

// GuardResult is the pre-flight sizing verdict for one prospective request.
type GuardResult struct {
	Feasible        bool
	EstimatedTokens int
	Limit           int
	Message         string
}

// CheckRateLimits estimates a prompt's token count and compares it against
// the provider's per-minute input token limit. Providers with no advertised
// limits always pass. Counting failures degrade to the chars/4 estimate; the
// guard never errors.
func CheckRateLimits(ctx context.Context, invoker llm.Invoker, prompt string) GuardResult {
	estimated := countTokens(ctx, invoker, prompt)

	info := invoker.RateLimits()
	if !info.HasLimits || info.InputTokensPerMinute <= 0 {
		return GuardResult{Feasible: true, EstimatedTokens: estimated}
	}

	if estimated > info.InputTokensPerMinute {
		infeasible := &InfeasibleError{
			EstimatedTokens: estimated,
			Limit:           info.InputTokensPerMinute,
			Provider:        invoker.Provider(),
		}
		return GuardResult{
			Feasible:        false,
			EstimatedTokens: estimated,
			Limit:           info.InputTokensPerMinute,
			Message:         infeasible.Error(),
		}
	}
	return GuardResult{Feasible: true, EstimatedTokens: estimated, Limit: info.InputTokensPerMinute}
}

// countTokens asks the provider for an exact count, falling back to the
// chars/4 estimate when no counting endpoint exists.
func countTokens(ctx context.Context, invoker llm.Invoker, text string) int {
	if n, err := invoker.CountTokens(ctx, text); err == nil && n > 0 {
		return n
	}
	return llm.EstimateTokens(text)
}
