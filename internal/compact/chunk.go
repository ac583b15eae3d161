package compact

import (
	"context"
	"fmt"
	"strings"

	"github.com/loopworks/condense/internal/conversation"
	"github.com/loopworks/condense/internal/limits"
	"github.com/loopworks/condense/internal/llm"
)

const (
	// chunkSizeFactor of the per-minute token limit; leaves room for the
	// prompt template around each chunk.
	chunkSizeFactor = 0.6
	// Per-chunk summary budget clamps.
	minChunkOutput = 500
	maxChunkOutput = 4000
	// combineInputCap: above this the combine pass would itself be at risk,
	// so the summaries are concatenated instead.
	combineInputCap  = 25000
	maxCombineOutput = 8000
	// maxDirectConcat: this many summaries or fewer read fine without a
	// combine pass.
	maxDirectConcat = 3
	// stubExcerptChars preserved from the first and last messages of a
	// chunk whose summary attempt failed.
	stubExcerptChars = 200
)

// compactChunked is the fallback strategy for conversations too large to
// summarise in one request: split into rate-limit-sized chunks, summarise
// each, then merge. A failed chunk degrades to a deterministic excerpt stub;
// chunk failures never abort the pipeline, even when every chunk fails.
func (e *Engine) compactChunked(ctx context.Context, conversationID string, invoker llm.Invoker, lims limits.ContextLimits, settings Settings, messages []conversation.Message, originalTokens int) (*Result, error) {
	base := lims.ContextWindow
	if info := invoker.RateLimits(); info.HasLimits && info.InputTokensPerMinute > 0 {
		base = info.InputTokensPerMinute
	}
	chunkTokens := int(float64(base) * chunkSizeFactor)

	chunks := partitionMessages(messages, chunkTokens)
	e.notify(PhaseProgress, "chunked compaction: %d messages split into %d chunks (~%s tokens each)",
		len(messages), len(chunks), groupInt(chunkTokens))

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		transcript := FormatMessages(chunk)
		tokens := conversation.TotalEstimatedTokens(chunk)
		prompt := BuildChunkPrompt(transcript, len(chunk), tokens, i+1, len(chunks))

		summary, err := e.invokeModel(ctx, invoker, prompt, chunkOutputBudget(tokens, settings.Ratio))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.notify(PhaseWarning, "chunk %d/%d failed (%v); keeping raw excerpt", i+1, len(chunks), err)
			summary = chunkFallbackStub(chunk)
		}
		summaries = append(summaries, summary)
		e.notify(PhaseProgress, "chunk %d/%d summarised", i+1, len(chunks))
	}

	combined := e.combineSummaries(ctx, invoker, lims, summaries)
	return e.storeResults(ctx, conversationID, invoker, messages, combined, originalTokens, lims.ContextWindow, "chunked")
}

// combineSummaries merges chunk summaries into one narrative, always
// prefixed so a later compaction recognises it as a prior summary. Small
// sets are concatenated directly; larger sets get a combine pass unless the
// combined input is itself oversized. Combine failures fall back to
// concatenation, so this never errors.
func (e *Engine) combineSummaries(ctx context.Context, invoker llm.Invoker, lims limits.ContextLimits, summaries []string) string {
	return conversation.PriorSummaryPrefix + "\n" + e.mergeSummaries(ctx, invoker, lims, summaries)
}

func (e *Engine) mergeSummaries(ctx context.Context, invoker llm.Invoker, lims limits.ContextLimits, summaries []string) string {
	if len(summaries) <= maxDirectConcat {
		return concatenateSummaries(summaries)
	}

	prompt := BuildCombinePrompt(summaries)
	if countTokens(ctx, invoker, prompt) > combineInputCap {
		e.notify(PhaseProgress, "combined summaries too large for a merge pass; concatenating %d parts", len(summaries))
		return concatenateSummaries(summaries)
	}

	budget := maxCombineOutput
	if lims.MaxOutput > 0 && budget > lims.MaxOutput {
		budget = lims.MaxOutput
	}
	combined, err := e.invokeModel(ctx, invoker, prompt, budget)
	if err != nil {
		e.notify(PhaseWarning, "combine pass failed (%v); concatenating %d parts", err, len(summaries))
		return concatenateSummaries(summaries)
	}
	return combined
}

// partitionMessages splits messages into consecutive runs of at most
// maxTokens estimated tokens. A single message over the cap becomes its own
// chunk; message order is never changed and nothing is dropped.
func partitionMessages(messages []conversation.Message, maxTokens int) [][]conversation.Message {
	if maxTokens <= 0 {
		return [][]conversation.Message{messages}
	}

	var chunks [][]conversation.Message
	var current []conversation.Message
	currentTokens := 0
	for i := range messages {
		tokens := messages[i].EstimatedTokens()
		if len(current) > 0 && currentTokens+tokens > maxTokens {
			chunks = append(chunks, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, messages[i])
		currentTokens += tokens
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// chunkOutputBudget sizes one chunk summary from the chunk's token count.
func chunkOutputBudget(chunkTokens int, ratio float64) int {
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	budget := int(float64(chunkTokens) * ratio)
	if budget < minChunkOutput {
		budget = minChunkOutput
	}
	if budget > maxChunkOutput {
		budget = maxChunkOutput
	}
	return budget
}

// chunkFallbackStub stands in for a chunk whose summarisation failed: short
// excerpts of the chunk's first and last messages, so at least the chunk's
// boundaries survive.
func chunkFallbackStub(chunk []conversation.Message) string {
	const header = "[Summary unavailable for this part - raw excerpt preserved]"
	if len(chunk) == 0 {
		return header
	}
	first := truncateText(chunk[0].Content, stubExcerptChars)
	if len(chunk) == 1 {
		return header + "\n" + first
	}
	last := truncateText(chunk[len(chunk)-1].Content, stubExcerptChars)
	return fmt.Sprintf("%s\n%s\n...\n%s", header, first, last)
}

// concatenateSummaries joins chunk summaries under part headers.
func concatenateSummaries(summaries []string) string {
	var sb strings.Builder
	for i, s := range summaries {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "### Part %d\n%s", i+1, s)
	}
	return sb.String()
}
