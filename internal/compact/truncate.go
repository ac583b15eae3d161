package compact

import (
	"context"
	"fmt"
	"time"

	"github.com/loopworks/condense/internal/conversation"
	"github.com/loopworks/condense/internal/limits"
	"github.com/loopworks/condense/internal/llm"
)

const (
	// truncateTargetFraction of the context window kept after an emergency
	// truncation. Aggressive on purpose: truncation only runs when
	// summarisation has already failed at the emergency threshold.
	truncateTargetFraction = 0.2
	// minKeepMessages are always retained even if they alone exceed the
	// target, so the conversation keeps its most recent exchange.
	minKeepMessages = 2
)

// truncateEmergency is the last-resort strategy: no model call, just drop the
// oldest live messages until the conversation fits well under the window. A
// notice message records what was removed.
func (e *Engine) truncateEmergency(ctx context.Context, conversationID string, lims limits.ContextLimits) (*Result, error) {
	messages, err := e.store.Messages(ctx, conversationID, false)
	if err != nil {
		return nil, &PersistenceError{Op: "load messages", Err: err}
	}
	if len(messages) <= minKeepMessages {
		e.notify(PhaseWarning, "truncation skipped: only %d live messages", len(messages))
		return &Result{OriginalMessages: len(messages)}, nil
	}

	originalTokens := conversation.TotalEstimatedTokens(messages)
	target := int(float64(lims.ContextWindow) * truncateTargetFraction)

	// Walk backward keeping the most recent messages that fit the target.
	keepFrom := len(messages)
	keptTokens := 0
	for i := len(messages) - 1; i >= 0; i-- {
		tokens := messages[i].EstimatedTokens()
		if keptTokens+tokens > target && len(messages)-i > minKeepMessages {
			break
		}
		keptTokens += tokens
		keepFrom = i
	}

	dropped := messages[:keepFrom]
	if len(dropped) == 0 {
		e.notify(PhaseWarning, "truncation found nothing to drop (%s tokens kept)", groupInt(keptTokens))
		return &Result{OriginalMessages: len(messages)}, nil
	}
	droppedTokens := originalTokens - keptTokens

	e.notify(PhaseProgress, "emergency truncation: dropping %d of %d messages (%s tokens)",
		len(dropped), len(messages), groupInt(droppedTokens))

	notice := fmt.Sprintf(
		"[CONVERSATION TRUNCATED at %s - %d earlier messages (%s tokens) were removed to fit the context window. Summarisation was not possible; earlier context is lost.]",
		time.Now().Format("2006-01-02 15:04:05"), len(dropped), groupInt(droppedTokens))

	ids := make([]int64, 0, len(dropped))
	for i := range dropped {
		ids = append(ids, dropped[i].ID)
	}
	if err := e.store.MarkRolledUp(ctx, ids); err != nil {
		return nil, &PersistenceError{Op: "mark messages rolled up", Err: err}
	}

	msg := &conversation.Message{
		ConversationID: conversationID,
		Role:           "user",
		Content:        notice,
		TokenCount:     llm.EstimateTokens(notice),
	}
	if _, err := e.store.Append(ctx, msg); err != nil {
		return nil, &PersistenceError{Op: "append truncation notice", Err: err}
	}
	if err := e.store.RecordRollup(ctx, conversationID, len(dropped), notice, originalTokens, keptTokens); err != nil {
		return nil, &PersistenceError{Op: "record rollup", Err: err}
	}
	newTotal, err := e.store.RecalculateTotalTokens(ctx, conversationID)
	if err != nil {
		return nil, &PersistenceError{Op: "recalculate token total", Err: err}
	}

	return &Result{
		Compacted:        true,
		Strategy:         "truncation",
		OriginalMessages: len(messages),
		OriginalTokens:   originalTokens,
		CompactedTokens:  newTotal,
		ReductionPct:     reductionPct(originalTokens, newTotal),
	}, nil
}
