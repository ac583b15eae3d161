package compact

import (
	"context"
	"fmt"

	"github.com/loopworks/condense/internal/conversation"
	"github.com/loopworks/condense/internal/limits"
	"github.com/loopworks/condense/internal/llm"
)

// Action-context compaction runs on the cumulative in-memory transcript of
// an autonomous action between executions, so it triggers earlier and
// tolerates more loss than conversation compaction.
const (
	actionThreshold          = 0.6
	actionEmergencyThreshold = 0.85
	// toolLoopOverrideFraction of the emergency threshold: below this a
	// tool-use loop defers compaction, above it compaction runs anyway.
	toolLoopOverrideFraction = 0.9
	actionMaxOutput          = 4096
	// actionMinCompactedChars rejects degenerate action summaries.
	actionMinCompactedChars = 100
)

// ActionCompactor compacts the cumulative context of a scheduled action.
// Unlike the engine it never persists anything; callers own the snapshot and
// store it through conversation.Store.SaveActionContext.
type ActionCompactor struct {
	invoker  llm.Invoker
	limits   limits.ContextLimits
	progress ProgressSink
}

// NewActionCompactor builds a compactor for one action's model.
func NewActionCompactor(invoker llm.Invoker, lims limits.ContextLimits) *ActionCompactor {
	if lims.ContextWindow <= 0 {
		lims = limits.Default
	}
	return &ActionCompactor{invoker: invoker, limits: lims}
}

// SetProgress installs an advisory progress sink.
func (a *ActionCompactor) SetProgress(sink ProgressSink) {
	a.progress = sink
}

func (a *ActionCompactor) notify(phase Phase, format string, args ...any) {
	if a.progress == nil {
		return
	}
	a.progress.Notify(Notification{Phase: phase, Message: fmt.Sprintf(format, args...)})
}

// ShouldCompact applies the action thresholds to the current context size.
// A tool-use loop defers compaction until usage nears the emergency line.
func (a *ActionCompactor) ShouldCompact(messages []conversation.Message, inToolUseLoop bool) bool {
	usage := conversation.TotalEstimatedTokens(messages)
	window := a.limits.ContextWindow
	if usage < int(float64(window)*actionThreshold) {
		return false
	}
	if inToolUseLoop && usage < int(float64(window)*actionEmergencyThreshold*toolLoopOverrideFraction) {
		return false
	}
	return true
}

// MaybeCompact collapses the message list into a single compacted message
// when the action thresholds say it is due. On any failure the original
// messages come back unchanged with compacted=false; an action run never
// dies to a failed compaction.
func (a *ActionCompactor) MaybeCompact(ctx context.Context, messages []conversation.Message, inToolUseLoop bool) ([]conversation.Message, bool) {
	if len(messages) < minMessagesForCompaction || !a.ShouldCompact(messages, inToolUseLoop) {
		return messages, false
	}

	originalTokens := conversation.TotalEstimatedTokens(messages)
	transcript := FormatMessages(messages)
	prompt := BuildCompactionPrompt(transcript, len(messages), originalTokens)

	if guard := CheckRateLimits(ctx, a.invoker, prompt); !guard.Feasible {
		a.notify(PhaseWarning, "action compaction skipped: %s", guard.Message)
		return messages, false
	}

	budget := actionMaxOutput
	if a.limits.MaxOutput > 0 && budget > a.limits.MaxOutput {
		budget = a.limits.MaxOutput
	}

	a.notify(PhaseProgress, "compacting action context: %d messages (%s tokens)",
		len(messages), groupInt(originalTokens))

	resp, err := a.invoker.Invoke(ctx, prompt, budget, compactionTemperature)
	if err != nil {
		a.notify(PhaseError, "action compaction failed: %v", err)
		return messages, false
	}
	if resp == nil || resp.ErrorMessage != "" {
		a.notify(PhaseError, "action compaction failed: provider error")
		return messages, false
	}
	text := resp.Text()
	if len(text) < actionMinCompactedChars {
		a.notify(PhaseWarning, "action compaction produced %d chars; keeping original context", len(text))
		return messages, false
	}

	content := fmt.Sprintf("%s - %d messages compacted]\n\n%s",
		conversation.CompactionMarkerPrefix, len(messages), text)
	compacted := conversation.Message{
		Role:       "user",
		Content:    content,
		Kind:       conversation.KindCompactionMarker,
		TokenCount: llm.EstimateTokens(content),
	}
	if len(messages) > 0 {
		compacted.ConversationID = messages[0].ConversationID
	}

	compactedTokens := compacted.EstimatedTokens()
	a.notify(PhaseComplete, "action context compacted: %s -> %s tokens (%.1f%% reduction)",
		groupInt(originalTokens), groupInt(compactedTokens), reductionPct(originalTokens, compactedTokens))

	return []conversation.Message{compacted}, true
}
