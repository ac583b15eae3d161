// Package compact implements conversation compaction: threshold monitoring,
// transcript formatting, single-pass and chunked summarisation, and the
// emergency truncation fallback. The engine talks to its collaborators
// (store, model invoker, limits resolver) through interfaces; everything
// here is provider-agnostic.
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
	// minMessagesForCompaction: below this a conversation carries too little
	// history for summarisation to pay for itself.
	minMessagesForCompaction = 5
	// minCompactedChars rejects degenerate summaries.
	minCompactedChars = 200
	// safetyBufferTokens is headroom kept between the prompt and the window.
	safetyBufferTokens = 1000
	// Output budget clamps for the single-pass strategy.
	minSinglePassOutput = 2000
	maxSinglePassOutput = 16000
	// compactionTemperature keeps summaries factual.
	compactionTemperature = 0.2
)

// Store is the persistence collaborator. *conversation.Store satisfies it.
type Store interface {
	Messages(ctx context.Context, conversationID string, includeRolledUp bool) ([]conversation.Message, error)
	Append(ctx context.Context, msg *conversation.Message) (int64, error)
	MarkRolledUp(ctx context.Context, messageIDs []int64) error
	RecordRollup(ctx context.Context, conversationID string, originalCount int, content string, originalTokens, compactedTokens int) error
	RecalculateTotalTokens(ctx context.Context, conversationID string) (int, error)
	TotalTokens(ctx context.Context, conversationID string) (int, error)
}

// InvokerFactory builds a model invoker bound to modelID. The engine calls it
// once per compaction attempt with the policy-resolved model.
type InvokerFactory func(modelID string) (llm.Invoker, error)

// Result reports the outcome of one CheckAndCompact call.
type Result struct {
	Decision         Decision      `json:"decision"`
	Compacted        bool          `json:"compacted"`
	Strategy         string        `json:"strategy,omitempty"` // single-pass, chunked, truncation
	OriginalMessages int           `json:"original_messages,omitempty"`
	OriginalTokens   int           `json:"original_tokens,omitempty"`
	CompactedTokens  int           `json:"compacted_tokens,omitempty"`
	ReductionPct     float64       `json:"reduction_pct,omitempty"`
	Elapsed          time.Duration `json:"elapsed,omitempty"`
}

// Engine drives the compaction lifecycle for stored conversations.
type Engine struct {
	store    Store
	invokers InvokerFactory
	limits   limits.Resolver
	policy   *PolicyStore
	progress ProgressSink
}

// NewEngine wires an engine. A nil resolver falls back to built-in default
// limits; a nil policy store means defaults with no overrides.
func NewEngine(store Store, invokers InvokerFactory, resolver limits.Resolver, policy *PolicyStore) *Engine {
	if resolver == nil {
		resolver = limits.Static{Limits: limits.Default}
	}
	if policy == nil {
		policy = NewPolicyStore("", 0, 0, 0)
	}
	return &Engine{
		store:    store,
		invokers: invokers,
		limits:   resolver,
		policy:   policy,
	}
}

// SetProgress installs an advisory progress sink. Sink behavior never
// affects compaction outcomes.
func (e *Engine) SetProgress(sink ProgressSink) {
	e.progress = sink
}

// Policy exposes the engine's policy store for override management.
func (e *Engine) Policy() *PolicyStore {
	return e.policy
}

func (e *Engine) notify(phase Phase, format string, args ...any) {
	if e.progress == nil {
		return
	}
	e.progress.Notify(Notification{Phase: phase, Message: fmt.Sprintf(format, args...)})
}

func (e *Engine) notifyMetrics(phase Phase, m Metrics, format string, args ...any) {
	if e.progress == nil {
		return
	}
	e.progress.Notify(Notification{Phase: phase, Message: fmt.Sprintf(format, args...), Metrics: &m})
}

// CheckAndCompact evaluates the conversation against its thresholds and, when
// due, compacts it. modelID is the conversation's own model; the policy store
// may override it. A failed compaction on a normal trigger is a soft no-op;
// on an emergency trigger the engine falls through to truncation so the
// conversation can always continue.
func (e *Engine) CheckAndCompact(ctx context.Context, conversationID, modelID string, inToolUseLoop bool) (*Result, error) {
	settings := e.policy.Resolve(conversationID)
	model := settings.Model
	if model == "" {
		model = modelID
	}
	if model == "" {
		return nil, ErrNoModel
	}

	invoker, err := e.invokers(model)
	if err != nil {
		return nil, fmt.Errorf("failed to build invoker for %s: %w", model, err)
	}
	lims := e.limits.Resolve(model, invoker.Provider())

	total, err := e.store.TotalTokens(ctx, conversationID)
	if err != nil {
		return nil, &PersistenceError{Op: "read token total", Err: err}
	}

	decision := Evaluate(total, lims.ContextWindow, settings.Threshold, settings.EmergencyThreshold, inToolUseLoop)
	switch decision {
	case DecisionNone:
		return &Result{Decision: decision}, nil
	case DecisionDeferred:
		e.notify(PhaseProgress, "compaction due (%s tokens) but deferred: tool-use loop in flight", groupInt(total))
		return &Result{Decision: decision}, nil
	}

	started := time.Now()
	e.notify(PhaseStart, "%s compaction triggered at %s/%s tokens",
		decision, groupInt(total), groupInt(lims.ContextWindow))

	result, err := e.compact(ctx, conversationID, invoker, lims, settings)
	if err != nil {
		if pe, ok := err.(*PersistenceError); ok {
			return nil, pe
		}
		e.notify(PhaseError, "compaction failed: %v", err)
		if decision == DecisionEmergency {
			result, err = e.truncateEmergency(ctx, conversationID, lims)
			if err != nil {
				return nil, err
			}
		} else {
			// Conversation still has headroom below the emergency line;
			// leave it intact and let the next check retry.
			return &Result{Decision: decision}, nil
		}
	}
	result.Decision = decision
	result.Elapsed = time.Since(started)

	if result.Compacted {
		e.notifyMetrics(PhaseComplete, Metrics{
			OriginalTokens:  result.OriginalTokens,
			CompactedTokens: result.CompactedTokens,
			ReductionPct:    result.ReductionPct,
			Elapsed:         result.Elapsed,
		}, "%s: %s -> %s tokens (%.1f%% reduction)",
			result.Strategy, groupInt(result.OriginalTokens), groupInt(result.CompactedTokens), result.ReductionPct)
	}
	return result, nil
}

// Compact runs an unconditional compaction, skipping the threshold check.
// Used by the CLI's manual compact command.
func (e *Engine) Compact(ctx context.Context, conversationID, modelID string) (*Result, error) {
	settings := e.policy.Resolve(conversationID)
	model := settings.Model
	if model == "" {
		model = modelID
	}
	if model == "" {
		return nil, ErrNoModel
	}
	invoker, err := e.invokers(model)
	if err != nil {
		return nil, fmt.Errorf("failed to build invoker for %s: %w", model, err)
	}
	lims := e.limits.Resolve(model, invoker.Provider())
	result, err := e.compact(ctx, conversationID, invoker, lims, settings)
	if err != nil {
		return nil, err
	}
	result.Decision = DecisionNormal
	return result, nil
}

// compact is the single-pass strategy, falling back to chunked when the
// prompt is infeasible under provider rate limits.
func (e *Engine) compact(ctx context.Context, conversationID string, invoker llm.Invoker, lims limits.ContextLimits, settings Settings) (*Result, error) {
	messages, err := e.store.Messages(ctx, conversationID, true)
	if err != nil {
		return nil, &PersistenceError{Op: "load messages", Err: err}
	}
	if len(messages) < minMessagesForCompaction {
		e.notify(PhaseProgress, "skipping compaction: only %d messages", len(messages))
		return &Result{OriginalMessages: len(messages)}, nil
	}

	originalTokens := conversation.TotalEstimatedTokens(messages)
	transcript := FormatMessages(messages)
	prompt := BuildCompactionPrompt(transcript, len(messages), originalTokens)

	guard := CheckRateLimits(ctx, invoker, prompt)
	if !guard.Feasible {
		e.notify(PhaseProgress, "%s; switching to chunked compaction", guard.Message)
		return e.compactChunked(ctx, conversationID, invoker, lims, settings, messages, originalTokens)
	}

	outputBudget := singlePassOutputBudget(originalTokens, settings.Ratio, lims.MaxOutput)
	if guard.EstimatedTokens > lims.ContextWindow-outputBudget-safetyBufferTokens {
		e.notify(PhaseWarning, "prompt (%s tokens) leaves little headroom in a %s token window",
			groupInt(guard.EstimatedTokens), groupInt(lims.ContextWindow))
	}

	e.notify(PhaseProgress, "compacting %d messages (%s tokens) via %s",
		len(messages), groupInt(originalTokens), invoker.Provider())

	compacted, err := e.invokeModel(ctx, invoker, prompt, outputBudget)
	if err != nil {
		return nil, err
	}
	if len(compacted) < minCompactedChars {
		return nil, fmt.Errorf("%w: %d chars", ErrOutputTooBrief, len(compacted))
	}

	return e.storeResults(ctx, conversationID, invoker, messages, compacted, originalTokens, lims.ContextWindow, "single-pass")
}

// invokeModel runs one summarisation call. Transport failures, provider
// errors, and empty responses come back as errors; content-length policy is
// the caller's concern.
func (e *Engine) invokeModel(ctx context.Context, invoker llm.Invoker, prompt string, maxTokens int) (string, error) {
	resp, err := invoker.Invoke(ctx, prompt, maxTokens, compactionTemperature)
	if err != nil {
		return "", fmt.Errorf("model invocation failed: %w", err)
	}
	if resp == nil {
		return "", ErrEmptyResponse
	}
	if resp.ErrorMessage != "" {
		return "", &ProviderError{Message: resp.ErrorMessage}
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// storeResults persists one successful compaction: append the marker message,
// retire the originals, record the audit row, and recompute the token total
// from what remains. Any failure here surfaces as a PersistenceError.
func (e *Engine) storeResults(ctx context.Context, conversationID string, invoker llm.Invoker, originals []conversation.Message, compacted string, originalTokens, contextWindow int, strategy string) (*Result, error) {
	compactedTokens := countTokens(ctx, invoker, compacted)
	reduction := reductionPct(originalTokens, compactedTokens)

	marker := CompactionMarker(len(originals), originalTokens, compactedTokens, contextWindow, time.Now())
	content := marker + "\n\n" + compacted

	msg := &conversation.Message{
		ConversationID: conversationID,
		Role:           "user",
		Content:        content,
		Kind:           conversation.KindCompactionMarker,
		TokenCount:     llm.EstimateTokens(content),
	}
	if _, err := e.store.Append(ctx, msg); err != nil {
		return nil, &PersistenceError{Op: "append compaction marker", Err: err}
	}

	ids := make([]int64, 0, len(originals))
	for i := range originals {
		ids = append(ids, originals[i].ID)
	}
	if err := e.store.MarkRolledUp(ctx, ids); err != nil {
		return nil, &PersistenceError{Op: "mark messages rolled up", Err: err}
	}
	if err := e.store.RecordRollup(ctx, conversationID, len(originals), compacted, originalTokens, compactedTokens); err != nil {
		return nil, &PersistenceError{Op: "record rollup", Err: err}
	}
	if _, err := e.store.RecalculateTotalTokens(ctx, conversationID); err != nil {
		return nil, &PersistenceError{Op: "recalculate token total", Err: err}
	}

	return &Result{
		Compacted:        true,
		Strategy:         strategy,
		OriginalMessages: len(originals),
		OriginalTokens:   originalTokens,
		CompactedTokens:  compactedTokens,
		ReductionPct:     reduction,
	}, nil
}

// CompactionMarker renders the header line of a compaction marker message.
// The prefix is what the transcript formatter keys recompaction off; the
// trailing field records the context window the compaction ran against.
func CompactionMarker(messageCount, originalTokens, compactedTokens, contextWindow int, at time.Time) string {
	return fmt.Sprintf("%s - Compacted at %s | %d messages | %s -> %s tokens (%.1f%% reduction) | Context: %s tokens]",
		conversation.CompactionMarkerPrefix,
		at.Format("2006-01-02 15:04:05"),
		messageCount,
		groupInt(originalTokens),
		groupInt(compactedTokens),
		reductionPct(originalTokens, compactedTokens),
		groupInt(contextWindow),
	)
}

func reductionPct(original, compacted int) float64 {
	if original <= 0 {
		return 0
	}
	pct := (1 - float64(compacted)/float64(original)) * 100
	if pct < 0 {
		return 0
	}
	return pct
}

// singlePassOutputBudget sizes the summary: ratio of the original, floored at
// minSinglePassOutput, capped by both the hard cap and the model's maximum.
func singlePassOutputBudget(originalTokens int, ratio float64, maxOutput int) int {
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	budget := int(float64(originalTokens) * ratio)
	if budget < minSinglePassOutput {
		budget = minSinglePassOutput
	}
	if budget > maxSinglePassOutput {
		budget = maxSinglePassOutput
	}
	if maxOutput > 0 && budget > maxOutput {
		budget = maxOutput
	}
	return budget
}
