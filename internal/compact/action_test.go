package compact

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/loopworks/condense/internal/conversation"
	"github.com/loopworks/condense/internal/limits"
	"github.com/loopworks/condense/internal/llm"
)

func actionMessages(count, tokensEach int) []conversation.Message {
	var out []conversation.Message
	for i := 0; i < count; i++ {
		out = append(out, conversation.Message{
			ConversationID: "action-1",
			Role:           "assistant",
			Content:        strings.Repeat("w", tokensEach*4),
			TokenCount:     tokensEach,
		})
	}
	return out
}

func actionLimits() limits.ContextLimits {
	return limits.ContextLimits{ContextWindow: 1000, MaxOutput: 8192}
}

func TestActionCompactorBelowThreshold(t *testing.T) {
	inv := &fakeInvoker{response: validSummary()}
	ac := NewActionCompactor(inv, actionLimits())

	messages := actionMessages(6, 50) // 300 of 1000, under 0.6
	out, compacted := ac.MaybeCompact(context.Background(), messages, false)
	if compacted {
		t.Error("below-threshold context must not be compacted")
	}
	if len(out) != 6 || len(inv.calls) != 0 {
		t.Errorf("context changed without compaction: %d messages, %d calls", len(out), len(inv.calls))
	}
}

func TestActionCompactorCompacts(t *testing.T) {
	inv := &fakeInvoker{response: validSummary()}
	ac := NewActionCompactor(inv, actionLimits())

	messages := actionMessages(7, 100) // 700 of 1000, over 0.6
	out, compacted := ac.MaybeCompact(context.Background(), messages, false)
	if !compacted {
		t.Fatal("expected compaction")
	}
	if len(out) != 1 {
		t.Fatalf("expected context collapsed to 1 message, got %d", len(out))
	}
	if out[0].Role != "user" {
		t.Errorf("collapsed message role = %q, want user", out[0].Role)
	}
	if !strings.HasPrefix(out[0].Content, conversation.CompactionMarkerPrefix) {
		t.Errorf("collapsed message missing marker prefix: %q", out[0].Content[:40])
	}
	if !strings.Contains(out[0].Content, "7 messages compacted") {
		t.Errorf("marker missing count: %q", out[0].Content[:80])
	}
	if out[0].ConversationID != "action-1" {
		t.Errorf("conversation ID dropped")
	}
	if len(inv.calls) != 1 || inv.calls[0].maxTokens != 4096 {
		t.Errorf("expected one call at 4096 output tokens, got %+v", inv.calls)
	}
}

func TestActionCompactorToolLoopDeferral(t *testing.T) {
	inv := &fakeInvoker{response: validSummary()}
	ac := NewActionCompactor(inv, actionLimits())

	// 700 of 1000: over 0.6 but under the 0.9 * 0.85 override line.
	messages := actionMessages(7, 100)
	if _, compacted := ac.MaybeCompact(context.Background(), messages, true); compacted {
		t.Error("tool loop must defer compaction below the override line")
	}

	// 800 of 1000: past 765, the loop no longer defers.
	messages = actionMessages(8, 100)
	if _, compacted := ac.MaybeCompact(context.Background(), messages, true); !compacted {
		t.Error("tool loop must not defer near the emergency line")
	}
}

func TestActionCompactorFailureKeepsOriginals(t *testing.T) {
	inv := &fakeInvoker{err: errors.New("upstream unavailable")}
	ac := NewActionCompactor(inv, actionLimits())

	messages := actionMessages(7, 100)
	out, compacted := ac.MaybeCompact(context.Background(), messages, false)
	if compacted {
		t.Error("failed compaction must not report success")
	}
	if len(out) != 7 {
		t.Errorf("originals must be returned unchanged, got %d messages", len(out))
	}
}

func TestActionCompactorBriefOutputKeepsOriginals(t *testing.T) {
	inv := &fakeInvoker{response: "nope"}
	ac := NewActionCompactor(inv, actionLimits())

	messages := actionMessages(7, 100)
	out, compacted := ac.MaybeCompact(context.Background(), messages, false)
	if compacted || len(out) != 7 {
		t.Error("brief output must be rejected and the originals kept")
	}
}

func TestActionCompactorRateLimitSkip(t *testing.T) {
	inv := &fakeInvoker{
		response: validSummary(),
		limits:   llm.RateLimitInfo{HasLimits: true, InputTokensPerMinute: 100},
	}
	ac := NewActionCompactor(inv, actionLimits())

	messages := actionMessages(7, 100)
	out, compacted := ac.MaybeCompact(context.Background(), messages, false)
	if compacted || len(out) != 7 {
		t.Error("infeasible prompt must skip compaction and keep the originals")
	}
	if len(inv.calls) != 0 {
		t.Errorf("infeasible prompt must not be sent, got %d calls", len(inv.calls))
	}
}
