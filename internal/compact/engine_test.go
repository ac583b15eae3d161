package compact

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/loopworks/condense/internal/conversation"
	"github.com/loopworks/condense/internal/limits"
	"github.com/loopworks/condense/internal/llm"
)

type invokeCall struct {
	prompt      string
	maxTokens   int
	temperature float64
}

type fakeInvoker struct {
	provider     string
	limits       llm.RateLimitInfo
	response     string
	responses    []string // consumed before response
	err          error
	errorMessage string
	countErr     bool
	calls        []invokeCall
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string, maxTokens int, temperature float64) (*llm.Response, error) {
	f.calls = append(f.calls, invokeCall{prompt: prompt, maxTokens: maxTokens, temperature: temperature})
	if f.err != nil {
		return nil, f.err
	}
	if f.errorMessage != "" {
		return &llm.Response{ErrorMessage: f.errorMessage}, nil
	}
	if len(f.responses) > 0 {
		resp := f.responses[0]
		f.responses = f.responses[1:]
		return &llm.Response{Content: resp}, nil
	}
	return &llm.Response{Content: f.response}, nil
}

func (f *fakeInvoker) CountTokens(ctx context.Context, text string) (int, error) {
	if f.countErr {
		return 0, errors.New("counting not supported")
	}
	return len(text) / 4, nil
}

func (f *fakeInvoker) RateLimits() llm.RateLimitInfo { return f.limits }

func (f *fakeInvoker) Provider() string {
	if f.provider == "" {
		return "fake"
	}
	return f.provider
}

type rollupRecord struct {
	conversationID  string
	originalCount   int
	content         string
	originalTokens  int
	compactedTokens int
}

type fakeStore struct {
	messages []conversation.Message
	appended []conversation.Message
	rolledUp []int64
	rollups  []rollupRecord
	total    int
	recalced bool
	failOp   string
}

func (f *fakeStore) fail(op string) error {
	if f.failOp == op {
		return errors.New(op + " failed")
	}
	return nil
}

func (f *fakeStore) Messages(ctx context.Context, conversationID string, includeRolledUp bool) ([]conversation.Message, error) {
	if err := f.fail("messages"); err != nil {
		return nil, err
	}
	var out []conversation.Message
	for _, m := range f.messages {
		if !includeRolledUp && m.RolledUp {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) Append(ctx context.Context, msg *conversation.Message) (int64, error) {
	if err := f.fail("append"); err != nil {
		return 0, err
	}
	msg.ID = int64(len(f.messages) + len(f.appended) + 1)
	f.appended = append(f.appended, *msg)
	return msg.ID, nil
}

func (f *fakeStore) MarkRolledUp(ctx context.Context, messageIDs []int64) error {
	if err := f.fail("markRolledUp"); err != nil {
		return err
	}
	f.rolledUp = append(f.rolledUp, messageIDs...)
	marked := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		marked[id] = true
	}
	for i := range f.messages {
		if marked[f.messages[i].ID] {
			f.messages[i].RolledUp = true
		}
	}
	return nil
}

func (f *fakeStore) RecordRollup(ctx context.Context, conversationID string, originalCount int, content string, originalTokens, compactedTokens int) error {
	if err := f.fail("recordRollup"); err != nil {
		return err
	}
	f.rollups = append(f.rollups, rollupRecord{
		conversationID:  conversationID,
		originalCount:   originalCount,
		content:         content,
		originalTokens:  originalTokens,
		compactedTokens: compactedTokens,
	})
	return nil
}

func (f *fakeStore) RecalculateTotalTokens(ctx context.Context, conversationID string) (int, error) {
	if err := f.fail("recalculate"); err != nil {
		return 0, err
	}
	f.recalced = true
	total := 0
	for _, m := range f.messages {
		if !m.RolledUp {
			total += m.EstimatedTokens()
		}
	}
	for _, m := range f.appended {
		total += m.EstimatedTokens()
	}
	f.total = total
	return total, nil
}

func (f *fakeStore) TotalTokens(ctx context.Context, conversationID string) (int, error) {
	if err := f.fail("totalTokens"); err != nil {
		return 0, err
	}
	return f.total, nil
}

func storeWithMessages(count, tokensEach int) *fakeStore {
	s := &fakeStore{}
	for i := 0; i < count; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.messages = append(s.messages, conversation.Message{
			ID:             int64(i + 1),
			ConversationID: "conv-1",
			Role:           role,
			Content:        strings.Repeat("x", tokensEach*4),
			TokenCount:     tokensEach,
		})
		s.total += tokensEach
	}
	return s
}

func newTestEngine(store Store, invoker llm.Invoker, window, maxOutput int) *Engine {
	return NewEngine(store,
		func(modelID string) (llm.Invoker, error) { return invoker, nil },
		limits.Static{Limits: limits.ContextLimits{ContextWindow: window, MaxOutput: maxOutput}},
		nil,
	)
}

func validSummary() string {
	return strings.Repeat("Key decision: the parser keeps streaming. ", 10)
}

func TestCheckAndCompactBelowThreshold(t *testing.T) {
	store := storeWithMessages(6, 50) // 300 of 1000
	inv := &fakeInvoker{response: validSummary()}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != DecisionNone || result.Compacted {
		t.Errorf("expected no-op, got decision=%s compacted=%v", result.Decision, result.Compacted)
	}
	if len(inv.calls) != 0 {
		t.Errorf("expected no model calls, got %d", len(inv.calls))
	}
}

func TestCheckAndCompactDeferredInToolLoop(t *testing.T) {
	store := storeWithMessages(8, 100) // 800 of 1000, over threshold but under emergency
	inv := &fakeInvoker{response: validSummary()}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != DecisionDeferred {
		t.Errorf("expected deferred, got %s", result.Decision)
	}
	if len(inv.calls) != 0 {
		t.Errorf("deferred check must not invoke the model, got %d calls", len(inv.calls))
	}
}

func TestSinglePassCompaction(t *testing.T) {
	store := storeWithMessages(6, 150) // 900 of 1000
	inv := &fakeInvoker{response: validSummary()}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Compacted || result.Strategy != "single-pass" {
		t.Fatalf("expected single-pass compaction, got %+v", result)
	}
	if result.OriginalMessages != 6 || result.OriginalTokens != 900 {
		t.Errorf("wrong original accounting: %+v", result)
	}

	if len(inv.calls) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(inv.calls))
	}
	call := inv.calls[0]
	if call.temperature != 0.2 {
		t.Errorf("temperature = %v, want 0.2", call.temperature)
	}
	// 900 * 0.3 = 270 floors to the minimum budget.
	if call.maxTokens != 2000 {
		t.Errorf("maxTokens = %d, want 2000", call.maxTokens)
	}
	if !strings.Contains(call.prompt, "6 messages") {
		t.Errorf("prompt missing message count")
	}

	if len(store.appended) != 1 {
		t.Fatalf("expected 1 appended message, got %d", len(store.appended))
	}
	marker := store.appended[0]
	if marker.Role != "user" {
		t.Errorf("marker role = %q, want user", marker.Role)
	}
	if !strings.HasPrefix(marker.Content, conversation.CompactionMarkerPrefix) {
		t.Errorf("marker missing prefix: %q", marker.Content[:40])
	}
	if !strings.Contains(marker.Content, validSummary()[:40]) {
		t.Errorf("marker missing compacted content")
	}
	// The Context field reports the model's window, not the compacted size.
	if !strings.Contains(marker.Content, "Context: 1,000 tokens]") {
		t.Errorf("marker missing context window: %q", marker.Content)
	}

	if len(store.rolledUp) != 6 {
		t.Errorf("expected 6 messages rolled up, got %d", len(store.rolledUp))
	}
	if len(store.rollups) != 1 {
		t.Fatalf("expected 1 rollup record, got %d", len(store.rollups))
	}
	if store.rollups[0].originalTokens != 900 || store.rollups[0].originalCount != 6 {
		t.Errorf("rollup record wrong: %+v", store.rollups[0])
	}
	if !store.recalced {
		t.Error("token total was not recalculated")
	}
}

func TestTooFewMessagesIsNoop(t *testing.T) {
	store := storeWithMessages(3, 300) // 900 of 1000, but only 3 messages
	inv := &fakeInvoker{response: validSummary()}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Compacted {
		t.Error("short conversation must not be compacted")
	}
	if len(inv.calls) != 0 {
		t.Errorf("expected no model calls, got %d", len(inv.calls))
	}
}

func TestNormalTriggerFailureIsSoftNoop(t *testing.T) {
	store := storeWithMessages(6, 150) // 900 of 1000, below emergency (950)
	inv := &fakeInvoker{err: errors.New("upstream unavailable")}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", false)
	if err != nil {
		t.Fatalf("normal-trigger failure must not surface an error, got %v", err)
	}
	if result.Compacted {
		t.Error("failed compaction must not report success")
	}
	if len(store.appended) != 0 || len(store.rolledUp) != 0 || len(store.rollups) != 0 {
		t.Error("failed compaction must leave the store untouched")
	}
}

func TestBriefOutputRejected(t *testing.T) {
	store := storeWithMessages(6, 150)
	inv := &fakeInvoker{response: "too short"}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Compacted {
		t.Error("brief output must be rejected")
	}
	if len(store.appended) != 0 {
		t.Error("rejected output must not be persisted")
	}
}

func TestEmergencyFailureFallsBackToTruncation(t *testing.T) {
	store := storeWithMessages(10, 100) // 1000 of 1000, over emergency
	inv := &fakeInvoker{err: errors.New("upstream unavailable")}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Compacted || result.Strategy != "truncation" {
		t.Fatalf("expected truncation fallback, got %+v", result)
	}
	if result.Decision != DecisionEmergency {
		t.Errorf("decision = %s, want emergency", result.Decision)
	}

	// Target is 20% of 1000 = 200 tokens: the last 2 messages stay.
	if len(store.rolledUp) != 8 {
		t.Errorf("expected 8 messages dropped, got %d", len(store.rolledUp))
	}
	if len(store.appended) != 1 {
		t.Fatalf("expected truncation notice, got %d appended", len(store.appended))
	}
	if !strings.HasPrefix(store.appended[0].Content, "[CONVERSATION TRUNCATED") {
		t.Errorf("notice content wrong: %q", store.appended[0].Content[:40])
	}
	if len(store.rollups) != 1 || store.rollups[0].originalCount != 8 {
		t.Errorf("truncation audit record wrong: %+v", store.rollups)
	}
}

func TestEmergencyFiresInsideToolLoop(t *testing.T) {
	store := storeWithMessages(10, 100) // at emergency
	inv := &fakeInvoker{response: validSummary()}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != DecisionEmergency || !result.Compacted {
		t.Errorf("emergency must override the tool-loop deferral, got %+v", result)
	}
}

func TestInfeasiblePromptSwitchesToChunked(t *testing.T) {
	store := storeWithMessages(6, 150)
	inv := &fakeInvoker{
		response: validSummary(),
		limits:   llm.RateLimitInfo{HasLimits: true, InputTokensPerMinute: 100},
	}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Compacted || result.Strategy != "chunked" {
		t.Fatalf("expected chunked fallback, got %+v", result)
	}
	// Chunk size is 60 tokens and every message is 150: one chunk per
	// message, plus a combine pass for 6 summaries.
	if len(inv.calls) != 7 {
		t.Errorf("expected 7 model calls (6 chunks + combine), got %d", len(inv.calls))
	}
	if len(store.appended) != 1 || !strings.HasPrefix(store.appended[0].Content, conversation.CompactionMarkerPrefix) {
		t.Error("chunked result must persist a compaction marker")
	}
	if !strings.Contains(store.appended[0].Content, conversation.PriorSummaryPrefix) {
		t.Error("chunked summary must carry the prior-summary prefix")
	}
}

func TestChunkedSurvivesAllChunkFailures(t *testing.T) {
	store := storeWithMessages(6, 150)
	inv := &fakeInvoker{
		err:    errors.New("upstream unavailable"),
		limits: llm.RateLimitInfo{HasLimits: true, InputTokensPerMinute: 100},
	}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.Compact(context.Background(), "conv-1", "model-a")
	if err != nil {
		t.Fatalf("chunk failures must degrade to stubs, got %v", err)
	}
	if !result.Compacted || result.Strategy != "chunked" {
		t.Fatalf("expected chunked result, got %+v", result)
	}
	if len(store.appended) != 1 {
		t.Fatalf("expected 1 appended marker, got %d", len(store.appended))
	}
	content := store.appended[0].Content
	if !strings.Contains(content, "[Summary unavailable") {
		t.Errorf("stub excerpts missing from marker: %q", content)
	}
	if !strings.Contains(content, conversation.PriorSummaryPrefix) {
		t.Error("stubbed summary must still carry the prior-summary prefix")
	}
}

func TestChunkedAcceptsShortSummaries(t *testing.T) {
	store := storeWithMessages(6, 150)
	inv := &fakeInvoker{
		response: "Brief part.",
		limits:   llm.RateLimitInfo{HasLimits: true, InputTokensPerMinute: 100},
	}
	eng := newTestEngine(store, inv, 1000, 8192)

	result, err := eng.Compact(context.Background(), "conv-1", "model-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Compacted || result.Strategy != "chunked" {
		t.Fatalf("expected chunked result, got %+v", result)
	}
	// The minimum-length rejection applies to single-pass output only;
	// short chunk summaries are kept, not replaced with excerpt stubs.
	if strings.Contains(store.appended[0].Content, "[Summary unavailable") {
		t.Errorf("short chunk summaries must not be stubbed: %q", store.appended[0].Content)
	}
}

func TestPersistenceFailureSurfaces(t *testing.T) {
	store := storeWithMessages(6, 150)
	store.failOp = "markRolledUp"
	inv := &fakeInvoker{response: validSummary()}
	eng := newTestEngine(store, inv, 1000, 8192)

	_, err := eng.CheckAndCompact(context.Background(), "conv-1", "model-a", false)
	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestNoModelResolvable(t *testing.T) {
	eng := newTestEngine(&fakeStore{}, &fakeInvoker{}, 1000, 8192)
	_, err := eng.CheckAndCompact(context.Background(), "conv-1", "", false)
	if !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}

func TestLockedModelOverridesCaller(t *testing.T) {
	store := storeWithMessages(6, 150)
	inv := &fakeInvoker{response: validSummary()}
	var requested []string
	eng := NewEngine(store,
		func(modelID string) (llm.Invoker, error) {
			requested = append(requested, modelID)
			return inv, nil
		},
		limits.Static{Limits: limits.ContextLimits{ContextWindow: 1000, MaxOutput: 8192}},
		NewPolicyStore("pinned-model", 0, 0, 0),
	)

	if _, err := eng.CheckAndCompact(context.Background(), "conv-1", "caller-model", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(requested) != 1 || requested[0] != "pinned-model" {
		t.Errorf("expected pinned model to be requested, got %v", requested)
	}
}

func TestSinglePassOutputBudget(t *testing.T) {
	tests := []struct {
		name           string
		originalTokens int
		ratio          float64
		maxOutput      int
		want           int
	}{
		{"floors at minimum", 1000, 0.3, 8192, 2000},
		{"scales by ratio", 30000, 0.3, 16000, 9000},
		{"caps at hard max", 100000, 0.3, 32000, 16000},
		{"caps at model max", 30000, 0.3, 4096, 4096},
		{"zero ratio uses default", 30000, 0, 16000, 9000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := singlePassOutputBudget(tt.originalTokens, tt.ratio, tt.maxOutput)
			if got != tt.want {
				t.Errorf("singlePassOutputBudget(%d, %v, %d) = %d, want %d",
					tt.originalTokens, tt.ratio, tt.maxOutput, got, tt.want)
			}
		})
	}
}

func TestCompactionMarkerFormat(t *testing.T) {
	marker := CompactionMarker(12, 180000, 9000, 200000, timeAt("2026-08-30 10:15:00"))
	want := "[COMPACTED CONTEXT - Compacted at 2026-08-30 10:15:00 | 12 messages | 180,000 -> 9,000 tokens (95.0% reduction) | Context: 200,000 tokens]"
	if marker != want {
		t.Errorf("marker = %q\nwant     %q", marker, want)
	}
	if !strings.HasPrefix(marker, conversation.CompactionMarkerPrefix) {
		t.Error("marker must start with the recognised prefix")
	}
}

func timeAt(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}
