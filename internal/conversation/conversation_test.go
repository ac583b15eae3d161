package conversation

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want ContentKind
	}{
		{
			"plain user text",
			Message{Role: "user", Content: "hello"},
			KindPlainText,
		},
		{
			"compaction marker",
			Message{Role: "user", Content: CompactionMarkerPrefix + " - Compacted at ...]"},
			KindCompactionMarker,
		},
		{
			"prior summary",
			Message{Role: "user", Content: PriorSummaryPrefix + "\nThe user wanted X."},
			KindPriorSummary,
		},
		{
			"tool results",
			Message{Role: "tool", ToolResults: json.RawMessage(`[{"tool_call_id":"t1","content":"ok"}]`)},
			KindToolResults,
		},
		{
			"assistant tool use",
			Message{Role: "assistant", Content: "checking", ToolCalls: json.RawMessage(`[{"id":"t1","name":"read"}]`)},
			KindToolUse,
		},
		{
			"user with tool calls stays plain",
			Message{Role: "user", Content: "hi", ToolCalls: json.RawMessage(`[{}]`)},
			KindPlainText,
		},
		{
			"marker beats tool results",
			Message{Role: "user", Content: CompactionMarkerPrefix + "]", ToolResults: json.RawMessage(`[]`)},
			KindCompactionMarker,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(&tt.msg); got != tt.want {
				t.Errorf("Classify() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEstimatedTokens(t *testing.T) {
	m := Message{TokenCount: 42, Content: "this is ignored when a count exists"}
	if got := m.EstimatedTokens(); got != 42 {
		t.Errorf("recorded count ignored: %d", got)
	}

	m = Message{
		Content:     "12345678",                   // 8 chars
		ToolCalls:   json.RawMessage(`[{"a":1}]`), // 9 chars
		ToolResults: json.RawMessage(`[{"b":2}]`), // 9 chars
	}
	if got := m.EstimatedTokens(); got != 6 {
		t.Errorf("estimate = %d, want 6 (26 chars / 4)", got)
	}
}

func TestTotalEstimatedTokens(t *testing.T) {
	messages := []Message{
		{TokenCount: 100},
		{TokenCount: 50},
		{Content: "12345678"}, // 2 estimated
	}
	if got := TotalEstimatedTokens(messages); got != 152 {
		t.Errorf("total = %d, want 152", got)
	}
	if TotalEstimatedTokens(nil) != 0 {
		t.Error("empty slice must total zero")
	}
}
