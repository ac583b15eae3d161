// Package conversation defines the message model shared by the compaction
// engine and its storage backends. Content is classified into an explicit
// kind once at load time; consumers switch on Kind instead of re-sniffing
// string prefixes.
package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// CharsPerToken is the fallback estimate used when a message carries no
// recorded token count.
const CharsPerToken = 4

// Textual prefixes of synthetic messages written by the engine. The
// transcript formatter keys off these when a compacted conversation is
// compacted again.
const (
	CompactionMarkerPrefix = "[COMPACTED CONTEXT"
	PriorSummaryPrefix     = "[Summary of previous conversation]"
)

// ContentKind identifies what a message's content actually is.
type ContentKind int

const (
	KindPlainText ContentKind = iota
	KindToolUse
	KindToolResults
	KindCompactionMarker
	KindPriorSummary
)

// Message is one entry in a conversation transcript.
type Message struct {
	ID             int64           `json:"id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"` // user, assistant, system, tool
	Content        string          `json:"content,omitempty"`
	Kind           ContentKind     `json:"-"`
	ToolCalls      json.RawMessage `json:"tool_calls,omitempty"`
	ToolResults    json.RawMessage `json:"tool_results,omitempty"`
	TokenCount     int             `json:"token_count"`
	RolledUp       bool            `json:"rolled_up,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ToolCall represents a tool invocation issued by the assistant.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the result of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Rollup is the audit record left behind by one compaction or truncation.
type Rollup struct {
	ID                   int64     `json:"id"`
	ConversationID       string    `json:"conversation_id"`
	OriginalMessageCount int       `json:"original_message_count"`
	Content              string    `json:"content"`
	OriginalTokens       int       `json:"original_tokens"`
	CompactedTokens      int       `json:"compacted_tokens"`
	CreatedAt            time.Time `json:"created_at"`
}

// Classify determines the content kind of a message. Called once when a
// message is loaded or constructed.
func Classify(m *Message) ContentKind {
	switch {
	case strings.HasPrefix(m.Content, CompactionMarkerPrefix):
		return KindCompactionMarker
	case strings.HasPrefix(m.Content, PriorSummaryPrefix):
		return KindPriorSummary
	case len(m.ToolResults) > 0:
		return KindToolResults
	case m.Role == "assistant" && len(m.ToolCalls) > 0:
		return KindToolUse
	default:
		return KindPlainText
	}
}

// EstimatedTokens returns the recorded token count, or a chars/4 estimate
// over content and tool payloads when none was recorded.
func (m *Message) EstimatedTokens() int {
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	chars := len(m.Content) + len(m.ToolCalls) + len(m.ToolResults)
	return chars / CharsPerToken
}

// TotalEstimatedTokens sums EstimatedTokens over a message slice.
func TotalEstimatedTokens(messages []Message) int {
	total := 0
	for i := range messages {
		total += messages[i].EstimatedTokens()
	}
	return total
}
