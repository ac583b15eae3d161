package compact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loopworks/condense/internal/conversation"
)

// Per-message caps applied when rendering a transcript. The marker preview
// cap keeps recompaction prompts from re-growing unboundedly across repeated
// rollups.
const (
	markerPreviewChars     = 2000
	toolResultPreviewChars = 500
	plainMessageChars      = 3000
	maxToolParams          = 3
	toolParamValueChars    = 50
	toolIDPrefixChars      = 8
)

// FormatMessages renders an ordered message list into one readable
// transcript. Output is deterministic: the same message list always produces
// the same bytes.
func FormatMessages(messages []conversation.Message) string {
	var lines []string
	for i := range messages {
		lines = append(lines, formatMessage(&messages[i])...)
	}
	return strings.Join(lines, "\n")
}

func formatMessage(m *conversation.Message) []string {
	role := strings.ToUpper(m.Role)
	if role == "" {
		role = "UNKNOWN"
	}
	ts := formatTimestamp(m.CreatedAt)

	switch m.Kind {
	case conversation.KindCompactionMarker:
		return formatCompactionMarker(m.Content, ts)
	case conversation.KindToolResults:
		return formatToolResults(m, role, ts)
	case conversation.KindToolUse:
		if lines := formatToolUse(m, role, ts); lines != nil {
			return lines
		}
		return formatPlain(m.Content, role, ts)
	case conversation.KindPriorSummary:
		return []string{
			"\n--- PREVIOUS SUMMARY" + ts + " ---",
			m.Content,
			"--- END PREVIOUS SUMMARY ---\n",
		}
	default:
		return formatPlain(m.Content, role, ts)
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return " [" + t.Format("2006-01-02 15:04") + "]"
}

func formatCompactionMarker(content, ts string) []string {
	preview := content
	if utf8.RuneCountInString(preview) > markerPreviewChars {
		preview = firstRunes(preview, markerPreviewChars) + "..."
	}
	return []string{
		"\n--- PREVIOUS COMPACTION" + ts + " ---",
		"[Previous conversation was compacted - key points preserved below]",
		preview,
		"--- END PREVIOUS COMPACTION ---\n",
	}
}

func formatToolResults(m *conversation.Message, role, ts string) []string {
	lines := []string{fmt.Sprintf("\n[%s]%s Tool Results:", role, ts)}

	var results []conversation.ToolResult
	if err := json.Unmarshal(m.ToolResults, &results); err != nil {
		lines = append(lines, fmt.Sprintf("  [Raw tool results - %d chars]", len(m.ToolResults)))
		return lines
	}
	for i, r := range results {
		id := r.ToolCallID
		if id == "" {
			id = "unknown"
		} else if len(id) > toolIDPrefixChars {
			id = id[:toolIDPrefixChars]
		}
		content := r.Content
		if utf8.RuneCountInString(content) > toolResultPreviewChars {
			content = firstRunes(content, toolResultPreviewChars) + "... [truncated]"
		}
		lines = append(lines, fmt.Sprintf("  Result %d (tool:%s): %s", i+1, id, content))
	}
	return lines
}

// formatToolUse renders an assistant message with structured tool calls.
// Returns nil when the tool-call payload cannot be decoded.
func formatToolUse(m *conversation.Message, role, ts string) []string {
	var calls []conversation.ToolCall
	if err := json.Unmarshal(m.ToolCalls, &calls); err != nil {
		return nil
	}

	var lines []string
	if m.Content != "" {
		lines = append(lines, fmt.Sprintf("\n[%s]%s", role, ts), m.Content)
	}
	if len(calls) > 0 {
		rendered := make([]string, 0, len(calls))
		for _, call := range calls {
			name := call.Name
			if name == "" {
				name = "unknown"
			}
			rendered = append(rendered, name+"("+summarizeToolInput(call.Input)+")")
		}
		lines = append(lines, "[Tool calls: "+strings.Join(rendered, ", ")+"]")
	}
	return lines
}

func formatPlain(content, role, ts string) []string {
	lines := []string{fmt.Sprintf("\n[%s]%s", role, ts)}
	if runes := utf8.RuneCountInString(content); runes > plainMessageChars {
		remaining := runes - plainMessageChars
		lines = append(lines, fmt.Sprintf("%s\n... [message truncated, %d more chars]",
			firstRunes(content, plainMessageChars), remaining))
	} else {
		lines = append(lines, content)
	}
	return lines
}

// summarizeToolInput renders up to maxToolParams parameters as "key=value"
// with a "+N more" suffix. Keys are read from the JSON in document order so
// the rendering is reproducible.
func summarizeToolInput(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}

	dec := json.NewDecoder(bytes.NewReader(input))
	tok, err := dec.Token()
	if err != nil {
		return ""
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ""
	}

	var parts []string
	total := 0
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		total++
		if total > maxToolParams {
			continue
		}
		value := rawToString(raw)
		if utf8.RuneCountInString(value) > toolParamValueChars {
			value = firstRunes(value, toolParamValueChars) + "..."
		}
		parts = append(parts, key+"="+value)
	}

	if total > maxToolParams {
		parts = append(parts, fmt.Sprintf("...+%d more", total-maxToolParams))
	}
	return strings.Join(parts, ", ")
}

func rawToString(raw json.RawMessage) string {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
