package compact

import (
	"fmt"
	"time"
)

// Phase labels a progress notification.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseProgress Phase = "progress"
	PhaseWarning  Phase = "warning"
	PhaseError    Phase = "error"
	PhaseComplete Phase = "complete"
)

// Metrics accompanies complete/warning notifications.
type Metrics struct {
	OriginalTokens  int           `json:"original_tokens"`
	CompactedTokens int           `json:"compacted_tokens"`
	ReductionPct    float64       `json:"reduction_pct"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Notification is one fire-and-forget progress event. Sinks must not block;
// the engine ignores anything a sink does.
type Notification struct {
	Phase   Phase
	Message string
	Metrics *Metrics
}

// ProgressSink receives advisory progress notifications. Optional: a nil
// sink is valid and has no effect on engine behavior.
type ProgressSink interface {
	Notify(n Notification)
}

// LogSink prints notifications as timestamped lines.
// Format: "15:04:05.000 [compact] phase: message"
type LogSink struct{}

func (LogSink) Notify(n Notification) {
	fmt.Printf("%s [compact] %s: %s\n", time.Now().Format("15:04:05.000"), n.Phase, n.Message)
}
