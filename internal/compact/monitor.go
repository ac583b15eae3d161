package compact

// Decision is the outcome of a threshold check.
type Decision int

const (
	// DecisionNone: usage is below the compaction threshold.
	DecisionNone Decision = iota
	// DecisionDeferred: compaction is due but the conversation is inside a
	// tool-use loop; compacting now would split a tool call from its result.
	DecisionDeferred
	// DecisionNormal: usage crossed the compaction threshold.
	DecisionNormal
	// DecisionEmergency: usage crossed the emergency threshold. Fires even
	// mid tool-use loop.
	DecisionEmergency
)

func (d Decision) String() string {
	switch d {
	case DecisionDeferred:
		return "deferred"
	case DecisionNormal:
		return "normal"
	case DecisionEmergency:
		return "emergency"
	default:
		return "none"
	}
}

// Evaluate applies the threshold decision table. Pure function; the emergency
// check runs first and ignores the tool-use deferral.
func Evaluate(currentTokens, contextWindow int, threshold, emergencyThreshold float64, inToolUseLoop bool) Decision {
	emergencyTokens := int(float64(contextWindow) * emergencyThreshold)
	if currentTokens >= emergencyTokens {
		return DecisionEmergency
	}
	thresholdTokens := int(float64(contextWindow) * threshold)
	if currentTokens <= thresholdTokens {
		return DecisionNone
	}
	if inToolUseLoop {
		return DecisionDeferred
	}
	return DecisionNormal
}
