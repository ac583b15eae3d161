package compact

import (
	"errors"
	"fmt"
)

// Sentinel errors for compaction attempt failures. All of these leave the
// original messages untouched.
var (
	// ErrNoModel means no model could be resolved for the compaction call.
	ErrNoModel = errors.New("no model selected for compaction")
	// ErrEmptyResponse means the provider returned no usable content.
	ErrEmptyResponse = errors.New("no content in model response")
	// ErrOutputTooBrief means the compacted content failed the minimum
	// length check and was discarded.
	ErrOutputTooBrief = errors.New("compacted content too brief")
)

// InfeasibleError reports that a request was rejected before being sent
// because its estimated size exceeds the provider's per-minute input token
// limit. It is a sizing verdict, not a transport failure; the caller falls
// back to chunked compaction.
type InfeasibleError struct {
	EstimatedTokens int
	Limit           int
	Provider        string
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("request (%s tokens) exceeds %s rate limit (%s tokens/minute)",
		groupInt(e.EstimatedTokens), e.Provider, groupInt(e.Limit))
}

// ProviderError reports an error the provider embedded in an otherwise
// well-formed response.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string {
	return "provider error: " + e.Message
}

// PersistenceError wraps a storage collaborator failure. These propagate to
// the caller; they are never swallowed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
