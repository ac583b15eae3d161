package compact

import "sync"

// Default policy values.
const (
	DefaultThreshold          = 0.7
	DefaultEmergencyThreshold = 0.95
	DefaultRatio              = 0.3
)

// Settings is the effective policy for one conversation, produced by
// resolution; never stored or mutated.
type Settings struct {
	// Model is the compaction model override ("" = use the conversation's
	// own model).
	Model              string
	Threshold          float64
	EmergencyThreshold float64
	Ratio              float64
}

type policyOverride struct {
	model     string
	threshold *float64
	ratio     *float64
}

// PolicyStore resolves hierarchical compaction settings: a process-wide
// locked model beats per-conversation overrides, which beat the
// conversation's own model. Threshold and ratio resolve per-conversation
// override first, then configured defaults.
type PolicyStore struct {
	mu                 sync.RWMutex
	lockedModel        string
	defaultThreshold   float64
	defaultRatio       float64
	emergencyThreshold float64
	overrides          map[string]*policyOverride
}

// NewPolicyStore builds a policy store. Zero threshold/ratio values fall
// back to the package defaults. A non-empty lockedModel pins the compaction
// model process-wide.
func NewPolicyStore(lockedModel string, threshold, emergencyThreshold, ratio float64) *PolicyStore {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if emergencyThreshold <= 0 {
		emergencyThreshold = DefaultEmergencyThreshold
	}
	if ratio <= 0 {
		ratio = DefaultRatio
	}
	return &PolicyStore{
		lockedModel:        lockedModel,
		defaultThreshold:   threshold,
		defaultRatio:       ratio,
		emergencyThreshold: emergencyThreshold,
		overrides:          make(map[string]*policyOverride),
	}
}

// Locked reports whether the compaction model is pinned by configuration.
func (p *PolicyStore) Locked() bool {
	return p.lockedModel != ""
}

// LockedModel returns the pinned model, or "".
func (p *PolicyStore) LockedModel() string {
	return p.lockedModel
}

// SetModel sets a per-conversation compaction model. Returns false (and
// changes nothing) when the model is locked.
func (p *PolicyStore) SetModel(conversationID, model string) bool {
	if p.Locked() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.override(conversationID).model = model
	return true
}

// SetThreshold sets a per-conversation compaction threshold.
func (p *PolicyStore) SetThreshold(conversationID string, threshold float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.override(conversationID).threshold = &threshold
}

// SetRatio sets a per-conversation summary ratio.
func (p *PolicyStore) SetRatio(conversationID string, ratio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.override(conversationID).ratio = &ratio
}

// Reset drops the conversation's overrides, restoring configured defaults.
// A locked model is never touched.
func (p *PolicyStore) Reset(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.overrides, conversationID)
}

// Resolve computes the effective settings for a conversation.
func (p *PolicyStore) Resolve(conversationID string) Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Settings{
		Threshold:          p.defaultThreshold,
		EmergencyThreshold: p.emergencyThreshold,
		Ratio:              p.defaultRatio,
	}
	ov := p.overrides[conversationID]
	if ov != nil {
		if ov.threshold != nil {
			s.Threshold = *ov.threshold
		}
		if ov.ratio != nil {
			s.Ratio = *ov.ratio
		}
	}
	switch {
	case p.lockedModel != "":
		s.Model = p.lockedModel
	case ov != nil && ov.model != "":
		s.Model = ov.model
	}
	return s
}

// override returns (creating if needed) the override record for a
// conversation. Callers hold p.mu.
func (p *PolicyStore) override(conversationID string) *policyOverride {
	ov := p.overrides[conversationID]
	if ov == nil {
		ov = &policyOverride{}
		p.overrides[conversationID] = ov
	}
	return ov
}
