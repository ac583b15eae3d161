package compact

import "testing"

func TestPolicyDefaults(t *testing.T) {
	p := NewPolicyStore("", 0, 0, 0)
	s := p.Resolve("conv-1")
	if s.Threshold != 0.7 || s.EmergencyThreshold != 0.95 || s.Ratio != 0.3 {
		t.Errorf("defaults wrong: %+v", s)
	}
	if s.Model != "" {
		t.Errorf("no override should mean empty model, got %q", s.Model)
	}
}

func TestPolicyOverrides(t *testing.T) {
	p := NewPolicyStore("", 0.7, 0.95, 0.3)
	p.SetThreshold("conv-1", 0.5)
	p.SetRatio("conv-1", 0.2)
	if !p.SetModel("conv-1", "small-model") {
		t.Fatal("SetModel must succeed when unlocked")
	}

	s := p.Resolve("conv-1")
	if s.Threshold != 0.5 || s.Ratio != 0.2 || s.Model != "small-model" {
		t.Errorf("overrides not applied: %+v", s)
	}

	// Overrides are per-conversation.
	other := p.Resolve("conv-2")
	if other.Threshold != 0.7 || other.Model != "" {
		t.Errorf("override leaked to another conversation: %+v", other)
	}
}

func TestPolicyReset(t *testing.T) {
	p := NewPolicyStore("", 0.7, 0.95, 0.3)
	p.SetThreshold("conv-1", 0.4)
	p.SetModel("conv-1", "small-model")
	p.Reset("conv-1")

	s := p.Resolve("conv-1")
	if s.Threshold != 0.7 || s.Model != "" {
		t.Errorf("reset did not restore defaults: %+v", s)
	}
}

func TestPolicyLockedModel(t *testing.T) {
	p := NewPolicyStore("pinned", 0, 0, 0)
	if !p.Locked() || p.LockedModel() != "pinned" {
		t.Fatal("lock state wrong")
	}
	if p.SetModel("conv-1", "other") {
		t.Error("SetModel must be refused while locked")
	}
	if s := p.Resolve("conv-1"); s.Model != "pinned" {
		t.Errorf("locked model must win, got %q", s.Model)
	}

	// Reset clears overrides but never the lock.
	p.SetThreshold("conv-1", 0.5)
	p.Reset("conv-1")
	if s := p.Resolve("conv-1"); s.Model != "pinned" {
		t.Errorf("reset must not clear the lock, got %q", s.Model)
	}
}
