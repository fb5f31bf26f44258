package types

import "time"

// Capability is a declared skill an agent can perform, used to rank
// handoff candidates.
type Capability string

// Well-known capabilities of the coding-assistant agent roles.
const (
	CapabilityArchitect Capability = "architect"
	CapabilityCode      Capability = "code"
	CapabilityReview    Capability = "review"
	CapabilityTest      Capability = "test"
	CapabilityDebug     Capability = "debug"
	CapabilityDocs      Capability = "docs"
)

// AgentDescriptor describes a registered agent: its declared capabilities,
// current workload and capacity, trust score, and last heartbeat time. It is
// owned by the capability registry and mutated only through it.
type AgentDescriptor struct {
	AgentID      string       `json:"agent_id"`
	Capabilities []Capability `json:"capabilities"`
	Workload     int          `json:"workload"`
	Capacity     int          `json:"capacity"`
	TrustScore   float64      `json:"trust_score"`
	LastSeen     time.Time    `json:"last_seen"`
}

// HasCapability reports whether the agent declares the given capability.
func (d AgentDescriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CapabilityMatchRatio returns the fraction of required capabilities the
// agent declares, in [0,1]. An empty requirement matches fully.
func (d AgentDescriptor) CapabilityMatchRatio(required []Capability) float64 {
	if len(required) == 0 {
		return 1.0
	}
	matched := 0
	for _, want := range required {
		if d.HasCapability(want) {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

// LoadFactor returns workload/capacity clamped to [0,1]. A zero-capacity
// agent is considered fully loaded.
func (d AgentDescriptor) LoadFactor() float64 {
	if d.Capacity <= 0 {
		return 1.0
	}
	f := float64(d.Workload) / float64(d.Capacity)
	if f > 1.0 {
		return 1.0
	}
	if f < 0 {
		return 0
	}
	return f
}

// Clone returns a deep copy of the descriptor.
func (d AgentDescriptor) Clone() AgentDescriptor {
	out := d
	out.Capabilities = make([]Capability, len(d.Capabilities))
	copy(out.Capabilities, d.Capabilities)
	return out
}
