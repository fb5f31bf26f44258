package types

// Mode selects how autonomously an agent operates on a task and when the
// orchestrator considers handing the task off. Modes form a closed set; new
// behavior is added by extending the table below, never by patching agent
// logic at runtime.
type Mode string

const (
	ModeCode      Mode = "code"
	ModeArchitect Mode = "architect"
	ModeAsk       Mode = "ask"
	ModeDebug     Mode = "debug"
)

// ModeBehavior is the strategy entry for a mode: how autonomous the owning
// agent is and below which confidence the orchestrator triggers a handoff.
type ModeBehavior struct {
	Autonomy         float64 `json:"autonomy"`
	HandoffThreshold float64 `json:"handoff_threshold"`
}

var modeBehaviors = map[Mode]ModeBehavior{
	ModeCode:      {Autonomy: 0.8, HandoffThreshold: 0.4},
	ModeArchitect: {Autonomy: 0.6, HandoffThreshold: 0.5},
	ModeAsk:       {Autonomy: 0.3, HandoffThreshold: 0.6},
	ModeDebug:     {Autonomy: 0.7, HandoffThreshold: 0.45},
}

// BehaviorFor returns the behavior table entry for the mode. Unknown modes
// fall back to ModeCode semantics.
func BehaviorFor(m Mode) ModeBehavior {
	if b, ok := modeBehaviors[m]; ok {
		return b
	}
	return modeBehaviors[ModeCode]
}

// Valid reports whether m is a member of the closed mode set.
func (m Mode) Valid() bool {
	_, ok := modeBehaviors[m]
	return ok
}
