package types

import (
	"encoding/json"
	"time"
)

// Decision records one entry in a task's history: who decided what, why,
// and with what confidence.
type Decision struct {
	AgentID    string    `json:"agent_id"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// TaskContext is the transferable state of a task. Version is the invariant
// anchor for state synchronization: it is strictly increasing per task, and
// a receiver never accepts a context with a version lower than its last-seen
// value. Payload is opaque to the core; it may embed references (for example
// a memory-snapshot id) that external subsystems resolve independently.
type TaskContext struct {
	TaskID       string          `json:"task_id"`
	OwnerAgentID string          `json:"owner_agent_id"`
	Confidence   float64         `json:"confidence"`
	History      []Decision      `json:"history,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Version      int64           `json:"version"`
}

// Clone returns a deep copy of the context.
func (c TaskContext) Clone() TaskContext {
	out := c
	out.History = make([]Decision, len(c.History))
	copy(out.History, c.History)
	if c.Payload != nil {
		out.Payload = make(json.RawMessage, len(c.Payload))
		copy(out.Payload, c.Payload)
	}
	return out
}
