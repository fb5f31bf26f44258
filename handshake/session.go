package handshake

import (
	"sync"
	"time"

	"github.com/lapa-ai/nexus/types"
)

// State is a handshake session state. Sessions move through the machine
// monotonically and never backward:
//
//	PROPOSED -> ACCEPTED | REJECTED | EXPIRED
//	ACCEPTED -> ACTIVE | TERMINATED | EXPIRED
//	ACTIVE   -> TERMINATED | EXPIRED
type State string

const (
	StateProposed   State = "proposed"
	StateAccepted   State = "accepted"
	StateRejected   State = "rejected"
	StateExpired    State = "expired"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

var validTransitions = map[State][]State{
	StateProposed: {StateAccepted, StateRejected, StateExpired},
	StateAccepted: {StateActive, StateTerminated, StateExpired},
	StateActive:   {StateTerminated, StateExpired},
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Rejection reason codes.
const (
	ReasonVersionMismatch  = "version-mismatch"
	ReasonCapacityExceeded = "capacity-exceeded"
	ReasonCapabilityGap    = "capability-gap"
	ReasonTargetDeclined   = "target-declined"
	ReasonTargetOffline    = "target-offline"
)

// Request asks a target agent to take over a task. It exists only for the
// duration of the negotiation.
type Request struct {
	SourceAgentID        string             `json:"source_agent_id"`
	TargetAgentID        string             `json:"target_agent_id"`
	TaskID               string             `json:"task_id"`
	RequiredCapabilities []types.Capability `json:"required_capabilities"`
	ProtocolVersion      string             `json:"protocol_version"`
	Deadline             time.Time          `json:"deadline"`
}

// Response is the outcome of a negotiation.
type Response struct {
	Accepted    bool   `json:"accepted"`
	HandshakeID string `json:"handshake_id"`
	Reason      string `json:"reason,omitempty"`
}

// Session is the binding agreement produced by an accepted handshake. It is
// owned jointly by both agents until the task completes or the session
// expires.
type Session struct {
	HandshakeID   string    `json:"handshake_id"`
	SourceAgentID string    `json:"source_agent_id"`
	TargetAgentID string    `json:"target_agent_id"`
	TaskID        string    `json:"task_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Reason        string    `json:"reason,omitempty"`

	mu    sync.Mutex
	state State
	// claimed marks that the session holds a workload slot on the target.
	claimed bool
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to next, enforcing the monotonic machine.
// It returns the capacity-release decision: true when the session held a
// claim and just reached a terminal state other than ACTIVE.
func (s *Session) transition(next State) (release bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := false
	for _, candidate := range validTransitions[s.state] {
		if candidate == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, types.NewErrorf(types.ErrInvalidTransition,
			"handshake %s: cannot transition %s -> %s", s.HandshakeID, s.state, next)
	}

	s.state = next
	if next == StateRejected || next == StateExpired || next == StateTerminated {
		release = s.claimed
		s.claimed = false
	}
	return release, nil
}
