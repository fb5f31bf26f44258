package types

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types published by the coordination core. Consumers
// subscribe read-only; the core never reacts to its own lifecycle events.
const (
	EventHandoffStarted  = "handoff.started"
	EventHandoffAccepted = "handoff.accepted"
	EventHandoffFallback = "handoff.fallback"

	EventConsensusOpened   = "consensus.opened"
	EventConsensusResolved = "consensus.resolved"

	EventHandshakeAccepted   = "handshake.accepted"
	EventHandshakeRejected   = "handshake.rejected"
	EventHandshakeExpired    = "handshake.expired"
	EventHandshakeTerminated = "handshake.terminated"

	EventTransferCompleted = "sync.transfer.completed"
	EventTransferFailed    = "sync.transfer.failed"

	EventAgentRegistered   = "registry.agent.registered"
	EventAgentDeregistered = "registry.agent.deregistered"
	EventAgentEvicted      = "registry.agent.evicted"
	EventAgentUpdated      = "registry.agent.updated"

	// EventError is the prefix for error events; the full type is
	// "error." + lower-cased error code, e.g. "error.handshake_timeout".
	EventError = "error."
)

// Event is the unit of communication on the event bus. Events are immutable
// once published and are discarded after the bus TTL if unconsumed.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(eventType, source string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// WithCorrelation returns a copy of the event carrying the given correlation
// id. Events sharing a correlation id are delivered to a given subscriber in
// publish order.
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}
