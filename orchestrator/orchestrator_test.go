package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lapa-ai/nexus/bus"
	"github.com/lapa-ai/nexus/consensus"
	"github.com/lapa-ai/nexus/handshake"
	"github.com/lapa-ai/nexus/internal/retry"
	"github.com/lapa-ai/nexus/registry"
	"github.com/lapa-ai/nexus/statesync"
	"github.com/lapa-ai/nexus/types"
)

// harness wires a full coordination stack around one orchestrator.
type harness struct {
	bus    *bus.Bus
	reg    *registry.Registry
	engine *handshake.Engine
	sync   *statesync.Synchronizer
	orch   *Orchestrator

	mu     sync.Mutex
	events []types.Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{}
	h.bus = bus.New(bus.Config{QueueSize: 1024, MaxInFlight: 16}, nil, nil)
	t.Cleanup(h.bus.Close)

	_, err := h.bus.Subscribe("**", func(_ context.Context, ev types.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})
	require.NoError(t, err)

	h.reg = registry.New(registry.DefaultConfig(), nil, nil, h.bus)
	t.Cleanup(h.reg.Close)

	hsCfg := handshake.DefaultConfig()
	hsCfg.DefaultDeadline = 30 * time.Millisecond
	hsCfg.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	h.engine = handshake.NewEngine(hsCfg, h.reg, nil, nil, h.bus)
	t.Cleanup(h.engine.Close)

	h.sync = statesync.NewSynchronizer(statesync.DefaultConfig(), statesync.NewStore(), nil, nil, h.bus)

	coord := consensus.NewCoordinator(consensus.DefaultConfig(), h.reg, nil, nil, h.bus)

	h.orch, err = New(cfg, h.reg, h.engine, h.sync, coord, h.bus, nil, nil)
	require.NoError(t, err)
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) register(t *testing.T, id string, caps []types.Capability, trust float64) {
	t.Helper()
	require.NoError(t, h.reg.Register(types.AgentDescriptor{
		AgentID:      id,
		Capabilities: caps,
		Capacity:     4,
		TrustScore:   trust,
	}))
}

func (h *harness) eventsOfType(eventType string) []types.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.Event
	for _, ev := range h.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) waitForEvent(t *testing.T, eventType string) types.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := h.eventsOfType(eventType); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s not observed", eventType)
	return types.Event{}
}

// Confidence collapse on agent A moves the task to the top-ranked capable
// candidate B, with ownership and context version advancing.
func TestLowConfidenceTriggersHandoff(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	code := []types.Capability{types.CapabilityCode}
	h.register(t, "agent-a", code, 0.5)
	h.register(t, "agent-b", code, 0.9)

	require.NoError(t, h.orch.StartTask("task-1", "agent-a", types.ModeCode, nil))
	before, err := h.sync.Store().Get("task-1")
	require.NoError(t, err)

	// 0.3 < 0.4, the code-mode handoff threshold.
	require.NoError(t, h.orch.ReportConfidence(context.Background(), "task-1", 0.3))

	tc, err := h.sync.Store().Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-b", tc.OwnerAgentID)
	assert.Greater(t, tc.Version, before.Version)

	ev := h.waitForEvent(t, types.EventHandoffAccepted)
	assert.Equal(t, "agent-a", ev.Payload["from"])
	assert.Equal(t, "agent-b", ev.Payload["to"])
	assert.Equal(t, "task-1", ev.CorrelationID)

	handoffs, err := h.orch.Handoffs("task-1")
	require.NoError(t, err)
	assert.Equal(t, 1, handoffs)

	status, err := h.orch.Status("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, status)
}

func TestConfidenceAboveThresholdKeepsOwner(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	code := []types.Capability{types.CapabilityCode}
	h.register(t, "agent-a", code, 0.5)
	h.register(t, "agent-b", code, 0.9)

	require.NoError(t, h.orch.StartTask("task-1", "agent-a", types.ModeCode, nil))
	require.NoError(t, h.orch.ReportConfidence(context.Background(), "task-1", 0.75))

	tc, err := h.sync.Store().Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", tc.OwnerAgentID)
	assert.Empty(t, h.eventsOfType(types.EventHandoffStarted))
}

// Candidate B never answers the handshake; after the retry budget the
// orchestrator moves to next-ranked C, which accepts.
func TestTimeoutFallsBackToNextCandidate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	code := []types.Capability{types.CapabilityCode}
	h.register(t, "agent-a", code, 0.5)
	h.register(t, "agent-b", code, 0.9) // ranked above C by trust
	h.register(t, "agent-c", code, 0.6)

	h.engine.RegisterResponder("agent-b", handshake.ResponderFunc(
		func(ctx context.Context, _ *handshake.Request) (bool, string, error) {
			<-ctx.Done()
			return false, "", ctx.Err()
		}))

	require.NoError(t, h.orch.StartTask("task-1", "agent-a", types.ModeCode, nil))
	require.NoError(t, h.orch.ReportConfidence(context.Background(), "task-1", 0.2))

	tc, err := h.sync.Store().Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-c", tc.OwnerAgentID)

	ev := h.waitForEvent(t, types.EventHandoffAccepted)
	assert.Equal(t, "agent-c", ev.Payload["to"])

	// Each timed-out attempt against B surfaced as an expired session, and
	// the exhausted retry budget as a timeout error event.
	h.waitForEvent(t, types.EventHandshakeExpired)
	h.waitForEvent(t, types.ErrHandshakeTimeout.EventType())
	assert.Len(t, h.eventsOfType(types.EventHandshakeExpired), 3)
}

func TestNoCandidatesFallsBackToOwner(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, "agent-a", []types.Capability{types.CapabilityCode}, 0.5)

	require.NoError(t, h.orch.StartTask("task-1", "agent-a", types.ModeCode, nil))

	err := h.orch.ReportConfidence(context.Background(), "task-1", 0.1)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoCandidates, types.GetErrorCode(err))

	tc, err := h.sync.Store().Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", tc.OwnerAgentID, "degraded continuation keeps the owner")

	ev := h.waitForEvent(t, types.EventHandoffFallback)
	assert.Equal(t, "agent-a", ev.Payload["owner"])

	status, err := h.orch.Status("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOwned, status)
}

func TestHandoffCeilingFailsClosed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandoffCeiling = 1
	h := newHarness(t, cfg)
	code := []types.Capability{types.CapabilityCode}
	h.register(t, "agent-a", code, 0.5)
	h.register(t, "agent-b", code, 0.9)

	require.NoError(t, h.orch.StartTask("task-1", "agent-a", types.ModeCode, nil))
	require.NoError(t, h.orch.ReportConfidence(context.Background(), "task-1", 0.2))

	err := h.orch.ReportConfidence(context.Background(), "task-1", 0.2)
	require.Error(t, err)
	assert.Equal(t, types.ErrHandoffCeilingExceeded, types.GetErrorCode(err))

	status, err := h.orch.Status("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, status)

	h.waitForEvent(t, types.ErrHandoffCeilingExceeded.EventType())

	// A halted task accepts no further coordination.
	err = h.orch.SignalScopeComplete(context.Background(), "task-1", types.ModeCode)
	assert.Equal(t, types.ErrInvalidTransition, types.GetErrorCode(err))
}

func TestDelegateMovesTaskToCapableAgent(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, "agent-a", []types.Capability{types.CapabilityCode}, 0.5)
	h.register(t, "agent-docs", []types.Capability{types.CapabilityDocs}, 0.5)

	require.NoError(t, h.orch.StartTask("task-1", "agent-a", types.ModeCode, nil))

	tc, err := h.orch.Delegate(context.Background(), "task-1", types.CapabilityDocs)
	require.NoError(t, err)
	assert.Equal(t, "agent-docs", tc.OwnerAgentID)
}

func TestScopeCompleteHandsOffToNextMode(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, "architect", []types.Capability{types.CapabilityArchitect}, 0.5)
	h.register(t, "coder", []types.Capability{types.CapabilityCode}, 0.5)

	require.NoError(t, h.orch.StartTask("task-1", "architect", types.ModeArchitect, nil))
	require.NoError(t, h.orch.SignalScopeComplete(context.Background(), "task-1", types.ModeCode))

	tc, err := h.sync.Store().Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, "coder", tc.OwnerAgentID)
}

func TestCompleteReleasesTask(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.register(t, "agent-a", []types.Capability{types.CapabilityCode}, 0.5)

	require.NoError(t, h.orch.StartTask("task-1", "agent-a", types.ModeCode, nil))
	require.NoError(t, h.orch.Complete("task-1"))

	_, err := h.sync.Store().Get("task-1")
	assert.Equal(t, types.ErrTaskNotFound, types.GetErrorCode(err))

	status, err := h.orch.Status("task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestStartTaskValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	err := h.orch.StartTask("task-1", "agent-a", types.Mode("orchestrate"), nil)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	err = h.orch.ReportConfidence(context.Background(), "ghost", 0.1)
	assert.Equal(t, types.ErrTaskNotFound, types.GetErrorCode(err))
}

// Randomized sequential handoff chains: at every step the store records
// exactly one owner from the registered set and the version only grows.
func TestSingleOwnerUnderRandomHandoffs(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, DefaultConfig())
		agents := []string{"agent-1", "agent-2", "agent-3"}
		for _, id := range agents {
			h.register(t, id, []types.Capability{types.CapabilityCode}, 0.5)
		}
		require.NoError(t, h.orch.StartTask("task-1", "agent-1", types.ModeCode, nil))

		lastVersion := int64(0)
		steps := rapid.IntRange(1, 6).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			conf := rapid.Float64Range(0, 1).Draw(rt, "confidence")
			_ = h.orch.ReportConfidence(context.Background(), "task-1", conf)

			tc, err := h.sync.Store().Get("task-1")
			require.NoError(t, err)
			assert.Contains(t, agents, tc.OwnerAgentID)
			assert.Greater(t, tc.Version, lastVersion)
			lastVersion = tc.Version
		}
	})
}
