package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapa-ai/nexus/bus"
	"github.com/lapa-ai/nexus/consensus"
	"github.com/lapa-ai/nexus/handshake"
	"github.com/lapa-ai/nexus/orchestrator"
	"github.com/lapa-ai/nexus/registry"
	"github.com/lapa-ai/nexus/statesync"
	"github.com/lapa-ai/nexus/types"
)

func newTestServer(t *testing.T) (*httptest.Server, Deps) {
	t.Helper()

	eventBus := bus.New(bus.DefaultConfig(), nil, nil)
	t.Cleanup(eventBus.Close)
	reg := registry.New(registry.DefaultConfig(), nil, nil, eventBus)
	t.Cleanup(reg.Close)
	engine := handshake.NewEngine(handshake.DefaultConfig(), reg, nil, nil, eventBus)
	t.Cleanup(engine.Close)
	synchronizer := statesync.NewSynchronizer(statesync.DefaultConfig(), statesync.NewStore(), nil, nil, eventBus)
	coordinator := consensus.NewCoordinator(consensus.DefaultConfig(), reg, nil, nil, eventBus)
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), reg, engine, synchronizer, coordinator, eventBus, nil, nil)
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	deps := Deps{
		Registry:     reg,
		Handshake:    engine,
		Synchronizer: synchronizer,
		Consensus:    coordinator,
		Orchestrator: orch,
	}
	srv := NewServer(DefaultConfig(), deps, nil)
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, deps
}

func call(t *testing.T, ts *httptest.Server, method string, params any) *Message {
	t.Helper()
	req, err := NewRequest(1, method, params)
	require.NoError(t, err)
	body, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var msg Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, "2.0", msg.JSONRPC)
	return &msg
}

func resultMap(t *testing.T, msg *Message) map[string]any {
	t.Helper()
	require.Nil(t, msg.Error, "unexpected rpc error: %+v", msg.Error)
	m, ok := msg.Result.(map[string]any)
	require.True(t, ok, "result is not an object: %T", msg.Result)
	return m
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ts, deps := newTestServer(t)

	msg := call(t, ts, "registry.register", types.AgentDescriptor{
		AgentID:      "agent-a",
		Capabilities: []types.Capability{types.CapabilityCode},
		Capacity:     4,
		TrustScore:   0.7,
	})
	assert.Equal(t, true, resultMap(t, msg)["registered"])
	assert.Equal(t, 1, deps.Registry.Count())

	msg = call(t, ts, "registry.heartbeat", map[string]any{"agent_id": "agent-a", "workload": 2})
	assert.Equal(t, true, resultMap(t, msg)["alive"])

	d, err := deps.Registry.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Workload)
}

func TestProposeOverWire(t *testing.T) {
	ts, deps := newTestServer(t)
	require.NoError(t, deps.Registry.Register(types.AgentDescriptor{
		AgentID:      "agent-b",
		Capabilities: []types.Capability{types.CapabilityCode},
		Capacity:     4,
	}))

	msg := call(t, ts, "handshake.propose", handshake.Request{
		SourceAgentID:        "agent-a",
		TargetAgentID:        "agent-b",
		TaskID:               "task-1",
		RequiredCapabilities: []types.Capability{types.CapabilityCode},
		ProtocolVersion:      "1.2.0",
	})
	res := resultMap(t, msg)
	assert.Equal(t, true, res["accepted"])
	assert.NotEmpty(t, res["handshake_id"])
}

func TestProposeRejectionCarriesReason(t *testing.T) {
	ts, deps := newTestServer(t)
	require.NoError(t, deps.Registry.Register(types.AgentDescriptor{
		AgentID:      "agent-b",
		Capabilities: []types.Capability{types.CapabilityCode},
		Capacity:     4,
	}))

	msg := call(t, ts, "handshake.propose", handshake.Request{
		SourceAgentID:        "agent-a",
		TargetAgentID:        "agent-b",
		TaskID:               "task-1",
		RequiredCapabilities: []types.Capability{types.CapabilityCode},
		ProtocolVersion:      "9.0.0",
	})
	res := resultMap(t, msg)
	assert.Equal(t, false, res["accepted"])
	assert.Equal(t, handshake.ReasonVersionMismatch, res["reason"])
}

func TestTransferOverWire(t *testing.T) {
	ts, deps := newTestServer(t)
	require.NoError(t, deps.Synchronizer.Store().Seed("task-1", "agent-a", 1.0, nil))

	msg := call(t, ts, "sync.transfer", map[string]any{
		"task_id": "task-1", "from_agent_id": "agent-a", "to_agent_id": "agent-b", "mode": "full",
	})
	res := resultMap(t, msg)
	assert.Equal(t, float64(2), res["version"])

	// A stale incremental surfaces the coordination code so the caller can
	// fall back.
	require.NoError(t, deps.Synchronizer.Store().Seed("task-2", "agent-a", 1.0, nil))
	msg = call(t, ts, "sync.transfer", map[string]any{
		"task_id": "task-2", "from_agent_id": "agent-a", "to_agent_id": "agent-b", "mode": "incremental",
	})
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeCoordination, msg.Error.Code)
	data := msg.Error.Data.(map[string]any)
	assert.Equal(t, "STALE_VERSION", data["code"])
}

func TestConsensusOverWire(t *testing.T) {
	ts, deps := newTestServer(t)
	require.NoError(t, deps.Registry.Register(types.AgentDescriptor{
		AgentID:      "arch",
		Capabilities: []types.Capability{types.CapabilityArchitect},
		Capacity:     4,
	}))

	msg := call(t, ts, "consensus.open", consensus.OpenRequest{
		TaskID:         "task-1",
		DecisionType:   "irreversible",
		EligibleVoters: []string{"arch"},
		Threshold:      0.5,
	})
	sessionID := resultMap(t, msg)["session_id"].(string)
	require.NotEmpty(t, sessionID)

	msg = call(t, ts, "consensus.vote", map[string]any{
		"session_id": sessionID, "agent_id": "arch", "decision": false,
	})
	assert.Equal(t, "rejected", resultMap(t, msg)["outcome"])
}

func TestMethodNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	msg := call(t, ts, "nope.such.method", map[string]any{})
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeMethodNotFound, msg.Error.Code)
}

func TestMalformedRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL, "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	defer resp.Body.Close()

	var msg Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	require.NotNil(t, msg.Error)
	assert.Equal(t, CodeParseError, msg.Error.Code)

	// Missing method is an invalid request, not a parse error.
	msg2 := call(t, ts, "", nil)
	require.NotNil(t, msg2.Error)
	assert.Equal(t, CodeInvalidRequest, msg2.Error.Code)
}

func TestWebSocketRoundTrip(t *testing.T) {
	ts, deps := newTestServer(t)
	require.NoError(t, deps.Registry.Register(types.AgentDescriptor{
		AgentID:      "agent-b",
		Capabilities: []types.Capability{types.CapabilityCode},
		Capacity:     4,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	var resp handshake.Response
	err = client.Call(ctx, "handshake.propose", handshake.Request{
		SourceAgentID:        "agent-a",
		TargetAgentID:        "agent-b",
		TaskID:               "task-1",
		RequiredCapabilities: []types.Capability{types.CapabilityCode},
		ProtocolVersion:      "1.2.0",
	}, &resp)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.NotEmpty(t, resp.HandshakeID)

	var candidates []types.AgentDescriptor
	err = client.Call(ctx, "registry.candidates", map[string]any{
		"required": []string{"code"},
	}, &candidates)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "agent-b", candidates[0].AgentID)
}
