package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/lapa-ai/nexus/types"
)

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := New(cfg, nil, nil, nil)
	t.Cleanup(r.Close)
	return r
}

func descriptor(id string, caps []types.Capability, workload, capacity int, trust float64) types.AgentDescriptor {
	return types.AgentDescriptor{
		AgentID:      id,
		Capabilities: caps,
		Workload:     workload,
		Capacity:     capacity,
		TrustScore:   trust,
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())

	err := r.Register(descriptor("", nil, 0, 4, 0.5))
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	err = r.Register(descriptor("agent-1", nil, 0, 0, 0.5))
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))

	require.NoError(t, r.Register(descriptor("agent-1", []types.Capability{types.CapabilityCode}, 0, 4, 1.7)))
	d, err := r.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.TrustScore, "trust score clamps to [0,1]")
	assert.False(t, d.LastSeen.IsZero())
}

func TestScoreFormula(t *testing.T) {
	required := []types.Capability{types.CapabilityCode, types.CapabilityTest}
	d := descriptor("a", []types.Capability{types.CapabilityCode}, 1, 4, 0.8)

	// 0.7*0.5 + 0.2*(1-0.25) + 0.1*0.8
	assert.InDelta(t, 0.58, Score(d, required), 1e-9)
}

func TestFindCandidatesRanking(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	required := []types.Capability{types.CapabilityCode}

	// Full match, idle, high trust: the clear winner.
	require.NoError(t, r.Register(descriptor("best", []types.Capability{types.CapabilityCode}, 0, 4, 0.9)))
	// Full match but loaded.
	require.NoError(t, r.Register(descriptor("busy", []types.Capability{types.CapabilityCode}, 3, 4, 0.9)))
	// No matching capability: excluded entirely.
	require.NoError(t, r.Register(descriptor("other", []types.Capability{types.CapabilityDocs}, 0, 4, 1.0)))

	got := r.FindCandidates(required)
	require.Len(t, got, 2)
	assert.Equal(t, "best", got[0].AgentID)
	assert.Equal(t, "busy", got[1].AgentID)
}

func TestFindCandidatesTieBreaksOnRecency(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	caps := []types.Capability{types.CapabilityCode}

	require.NoError(t, r.Register(descriptor("older", caps, 0, 4, 0.5)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Register(descriptor("newer", caps, 0, 4, 0.5)))

	got := r.FindCandidates(caps)
	require.Len(t, got, 2)
	assert.Equal(t, "newer", got[0].AgentID)
}

func TestFindCandidatesExcludesStaleAgents(t *testing.T) {
	r := newTestRegistry(t, Config{
		LivenessWindow: 20 * time.Millisecond,
		EvictAfter:     time.Hour,
		EvictInterval:  time.Hour,
	})
	caps := []types.Capability{types.CapabilityCode}

	require.NoError(t, r.Register(descriptor("quiet", caps, 0, 4, 0.5)))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, r.Register(descriptor("alive", caps, 0, 4, 0.5)))

	got := r.FindCandidates(caps)
	require.Len(t, got, 1)
	assert.Equal(t, "alive", got[0].AgentID)

	// A heartbeat brings the quiet agent back.
	require.NoError(t, r.Heartbeat("quiet", -1))
	assert.Len(t, r.FindCandidates(caps), 2)
}

func TestHeartbeatUpdatesWorkload(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	require.NoError(t, r.Register(descriptor("a", nil, 0, 4, 0.5)))

	require.NoError(t, r.Heartbeat("a", 3))
	d, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 3, d.Workload)

	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(r.Heartbeat("ghost", 0)))
}

func TestClaimAndReleaseCapacity(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	require.NoError(t, r.Register(descriptor("a", nil, 0, 2, 0.5)))

	require.NoError(t, r.ClaimCapacity("a"))
	require.NoError(t, r.ClaimCapacity("a"))

	err := r.ClaimCapacity("a")
	require.Error(t, err)
	assert.Equal(t, types.ErrCapacityExceeded, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))

	r.ReleaseCapacity("a")
	require.NoError(t, r.ClaimCapacity("a"))
}

func TestEvictionRemovesDeadAgents(t *testing.T) {
	r := newTestRegistry(t, Config{
		LivenessWindow: 10 * time.Millisecond,
		EvictAfter:     20 * time.Millisecond,
		EvictInterval:  5 * time.Millisecond,
	})
	require.NoError(t, r.Register(descriptor("dying", nil, 0, 4, 0.5)))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.Count() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent not evicted")
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	require.NoError(t, r.Register(descriptor("a", nil, 0, 4, 0.5)))
	require.NoError(t, r.Deregister("a"))

	_, err := r.Get("a")
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(err))
	assert.Equal(t, types.ErrAgentNotFound, types.GetErrorCode(r.Deregister("a")))
}

func TestWorkloadStaysWithinBoundsUnderConcurrency(t *testing.T) {
	r := newTestRegistry(t, DefaultConfig())
	const capacity = 8
	require.NoError(t, r.Register(descriptor("a", nil, 0, capacity, 0.5)))

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.ClaimCapacity("a") == nil {
				r.ReleaseCapacity("a")
			}
		}()
	}
	wg.Wait()

	d, err := r.Get("a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d.Workload, 0)
	assert.LessOrEqual(t, d.Workload, capacity)
	assert.Equal(t, 0, d.Workload, "claims and releases are paired")
}

func TestScoreBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		allCaps := []types.Capability{
			types.CapabilityArchitect, types.CapabilityCode, types.CapabilityReview,
			types.CapabilityTest, types.CapabilityDebug, types.CapabilityDocs,
		}
		d := types.AgentDescriptor{
			Capabilities: rapid.SliceOfN(rapid.SampledFrom(allCaps), 0, 6).Draw(t, "caps"),
			Workload:     rapid.IntRange(0, 20).Draw(t, "workload"),
			Capacity:     rapid.IntRange(1, 10).Draw(t, "capacity"),
			TrustScore:   rapid.Float64Range(0, 1).Draw(t, "trust"),
		}
		required := rapid.SliceOfN(rapid.SampledFrom(allCaps), 0, 6).Draw(t, "required")

		s := Score(d, required)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	})
}
