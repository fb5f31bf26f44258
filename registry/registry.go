// Package registry tracks agent capabilities, workload, and availability.
// It is consulted by the handshake engine and the handoff orchestrator to
// pick delegation targets, and it is the load-balancing mechanism that
// prevents hot-spotting on a single capable agent.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lapa-ai/nexus/internal/metrics"
	"github.com/lapa-ai/nexus/types"
)

const shardCount = 16

// Publisher publishes registry lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ev types.Event)
}

// Config configures the registry.
type Config struct {
	// LivenessWindow excludes agents without a recent heartbeat from
	// candidate lists.
	LivenessWindow time.Duration `json:"liveness_window" yaml:"liveness_window"`
	// EvictAfter removes agents whose last heartbeat is older than this.
	EvictAfter time.Duration `json:"evict_after" yaml:"evict_after"`
	// EvictInterval is the eviction sweep period.
	EvictInterval time.Duration `json:"evict_interval" yaml:"evict_interval"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		LivenessWindow: 30 * time.Second,
		EvictAfter:     90 * time.Second,
		EvictInterval:  10 * time.Second,
	}
}

type entry struct {
	mu   sync.Mutex
	desc types.AgentDescriptor
}

type shard struct {
	mu     sync.RWMutex
	agents map[string]*entry
}

// Registry is the in-memory capability registry. Descriptor mutations are
// serialized per agent; there is no global lock on the hot path.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	pub     Publisher

	shards [shardCount]*shard

	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// New creates a registry and starts its eviction sweep. The publisher and
// collector may be nil.
func New(cfg Config, logger *zap.Logger, collector *metrics.Collector, pub Publisher) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = def.LivenessWindow
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = def.EvictInterval
	}

	r := &Registry{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "capability_registry")),
		metrics: collector,
		pub:     pub,
		done:    make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{agents: make(map[string]*entry)}
	}

	r.wg.Add(1)
	go r.evictLoop()

	return r
}

func (r *Registry) shardFor(agentID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds or replaces an agent descriptor. LastSeen is stamped with
// the current time.
func (r *Registry) Register(desc types.AgentDescriptor) error {
	if desc.AgentID == "" {
		return types.NewError(types.ErrInvalidRequest, "agent id is empty")
	}
	if desc.Capacity <= 0 {
		return types.NewErrorf(types.ErrInvalidRequest, "agent %s has non-positive capacity", desc.AgentID)
	}
	if desc.TrustScore < 0 {
		desc.TrustScore = 0
	}
	if desc.TrustScore > 1 {
		desc.TrustScore = 1
	}
	desc.LastSeen = time.Now()

	s := r.shardFor(desc.AgentID)
	s.mu.Lock()
	s.agents[desc.AgentID] = &entry{desc: desc.Clone()}
	s.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("agent_id", desc.AgentID),
		zap.Int("capabilities", len(desc.Capabilities)),
		zap.Int("capacity", desc.Capacity),
	)
	r.updateGauge()
	r.emit(types.EventAgentRegistered, desc.AgentID, desc.Capabilities)
	return nil
}

// Heartbeat refreshes an agent's liveness and reports its current workload.
func (r *Registry) Heartbeat(agentID string, workload int) error {
	e, err := r.lookup(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.desc.LastSeen = time.Now()
	if workload >= 0 {
		e.desc.Workload = workload
	}
	e.mu.Unlock()
	return nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(agentID string) error {
	s := r.shardFor(agentID)
	s.mu.Lock()
	e, ok := s.agents[agentID]
	if ok {
		delete(s.agents, agentID)
	}
	s.mu.Unlock()
	if !ok {
		return types.NewErrorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}

	e.mu.Lock()
	caps := e.desc.Capabilities
	e.mu.Unlock()

	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	r.updateGauge()
	r.emit(types.EventAgentDeregistered, agentID, caps)
	return nil
}

// Get returns a copy of the agent's descriptor.
func (r *Registry) Get(agentID string) (types.AgentDescriptor, error) {
	e, err := r.lookup(agentID)
	if err != nil {
		return types.AgentDescriptor{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.desc.Clone(), nil
}

// Score implements the candidate ranking formula:
// 0.7*capabilityMatchRatio + 0.2*(1-workload/capacity) + 0.1*trustScore.
func Score(d types.AgentDescriptor, required []types.Capability) float64 {
	return 0.7*d.CapabilityMatchRatio(required) + 0.2*(1-d.LoadFactor()) + 0.1*d.TrustScore
}

// FindCandidates returns live agents matching at least one required
// capability, ordered by descending score; ties break toward the most
// recent heartbeat.
func (r *Registry) FindCandidates(required []types.Capability) []types.AgentDescriptor {
	now := time.Now()
	var out []types.AgentDescriptor

	for _, s := range r.shards {
		s.mu.RLock()
		entries := make([]*entry, 0, len(s.agents))
		for _, e := range s.agents {
			entries = append(entries, e)
		}
		s.mu.RUnlock()

		for _, e := range entries {
			e.mu.Lock()
			desc := e.desc.Clone()
			e.mu.Unlock()

			if now.Sub(desc.LastSeen) > r.cfg.LivenessWindow {
				continue
			}
			if desc.CapabilityMatchRatio(required) == 0 {
				continue
			}
			out = append(out, desc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := Score(out[i], required), Score(out[j], required)
		if si != sj {
			return si > sj
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// ClaimCapacity reserves one workload slot on the agent. It fails with a
// retryable CAPACITY_EXCEEDED error when the agent is saturated.
func (r *Registry) ClaimCapacity(agentID string) error {
	e, err := r.lookup(agentID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.desc.Workload >= e.desc.Capacity {
		return types.NewErrorf(types.ErrCapacityExceeded, "agent %s at capacity %d", agentID, e.desc.Capacity).
			WithRetryable(true)
	}
	e.desc.Workload++
	return nil
}

// ReleaseCapacity returns a previously claimed workload slot. Cancellation
// of a handshake or consensus session releases capacity through this path.
func (r *Registry) ReleaseCapacity(agentID string) {
	e, err := r.lookup(agentID)
	if err != nil {
		return
	}
	e.mu.Lock()
	if e.desc.Workload > 0 {
		e.desc.Workload--
	}
	e.mu.Unlock()
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.agents)
		s.mu.RUnlock()
	}
	return n
}

func (r *Registry) lookup(agentID string) (*entry, error) {
	s := r.shardFor(agentID)
	s.mu.RLock()
	e, ok := s.agents[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrAgentNotFound, "agent %s not found", agentID)
	}
	return e, nil
}

func (r *Registry) evictLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	now := time.Now()
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.agents {
			e.mu.Lock()
			stale := now.Sub(e.desc.LastSeen) > r.cfg.EvictAfter
			caps := e.desc.Capabilities
			e.mu.Unlock()
			if stale {
				delete(s.agents, id)
				r.logger.Warn("agent evicted after liveness timeout", zap.String("agent_id", id))
				r.emit(types.EventAgentEvicted, id, caps)
			}
		}
		s.mu.Unlock()
	}
	r.updateGauge()
}

func (r *Registry) emit(eventType, agentID string, caps []types.Capability) {
	if r.pub == nil {
		return
	}
	capNames := make([]string, len(caps))
	for i, c := range caps {
		capNames[i] = string(c)
	}
	r.pub.Publish(types.NewEvent(eventType, "registry", map[string]any{
		"agent_id":     agentID,
		"capabilities": capNames,
	}))
}

func (r *Registry) updateGauge() {
	if r.metrics != nil {
		r.metrics.SetRegisteredAgents(r.Count())
	}
}

// Close stops the eviction sweep.
func (r *Registry) Close() {
	r.closed.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
}
