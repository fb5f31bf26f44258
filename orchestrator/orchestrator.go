// Package orchestrator drives task handoffs: it watches per-task confidence,
// negotiates with candidate agents through the handshake engine, transfers
// context through the state synchronizer, and enforces the handoff ceiling.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/lapa-ai/nexus/bus"
	"github.com/lapa-ai/nexus/consensus"
	"github.com/lapa-ai/nexus/handshake"
	"github.com/lapa-ai/nexus/internal/metrics"
	"github.com/lapa-ai/nexus/registry"
	"github.com/lapa-ai/nexus/statesync"
	"github.com/lapa-ai/nexus/types"
)

// TaskStatus is the orchestrator's view of a task.
type TaskStatus string

const (
	// StatusOwned means exactly one agent owns the task and is working it.
	StatusOwned TaskStatus = "owned"
	// StatusHandshaking means a handoff negotiation is in progress. The
	// current owner keeps working until the transfer completes.
	StatusHandshaking TaskStatus = "handshaking"
	// StatusCompleted means the task finished and its context was released.
	StatusCompleted TaskStatus = "completed"
	// StatusExhausted means the handoff ceiling was reached; the task is
	// halted and requires external intervention.
	StatusExhausted TaskStatus = "handoff-exhausted"
)

// Config configures the orchestrator.
type Config struct {
	// HandoffCeiling caps handoffs per task; beyond it the task halts
	// instead of bouncing between agents.
	HandoffCeiling int `json:"handoff_ceiling" yaml:"handoff_ceiling"`
	// MaxCandidates bounds how many ranked candidates a single handoff
	// attempt walks before falling back to the current owner.
	MaxCandidates int `json:"max_candidates" yaml:"max_candidates"`
	// CandidateCacheTTL bounds the ranked-candidate fast path. Any registry
	// mutation flushes the cache regardless.
	CandidateCacheTTL time.Duration `json:"candidate_cache_ttl" yaml:"candidate_cache_ttl"`
	// ProtocolVersion is stamped on outgoing handshake proposals.
	ProtocolVersion string `json:"protocol_version" yaml:"protocol_version"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		HandoffCeiling:    25,
		MaxCandidates:     3,
		CandidateCacheTTL: 10 * time.Second,
		ProtocolVersion:   "1.2.0",
	}
}

type task struct {
	mu       sync.Mutex
	taskID   string
	mode     types.Mode
	status   TaskStatus
	handoffs int
	busy     bool
	// sessionID is the active handshake session binding the current owner,
	// empty while the task sits with its original owner.
	sessionID string
}

// Orchestrator coordinates handoffs across the registry, handshake engine,
// and state synchronizer.
type Orchestrator struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	registry  *registry.Registry
	engine    *handshake.Engine
	sync      *statesync.Synchronizer
	consensus *consensus.Coordinator
	bus       *bus.Bus

	cache *gocache.Cache
	subID string

	mu    sync.RWMutex
	tasks map[string]*task
}

// New creates an orchestrator. The consensus coordinator may be nil when no
// decision gating is configured.
func New(cfg Config, reg *registry.Registry, engine *handshake.Engine, sync *statesync.Synchronizer, coord *consensus.Coordinator, b *bus.Bus, logger *zap.Logger, collector *metrics.Collector) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.HandoffCeiling <= 0 {
		cfg.HandoffCeiling = def.HandoffCeiling
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.CandidateCacheTTL <= 0 {
		cfg.CandidateCacheTTL = def.CandidateCacheTTL
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = def.ProtocolVersion
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "handoff_orchestrator")),
		metrics:   collector,
		registry:  reg,
		engine:    engine,
		sync:      sync,
		consensus: coord,
		bus:       b,
		cache:     gocache.New(cfg.CandidateCacheTTL, 2*cfg.CandidateCacheTTL),
		tasks:     make(map[string]*task),
	}

	// Any registry mutation invalidates cached candidate rankings; the
	// fast path never outlives the data it ranked.
	if b != nil {
		subID, err := b.Subscribe("registry.**", func(_ context.Context, _ types.Event) {
			o.cache.Flush()
		})
		if err != nil {
			return nil, err
		}
		o.subID = subID
	}
	return o, nil
}

// StartTask seeds context for a new task and places it under the owner.
func (o *Orchestrator) StartTask(taskID, ownerAgentID string, mode types.Mode, payload json.RawMessage) error {
	if !mode.Valid() {
		return types.NewErrorf(types.ErrInvalidRequest, "unknown mode %q", mode)
	}
	if err := o.sync.Store().Seed(taskID, ownerAgentID, 1.0, payload); err != nil {
		return err
	}

	o.mu.Lock()
	o.tasks[taskID] = &task{taskID: taskID, mode: mode, status: StatusOwned}
	o.mu.Unlock()

	o.logger.Info("task started",
		zap.String("task_id", taskID),
		zap.String("owner", ownerAgentID),
		zap.String("mode", string(mode)),
	)
	return nil
}

// ReportConfidence records the owner's confidence for the task. Confidence
// below the mode's handoff threshold triggers a handoff attempt.
func (o *Orchestrator) ReportConfidence(ctx context.Context, taskID string, confidence float64) error {
	t, err := o.task(taskID)
	if err != nil {
		return err
	}
	if _, err := o.sync.Store().UpdateConfidence(taskID, confidence); err != nil {
		return err
	}

	t.mu.Lock()
	mode := t.mode
	t.mu.Unlock()

	threshold := types.BehaviorFor(mode).HandoffThreshold
	if confidence >= threshold {
		return nil
	}
	o.logger.Info("confidence below threshold, attempting handoff",
		zap.String("task_id", taskID),
		zap.Float64("confidence", confidence),
		zap.Float64("threshold", threshold),
	)
	return o.triggerHandoff(ctx, t, "low-confidence", nil)
}

// SignalScopeComplete hands the task off after the owner finished its scope
// of work, e.g. an architect handing a finished plan to a coder.
func (o *Orchestrator) SignalScopeComplete(ctx context.Context, taskID string, nextMode types.Mode) error {
	t, err := o.task(taskID)
	if err != nil {
		return err
	}
	if nextMode.Valid() {
		t.mu.Lock()
		t.mode = nextMode
		t.mu.Unlock()
	}
	return o.triggerHandoff(ctx, t, "scope-complete", nil)
}

// Delegate hands the task to the best live agent holding the given
// capability and returns the transferred context. It is the entry point for
// tool-call style delegation between agents.
func (o *Orchestrator) Delegate(ctx context.Context, taskID string, capability types.Capability) (types.TaskContext, error) {
	t, err := o.task(taskID)
	if err != nil {
		return types.TaskContext{}, err
	}
	required := []types.Capability{capability}
	if err := o.triggerHandoff(ctx, t, "delegated", required); err != nil {
		return types.TaskContext{}, err
	}
	return o.sync.Store().Get(taskID)
}

// RequestApproval gates an irreversible action on multi-agent consensus. It
// opens a voting session and blocks until resolution; an unresolved session
// counts as rejection.
func (o *Orchestrator) RequestApproval(ctx context.Context, taskID, decisionType string, voters []string) (bool, error) {
	if o.consensus == nil {
		return false, types.NewError(types.ErrInvalidRequest, "no consensus coordinator configured")
	}
	sessionID, err := o.consensus.OpenSession(consensus.OpenRequest{
		TaskID:         taskID,
		DecisionType:   decisionType,
		EligibleVoters: voters,
	})
	if err != nil {
		return false, err
	}
	outcome, err := o.consensus.WaitOutcome(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return outcome == consensus.OutcomeAccepted, nil
}

// Complete marks the task finished and releases its context.
func (o *Orchestrator) Complete(taskID string) error {
	t, err := o.task(taskID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.status = StatusCompleted
	sessionID := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()
	if sessionID != "" {
		_ = o.engine.Terminate(sessionID, "task-completed")
	}
	o.sync.Store().Remove(taskID)
	return nil
}

// Status returns the orchestrator's view of the task.
func (o *Orchestrator) Status(taskID string) (TaskStatus, error) {
	t, err := o.task(taskID)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, nil
}

// Handoffs returns how many handoffs the task has been through.
func (o *Orchestrator) Handoffs(taskID string) (int, error) {
	t, err := o.task(taskID)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handoffs, nil
}

// triggerHandoff walks ranked candidates until one accepts the task. When
// every candidate fails, ownership is retained and a fallback event is
// published. When required is nil the mode's capabilities are used.
func (o *Orchestrator) triggerHandoff(ctx context.Context, t *task, reason string, required []types.Capability) error {
	start := time.Now()

	t.mu.Lock()
	switch {
	case t.status == StatusCompleted || t.status == StatusExhausted:
		t.mu.Unlock()
		return types.NewErrorf(types.ErrInvalidTransition, "task %s is %s", t.taskID, t.status)
	case t.busy:
		t.mu.Unlock()
		return types.NewErrorf(types.ErrTaskBusy, "task %s already negotiating a handoff", t.taskID)
	case t.handoffs >= o.cfg.HandoffCeiling:
		t.status = StatusExhausted
		t.mu.Unlock()
		err := types.NewErrorf(types.ErrHandoffCeilingExceeded,
			"task %s hit the handoff ceiling of %d", t.taskID, o.cfg.HandoffCeiling)
		o.logger.Error("handoff ceiling reached, halting task",
			zap.String("task_id", t.taskID),
			zap.Int("ceiling", o.cfg.HandoffCeiling),
		)
		if o.bus != nil {
			o.bus.PublishError("orchestrator", t.taskID, err)
		}
		if o.metrics != nil {
			o.metrics.RecordHandoff("exhausted", time.Since(start))
		}
		return err
	}
	t.busy = true
	t.status = StatusHandshaking
	mode := t.mode
	t.mu.Unlock()

	settle := func(status TaskStatus) {
		t.mu.Lock()
		t.busy = false
		t.status = status
		t.mu.Unlock()
	}

	tc, err := o.sync.Store().Get(t.taskID)
	if err != nil {
		settle(StatusOwned)
		return err
	}
	owner := tc.OwnerAgentID
	if required == nil {
		required = capabilitiesForMode(mode)
	}

	o.emit(types.EventHandoffStarted, t.taskID, map[string]any{
		"owner":  owner,
		"reason": reason,
	})

	candidates := o.candidates(required, owner)
	if len(candidates) == 0 {
		settle(StatusOwned)
		o.fallback(t.taskID, owner, reason, start)
		return types.NewErrorf(types.ErrNoCandidates, "no eligible candidates for task %s", t.taskID)
	}

	for _, cand := range candidates {
		sess, err := o.attempt(ctx, t.taskID, owner, cand, required, reason)
		if err != nil {
			o.logger.Warn("handoff candidate failed",
				zap.String("task_id", t.taskID),
				zap.String("candidate", cand.AgentID),
				zap.Error(err),
			)
			if o.bus != nil {
				o.bus.PublishError("orchestrator", t.taskID, err)
			}
			continue
		}

		newOwner := sess.TargetAgentID

		t.mu.Lock()
		t.busy = false
		t.status = StatusOwned
		t.handoffs++
		prevSession := t.sessionID
		t.sessionID = sess.HandshakeID
		t.mu.Unlock()

		// The superseded session no longer binds anyone; terminating it
		// frees the previous owner's workload slot.
		if prevSession != "" {
			_ = o.engine.Terminate(prevSession, "superseded")
		}

		if o.metrics != nil {
			o.metrics.RecordHandoff("accepted", time.Since(start))
		}
		o.emit(types.EventHandoffAccepted, t.taskID, map[string]any{
			"from":   owner,
			"to":     newOwner,
			"reason": reason,
		})
		o.logger.Info("handoff completed",
			zap.String("task_id", t.taskID),
			zap.String("from", owner),
			zap.String("to", newOwner),
		)
		return nil
	}

	settle(StatusOwned)
	o.fallback(t.taskID, owner, reason, start)
	return types.NewErrorf(types.ErrNoCandidates, "all candidates refused task %s", t.taskID)
}

// attempt negotiates with one candidate and transfers context on acceptance.
func (o *Orchestrator) attempt(ctx context.Context, taskID, owner string, cand types.AgentDescriptor, required []types.Capability, reason string) (*handshake.Session, error) {
	sess, err := o.engine.ProposeWithRetry(ctx, &handshake.Request{
		SourceAgentID:        owner,
		TargetAgentID:        cand.AgentID,
		TaskID:               taskID,
		RequiredCapabilities: required,
		ProtocolVersion:      o.cfg.ProtocolVersion,
	})
	if err != nil {
		return nil, err
	}

	// Incremental first; a stale receiver forces a full transfer.
	_, err = o.sync.Transfer(ctx, taskID, owner, cand.AgentID, statesync.ModeIncremental)
	if types.IsCode(err, types.ErrStaleVersion) {
		_, err = o.sync.Transfer(ctx, taskID, owner, cand.AgentID, statesync.ModeFull)
	}
	if err != nil {
		// The negotiated session is unusable without context; terminating
		// releases the capacity claimed on the candidate.
		_ = o.engine.Terminate(sess.HandshakeID, "transfer-failed")
		return nil, err
	}

	if _, err := o.sync.Store().SetOwner(taskID, cand.AgentID, reason); err != nil {
		_ = o.engine.Terminate(sess.HandshakeID, "ownership-update-failed")
		return nil, err
	}
	if err := o.engine.Activate(sess.HandshakeID); err != nil {
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) fallback(taskID, owner, reason string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordHandoff("fallback", time.Since(start))
	}
	o.emit(types.EventHandoffFallback, taskID, map[string]any{
		"owner":  owner,
		"reason": reason,
	})
	o.logger.Warn("handoff fell back to current owner",
		zap.String("task_id", taskID),
		zap.String("owner", owner),
	)
}

// candidates returns the ranked candidate list for the capability set,
// serving repeated lookups from the cache, and never includes the current
// owner.
func (o *Orchestrator) candidates(required []types.Capability, owner string) []types.AgentDescriptor {
	key := cacheKey(required)

	var ranked []types.AgentDescriptor
	if v, ok := o.cache.Get(key); ok {
		ranked = v.([]types.AgentDescriptor)
	} else {
		ranked = o.registry.FindCandidates(required)
		o.cache.Set(key, ranked, gocache.DefaultExpiration)
	}

	out := make([]types.AgentDescriptor, 0, o.cfg.MaxCandidates)
	for _, d := range ranked {
		if d.AgentID == owner {
			continue
		}
		out = append(out, d)
		if len(out) == o.cfg.MaxCandidates {
			break
		}
	}
	return out
}

func cacheKey(required []types.Capability) string {
	parts := make([]string, len(required))
	for i, c := range required {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func (o *Orchestrator) task(taskID string) (*task, error) {
	o.mu.RLock()
	t, ok := o.tasks[taskID]
	o.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrTaskNotFound, "task %s is not orchestrated", taskID)
	}
	return t, nil
}

func (o *Orchestrator) emit(eventType, taskID string, payload map[string]any) {
	if o.bus == nil {
		return
	}
	payload["task_id"] = taskID
	ev := types.NewEvent(eventType, "orchestrator", payload)
	o.bus.Publish(ev.WithCorrelation(taskID))
}

// capabilitiesForMode maps a working mode to the capabilities a handoff
// target must hold.
func capabilitiesForMode(mode types.Mode) []types.Capability {
	switch mode {
	case types.ModeArchitect:
		return []types.Capability{types.CapabilityArchitect}
	case types.ModeAsk:
		return []types.Capability{types.CapabilityDocs}
	case types.ModeDebug:
		return []types.Capability{types.CapabilityDebug}
	default:
		return []types.Capability{types.CapabilityCode}
	}
}

// Close detaches the orchestrator from the event bus.
func (o *Orchestrator) Close() {
	if o.bus != nil && o.subID != "" {
		o.bus.Unsubscribe(o.subID)
	}
}
