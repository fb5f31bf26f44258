// Package consensus runs quorum voting for decisions that require
// multi-agent agreement, with an unconditional veto short-circuit and a
// fail-closed deadline policy: absence of agreement blocks the action.
package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lapa-ai/nexus/internal/metrics"
	"github.com/lapa-ai/nexus/types"
)

// Outcome is the resolution state of a consensus session.
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Publisher publishes consensus lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ev types.Event)
}

// CapabilityChecker resolves agent descriptors for veto-eligibility checks.
// *registry.Registry satisfies it.
type CapabilityChecker interface {
	Get(agentID string) (types.AgentDescriptor, error)
}

// Config configures the coordinator.
type Config struct {
	// DefaultQuorum is used when a session is opened without one.
	DefaultQuorum int `json:"default_quorum" yaml:"default_quorum"`
	// DefaultThreshold is the yes/quorum ratio required for acceptance.
	// 0.833 is the historical 5-of-6 supermajority.
	DefaultThreshold float64 `json:"default_threshold" yaml:"default_threshold"`
	// DefaultTTL bounds a session when opened without a deadline.
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
	// VetoCapabilities maps a decision type to the capabilities whose
	// holders can veto it. Veto eligibility is configured per decision
	// type, not fixed per agent role.
	VetoCapabilities map[string][]types.Capability `json:"veto_capabilities" yaml:"veto_capabilities"`
	// Retention keeps finalized sessions queryable before they are
	// destroyed.
	Retention time.Duration `json:"retention" yaml:"retention"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultQuorum:    6,
		DefaultThreshold: 0.833,
		DefaultTTL:       30 * time.Second,
		VetoCapabilities: map[string][]types.Capability{
			"irreversible": {types.CapabilityArchitect, types.CapabilityReview},
		},
		Retention: time.Minute,
	}
}

// OpenRequest describes a new consensus session.
type OpenRequest struct {
	TaskID         string    `json:"task_id"`
	DecisionType   string    `json:"decision_type"`
	Quorum         int       `json:"quorum"`
	Threshold      float64   `json:"threshold"`
	Deadline       time.Time `json:"deadline"`
	EligibleVoters []string  `json:"eligible_voters"`
}

// Session is a live or recently finalized consensus session.
type Session struct {
	SessionID    string
	TaskID       string
	DecisionType string
	Quorum       int
	Threshold    float64
	Deadline     time.Time

	mu       sync.Mutex
	eligible map[string]bool
	votes    map[string]bool
	outcome  Outcome
	reason   string
	doneCh   chan struct{}
	timer    *time.Timer
}

// Outcome returns the session's current outcome.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Votes returns a copy of the recorded votes.
func (s *Session) Votes() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.votes))
	for k, v := range s.votes {
		out[k] = v
	}
	return out
}

// Done is closed when the session finalizes.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// Coordinator manages consensus sessions.
type Coordinator struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	pub     Publisher
	checker CapabilityChecker

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewCoordinator creates a coordinator. The checker resolves veto
// eligibility; when nil, no vote can veto.
func NewCoordinator(cfg Config, checker CapabilityChecker, logger *zap.Logger, collector *metrics.Collector, pub Publisher) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.DefaultQuorum <= 0 {
		cfg.DefaultQuorum = def.DefaultQuorum
	}
	if cfg.DefaultThreshold <= 0 || cfg.DefaultThreshold > 1 {
		cfg.DefaultThreshold = def.DefaultThreshold
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	if cfg.VetoCapabilities == nil {
		cfg.VetoCapabilities = def.VetoCapabilities
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "consensus_coordinator")),
		metrics:  collector,
		pub:      pub,
		checker:  checker,
		sessions: make(map[string]*Session),
	}
}

// OpenSession creates a session for a veto-eligible decision. A session that
// reaches its deadline without an outcome resolves rejected.
func (c *Coordinator) OpenSession(req OpenRequest) (string, error) {
	if len(req.EligibleVoters) == 0 {
		return "", types.NewError(types.ErrInvalidRequest, "eligible voters are required")
	}
	if req.Quorum <= 0 {
		req.Quorum = c.cfg.DefaultQuorum
	}
	if req.Quorum > len(req.EligibleVoters) {
		req.Quorum = len(req.EligibleVoters)
	}
	if req.Threshold <= 0 || req.Threshold > 1 {
		req.Threshold = c.cfg.DefaultThreshold
	}
	if req.Deadline.IsZero() {
		req.Deadline = time.Now().Add(c.cfg.DefaultTTL)
	}

	sess := &Session{
		SessionID:    uuid.NewString(),
		TaskID:       req.TaskID,
		DecisionType: req.DecisionType,
		Quorum:       req.Quorum,
		Threshold:    req.Threshold,
		Deadline:     req.Deadline,
		eligible:     make(map[string]bool, len(req.EligibleVoters)),
		votes:        make(map[string]bool),
		outcome:      OutcomePending,
		doneCh:       make(chan struct{}),
	}
	for _, voter := range req.EligibleVoters {
		sess.eligible[voter] = true
	}
	sess.timer = time.AfterFunc(time.Until(req.Deadline), func() {
		c.finalize(sess, OutcomeRejected, "deadline")
	})

	c.mu.Lock()
	c.sessions[sess.SessionID] = sess
	c.mu.Unlock()

	c.logger.Info("consensus session opened",
		zap.String("session_id", sess.SessionID),
		zap.String("task_id", sess.TaskID),
		zap.String("decision_type", sess.DecisionType),
		zap.Int("quorum", sess.Quorum),
		zap.Float64("threshold", sess.Threshold),
	)
	c.emit(types.EventConsensusOpened, sess, map[string]any{
		"quorum":    sess.Quorum,
		"threshold": sess.Threshold,
	})
	return sess.SessionID, nil
}

// Vote records one agent's decision. Votes from agents outside the eligible
// set are refused, so the vote count never exceeds the number of eligible
// voters. Evaluation is two-phase: the weighted ratio is computed first,
// then the veto short-circuit is applied before any outcome is finalized.
func (c *Coordinator) Vote(sessionID, agentID string, decision bool) error {
	sess, err := c.session(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.outcome != OutcomePending {
		sess.mu.Unlock()
		return types.NewErrorf(types.ErrSessionFinalized, "session %s already resolved %s", sessionID, sess.outcome)
	}
	if !sess.eligible[agentID] {
		sess.mu.Unlock()
		return types.NewErrorf(types.ErrVoterNotEligible, "agent %s is not eligible in session %s", agentID, sessionID)
	}
	if _, voted := sess.votes[agentID]; voted {
		sess.mu.Unlock()
		return types.NewErrorf(types.ErrDuplicateVote, "agent %s already voted in session %s", agentID, sessionID)
	}
	sess.votes[agentID] = decision

	yes := 0
	pendingVoters := make([]string, 0, len(sess.eligible))
	for voter := range sess.eligible {
		v, voted := sess.votes[voter]
		if !voted {
			pendingVoters = append(pendingVoters, voter)
			continue
		}
		if v {
			yes++
		}
	}
	ratio := float64(yes) / float64(sess.Quorum)
	bestPossible := float64(yes+len(pendingVoters)) / float64(sess.Quorum)
	sess.mu.Unlock()

	// Veto short-circuit: a single veto-capable "no" rejects the session
	// regardless of the numeric tally.
	if !decision && c.isVetoCapable(sess.DecisionType, agentID) {
		c.finalize(sess, OutcomeRejected, "veto")
		return nil
	}

	switch {
	case ratio >= sess.Threshold:
		// The threshold alone does not finalize acceptance: a pending
		// veto-capable voter can still override the tally.
		if !c.anyVetoCapable(sess.DecisionType, pendingVoters) {
			c.finalize(sess, OutcomeAccepted, "threshold")
		}
	case bestPossible < sess.Threshold:
		// No remaining vote can reach the threshold; fail closed early.
		c.finalize(sess, OutcomeRejected, "threshold-unreachable")
	}
	return nil
}

// GetOutcome returns the session's outcome.
func (c *Coordinator) GetOutcome(sessionID string) (Outcome, error) {
	sess, err := c.session(sessionID)
	if err != nil {
		return "", err
	}
	return sess.Outcome(), nil
}

// WaitOutcome blocks until the session finalizes or ctx ends. A context
// timeout resolves fail-closed: the caller receives OutcomeRejected with a
// CONSENSUS_TIMEOUT error.
func (c *Coordinator) WaitOutcome(ctx context.Context, sessionID string) (Outcome, error) {
	sess, err := c.session(sessionID)
	if err != nil {
		return "", err
	}
	select {
	case <-sess.Done():
		return sess.Outcome(), nil
	case <-ctx.Done():
		return OutcomeRejected, types.NewErrorf(types.ErrConsensusTimeout,
			"consensus session %s unresolved", sessionID).WithCause(ctx.Err())
	}
}

// Cancel explicitly resolves a pending session as rejected.
func (c *Coordinator) Cancel(sessionID string) error {
	sess, err := c.session(sessionID)
	if err != nil {
		return err
	}
	c.finalize(sess, OutcomeRejected, "cancelled")
	return nil
}

func (c *Coordinator) session(sessionID string) (*Session, error) {
	c.mu.RLock()
	sess, ok := c.sessions[sessionID]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrSessionNotFound, "consensus session %s not found", sessionID)
	}
	return sess, nil
}

func (c *Coordinator) anyVetoCapable(decisionType string, agentIDs []string) bool {
	for _, id := range agentIDs {
		if c.isVetoCapable(decisionType, id) {
			return true
		}
	}
	return false
}

func (c *Coordinator) isVetoCapable(decisionType, agentID string) bool {
	caps := c.cfg.VetoCapabilities[decisionType]
	if len(caps) == 0 || c.checker == nil {
		return false
	}
	desc, err := c.checker.Get(agentID)
	if err != nil {
		return false
	}
	for _, cap := range caps {
		if desc.HasCapability(cap) {
			return true
		}
	}
	return false
}

// finalize resolves the session exactly once and schedules its destruction
// after the retention window.
func (c *Coordinator) finalize(sess *Session, outcome Outcome, reason string) {
	sess.mu.Lock()
	if sess.outcome != OutcomePending {
		sess.mu.Unlock()
		return
	}
	sess.outcome = outcome
	sess.reason = reason
	if sess.timer != nil {
		sess.timer.Stop()
	}
	close(sess.doneCh)
	sess.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordConsensus(string(outcome))
	}
	c.logger.Info("consensus session resolved",
		zap.String("session_id", sess.SessionID),
		zap.String("task_id", sess.TaskID),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
	)
	c.emit(types.EventConsensusResolved, sess, map[string]any{
		"outcome": string(outcome),
		"reason":  reason,
	})

	time.AfterFunc(c.cfg.Retention, func() {
		c.mu.Lock()
		delete(c.sessions, sess.SessionID)
		c.mu.Unlock()
	})
}

func (c *Coordinator) emit(eventType string, sess *Session, extra map[string]any) {
	if c.pub == nil {
		return
	}
	payload := map[string]any{
		"session_id":    sess.SessionID,
		"task_id":       sess.TaskID,
		"decision_type": sess.DecisionType,
	}
	for k, v := range extra {
		payload[k] = v
	}
	ev := types.NewEvent(eventType, "consensus", payload)
	c.pub.Publish(ev.WithCorrelation(sess.TaskID))
}
