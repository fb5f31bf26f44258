// Package handshake implements the inter-agent negotiation protocol that
// must succeed before any task transfer occurs.
package handshake

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lapa-ai/nexus/internal/metrics"
	"github.com/lapa-ai/nexus/internal/retry"
	"github.com/lapa-ai/nexus/registry"
	"github.com/lapa-ai/nexus/types"
)

// Responder lets a target agent answer handshake proposals. When no
// responder is registered for an agent, proposals that pass the engine
// checks are accepted.
type Responder interface {
	RespondHandshake(ctx context.Context, req *Request) (accepted bool, reason string, err error)
}

// ResponderFunc adapts a function to the Responder interface.
type ResponderFunc func(ctx context.Context, req *Request) (bool, string, error)

// RespondHandshake implements Responder.
func (f ResponderFunc) RespondHandshake(ctx context.Context, req *Request) (bool, string, error) {
	return f(ctx, req)
}

// Publisher publishes handshake lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ev types.Event)
}

// Config configures the handshake engine.
type Config struct {
	// ProtocolVersion is this node's protocol version; requests whose major
	// version differs are rejected.
	ProtocolVersion string `json:"protocol_version" yaml:"protocol_version"`
	// DefaultDeadline bounds a negotiation when the request carries none.
	DefaultDeadline time.Duration `json:"default_deadline" yaml:"default_deadline"`
	// SessionTTL bounds how long an accepted session may stay non-terminal.
	SessionTTL time.Duration `json:"session_ttl" yaml:"session_ttl"`
	// SweepInterval is the expiry sweep period.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// Retry is the backoff policy for ProposeWithRetry.
	Retry retry.Policy `json:"retry" yaml:"retry"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion: "1.2.0",
		DefaultDeadline: 5 * time.Second,
		SessionTTL:      2 * time.Minute,
		SweepInterval:   5 * time.Second,
		Retry:           retry.DefaultPolicy(),
	}
}

// Engine negotiates handshake sessions between agents.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	registry *registry.Registry
	pub      Publisher
	retryer  *retry.Retryer

	mu         sync.RWMutex
	sessions   map[string]*Session
	responders map[string]Responder

	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewEngine creates a handshake engine and starts its expiry sweep.
func NewEngine(cfg Config, reg *registry.Registry, logger *zap.Logger, collector *metrics.Collector, pub Publisher) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = def.ProtocolVersion
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = def.DefaultDeadline
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "handshake_engine")),
		metrics:    collector,
		registry:   reg,
		pub:        pub,
		retryer:    retry.New(cfg.Retry, logger),
		sessions:   make(map[string]*Session),
		responders: make(map[string]Responder),
		done:       make(chan struct{}),
	}

	e.wg.Add(1)
	go e.sweepLoop()

	return e
}

// RegisterResponder installs the responder answering proposals targeted at
// the given agent.
func (e *Engine) RegisterResponder(agentID string, r Responder) {
	e.mu.Lock()
	e.responders[agentID] = r
	e.mu.Unlock()
}

// UnregisterResponder removes an agent's responder.
func (e *Engine) UnregisterResponder(agentID string) {
	e.mu.Lock()
	delete(e.responders, agentID)
	e.mu.Unlock()
}

// Propose runs one negotiation. On rejection the returned session is in
// REJECTED state and the error carries the reason; on timeout the session is
// EXPIRED and the error is a retryable HANDSHAKE_TIMEOUT.
func (e *Engine) Propose(ctx context.Context, req *Request) (*Session, error) {
	start := time.Now()
	if req.Deadline.IsZero() {
		req.Deadline = start.Add(e.cfg.DefaultDeadline)
	}

	sess := &Session{
		HandshakeID:   uuid.NewString(),
		SourceAgentID: req.SourceAgentID,
		TargetAgentID: req.TargetAgentID,
		TaskID:        req.TaskID,
		CreatedAt:     start,
		ExpiresAt:     start.Add(e.cfg.SessionTTL),
		state:         StateProposed,
	}
	e.mu.Lock()
	e.sessions[sess.HandshakeID] = sess
	e.mu.Unlock()

	// Protocol compatibility is checked before anything else; a mismatch is
	// never silently accepted.
	if !majorVersionMatch(req.ProtocolVersion, e.cfg.ProtocolVersion) {
		return sess, e.reject(sess, ReasonVersionMismatch, start,
			types.NewErrorf(types.ErrVersionMismatch,
				"protocol version %q incompatible with %q", req.ProtocolVersion, e.cfg.ProtocolVersion))
	}

	target, err := e.registry.Get(req.TargetAgentID)
	if err != nil {
		return sess, e.reject(sess, ReasonTargetOffline, start,
			types.NewErrorf(types.ErrAgentNotFound, "target %s not registered", req.TargetAgentID).
				WithRetryable(true))
	}

	if target.CapabilityMatchRatio(req.RequiredCapabilities) < 1.0 {
		return sess, e.reject(sess, ReasonCapabilityGap, start,
			types.NewErrorf(types.ErrCapabilityGap,
				"target %s lacks required capabilities", req.TargetAgentID))
	}

	if err := e.registry.ClaimCapacity(req.TargetAgentID); err != nil {
		return sess, e.reject(sess, ReasonCapacityExceeded, start, err)
	}
	sess.mu.Lock()
	sess.claimed = true
	sess.mu.Unlock()

	accepted, reason, err := e.askTarget(ctx, req)
	if err != nil {
		e.expire(sess, start)
		return sess, types.NewErrorf(types.ErrHandshakeTimeout,
			"handshake with %s timed out", req.TargetAgentID).
			WithCause(err).WithRetryable(true)
	}
	if !accepted {
		if reason == "" {
			reason = ReasonTargetDeclined
		}
		return sess, e.reject(sess, reason, start,
			types.NewErrorf(types.ErrCapabilityGap, "target %s declined: %s", req.TargetAgentID, reason).
				WithRetryable(true))
	}

	if _, err := sess.transition(StateAccepted); err != nil {
		return sess, err
	}
	if e.metrics != nil {
		e.metrics.RecordHandshake("accepted", time.Since(start))
	}
	e.emit(types.EventHandshakeAccepted, sess)
	e.logger.Info("handshake accepted",
		zap.String("handshake_id", sess.HandshakeID),
		zap.String("task_id", sess.TaskID),
		zap.String("source", sess.SourceAgentID),
		zap.String("target", sess.TargetAgentID),
	)
	return sess, nil
}

// ProposeWithRetry retries Propose with jittered exponential backoff for
// retryable failures (timeouts, transient capacity). Non-retryable
// rejections such as a version mismatch fail immediately.
func (e *Engine) ProposeWithRetry(ctx context.Context, req *Request) (*Session, error) {
	var sess *Session
	err := e.retryer.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		attempt := *req
		attempt.Deadline = time.Time{} // fresh deadline per attempt
		sess, attemptErr = e.Propose(ctx, &attempt)
		return attemptErr
	})
	return sess, err
}

// askTarget waits for the target's answer, bounded by the request deadline.
func (e *Engine) askTarget(ctx context.Context, req *Request) (bool, string, error) {
	e.mu.RLock()
	responder := e.responders[req.TargetAgentID]
	e.mu.RUnlock()

	if responder == nil {
		return true, "", nil
	}

	ctx, cancel := context.WithDeadline(ctx, req.Deadline)
	defer cancel()

	type answer struct {
		accepted bool
		reason   string
		err      error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, reason, err := responder.RespondHandshake(ctx, req)
		ch <- answer{ok, reason, err}
	}()

	select {
	case a := <-ch:
		return a.accepted, a.reason, a.err
	case <-ctx.Done():
		return false, "", ctx.Err()
	}
}

// Activate moves an accepted session to ACTIVE. The orchestrator calls this
// only after the state synchronizer confirms context transfer.
func (e *Engine) Activate(handshakeID string) error {
	sess, err := e.Get(handshakeID)
	if err != nil {
		return err
	}
	if _, err := sess.transition(StateActive); err != nil {
		return err
	}
	return nil
}

// Terminate finishes a session, releasing any workload slot it still holds
// on the target.
func (e *Engine) Terminate(handshakeID, reason string) error {
	sess, err := e.Get(handshakeID)
	if err != nil {
		return err
	}
	release, err := sess.transition(StateTerminated)
	if err != nil {
		return err
	}
	sess.Reason = reason
	if release {
		e.registry.ReleaseCapacity(sess.TargetAgentID)
	}
	e.emit(types.EventHandshakeTerminated, sess)
	return nil
}

// Cancel explicitly cancels a session. Capacity claimed on the target is
// released immediately.
func (e *Engine) Cancel(handshakeID string) error {
	return e.Terminate(handshakeID, "cancelled")
}

// Get returns a session by id.
func (e *Engine) Get(handshakeID string) (*Session, error) {
	e.mu.RLock()
	sess, ok := e.sessions[handshakeID]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrSessionNotFound, "handshake %s not found", handshakeID)
	}
	return sess, nil
}

func (e *Engine) reject(sess *Session, reason string, start time.Time, cause error) error {
	release, err := sess.transition(StateRejected)
	if err != nil {
		return err
	}
	sess.Reason = reason
	if release {
		e.registry.ReleaseCapacity(sess.TargetAgentID)
	}
	if e.metrics != nil {
		e.metrics.RecordHandshake("rejected", time.Since(start))
	}
	e.emit(types.EventHandshakeRejected, sess)
	e.logger.Debug("handshake rejected",
		zap.String("handshake_id", sess.HandshakeID),
		zap.String("target", sess.TargetAgentID),
		zap.String("reason", reason),
	)
	return cause
}

func (e *Engine) expire(sess *Session, start time.Time) {
	release, err := sess.transition(StateExpired)
	if err != nil {
		return
	}
	if release {
		e.registry.ReleaseCapacity(sess.TargetAgentID)
	}
	if e.metrics != nil {
		e.metrics.RecordHandshake("expired", time.Since(start))
	}
	e.emit(types.EventHandshakeExpired, sess)
}

func (e *Engine) emit(eventType string, sess *Session) {
	if e.pub == nil {
		return
	}
	ev := types.NewEvent(eventType, "handshake", map[string]any{
		"handshake_id": sess.HandshakeID,
		"task_id":      sess.TaskID,
		"source":       sess.SourceAgentID,
		"target":       sess.TargetAgentID,
		"reason":       sess.Reason,
	})
	e.pub.Publish(ev.WithCorrelation(sess.TaskID))
}

// sweepLoop expires non-terminal sessions past their ExpiresAt and drops
// terminal sessions from the table once expired.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.sweep()
		}
	}
}

func (e *Engine) sweep() {
	now := time.Now()

	e.mu.Lock()
	stale := make([]*Session, 0)
	for id, sess := range e.sessions {
		if now.After(sess.ExpiresAt) {
			if sess.State().Terminal() {
				delete(e.sessions, id)
				continue
			}
			stale = append(stale, sess)
		}
	}
	e.mu.Unlock()

	for _, sess := range stale {
		release, err := sess.transition(StateExpired)
		if err != nil {
			continue
		}
		if release {
			e.registry.ReleaseCapacity(sess.TargetAgentID)
		}
		e.logger.Warn("handshake session expired",
			zap.String("handshake_id", sess.HandshakeID),
			zap.String("task_id", sess.TaskID),
		)
		e.emit(types.EventHandshakeExpired, sess)
	}
}

// Close stops the expiry sweep.
func (e *Engine) Close() {
	e.closed.Do(func() {
		close(e.done)
		e.wg.Wait()
	})
}

// majorVersionMatch reports whether two protocol versions share a major
// component. Malformed versions never match.
func majorVersionMatch(a, b string) bool {
	ma, okA := majorOf(a)
	mb, okB := majorOf(b)
	return okA && okB && ma == mb
}

func majorOf(version string) (int, bool) {
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return major, true
}
