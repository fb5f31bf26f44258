package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lapa-ai/nexus/consensus"
	"github.com/lapa-ai/nexus/handshake"
	"github.com/lapa-ai/nexus/internal/pool"
	"github.com/lapa-ai/nexus/orchestrator"
	"github.com/lapa-ai/nexus/registry"
	"github.com/lapa-ai/nexus/statesync"
	"github.com/lapa-ai/nexus/types"
)

// HandlerFunc handles one decoded JSON-RPC call.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Config configures the RPC server.
type Config struct {
	// RequestTimeout bounds a single call.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// RateLimit is the per-connection sustained request rate.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	// RateBurst is the per-connection burst allowance.
	RateBurst int `json:"rate_burst" yaml:"rate_burst"`
	// Pool sizes the worker pool handling WebSocket calls.
	Pool pool.Config `json:"pool" yaml:"pool"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		RateLimit:      100,
		RateBurst:      50,
		Pool:           pool.DefaultConfig(),
	}
}

// Deps are the coordination components the server exposes.
type Deps struct {
	Registry     *registry.Registry
	Handshake    *handshake.Engine
	Synchronizer *statesync.Synchronizer
	Consensus    *consensus.Coordinator
	Orchestrator *orchestrator.Orchestrator
}

// Server serves the coordination API over JSON-RPC 2.0. It implements
// http.Handler: WebSocket upgrades get a bidirectional stream, anything else
// is treated as a single HTTP POST call.
type Server struct {
	cfg    Config
	logger *zap.Logger
	deps   Deps
	pool   *pool.GoroutinePool

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewServer creates a server with the built-in method table.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "rpc_server")),
		deps:     deps,
		pool:     pool.New(cfg.Pool),
		handlers: make(map[string]HandlerFunc),
	}
	s.registerBuiltins()
	return s
}

// Register installs a method handler, replacing any previous one.
func (s *Server) Register(method string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

func (s *Server) registerBuiltins() {
	s.Register("registry.register", s.handleRegister)
	s.Register("registry.heartbeat", s.handleHeartbeat)
	s.Register("registry.candidates", s.handleCandidates)
	s.Register("handshake.propose", s.handlePropose)
	s.Register("sync.transfer", s.handleTransfer)
	s.Register("consensus.open", s.handleConsensusOpen)
	s.Register("consensus.vote", s.handleConsensusVote)
	s.Register("task.start", s.handleTaskStart)
	s.Register("task.confidence", s.handleTaskConfidence)
	s.Register("task.delegate", s.handleTaskDelegate)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeJSON(w, NewErrorResponse(nil, CodeParseError, "malformed request", nil))
		return
	}
	s.writeJSON(w, s.dispatch(r.Context(), &msg))
}

func (s *Server) writeJSON(w http.ResponseWriter, msg *Message) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		s.logger.Warn("response write failed", zap.Error(err))
	}
}

// serveWebSocket runs a bidirectional JSON-RPC stream. Calls run on the
// worker pool so a slow handler never stalls the read loop; a per-connection
// write mutex keeps responses framed.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server shutdown")

	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	var writeMu sync.Mutex
	ctx := r.Context()

	write := func(msg *Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, conn, msg); err != nil {
			s.logger.Debug("websocket write failed", zap.Error(err))
		}
	}

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			s.logger.Debug("websocket read ended", zap.Error(err))
			return
		}

		if !limiter.Allow() {
			write(NewErrorResponse(msg.ID, CodeRateLimited, "rate limit exceeded", nil))
			continue
		}

		call := msg
		if err := s.pool.Submit(ctx, func(ctx context.Context) error {
			write(s.dispatch(ctx, &call))
			return nil
		}); err != nil {
			write(NewErrorResponse(call.ID, CodeInternalError, "server overloaded", nil))
		}
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (s *Server) dispatch(ctx context.Context, msg *Message) *Message {
	if msg.JSONRPC != "2.0" || msg.Method == "" {
		return NewErrorResponse(msg.ID, CodeInvalidRequest, "invalid request", nil)
	}

	s.mu.RLock()
	h, ok := s.handlers[msg.Method]
	s.mu.RUnlock()
	if !ok {
		return NewErrorResponse(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	result, err := h(ctx, msg.Params)
	if err != nil {
		s.logger.Debug("call failed",
			zap.String("method", msg.Method),
			zap.Error(err),
		)
		return errorResponse(msg.ID, err)
	}
	return NewResponse(msg.ID, result)
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, types.NewError(types.ErrInvalidRequest, "params are required")
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, types.NewError(types.ErrInvalidRequest, "malformed params").WithCause(err)
	}
	return v, nil
}

func (s *Server) handleRegister(_ context.Context, params json.RawMessage) (any, error) {
	desc, err := decode[types.AgentDescriptor](params)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Registry.Register(desc); err != nil {
		return nil, err
	}
	return map[string]any{"registered": true}, nil
}

func (s *Server) handleHeartbeat(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		AgentID  string `json:"agent_id"`
		Workload int    `json:"workload"`
	}](params)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Registry.Heartbeat(req.AgentID, req.Workload); err != nil {
		return nil, err
	}
	return map[string]any{"alive": true}, nil
}

func (s *Server) handleCandidates(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		Required []types.Capability `json:"required"`
	}](params)
	if err != nil {
		return nil, err
	}
	return s.deps.Registry.FindCandidates(req.Required), nil
}

func (s *Server) handlePropose(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[handshake.Request](params)
	if err != nil {
		return nil, err
	}
	sess, err := s.deps.Handshake.Propose(ctx, &req)
	if err != nil {
		// Rejections still produce a wire response so the caller learns
		// the reason code.
		if sess != nil && sess.State() == handshake.StateRejected {
			return handshake.Response{
				Accepted:    false,
				HandshakeID: sess.HandshakeID,
				Reason:      sess.Reason,
			}, nil
		}
		return nil, err
	}
	return handshake.Response{Accepted: true, HandshakeID: sess.HandshakeID}, nil
}

func (s *Server) handleTransfer(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID      string `json:"task_id"`
		FromAgentID string `json:"from_agent_id"`
		ToAgentID   string `json:"to_agent_id"`
		Mode        string `json:"mode"`
	}](params)
	if err != nil {
		return nil, err
	}
	mode := statesync.Mode(req.Mode)
	if mode != statesync.ModeFull && mode != statesync.ModeIncremental {
		return nil, types.NewErrorf(types.ErrInvalidRequest, "unknown transfer mode %q", req.Mode)
	}
	return s.deps.Synchronizer.Transfer(ctx, req.TaskID, req.FromAgentID, req.ToAgentID, mode)
}

func (s *Server) handleConsensusOpen(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decode[consensus.OpenRequest](params)
	if err != nil {
		return nil, err
	}
	sessionID, err := s.deps.Consensus.OpenSession(req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"session_id": sessionID}, nil
}

func (s *Server) handleConsensusVote(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		SessionID string `json:"session_id"`
		AgentID   string `json:"agent_id"`
		Decision  bool   `json:"decision"`
	}](params)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Consensus.Vote(req.SessionID, req.AgentID, req.Decision); err != nil {
		return nil, err
	}
	outcome, err := s.deps.Consensus.GetOutcome(req.SessionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"outcome": string(outcome)}, nil
}

func (s *Server) handleTaskStart(_ context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID       string          `json:"task_id"`
		OwnerAgentID string          `json:"owner_agent_id"`
		Mode         types.Mode      `json:"mode"`
		Payload      json.RawMessage `json:"payload"`
	}](params)
	if err != nil {
		return nil, err
	}
	if err := s.deps.Orchestrator.StartTask(req.TaskID, req.OwnerAgentID, req.Mode, req.Payload); err != nil {
		return nil, err
	}
	return map[string]any{"started": true}, nil
}

func (s *Server) handleTaskConfidence(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID     string  `json:"task_id"`
		Confidence float64 `json:"confidence"`
	}](params)
	if err != nil {
		return nil, err
	}
	reportErr := s.deps.Orchestrator.ReportConfidence(ctx, req.TaskID, req.Confidence)
	status, statusErr := s.deps.Orchestrator.Status(req.TaskID)
	if statusErr != nil {
		return nil, statusErr
	}
	result := map[string]any{"status": string(status)}
	if reportErr != nil {
		// A failed handoff attempt is not a failed call; the caller gets
		// the task status plus the coordination error code.
		result["error"] = string(types.GetErrorCode(reportErr))
	}
	return result, nil
}

func (s *Server) handleTaskDelegate(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decode[struct {
		TaskID     string           `json:"task_id"`
		Capability types.Capability `json:"capability"`
	}](params)
	if err != nil {
		return nil, err
	}
	return s.deps.Orchestrator.Delegate(ctx, req.TaskID, req.Capability)
}

// Close drains the worker pool.
func (s *Server) Close() {
	s.pool.Close()
}
