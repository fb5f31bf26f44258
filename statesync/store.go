// Package statesync transfers task context between agents with strict
// version ordering: a task's context version is strictly increasing, and a
// receiver never accepts a payload older than its last-seen version.
package statesync

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/lapa-ai/nexus/types"
)

// Store holds the authoritative TaskContext per task plus, per agent, the
// last context version that agent has acknowledged. Mutations are serialized
// per task; there is no global write lock.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*taskEntry
}

type taskEntry struct {
	mu    sync.Mutex
	ctx   types.TaskContext
	acked map[string]int64
}

// NewStore creates an empty context store.
func NewStore() *Store {
	return &Store{tasks: make(map[string]*taskEntry)}
}

// Seed creates the context for a new task. The owner starts fully
// acknowledged at version 1.
func (s *Store) Seed(taskID, ownerAgentID string, confidence float64, payload json.RawMessage) error {
	if taskID == "" || ownerAgentID == "" {
		return types.NewError(types.ErrInvalidRequest, "task id and owner are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[taskID]; exists {
		return types.NewErrorf(types.ErrInvalidRequest, "task %s already seeded", taskID)
	}

	tc := types.TaskContext{
		TaskID:       taskID,
		OwnerAgentID: ownerAgentID,
		Confidence:   confidence,
		Payload:      payload,
		Version:      1,
		History: []types.Decision{{
			AgentID:    ownerAgentID,
			Action:     "task.created",
			Confidence: confidence,
			Timestamp:  time.Now(),
		}},
	}
	s.tasks[taskID] = &taskEntry{
		ctx:   tc,
		acked: map[string]int64{ownerAgentID: 1},
	}
	return nil
}

// Get returns a copy of the task's context.
func (s *Store) Get(taskID string) (types.TaskContext, error) {
	e, err := s.lookup(taskID)
	if err != nil {
		return types.TaskContext{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx.Clone(), nil
}

// UpdateConfidence records a new confidence signal for the task, bumping the
// context version.
func (s *Store) UpdateConfidence(taskID string, confidence float64) (types.TaskContext, error) {
	return s.mutate(taskID, func(tc *types.TaskContext) error {
		tc.Confidence = confidence
		return nil
	})
}

// AppendDecision appends a history entry, bumping the context version.
func (s *Store) AppendDecision(taskID string, d types.Decision) (types.TaskContext, error) {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	return s.mutate(taskID, func(tc *types.TaskContext) error {
		tc.History = append(tc.History, d)
		return nil
	})
}

// SetOwner records an ownership change, bumping the context version. The
// caller (the orchestrator) guarantees that at any instant exactly one agent
// owns the task.
func (s *Store) SetOwner(taskID, agentID, reason string) (types.TaskContext, error) {
	return s.mutate(taskID, func(tc *types.TaskContext) error {
		tc.OwnerAgentID = agentID
		tc.History = append(tc.History, types.Decision{
			AgentID:    agentID,
			Action:     "ownership.assigned",
			Reason:     reason,
			Confidence: tc.Confidence,
			Timestamp:  time.Now(),
		})
		return nil
	})
}

// Remove deletes a finished task.
func (s *Store) Remove(taskID string) {
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
}

func (s *Store) mutate(taskID string, fn func(tc *types.TaskContext) error) (types.TaskContext, error) {
	e, err := s.lookup(taskID)
	if err != nil {
		return types.TaskContext{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.ctx.Clone()
	if err := fn(&next); err != nil {
		return types.TaskContext{}, err
	}
	next.Version = e.ctx.Version + 1
	e.ctx = next
	// The mutating side has seen its own write.
	e.acked[next.OwnerAgentID] = next.Version
	return next.Clone(), nil
}

func (s *Store) lookup(taskID string) (*taskEntry, error) {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewErrorf(types.ErrTaskNotFound, "task %s not found", taskID)
	}
	return e, nil
}
