package statesync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lapa-ai/nexus/internal/metrics"
	"github.com/lapa-ai/nexus/types"
)

// Mode selects how much context a transfer ships.
type Mode string

const (
	// ModeFull ships the entire TaskContext.
	ModeFull Mode = "full"
	// ModeIncremental ships only the delta since the receiver's last
	// acknowledged version.
	ModeIncremental Mode = "incremental"
)

// TransferResult reports a completed transfer.
type TransferResult struct {
	TaskID      string        `json:"task_id"`
	FromAgentID string        `json:"from_agent_id"`
	ToAgentID   string        `json:"to_agent_id"`
	Mode        Mode          `json:"mode"`
	Version     int64         `json:"version"`
	Duration    time.Duration `json:"duration"`
}

// Publisher publishes transfer lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Publish(ev types.Event)
}

// Config configures the synchronizer.
type Config struct {
	// TransferTimeout bounds a transfer when the caller's context carries
	// no deadline. Cross-agent calls never wait indefinitely.
	TransferTimeout time.Duration `json:"transfer_timeout" yaml:"transfer_timeout"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{TransferTimeout: 5 * time.Second}
}

// Synchronizer moves task context between agents atomically: either the
// payload is accepted and the context version advances, or nothing changes
// and an error is returned.
type Synchronizer struct {
	cfg     Config
	store   *Store
	logger  *zap.Logger
	metrics *metrics.Collector
	pub     Publisher
}

// NewSynchronizer creates a synchronizer over the given store.
func NewSynchronizer(cfg Config, store *Store, logger *zap.Logger, collector *metrics.Collector, pub Publisher) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultConfig().TransferTimeout
	}
	return &Synchronizer{
		cfg:     cfg,
		store:   store,
		logger:  logger.With(zap.String("component", "state_synchronizer")),
		metrics: collector,
		pub:     pub,
	}
}

// Store returns the underlying context store.
func (y *Synchronizer) Store() *Store { return y.store }

// Transfer ships the task's context from its current owner to the receiver.
// Incremental transfers require the receiver to be exactly one version
// behind; otherwise the call fails with STALE_VERSION and the caller is
// expected to fall back to a full transfer. Out-of-order updates are never
// applied silently.
func (y *Synchronizer) Transfer(ctx context.Context, taskID, fromAgentID, toAgentID string, mode Mode) (*TransferResult, error) {
	start := time.Now()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, y.cfg.TransferTimeout)
		defer cancel()
	}

	result, err := y.transfer(ctx, taskID, fromAgentID, toAgentID, mode)
	elapsed := time.Since(start)

	if err != nil {
		if y.metrics != nil {
			y.metrics.RecordTransfer(string(mode), "failed", elapsed)
		}
		y.emit(types.EventTransferFailed, taskID, fromAgentID, toAgentID, mode, 0, err)
		return nil, err
	}

	result.Duration = elapsed
	if y.metrics != nil {
		y.metrics.RecordTransfer(string(mode), "ok", elapsed)
	}
	y.emit(types.EventTransferCompleted, taskID, fromAgentID, toAgentID, mode, result.Version, nil)
	y.logger.Debug("context transferred",
		zap.String("task_id", taskID),
		zap.String("from", fromAgentID),
		zap.String("to", toAgentID),
		zap.String("mode", string(mode)),
		zap.Int64("version", result.Version),
	)
	return result, nil
}

func (y *Synchronizer) transfer(ctx context.Context, taskID, fromAgentID, toAgentID string, mode Mode) (*TransferResult, error) {
	e, err := y.store.lookup(taskID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, types.NewErrorf(types.ErrTransferTimeout, "transfer of task %s timed out", taskID).
			WithCause(ctx.Err()).WithRetryable(true)
	default:
	}

	if e.ctx.OwnerAgentID != fromAgentID {
		return nil, types.NewErrorf(types.ErrNotOwner,
			"task %s is owned by %s, not %s", taskID, e.ctx.OwnerAgentID, fromAgentID)
	}

	nextVersion := e.ctx.Version + 1

	if mode == ModeIncremental {
		lastKnown := e.acked[toAgentID]
		if lastKnown+1 != nextVersion {
			return nil, types.NewErrorf(types.ErrStaleVersion,
				"task %s: receiver %s acknowledged v%d, delta targets v%d",
				taskID, toAgentID, lastKnown, nextVersion)
		}
	}

	// Apply: advance the version and mark the receiver caught up. Under the
	// entry lock this is atomic with the checks above.
	e.ctx.Version = nextVersion
	e.acked[toAgentID] = nextVersion
	e.acked[fromAgentID] = nextVersion

	return &TransferResult{
		TaskID:      taskID,
		FromAgentID: fromAgentID,
		ToAgentID:   toAgentID,
		Mode:        mode,
		Version:     nextVersion,
	}, nil
}

// AckedVersion returns the last context version the agent has acknowledged
// for the task.
func (y *Synchronizer) AckedVersion(taskID, agentID string) (int64, error) {
	e, err := y.store.lookup(taskID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acked[agentID], nil
}

func (y *Synchronizer) emit(eventType, taskID, from, to string, mode Mode, version int64, cause error) {
	if y.pub == nil {
		return
	}
	payload := map[string]any{
		"task_id": taskID,
		"from":    from,
		"to":      to,
		"mode":    string(mode),
	}
	if version > 0 {
		payload["version"] = version
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	ev := types.NewEvent(eventType, "statesync", payload)
	y.pub.Publish(ev.WithCorrelation(taskID))
}
