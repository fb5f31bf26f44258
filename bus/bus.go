package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lapa-ai/nexus/internal/metrics"
	"github.com/lapa-ai/nexus/types"
)

// Handler processes a delivered event. Handlers must not block indefinitely;
// ctx is cancelled when the bus shuts down.
type Handler func(ctx context.Context, ev types.Event)

// Config configures the event bus.
type Config struct {
	// QueueSize is the per-subscription queue bound.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
	// MaxInFlight caps concurrent handler invocations across subscriptions.
	MaxInFlight int64 `json:"max_in_flight" yaml:"max_in_flight"`
	// EventTTL purges events not dispatched within this window. Zero
	// disables purging.
	EventTTL time.Duration `json:"event_ttl" yaml:"event_ttl"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:   256,
		MaxInFlight: 128,
		EventTTL:    time.Minute,
	}
}

// Bus is the in-process event bus.
type Bus struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	sem *semaphore.Weighted

	mu   sync.RWMutex
	subs map[string]*subscription

	dropped atomic.Int64
	expired atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type subscription struct {
	id      string
	pattern string
	matcher glob.Glob
	handler Handler
	queue   chan types.Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// New creates an event bus. The collector may be nil.
func New(cfg Config, logger *zap.Logger, collector *metrics.Collector) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "event_bus")),
		metrics: collector,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		subs:    make(map[string]*subscription),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Publish fans the event out to all matching subscriptions. It never blocks
// the publisher: a subscription whose queue is full loses the event, and the
// drop is counted.
func (b *Bus) Publish(ev types.Event) {
	if b.closed.Load() {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if b.metrics != nil {
		b.metrics.RecordEventPublished(ev.Type)
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.matcher.Match(ev.Type) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		select {
		case sub.queue <- ev:
		default:
			b.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.RecordEventDropped("queue_full")
			}
			b.logger.Warn("subscription queue full, dropping event",
				zap.String("subscription", sub.id),
				zap.String("event_type", ev.Type),
			)
		}
	}
}

// Subscribe registers a handler for event types matching pattern. Patterns
// use glob syntax with "." as separator, e.g. "handoff.*" or "registry.**".
func (b *Bus) Subscribe(pattern string, handler Handler) (string, error) {
	matcher, err := glob.Compile(pattern, '.')
	if err != nil {
		return "", types.NewErrorf(types.ErrInvalidRequest, "invalid event pattern %q", pattern).WithCause(err)
	}

	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		matcher: matcher,
		handler: handler,
		queue:   make(chan types.Event, b.cfg.QueueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatchLoop(sub)

	return sub.id, nil
}

// Unsubscribe removes a subscription. Events already queued for it are
// discarded.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// dispatchLoop drains one subscription queue. Handlers for a given
// subscription run sequentially, preserving publish order; the semaphore
// bounds parallelism across subscriptions.
func (b *Bus) dispatchLoop(sub *subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case <-b.baseCtx.Done():
			return
		case ev := <-sub.queue:
			if b.cfg.EventTTL > 0 && time.Since(ev.Timestamp) > b.cfg.EventTTL {
				b.expired.Add(1)
				if b.metrics != nil {
					b.metrics.RecordEventDropped("expired")
				}
				continue
			}
			if err := b.sem.Acquire(b.baseCtx, 1); err != nil {
				return
			}
			b.invoke(sub, ev)
			b.sem.Release(1)
		}
	}
}

func (b *Bus) invoke(sub *subscription, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("subscription", sub.id),
				zap.String("event_type", ev.Type),
				zap.Any("recover", r),
			)
		}
	}()
	sub.handler(b.baseCtx, ev)
	if b.metrics != nil {
		b.metrics.RecordEventDelivered(ev.Type)
	}
}

// Dropped returns the number of events lost to full subscription queues.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Expired returns the number of events purged by TTL at dispatch time.
func (b *Bus) Expired() int64 { return b.expired.Load() }

// Close shuts the bus down and waits for dispatch goroutines to exit.
// Pending queued events are discarded.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.cancel()

	b.mu.Lock()
	for id, sub := range b.subs {
		sub.stop()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// PublishError publishes the observability event for a structured error,
// correlated to the given task.
func (b *Bus) PublishError(source, taskID string, err error) {
	code := types.GetErrorCode(err)
	if code == "" {
		code = "INTERNAL"
	}
	ev := types.NewEvent(code.EventType(), source, map[string]any{
		"task_id": taskID,
		"error":   err.Error(),
		"code":    string(code),
	})
	b.Publish(ev.WithCorrelation(taskID))
}
