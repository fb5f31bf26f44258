package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapa-ai/nexus/types"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := New(cfg, nil, nil)
	t.Cleanup(b.Close)
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestPublishDeliversToMatchingPatterns(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	var handoff, all, registry atomic.Int64
	_, err := b.Subscribe("handoff.*", func(_ context.Context, _ types.Event) { handoff.Add(1) })
	require.NoError(t, err)
	_, err = b.Subscribe("**", func(_ context.Context, _ types.Event) { all.Add(1) })
	require.NoError(t, err)
	_, err = b.Subscribe("registry.*", func(_ context.Context, _ types.Event) { registry.Add(1) })
	require.NoError(t, err)

	b.Publish(types.NewEvent(types.EventHandoffStarted, "test", nil))
	b.Publish(types.NewEvent(types.EventHandoffAccepted, "test", nil))

	waitFor(t, func() bool { return handoff.Load() == 2 && all.Load() == 2 })
	assert.Equal(t, int64(0), registry.Load())
}

func TestInvalidPatternRejected(t *testing.T) {
	b := newTestBus(t, DefaultConfig())
	_, err := b.Subscribe("handoff.[", func(_ context.Context, _ types.Event) {})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestOrderPreservedPerCorrelation(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 1024, MaxInFlight: 8})

	var mu sync.Mutex
	seen := make(map[string][]int)
	done := make(chan struct{})

	const perTask = 50
	_, err := b.Subscribe("handoff.*", func(_ context.Context, ev types.Event) {
		mu.Lock()
		seen[ev.CorrelationID] = append(seen[ev.CorrelationID], ev.Payload["seq"].(int))
		total := len(seen["task-a"]) + len(seen["task-b"])
		mu.Unlock()
		if total == 2*perTask {
			close(done)
		}
	})
	require.NoError(t, err)

	for i := 0; i < perTask; i++ {
		for _, task := range []string{"task-a", "task-b"} {
			ev := types.NewEvent(types.EventHandoffStarted, "test", map[string]any{"seq": i})
			b.Publish(ev.WithCorrelation(task))
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, task := range []string{"task-a", "task-b"} {
		for i, seq := range seen[task] {
			require.Equal(t, i, seq, "out-of-order delivery for %s", task)
		}
	}
}

func TestFullQueueDropsWithoutBlockingPublisher(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 1, MaxInFlight: 1})

	block := make(chan struct{})
	var delivered atomic.Int64
	_, err := b.Subscribe("handoff.*", func(_ context.Context, _ types.Event) {
		delivered.Add(1)
		<-block
	})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		b.Publish(types.NewEvent(types.EventHandoffStarted, "test", nil))
	}
	close(block)

	waitFor(t, func() bool { return b.Dropped() > 0 })
	// At-most-once: nothing is redelivered, so delivered + dropped never
	// exceeds what was published.
	waitFor(t, func() bool { return delivered.Load()+b.Dropped() >= 20 })
	assert.LessOrEqual(t, delivered.Load()+b.Dropped(), int64(20))
}

func TestExpiredEventsPurgedAtDispatch(t *testing.T) {
	b := newTestBus(t, Config{QueueSize: 16, MaxInFlight: 1, EventTTL: 10 * time.Millisecond})

	release := make(chan struct{})
	var delivered atomic.Int64
	_, err := b.Subscribe("handoff.*", func(_ context.Context, _ types.Event) {
		delivered.Add(1)
		<-release
	})
	require.NoError(t, err)

	// First event occupies the handler; the rest age out in the queue.
	for i := 0; i < 5; i++ {
		b.Publish(types.NewEvent(types.EventHandoffStarted, "test", nil))
	}
	waitFor(t, func() bool { return delivered.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	close(release)

	waitFor(t, func() bool { return b.Expired() == 4 })
	assert.Equal(t, int64(1), delivered.Load())
}

func TestHandlerPanicDoesNotKillDispatch(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	var survived atomic.Int64
	_, err := b.Subscribe("handoff.*", func(_ context.Context, ev types.Event) {
		if ev.Payload["boom"] == true {
			panic("handler exploded")
		}
		survived.Add(1)
	})
	require.NoError(t, err)

	b.Publish(types.NewEvent(types.EventHandoffStarted, "test", map[string]any{"boom": true}))
	b.Publish(types.NewEvent(types.EventHandoffStarted, "test", nil))

	waitFor(t, func() bool { return survived.Load() == 1 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	var count atomic.Int64
	id, err := b.Subscribe("handoff.*", func(_ context.Context, _ types.Event) { count.Add(1) })
	require.NoError(t, err)

	b.Publish(types.NewEvent(types.EventHandoffStarted, "test", nil))
	waitFor(t, func() bool { return count.Load() == 1 })

	b.Unsubscribe(id)
	b.Publish(types.NewEvent(types.EventHandoffStarted, "test", nil))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), count.Load())
}

func TestPublishErrorEmitsTaggedEvent(t *testing.T) {
	b := newTestBus(t, DefaultConfig())

	got := make(chan types.Event, 1)
	_, err := b.Subscribe("error.*", func(_ context.Context, ev types.Event) { got <- ev })
	require.NoError(t, err)

	b.PublishError("handshake", "task-1", types.NewError(types.ErrHandshakeTimeout, "no answer"))

	select {
	case ev := <-got:
		assert.Equal(t, "error.handshake_timeout", ev.Type)
		assert.Equal(t, "task-1", ev.CorrelationID)
		assert.Equal(t, "HANDSHAKE_TIMEOUT", ev.Payload["code"])
	case <-time.After(time.Second):
		t.Fatal("error event not delivered")
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := New(DefaultConfig(), nil, nil)
	var count atomic.Int64
	_, err := b.Subscribe("**", func(_ context.Context, _ types.Event) { count.Add(1) })
	require.NoError(t, err)

	b.Close()
	b.Publish(types.NewEvent(types.EventHandoffStarted, "test", nil))
	assert.Equal(t, int64(0), count.Load())
}
