package progress

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(sampleEvent(StageRunStart))
	hub.Emit(sampleEvent(StageURLSkipped))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	t.Cleanup(func() { require.NoError(t, hub.Close(context.Background())) })

	hub.Emit(sampleEvent(StageRunStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{cfg: Config{}.withDefaults(), events: make(chan Event)}
	start := time.Now()
	hub.Emit(sampleEvent(StageRunStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(0), hub.dropped.Load(), "drop counter resets after the first warning")
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageRunStart})
	hub.Emit(Event{RunID: "r", TS: time.Now(), Stage: "BOGUS"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.True(t, sink.Closed())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleEvent(StageRunStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)

	// Emitting after close is a no-op.
	hub.Emit(sampleEvent(StageRunDone))
	require.NoError(t, hub.Close(context.Background()))
}

func TestHubLogsSinkFailures(t *testing.T) {
	t.Parallel()

	failing := sinkFunc(func(context.Context, []Event) error { return fmt.Errorf("sink down") })
	ok := &stubSink{}
	hub := NewHub(Config{MaxBatchEvents: 1, Logger: zap.NewNop()}, failing, nil, ok)
	hub.Emit(sampleEvent(StageRunStart))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, ok.Batches(), 1)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(StageRunDone).Validate())
	fetch := sampleEvent(StageFetchDone)
	fetch.Site = ""
	require.Error(t, fetch.Validate())
	neg := sampleEvent(StageRunDone)
	neg.Dur = -time.Second
	require.Error(t, neg.Validate())
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

// --- fakes ---

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }
func (sinkFunc) Close(context.Context) error                       { return nil }

func sampleEvent(stage Stage) Event {
	evt := Event{RunID: "run-1", TaskID: "task-1", TS: time.Now(), Stage: stage}
	if stage == StageFetchDone {
		evt.Site = "example.com"
		evt.StatusClass = Status2xx
	}
	return evt
}
