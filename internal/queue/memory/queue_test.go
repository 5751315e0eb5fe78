package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stagecrawl/internal/crawler"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan crawler.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{RunID: "run-1"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "run-1", got.RunID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return run")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), crawler.QueueItem{RunID: "primed"}))
	require.Equal(t, 1, qEnqueue.Len())
	require.EqualError(t, qEnqueue.Enqueue(ctx, crawler.QueueItem{}), "enqueue canceled: context canceled")
}

func TestQueueCloseDrainsBufferedRuns(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	require.NoError(t, q.Enqueue(context.Background(), crawler.QueueItem{RunID: "run-1"}))
	q.Close()
	// Closing twice should be safe.
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), crawler.QueueItem{RunID: "run-2"}), ErrClosed)

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", item.RunID)

	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
