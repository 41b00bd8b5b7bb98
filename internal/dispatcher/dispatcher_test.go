package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grocerlabs/pricescout/internal/pricing"
	queuememory "github.com/grocerlabs/pricescout/internal/queue/memory"
)

func TestEnqueueProxiesToQueue(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(1)
	d := New(q, nil)

	require.NoError(t, d.Enqueue(context.Background(), pricing.QueueItem{JobID: "job-1"}))

	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", item.JobID)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	d := New(queuememory.NewQueue(1), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
