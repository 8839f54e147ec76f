package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/machi/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnqueue_CapacityBound(t *testing.T) {
	q := New[int]("persist", 100)

	var ok, full int
	for i := 0; i < 120; i++ {
		err := q.Enqueue(i)
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, model.ErrQueueFull):
			full++
		}
	}
	assert.Equal(t, 100, ok)
	assert.Equal(t, 20, full)
	assert.Equal(t, 100, q.Len())
	assert.Equal(t, int64(20), q.Dropped())
}

func TestDequeue_FIFO(t *testing.T) {
	q := New[string]("interaction", 3)
	require.NoError(t, q.Enqueue("a"))
	require.NoError(t, q.Enqueue("b"))
	require.NoError(t, q.Enqueue("c"))

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDequeue_BlocksUntilItem(t *testing.T) {
	q := New[int]("interaction", 1)
	got := make(chan int, 1)
	go func() {
		v, err := q.Dequeue(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned before anything was enqueued")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, q.Enqueue(7))
	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestClose_WakesBlockedConsumers(t *testing.T) {
	q := New[int]("persist", 4)
	const consumers = 5

	var wg sync.WaitGroup
	errs := make(chan error, consumers)
	for range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, model.ErrDrained)
	}
	assert.True(t, q.Closed())
	assert.ErrorIs(t, q.Enqueue(1), model.ErrQueueClosed)
}

func TestDrainRemaining(t *testing.T) {
	q := New[int]("persist", 5)
	for i := range 3 {
		require.NoError(t, q.Enqueue(i))
	}
	q.Close()

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, model.ErrDrained)
	assert.Equal(t, []int{0, 1, 2}, q.DrainRemaining())
	assert.Empty(t, q.DrainRemaining())
}

func TestDequeue_ContextCancel(t *testing.T) {
	q := New[int]("interaction", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrentProducers_NeverExceedCapacity(t *testing.T) {
	q := New[int]("persist", 50)
	var wg sync.WaitGroup
	for p := range 10 {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := range 20 {
				_ = q.Enqueue(p*100 + i)
			}
		}(p)
	}
	wg.Wait()
	assert.Equal(t, 50, q.Len())
	assert.Equal(t, int64(150), q.Dropped())
}
