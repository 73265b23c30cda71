package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
)

type collector struct {
	mu   sync.Mutex
	recs []events.Record
}

func (c *collector) add(r events.Record) {
	c.mu.Lock()
	c.recs = append(c.recs, r)
	c.mu.Unlock()
}

func (c *collector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.recs))
	for _, r := range c.recs {
		out = append(out, r.Type)
	}
	return out
}

func newTestQueue(t *testing.T, retry time.Duration) (*Memory, *collector) {
	t.Helper()
	bus := eventbus.New()
	t.Cleanup(bus.Close)
	c := &collector{}
	bus.Subscribe(eventbus.BySource("memory-1"), c.add)

	q := NewMemory("memory-1", Config{RetryDelay: retry, Bus: bus})
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q, c
}

func TestConfigFromOptions(t *testing.T) {
	cfg := ConfigFromOptions(adapter.Options{"concurrency": 4, "retryDelay": "250ms"})
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)

	cfg = ConfigFromOptions(nil)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, DefaultRetryDelay, cfg.RetryDelay)
}

func TestMemory_EnqueueValidates(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	_, err := q.Enqueue(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrMissingType)

	id, err := q.Enqueue(context.Background(), Message{Type: "job"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	id, err = q.Enqueue(context.Background(), Message{ID: "fixed", Type: "job"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)
	assert.Equal(t, 2, q.Stats().Waiting)
}

func TestMemory_ProcessesJobs(t *testing.T) {
	q, c := newTestQueue(t, 0)
	var seen atomic.Int32
	q.StartWorker(func(ctx context.Context, msg Message) error {
		seen.Add(1)
		return nil
	}, 2)

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(context.Background(), Message{Type: "job"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return q.Stats().Completed == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(5), seen.Load())
	assert.Equal(t, Stats{Completed: 5}, q.Stats())
	assert.Equal(t, 2, q.Concurrency())
	assert.Eventually(t, func() bool { return len(c.types()) == 10 }, time.Second, 5*time.Millisecond)
}

func TestMemory_RetriesThenFails(t *testing.T) {
	q, c := newTestQueue(t, 10*time.Millisecond)

	var local []JobEvent
	var mu sync.Mutex
	q.On(func(p any) {
		mu.Lock()
		local = append(local, p.(JobEvent))
		mu.Unlock()
	}, EventWaiting, EventFailed)

	q.StartWorker(func(ctx context.Context, msg Message) error {
		return errors.New("boom")
	}, 1)
	_, err := q.Enqueue(context.Background(), Message{ID: "j1", Type: "job"}, EnqueueOptions{Attempts: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Stats{Failed: 1}, q.Stats())

	assert.Eventually(t, func() bool { return len(c.types()) == 6 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"queue.active", "queue.waiting",
		"queue.active", "queue.waiting",
		"queue.active", "queue.failed",
	}, c.types())

	c.mu.Lock()
	last := c.recs[len(c.recs)-1]
	c.mu.Unlock()
	assert.Equal(t, "j1:failed:3", last.ID)
	data := last.Payload.(events.QueueEventData)
	assert.Equal(t, "boom", data.Error)
	assert.Equal(t, 3, data.Attempt)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, local, 3)
	assert.Equal(t, EventFailed, string(local[2].Status))
}

func TestMemory_RecoversWorkerPanic(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	q.StartWorker(func(ctx context.Context, msg Message) error {
		panic("bad job")
	}, 1)
	_, err := q.Enqueue(context.Background(), Message{Type: "job"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemory_DelayedJob(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	done := make(chan time.Time, 1)
	q.StartWorker(func(ctx context.Context, msg Message) error {
		done <- time.Now()
		return nil
	}, 1)

	start := time.Now()
	_, err := q.Enqueue(context.Background(), Message{Type: "job"}, EnqueueOptions{Delay: 30 * time.Millisecond})
	require.NoError(t, err)

	select {
	case at := <-done:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestMemory_CloseDrains(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	release := make(chan struct{})
	q.StartWorker(func(ctx context.Context, msg Message) error {
		<-release
		return nil
	}, 1)
	_, err := q.Enqueue(context.Background(), Message{Type: "job"})
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- q.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned before the job finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-closed)
	assert.Equal(t, 1, q.Stats().Completed)

	_, err = q.Enqueue(context.Background(), Message{Type: "job"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, q.Close(context.Background()))
}

func TestMemory_CloseHonoursContext(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	q.StartWorker(func(ctx context.Context, msg Message) error {
		return errors.New("retry later")
	}, 1)
	_, err := q.Enqueue(context.Background(), Message{Type: "job"}, EnqueueOptions{Attempts: 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
}

func TestMemory_CloseTimeoutReleasesDroppedJobs(t *testing.T) {
	q, _ := newTestQueue(t, time.Hour)
	running := make(chan struct{}, 1)
	q.StartWorker(func(ctx context.Context, msg Message) error {
		running <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}, 1)

	bg := context.Background()
	_, err := q.Enqueue(bg, Message{ID: "busy", Type: "job"})
	require.NoError(t, err)
	<-running
	_, err = q.Enqueue(bg, Message{ID: "queued", Type: "job"})
	require.NoError(t, err)
	_, err = q.Enqueue(bg, Message{ID: "later", Type: "job"}, EnqueueOptions{Delay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(bg, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

	drained := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("dropped jobs still counted as in flight after close")
	}
	assert.Zero(t, q.Stats().Waiting)
	assert.Equal(t, 1, q.Stats().Failed)
}
