// Package queue provides an in-process job queue that reports job
// transitions as local events and as "queue.*" records on the event bus.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/domain"
	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/infrastructure/eventbus"
	"github.com/renflow/runner/pkg/logger"
	"github.com/renflow/runner/pkg/metrics"
)

const Kind = "memory"

const DefaultRetryDelay = time.Second

// Job events.
const (
	EventActive    = "active"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventWaiting   = "waiting"
)

// Error is a sentinel error type for queue failures.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrClosed      Error = "queue closed"
	ErrWorkerPanic Error = "queue worker panicked"
	ErrMissingType Error = "queue message type is required"
)

// Message is a unit of work.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload any            `json:"payload,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// EnqueueOptions controls delivery of one message.
type EnqueueOptions struct {
	// Delay postpones the first attempt.
	Delay time.Duration
	// Attempts is the total number of tries; values below 1 mean 1.
	Attempts int
}

// Stats is a snapshot of job counters.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobEvent is the payload of local job events.
type JobEvent struct {
	JobID   string           `json:"job_id"`
	Status  domain.JobStatus `json:"status"`
	Attempt int              `json:"attempt"`
	Message Message          `json:"msg"`
	Err     error            `json:"-"`
}

// WorkerFunc processes one message. A returned error triggers a retry while
// attempts remain.
type WorkerFunc func(ctx context.Context, msg Message) error

type job struct {
	id       string
	msg      Message
	attempts int
	tries    int
}

// Config configures a Memory queue.
type Config struct {
	Concurrency int
	RetryDelay  time.Duration
	Bus         *eventbus.Bus
	Metrics     *metrics.Metrics
}

// ConfigFromOptions reads "concurrency" and "retryDelay" options.
func ConfigFromOptions(opts adapter.Options) Config {
	return Config{
		Concurrency: opts.GetInt("concurrency", 1),
		RetryDelay:  opts.GetDuration("retryDelay", DefaultRetryDelay),
	}
}

// Memory is an in-process queue served by a fixed pool of workers.
type Memory struct {
	id          string
	concurrency int
	retryDelay  time.Duration
	bus         *eventbus.Bus
	metrics     *metrics.Metrics
	dispatcher  *adapter.Dispatcher

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*job
	timers   map[*time.Timer]struct{}
	stats    Stats
	handler  WorkerFunc
	closed   bool
	stopped  bool
	started  bool
	inflight sync.WaitGroup

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewMemory creates a queue. Workers start with StartWorker.
func NewMemory(id string, cfg Config) *Memory {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	q := &Memory{
		id:          id,
		concurrency: cfg.Concurrency,
		retryDelay:  cfg.RetryDelay,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		dispatcher:  adapter.NewDispatcher("queue", cfg.Metrics),
		timers:      make(map[*time.Timer]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Memory) ID() string   { return q.id }
func (q *Memory) Kind() string { return Kind }

// Concurrency returns the worker count used by StartWorker.
func (q *Memory) Concurrency() int { return q.concurrency }

// Enqueue adds msg and returns its job id (msg.ID when set).
func (q *Memory) Enqueue(ctx context.Context, msg Message, opts ...EnqueueOptions) (string, error) {
	if msg.Type == "" {
		return "", ErrMissingType
	}
	var o EnqueueOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	j := &job{id: msg.ID, msg: msg, attempts: o.Attempts}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	q.inflight.Add(1)
	q.stats.Waiting++
	if o.Delay > 0 {
		q.pushAfterLocked(o.Delay, j)
	} else {
		q.pushLocked(j)
	}
	return j.id, nil
}

func (q *Memory) pushLocked(j *job) {
	q.pending = append(q.pending, j)
	q.cond.Signal()
}

func (q *Memory) pushAfterLocked(d time.Duration, j *job) {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, live := q.timers[t]; !live {
			return
		}
		delete(q.timers, t)
		q.pushLocked(j)
	})
	q.timers[t] = struct{}{}
}

// StartWorker installs handler and starts the worker pool. Calling it again
// replaces the handler; concurrency only applies to the first call and
// values below 1 keep the configured concurrency.
func (q *Memory) StartWorker(handler WorkerFunc, concurrency int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handler = handler
	if q.started || q.stopped {
		return
	}
	if concurrency > 0 {
		q.concurrency = concurrency
	}
	q.started = true

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < q.concurrency; i++ {
		q.group.Go(func() error { return q.work(ctx) })
	}
	logger.InfoCF("queue", "Workers started", map[string]interface{}{
		"queue":       q.id,
		"concurrency": q.concurrency,
	})
}

func (q *Memory) next() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		return nil
	}
	j := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return j
}

func (q *Memory) work(ctx context.Context) error {
	for {
		j := q.next()
		if j == nil {
			return nil
		}
		q.process(ctx, j)
	}
}

func (q *Memory) process(ctx context.Context, j *job) {
	q.mu.Lock()
	if q.stats.Waiting > 0 {
		q.stats.Waiting--
	}
	q.stats.Active++
	handler := q.handler
	j.tries++
	attempt := j.tries
	q.mu.Unlock()

	q.emit(EventActive, j, attempt, nil)
	err := runWorker(ctx, handler, j.msg)

	q.mu.Lock()
	if q.stats.Active > 0 {
		q.stats.Active--
	}
	switch {
	case err == nil:
		q.stats.Completed++
		q.mu.Unlock()
		q.emit(EventCompleted, j, attempt, nil)
		q.inflight.Done()
	case attempt < j.attempts && !q.stopped:
		q.stats.Waiting++
		q.pushAfterLocked(q.retryDelay, j)
		q.mu.Unlock()
		q.emit(EventWaiting, j, attempt, err)
	default:
		q.stats.Failed++
		q.mu.Unlock()
		logger.WarnCF("queue", "Job failed", map[string]interface{}{
			"queue":   q.id,
			"job_id":  j.id,
			"attempt": attempt,
			"error":   err.Error(),
		})
		q.emit(EventFailed, j, attempt, err)
		q.inflight.Done()
	}
}

func runWorker(ctx context.Context, handler WorkerFunc, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return handler(ctx, msg)
}

// emit notifies local listeners and publishes "queue.<event>" on the bus
// with id "<job>:<event>:<attempt>".
func (q *Memory) emit(event string, j *job, attempt int, err error) {
	q.metrics.QueueJob(q.id, event)

	je := JobEvent{JobID: j.id, Status: domain.JobStatus(event), Attempt: attempt, Message: j.msg, Err: err}
	q.dispatcher.Dispatch(event, je)

	if q.bus == nil {
		return
	}
	data := events.QueueEventData{JobID: j.id, Attempt: attempt, Message: j.msg}
	if err != nil {
		data.Error = err.Error()
	}
	rec := events.New(events.QueuePrefix+event, q.id, data)
	rec.ID = j.id + ":" + event + ":" + strconv.Itoa(attempt)
	q.bus.Publish(rec)
}

// On registers h for one or more job events.
func (q *Memory) On(h adapter.Handler, events ...string) adapter.ListenerID {
	return q.dispatcher.On(h, events...)
}

// Off removes a listener.
func (q *Memory) Off(id adapter.ListenerID, events ...string) {
	q.dispatcher.Off(id, events...)
}

// Stats returns a snapshot of the counters.
func (q *Memory) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close stops accepting jobs, waits for queued and retrying jobs to finish
// (or ctx to end) and stops the workers. Jobs still pending or waiting on a
// retry timer when ctx ends are dropped, and a running job sees its context
// cancelled.
func (q *Memory) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	var waitErr error
	if started {
		drained := make(chan struct{})
		go func() {
			q.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
	}

	q.mu.Lock()
	q.stopped = true
	dropped := len(q.pending) + len(q.timers)
	for t := range q.timers {
		t.Stop()
		delete(q.timers, t)
	}
	q.pending = nil
	q.stats.Waiting -= dropped
	if q.stats.Waiting < 0 {
		q.stats.Waiting = 0
	}
	q.cond.Broadcast()
	cancel, group := q.cancel, q.group
	q.mu.Unlock()

	// Dropped jobs will never finish on their own.
	for i := 0; i < dropped; i++ {
		q.inflight.Done()
	}
	if cancel != nil {
		cancel()
	}
	if group != nil {
		_ = group.Wait()
	}
	if dropped > 0 {
		logger.WarnCF("queue", "Dropped pending jobs on close", map[string]interface{}{
			"queue":   q.id,
			"dropped": dropped,
		})
	}
	return waitErr
}
