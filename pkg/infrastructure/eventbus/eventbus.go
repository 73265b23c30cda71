// Package eventbus provides the in-process publish/subscribe hub shared by
// adapters, queues and the connector manager.
//
// Publishing an event that carries an id suppresses repeats of that id for
// the dedup window. The last N published events are kept in a replay buffer
// so late subscribers can catch up. Handlers run synchronously on the
// publishing goroutine, in subscription order, outside the bus lock.
package eventbus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/renflow/runner/pkg/events"
	"github.com/renflow/runner/pkg/logger"
	"github.com/renflow/runner/pkg/metrics"
)

const (
	DefaultRecentSize  = 200
	DefaultDedupeTTL   = 30 * time.Second
	DefaultRecentLimit = 50

	minSweepInterval = time.Second
)

// Handler receives published records.
type Handler func(events.Record)

type subscription struct {
	id        uint64
	filter    Filter
	handler   Handler
	createdAt time.Time

	// While replaying, live records are queued in pending and delivered
	// after the replayed ones.
	gate      sync.Mutex
	replaying bool
	pending   []events.Record
}

// Bus is the in-process event bus. The zero value is not usable; call New.
type Bus struct {
	mu      sync.Mutex
	subs    []*subscription
	nextID  uint64
	seen    map[string]time.Time
	history *ring
	ttl     time.Duration
	closed  bool

	now     func() time.Time
	metrics *metrics.Metrics

	ticker   *time.Ticker
	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithRecentSize sets the replay buffer capacity.
func WithRecentSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newRing(n)
		}
	}
}

// WithDedupeTTL sets the dedup window.
func WithDedupeTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.ttl = ttl }
}

// WithClock overrides the time source used for dedup expiry and timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates a bus and starts its dedup sweep.
func New(opts ...Option) *Bus {
	b := &Bus{
		seen:    make(map[string]time.Time),
		history: newRing(DefaultRecentSize),
		ttl:     DefaultDedupeTTL,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.ticker = time.NewTicker(sweepInterval(b.ttl))
	go b.sweepLoop()
	return b
}

func sweepInterval(ttl time.Duration) time.Duration {
	if d := ttl / 4; d > minSweepInterval {
		return d
	}
	return minSweepInterval
}

func (b *Bus) sweepLoop() {
	for {
		select {
		case <-b.ticker.C:
			b.sweep()
		case <-b.stop:
			return
		}
	}
}

// sweep drops dedup entries whose expiry has passed.
func (b *Bus) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for id, exp := range b.seen {
		if !now.Before(exp) {
			delete(b.seen, id)
		}
	}
}

// Publish records evt and delivers it to every matching subscription. A
// record whose id was already published within the dedup window is dropped
// silently.
func (b *Bus) Publish(evt events.Record) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	now := b.now()
	if evt.ID != "" {
		if exp, ok := b.seen[evt.ID]; ok && now.Before(exp) {
			b.mu.Unlock()
			b.metrics.EventDeduplicated()
			return
		}
		b.seen[evt.ID] = now.Add(b.ttl)
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = now.UnixMilli()
	}
	b.history.push(evt)

	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter.Matches(evt) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	b.metrics.EventPublished(evt.Type)
	for _, s := range targets {
		b.dispatch(s, evt)
	}
}

// dispatch delivers evt to s, or queues it while s is still replaying.
func (b *Bus) dispatch(s *subscription, evt events.Record) {
	s.gate.Lock()
	if s.replaying {
		s.pending = append(s.pending, evt)
		s.gate.Unlock()
		return
	}
	s.gate.Unlock()
	b.deliver(s.handler, evt)
}

// finishReplay drains records queued during replay and then lets live
// records through.
func (b *Bus) finishReplay(s *subscription) {
	for {
		s.gate.Lock()
		batch := s.pending
		s.pending = nil
		if len(batch) == 0 {
			s.replaying = false
			s.gate.Unlock()
			return
		}
		s.gate.Unlock()
		for _, evt := range batch {
			b.deliver(s.handler, evt)
		}
	}
}

// SubscribeOption configures a single subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	replay int
}

// WithReplay delivers up to n of the most recent buffered events matching the
// filter before Subscribe returns. Records published while the replay runs
// are delivered after it, so the handler sees buffered and live records in
// publish order with no gap and no repeats.
func WithReplay(n int) SubscribeOption {
	return func(c *subscribeConfig) { c.replay = n }
}

// Subscribe registers handler for records matching filter. The returned
// function removes the subscription and may be called any number of times.
func (b *Bus) Subscribe(filter Filter, handler Handler, opts ...SubscribeOption) func() {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.nextID++
	sub := &subscription{
		id:        b.nextID,
		filter:    filter,
		handler:   handler,
		createdAt: b.now(),
	}

	var replay []events.Record
	if cfg.replay > 0 {
		replay = b.history.lastMatching(cfg.replay, filter.Matches)
		sub.replaying = len(replay) > 0
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	if sub.replaying {
		for _, evt := range replay {
			b.deliver(handler, evt)
		}
		b.finishReplay(sub)
	}

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sub.id) })
	}
}

// Once subscribes handler for the first matching record only.
func (b *Bus) Once(filter Filter, handler Handler) func() {
	var (
		fired atomic.Bool
		unsub func()
		ready = make(chan struct{})
	)
	unsub = b.Subscribe(filter, func(evt events.Record) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		<-ready
		unsub()
		handler(evt)
	})
	close(ready)
	return unsub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus) deliver(h Handler, evt events.Record) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerPanic("eventbus")
			logger.WarnCF("eventbus", "Subscriber handler panicked", map[string]interface{}{
				"type":   evt.Type,
				"source": evt.Source,
				"panic":  fmt.Sprint(r),
			})
		}
	}()
	h(evt)
}

// Recent returns up to n of the last buffered records, oldest first. A
// non-positive n returns the last DefaultRecentLimit records.
func (b *Bus) Recent(n int) []events.Record {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.last(n)
}

// SetDedupeTTL changes the dedup window for subsequent publishes and
// reschedules the sweep accordingly.
func (b *Bus) SetDedupeTTL(ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ttl = ttl
	if !b.closed {
		b.ticker.Reset(sweepInterval(ttl))
	}
}

// DedupeTTL returns the current dedup window.
func (b *Bus) DedupeTTL() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttl
}

// ClearHistory empties the replay buffer and the dedup table.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history.reset()
	b.seen = make(map[string]time.Time)
}

// SubscriberCount returns the number of live subscriptions (for diagnostics).
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close clears history, stops the sweep and drops every subscription.
// Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.history.reset()
	b.seen = make(map[string]time.Time)
	b.mu.Unlock()

	b.stopOnce.Do(func() {
		b.ticker.Stop()
		close(b.stop)
	})
}
