// Package cron provides a schedule-driven adapter that emits a "tick" event
// each time its cron expression fires.
package cron

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/logger"
)

const Kind = "cron"

// EventTick is the local event emitted on every schedule hit.
const EventTick = "tick"

// Error is a sentinel error type for cron adapter failures.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrMissingExpression Error = "cron: missing expr option"
	ErrInvalidExpression Error = "cron: invalid expression"
)

// Tick is the payload of tick events.
type Tick struct {
	Adapter string    `json:"adapter"`
	Expr    string    `json:"expr"`
	At      time.Time `json:"at"`
	Manual  bool      `json:"manual,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// EventKey makes each scheduled fire time unique on the bus.
func (t Tick) EventKey() string {
	if t.Manual {
		return ""
	}
	return strconv.FormatInt(t.At.UnixMilli(), 10)
}

type timer interface {
	Stop() bool
}

var methods = adapter.NewMethodTable[*Adapter]().
	API("next", (*Adapter).apiNext).
	API("trigger", (*Adapter).apiTrigger)

// Adapter fires ticks on a cron schedule.
type Adapter struct {
	*adapter.Base

	expr    string
	payload any

	now       func() time.Time
	afterFunc func(time.Duration, func()) timer

	mu      sync.Mutex
	running bool
	gen     uint64
	timer   timer
	fired   int
}

// New creates a cron adapter from the "expr" and "payload" options.
func New(base *adapter.Base) *Adapter {
	opts := base.Options()
	payload, _ := opts.Lookup("payload")
	a := &Adapter{
		Base:    base,
		expr:    opts.GetString("expr", "schedule"),
		payload: payload,
		now:     time.Now,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
	adapter.Bind(a.Base, a, methods)
	return a
}

// Validate checks the cron expression.
func Validate(expr string) error {
	if expr == "" {
		return ErrMissingExpression
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	return nil
}

func (a *Adapter) Expr() string { return a.expr }

func (a *Adapter) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return "connected"
	}
	return "disconnected"
}

// Fired returns the number of scheduled ticks emitted so far.
func (a *Adapter) Fired() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fired
}

// Next returns the first fire time strictly after from.
func (a *Adapter) Next(from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(a.expr, from, false)
}

// Connect starts the schedule.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := Validate(a.expr); err != nil {
		return err
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.gen++
	gen := a.gen
	err := a.scheduleLocked(gen)
	if err != nil {
		a.running = false
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}

	logger.InfoCF(Kind, "Schedule started", map[string]interface{}{
		"adapter": a.ID(),
		"expr":    a.expr,
	})
	a.Emit(adapter.EventConnected, a.Lifecycle())
	return nil
}

func (a *Adapter) scheduleLocked(gen uint64) error {
	now := a.now()
	next, err := a.Next(now)
	if err != nil {
		return fmt.Errorf("cron: next tick for %q: %w", a.expr, err)
	}
	a.timer = a.afterFunc(next.Sub(now), func() { a.fire(gen, next) })
	return nil
}

func (a *Adapter) fire(gen uint64, at time.Time) {
	a.mu.Lock()
	if !a.running || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.fired++
	if err := a.scheduleLocked(gen); err != nil {
		logger.ErrorCF(Kind, "Failed to reschedule", map[string]interface{}{
			"adapter": a.ID(),
			"error":   err.Error(),
		})
	}
	a.mu.Unlock()

	a.Emit(EventTick, Tick{Adapter: a.ID(), Expr: a.expr, At: at, Payload: a.payload})
}

// Disconnect stops the schedule.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	was := a.running
	a.running = false
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	if was {
		a.Emit(adapter.EventDisconnected, a.Lifecycle())
	}
	return nil
}

// Dispose stops the schedule and removes bound handlers.
func (a *Adapter) Dispose(ctx context.Context) error {
	err := a.Disconnect(ctx)
	a.UnregisterHandlers()
	return err
}

// Send emits an immediate manual tick carrying msg as its payload.
func (a *Adapter) Send(ctx context.Context, msg adapter.Message) error {
	a.Emit(EventTick, Tick{Adapter: a.ID(), Expr: a.expr, At: a.now(), Manual: true, Payload: msg})
	return nil
}

func (a *Adapter) apiNext(context.Context, ...any) (any, error) {
	next, err := a.Next(a.now())
	if err != nil {
		return nil, err
	}
	return next.Format(time.RFC3339), nil
}

func (a *Adapter) apiTrigger(_ context.Context, args ...any) (any, error) {
	payload := a.payload
	if len(args) > 0 {
		payload = args[0]
	}
	tick := Tick{Adapter: a.ID(), Expr: a.expr, At: a.now(), Manual: true, Payload: payload}
	a.Emit(EventTick, tick)
	return tick, nil
}
