package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/garyjia/campus-approvals/internal/domain/event"
)

// Wildcard subscribes a handler to every event type
const Wildcard event.Type = "*"

// ErrClosed is returned by Close on a dispatcher that is already closed
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher fans workflow events out to in-process handlers.
//
// Emit is the engine's notification sink: handlers run in registration order on the
// caller's goroutine, wildcard handlers first, so events for one instance are seen in
// the order the engine produced them. Handler failures and panics are logged and counted
// but never returned to the caller.
type Dispatcher interface {
	// Subscribe registers a named handler for one event type. An empty name is generated.
	Subscribe(eventType event.Type, name string, handler Handler)

	// SubscribeAll registers a named handler for every event type
	SubscribeAll(name string, handler Handler)

	// Unsubscribe removes the named handler and reports whether it existed
	Unsubscribe(eventType event.Type, name string) bool

	// Emit runs the handlers for evt in order
	Emit(ctx context.Context, evt *event.Event)

	// DispatchAsync runs each handler for evt on its own goroutine
	DispatchAsync(ctx context.Context, evt *event.Event)

	// Handlers lists the handlers registered directly under eventType
	Handlers(eventType event.Type) []HandlerInfo

	// Stats returns emission counters
	Stats() Stats

	// Close rejects further events and waits for async handlers
	Close() error
}

// Stats counts dispatcher activity since creation
type Stats struct {
	Emitted  uint64
	Failures uint64
	Panics   uint64
}

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// routes is an immutable subscription table, replaced on every change
type routes map[event.Type][]HandlerInfo

type eventDispatcher struct {
	// writeMu serializes table updates; readers load the table without locking
	writeMu sync.Mutex
	table   atomic.Pointer[routes]
	logger  Logger

	inflight sync.WaitGroup
	closed   atomic.Bool

	emitted  atomic.Uint64
	failures atomic.Uint64
	panics   atomic.Uint64
}

// Option configures the dispatcher
type Option func(*eventDispatcher)

// WithLogger sets a logger for the dispatcher
func WithLogger(logger Logger) Option {
	return func(d *eventDispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates an event dispatcher with no handlers
func NewDispatcher(opts ...Option) Dispatcher {
	d := &eventDispatcher{}
	d.table.Store(&routes{})

	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *eventDispatcher) Subscribe(eventType event.Type, name string, handler Handler) {
	d.update(func(r routes) {
		if name == "" {
			name = fmt.Sprintf("%s#%d", eventType, len(r[eventType]))
		}
		r[eventType] = append(r[eventType], HandlerInfo{
			Name:      name,
			EventType: eventType,
			Handler:   handler,
		})
	})
	d.info("Handler registered", "event_type", eventType, "handler_name", name)
}

func (d *eventDispatcher) SubscribeAll(name string, handler Handler) {
	d.Subscribe(Wildcard, name, handler)
}

func (d *eventDispatcher) Unsubscribe(eventType event.Type, name string) bool {
	removed := false
	d.update(func(r routes) {
		kept := make([]HandlerInfo, 0, len(r[eventType]))
		for _, h := range r[eventType] {
			if h.Name == name {
				removed = true
				continue
			}
			kept = append(kept, h)
		}
		r[eventType] = kept
	})
	if removed {
		d.info("Handler unregistered", "event_type", eventType, "handler_name", name)
	}
	return removed
}

// update copies the current table, applies fn and publishes the copy
func (d *eventDispatcher) update(fn func(routes)) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	current := *d.table.Load()
	next := make(routes, len(current)+1)
	for t, hs := range current {
		next[t] = append([]HandlerInfo(nil), hs...)
	}
	fn(next)
	d.table.Store(&next)
}

// route returns the wildcard handlers followed by the type-specific ones
func (d *eventDispatcher) route(eventType event.Type) []HandlerInfo {
	r := *d.table.Load()
	if eventType == Wildcard {
		return r[Wildcard]
	}
	out := make([]HandlerInfo, 0, len(r[Wildcard])+len(r[eventType]))
	out = append(out, r[Wildcard]...)
	return append(out, r[eventType]...)
}

func (d *eventDispatcher) Emit(ctx context.Context, evt *event.Event) {
	if d.rejectClosed("Cannot emit event, dispatcher is closed", evt) {
		return
	}
	d.emitted.Add(1)

	for _, h := range d.route(evt.Type) {
		d.run(ctx, evt, h)
	}
}

func (d *eventDispatcher) DispatchAsync(ctx context.Context, evt *event.Event) {
	if d.rejectClosed("Cannot dispatch async event, dispatcher is closed", evt) {
		return
	}
	d.emitted.Add(1)

	for _, h := range d.route(evt.Type) {
		d.inflight.Add(1)
		go func(h HandlerInfo) {
			defer d.inflight.Done()
			d.run(ctx, evt, h)
		}(h)
	}
}

func (d *eventDispatcher) Handlers(eventType event.Type) []HandlerInfo {
	hs := (*d.table.Load())[eventType]
	out := make([]HandlerInfo, len(hs))
	for i, h := range hs {
		out[i] = HandlerInfo{Name: h.Name, EventType: h.EventType}
	}
	return out
}

func (d *eventDispatcher) Stats() Stats {
	return Stats{
		Emitted:  d.emitted.Load(),
		Failures: d.failures.Load(),
		Panics:   d.panics.Load(),
	}
}

func (d *eventDispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	d.info("Closing dispatcher, waiting for async handlers")
	d.inflight.Wait()
	d.info("Dispatcher closed")
	return nil
}

func (d *eventDispatcher) rejectClosed(msg string, evt *event.Event) bool {
	if !d.closed.Load() {
		return false
	}
	if d.logger != nil {
		d.logger.Error(msg, "event_type", evt.Type, "event_id", evt.ID)
	}
	return true
}

// run executes one handler, recovering panics and recording failures
func (d *eventDispatcher) run(ctx context.Context, evt *event.Event, h HandlerInfo) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.panics.Add(1)
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h.Handler(ctx, evt)
	}()
	if err == nil {
		return
	}

	d.failures.Add(1)
	if d.logger != nil {
		d.logger.Error("Handler error",
			"event_type", evt.Type,
			"event_id", evt.ID,
			"instance_id", evt.InstanceID,
			"handler_name", h.Name,
			"error", err,
		)
	}
}

func (d *eventDispatcher) info(msg string, keysAndValues ...interface{}) {
	if d.logger != nil {
		d.logger.Info(msg, keysAndValues...)
	}
}
