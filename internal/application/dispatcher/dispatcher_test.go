package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/garyjia/campus-approvals/internal/domain/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEvent(eventType event.Type) *event.Event {
	return event.NewEvent(eventType, "inst-1", "marks/CAT1/COMP101", "marks", map[string]interface{}{
		event.KeyStageName: "hod_review",
		event.KeyStatus:    "IN_REVIEW",
		event.KeyActorID:   "lec-1",
	})
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

// mockLogger records log calls for assertions
type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (m *mockLogger) record(level, msg string, kv []interface{}) {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	m.mu.Lock()
	m.entries = append(m.entries, logEntry{level: level, msg: msg, fields: fields})
	m.mu.Unlock()
}

func (m *mockLogger) Info(msg string, kv ...interface{})  { m.record("info", msg, kv) }
func (m *mockLogger) Error(msg string, kv ...interface{}) { m.record("error", msg, kv) }

func (m *mockLogger) HasInfo(msg string) bool {
	return len(m.find("info", msg)) > 0
}

func (m *mockLogger) find(level, msg string) []logEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []logEntry
	for _, e := range m.entries {
		if e.level == level && e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

// recorder appends a tag per handler call
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(tag string, err error) Handler {
	return func(ctx context.Context, evt *event.Event) error {
		r.mu.Lock()
		r.calls = append(r.calls, tag+":"+evt.Type.String())
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestEmit_Routing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(d Dispatcher, r *recorder)
		emit  []event.Type
		want  []string
	}{
		{
			name: "type handlers run in registration order",
			setup: func(d Dispatcher, r *recorder) {
				d.Subscribe(event.TypeApproved, "a", r.handler("a", nil))
				d.Subscribe(event.TypeApproved, "b", r.handler("b", nil))
			},
			emit: []event.Type{event.TypeApproved},
			want: []string{"a:workflow.approved", "b:workflow.approved"},
		},
		{
			name: "wildcard handlers run before type handlers",
			setup: func(d Dispatcher, r *recorder) {
				d.Subscribe(event.TypePublished, "specific", r.handler("specific", nil))
				d.SubscribeAll("all", r.handler("all", nil))
			},
			emit: []event.Type{event.TypePublished, event.TypeRejected},
			want: []string{"all:workflow.published", "specific:workflow.published", "all:workflow.rejected"},
		},
		{
			name: "handlers for other types are skipped",
			setup: func(d Dispatcher, r *recorder) {
				d.Subscribe(event.TypeWithdrawn, "w", r.handler("w", nil))
			},
			emit: []event.Type{event.TypeSubmitted},
			want: nil,
		},
		{
			name: "a failing handler does not stop the chain",
			setup: func(d Dispatcher, r *recorder) {
				d.SubscribeAll("broken", r.handler("broken", errors.New("smtp down")))
				d.SubscribeAll("after", r.handler("after", nil))
			},
			emit: []event.Type{event.TypeReworkRequested},
			want: []string{"broken:workflow.rework_requested", "after:workflow.rework_requested"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher()
			defer d.Close()
			r := &recorder{}
			tt.setup(d, r)

			for _, et := range tt.emit {
				d.Emit(context.Background(), newTestEvent(et))
			}
			assert.Equal(t, tt.want, r.snapshot())
		})
	}
}

func TestEmit_FailuresAreLoggedAndCounted(t *testing.T) {
	logger := &mockLogger{}
	d := NewDispatcher(WithLogger(logger))
	defer d.Close()

	d.SubscribeAll("fails", func(ctx context.Context, evt *event.Event) error {
		return errors.New("queue full")
	})
	d.SubscribeAll("panics", func(ctx context.Context, evt *event.Event) error {
		panic("nil stage")
	})
	var reached atomic.Bool
	d.SubscribeAll("last", func(ctx context.Context, evt *event.Event) error {
		reached.Store(true)
		return nil
	})

	assert.NotPanics(t, func() {
		d.Emit(context.Background(), newTestEvent(event.TypeApproved))
	})
	assert.True(t, reached.Load())

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Emitted)
	assert.Equal(t, uint64(2), stats.Failures)
	assert.Equal(t, uint64(1), stats.Panics)

	errs := logger.find("error", "Handler error")
	require.Len(t, errs, 2)
	assert.Equal(t, "fails", errs[0].fields["handler_name"])
	assert.Equal(t, "inst-1", errs[0].fields["instance_id"])
	assert.Equal(t, "panics", errs[1].fields["handler_name"])
	assert.Contains(t, fmt.Sprint(errs[1].fields["error"]), "nil stage")
}

func TestEmit_PreservesOrderPerCaller(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var mu sync.Mutex
	seen := make(map[string][]int64)
	d.SubscribeAll("order", func(ctx context.Context, evt *event.Event) error {
		mu.Lock()
		seen[evt.InstanceID] = append(seen[evt.InstanceID], evt.GetPayloadInt(event.KeyVersion))
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(instance string) {
			defer wg.Done()
			for seq := 1; seq <= 25; seq++ {
				evt := event.NewEvent(event.TypeApproved, instance, "ref", "marks", nil).
					WithPayload(event.KeyVersion, seq)
				d.Emit(context.Background(), evt)
			}
		}(fmt.Sprintf("inst-%d", i))
	}
	wg.Wait()

	require.Len(t, seen, 4)
	for instance, seqs := range seen {
		require.Len(t, seqs, 25, instance)
		for i, s := range seqs {
			assert.Equal(t, int64(i+1), s, instance)
		}
	}
}

func TestSubscribe_DefaultNames(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	noop := func(ctx context.Context, evt *event.Event) error { return nil }
	d.Subscribe(event.TypeSubmitted, "", noop)
	d.Subscribe(event.TypeSubmitted, "", noop)

	handlers := d.Handlers(event.TypeSubmitted)
	require.Len(t, handlers, 2)
	assert.Equal(t, "workflow.submitted#0", handlers[0].Name)
	assert.Equal(t, "workflow.submitted#1", handlers[1].Name)
	for _, h := range handlers {
		assert.Nil(t, h.Handler)
		assert.Equal(t, event.TypeSubmitted, h.EventType)
	}
}

func TestUnsubscribe(t *testing.T) {
	logger := &mockLogger{}
	d := NewDispatcher(WithLogger(logger))
	defer d.Close()
	r := &recorder{}

	d.Subscribe(event.TypeRejected, "keep", r.handler("keep", nil))
	d.Subscribe(event.TypeRejected, "drop", r.handler("drop", nil))

	assert.True(t, d.Unsubscribe(event.TypeRejected, "drop"))
	assert.False(t, d.Unsubscribe(event.TypeRejected, "drop"))
	assert.False(t, d.Unsubscribe(event.TypeApproved, "keep"))

	d.Emit(context.Background(), newTestEvent(event.TypeRejected))
	assert.Equal(t, []string{"keep:workflow.rejected"}, r.snapshot())
	assert.Len(t, logger.find("info", "Handler unregistered"), 1)
}

func TestSubscribe_DuringEmit(t *testing.T) {
	d := NewDispatcher()
	defer d.Close()

	var calls atomic.Int64
	d.SubscribeAll("counter", func(ctx context.Context, evt *event.Event) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			d.Emit(context.Background(), newTestEvent(event.TypeApproved))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			name := fmt.Sprintf("late-%d", i)
			d.Subscribe(event.TypePublished, name, func(ctx context.Context, evt *event.Event) error { return nil })
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(100), calls.Load())
	assert.Len(t, d.Handlers(event.TypePublished), 100)
}

func TestDispatchAsync(t *testing.T) {
	d := NewDispatcher()

	var done atomic.Int64
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		d.SubscribeAll(fmt.Sprintf("slow-%d", i), func(ctx context.Context, evt *event.Event) error {
			<-release
			done.Add(1)
			return nil
		})
	}

	d.DispatchAsync(context.Background(), newTestEvent(event.TypePublished))
	assert.Equal(t, int64(0), done.Load())

	close(release)
	require.NoError(t, d.Close())
	assert.Equal(t, int64(3), done.Load())
	assert.Equal(t, uint64(1), d.Stats().Emitted)
}

func TestClose(t *testing.T) {
	logger := &mockLogger{}
	d := NewDispatcher(WithLogger(logger))

	var calls atomic.Int64
	d.SubscribeAll("counter", func(ctx context.Context, evt *event.Event) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Close(), ErrClosed)

	d.Emit(context.Background(), newTestEvent(event.TypeApproved))
	d.DispatchAsync(context.Background(), newTestEvent(event.TypeApproved))

	assert.Zero(t, calls.Load())
	assert.Zero(t, d.Stats().Emitted)
	assert.Len(t, logger.find("error", "Cannot emit event, dispatcher is closed"), 1)
	assert.Len(t, logger.find("error", "Cannot dispatch async event, dispatcher is closed"), 1)
	assert.True(t, logger.HasInfo("Dispatcher closed"))
}

func TestClose_WaitsForInflightHandlers(t *testing.T) {
	d := NewDispatcher()

	started := make(chan struct{})
	var finished atomic.Bool
	d.SubscribeAll("slow", func(ctx context.Context, evt *event.Event) error {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})

	d.DispatchAsync(context.Background(), newTestEvent(event.TypeSubmitted))
	<-started
	require.NoError(t, d.Close())
	assert.True(t, finished.Load())
}
