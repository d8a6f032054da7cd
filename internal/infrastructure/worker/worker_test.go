package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/domain/event"
	"github.com/garyjia/campus-approvals/internal/infrastructure/notify"
	"github.com/garyjia/campus-approvals/internal/infrastructure/persistence/memory"
	"github.com/garyjia/campus-approvals/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Mock implementations

type fakeNotifier struct {
	channel string

	mu        sync.Mutex
	failures  int
	delivered []string
}

func (f *fakeNotifier) Channel() string { return f.channel }

func (f *fakeNotifier) Notify(ctx context.Context, evt *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("channel unavailable")
	}
	f.delivered = append(f.delivered, evt.ID)
	return nil
}

func (f *fakeNotifier) Delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

type fakeWorker struct {
	name     string
	startErr error
	log      *[]string
}

func (f *fakeWorker) Start(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start:"+f.name)
	return nil
}

func (f *fakeWorker) Stop() error {
	*f.log = append(*f.log, "stop:"+f.name)
	return nil
}

func (f *fakeWorker) Name() string { return f.name }

type workerFixture struct {
	worker *OutboxWorker
	outbox *memory.OutboxRepository
	lark   *fakeNotifier
	clock  *clock.Mock
}

func testConfig() OutboxWorkerConfig {
	return OutboxWorkerConfig{
		PollInterval:        time.Second,
		BatchSize:           10,
		MaxAttempts:         3,
		DeliveryTimeout:     time.Second,
		InitialInterval:     time.Second,
		MaxInterval:         4 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0,
	}
}

func newFixture(t *testing.T) *workerFixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	lark := &fakeNotifier{channel: entity.ChannelLark}
	outbox := memory.NewOutboxRepository()
	registry := notify.NewRegistry(lark, notify.NewLogNotifier(zap.NewNop()))

	return &workerFixture{
		worker: NewOutboxWorker(testConfig(), outbox, registry, metrics.New(), mock, zap.NewNop()),
		outbox: outbox,
		lark:   lark,
		clock:  mock,
	}
}

func (f *workerFixture) enqueue(t *testing.T, instanceID, channel string) *event.Event {
	t.Helper()
	evt := event.NewEvent(event.TypeApproved, instanceID, "marks/CAT1", "marks", nil)
	payload, err := jsonEvent(evt)
	require.NoError(t, err)

	require.NoError(t, f.outbox.Enqueue(context.Background(), &entity.OutboxMessage{
		EventID:       evt.ID,
		EventType:     evt.Type.String(),
		InstanceID:    instanceID,
		Payload:       payload,
		Channel:       channel,
		NextAttemptAt: f.clock.Now().UTC(),
	}))
	return evt
}

func (f *workerFixture) counts(t *testing.T) map[string]int {
	t.Helper()
	counts, err := f.outbox.CountByStatus(context.Background())
	require.NoError(t, err)
	return counts
}

func TestOutboxWorker_Delivers(t *testing.T) {
	f := newFixture(t)
	evt := f.enqueue(t, "inst-1", entity.ChannelLark)
	f.enqueue(t, "inst-1", entity.ChannelLog)

	handled, err := f.worker.ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, handled)
	assert.Equal(t, []string{evt.ID}, f.lark.Delivered())
	assert.Equal(t, 2, f.counts(t)[entity.NotificationStatusSent])
	assert.Equal(t, 2, f.worker.Stats().Delivered)
}

func TestOutboxWorker_RetriesWithBackoff(t *testing.T) {
	f := newFixture(t)
	f.lark.failures = 1
	evt := f.enqueue(t, "inst-1", entity.ChannelLark)
	ctx := context.Background()

	_, err := f.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.lark.Delivered())
	assert.Equal(t, 1, f.worker.Stats().Retried)

	// not due yet
	f.clock.Add(500 * time.Millisecond)
	_, err = f.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.lark.Delivered())

	f.clock.Add(500 * time.Millisecond)
	_, err = f.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{evt.ID}, f.lark.Delivered())
	assert.Equal(t, 1, f.counts(t)[entity.NotificationStatusSent])
}

func TestOutboxWorker_GivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.lark.failures = 10
	f.enqueue(t, "inst-1", entity.ChannelLark)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.worker.ProcessOnce(ctx)
		require.NoError(t, err)
		f.clock.Add(time.Minute)
	}

	assert.Equal(t, 1, f.counts(t)[entity.NotificationStatusFailed])
	stats := f.worker.Stats()
	assert.Equal(t, 2, stats.Retried)
	assert.Equal(t, 1, stats.Failed)

	handled, err := f.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, handled)
}

func TestOutboxWorker_UnknownChannelFails(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "inst-1", entity.ChannelNATS)

	_, err := f.worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.counts(t)[entity.NotificationStatusFailed])
}

func TestOutboxWorker_UndecodablePayloadFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.outbox.Enqueue(context.Background(), &entity.OutboxMessage{
		EventID:       "evt-bad",
		InstanceID:    "inst-1",
		Payload:       "{",
		Channel:       entity.ChannelLark,
		NextAttemptAt: f.clock.Now(),
	}))

	_, err := f.worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.counts(t)[entity.NotificationStatusFailed])
	assert.Empty(t, f.lark.Delivered())
}

func TestOutboxWorker_FailureHoldsLaterEventsOfSameInstance(t *testing.T) {
	f := newFixture(t)
	f.lark.failures = 1
	first := f.enqueue(t, "inst-1", entity.ChannelLark)
	second := f.enqueue(t, "inst-1", entity.ChannelLark)
	other := f.enqueue(t, "inst-2", entity.ChannelLark)

	_, err := f.worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID}, f.lark.Delivered())

	f.clock.Add(time.Second)
	_, err = f.worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{other.ID, first.ID, second.ID}, f.lark.Delivered())
}

func TestOutboxWorker_RetryDelay(t *testing.T) {
	w := NewOutboxWorker(testConfig(), memory.NewOutboxRepository(), notify.NewRegistry(), nil, clock.NewMock(), zap.NewNop())

	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 4 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, w.RetryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestOutboxWorker_StartStop(t *testing.T) {
	f := newFixture(t)
	evt := f.enqueue(t, "inst-1", entity.ChannelLark)

	require.NoError(t, f.worker.Start(context.Background()))
	assert.Error(t, f.worker.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool {
		f.clock.Add(time.Second)
		return len(f.lark.Delivered()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.worker.Stop())
	require.NoError(t, f.worker.Stop())
	assert.Equal(t, []string{evt.ID}, f.lark.Delivered())
	assert.False(t, f.worker.Stats().LastRun.IsZero())
}

func TestWorkerManager(t *testing.T) {
	t.Run("stops in reverse order", func(t *testing.T) {
		var log []string
		m := NewWorkerManager(zap.NewNop())
		m.Register(&fakeWorker{name: "a", log: &log})
		m.Register(&fakeWorker{name: "b", log: &log})
		m.Register(&fakeWorker{name: "broken", log: &log, startErr: errors.New("no config")})

		require.NoError(t, m.StartAll(context.Background()))
		assert.True(t, m.IsRunning())
		assert.Error(t, m.StartAll(context.Background()))

		require.NoError(t, m.StopAll())
		assert.False(t, m.IsRunning())
		assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, log)
		assert.Equal(t, 3, m.GetWorkerCount())
	})

	t.Run("fails when no worker starts", func(t *testing.T) {
		var log []string
		m := NewWorkerManager(zap.NewNop())
		m.Register(&fakeWorker{name: "broken", log: &log, startErr: errors.New("no config")})

		assert.Error(t, m.StartAll(context.Background()))
		assert.False(t, m.IsRunning())
	})
}

var _ port.Notifier = (*fakeNotifier)(nil)
