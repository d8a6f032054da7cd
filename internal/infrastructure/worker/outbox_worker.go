package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/application/dispatcher"
	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/metrics"
)

// OutboxWorkerConfig holds configuration for the outbox worker
type OutboxWorkerConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int
	DeliveryTimeout time.Duration

	// Retry schedule
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultOutboxWorkerConfig returns default configuration
func DefaultOutboxWorkerConfig() OutboxWorkerConfig {
	return OutboxWorkerConfig{
		PollInterval:        2 * time.Second,
		BatchSize:           20,
		MaxAttempts:         8,
		DeliveryTimeout:     10 * time.Second,
		InitialInterval:     5 * time.Second,
		MaxInterval:         10 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// NotifierLookup finds the notifier for an outbox channel. *notify.Registry satisfies it.
type NotifierLookup interface {
	Get(channel string) (port.Notifier, bool)
}

// OutboxStats is a snapshot of worker counters
type OutboxStats struct {
	Delivered int
	Retried   int
	Failed    int
	LastRun   time.Time
	LastError error
}

// OutboxWorker delivers queued workflow events to their channels
type OutboxWorker struct {
	config OutboxWorkerConfig

	outbox    port.OutboxRepository
	notifiers NotifierLookup
	metrics   *metrics.Metrics
	clock     clock.Clock
	logger    *zap.Logger

	// Runtime state
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	isRunning bool
	stats     OutboxStats
}

// NewOutboxWorker creates a new outbox worker. A nil clock means the wall clock.
func NewOutboxWorker(
	config OutboxWorkerConfig,
	outbox port.OutboxRepository,
	notifiers NotifierLookup,
	m *metrics.Metrics,
	clk clock.Clock,
	logger *zap.Logger,
) *OutboxWorker {
	defaults := DefaultOutboxWorkerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = defaults.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = defaults.MaxInterval
	}
	if config.Multiplier < 1 {
		config.Multiplier = defaults.Multiplier
	}
	if clk == nil {
		clk = clock.New()
	}

	return &OutboxWorker{
		config:    config,
		outbox:    outbox,
		notifiers: notifiers,
		metrics:   m,
		clock:     clk,
		logger:    logger,
	}
}

// Start begins the worker polling loop
func (w *OutboxWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.isRunning = true
	w.mu.Unlock()

	w.logger.Info("OutboxWorker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("batch_size", w.config.BatchSize),
		zap.Int("max_attempts", w.config.MaxAttempts))

	go w.pollLoop(ctx, w.done)

	return nil
}

// Stop cancels the polling loop and waits for the current batch to finish
func (w *OutboxWorker) Stop() error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}

	w.isRunning = false
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	<-done

	stats := w.Stats()
	w.logger.Info("OutboxWorker stopped",
		zap.Int("delivered", stats.Delivered),
		zap.Int("retried", stats.Retried),
		zap.Int("failed", stats.Failed))

	return nil
}

// Name returns the worker name for identification
func (w *OutboxWorker) Name() string {
	return "OutboxWorker"
}

// Stats returns a copy of the worker counters
func (w *OutboxWorker) Stats() OutboxStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *OutboxWorker) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := w.clock.Ticker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Outbox poll loop context cancelled")
			return

		case <-ticker.C:
			_, err := w.ProcessOnce(ctx)

			w.mu.Lock()
			w.stats.LastRun = w.clock.Now()
			w.stats.LastError = err
			w.mu.Unlock()

			if err != nil {
				w.logger.Error("Failed to process outbox", zap.Error(err))
			}
		}
	}
}

// ProcessOnce delivers one batch of due messages and returns how many were handled.
// After a failed delivery, later messages of the same instance and channel wait for the next poll.
func (w *OutboxWorker) ProcessOnce(ctx context.Context) (int, error) {
	due, err := w.outbox.FetchDue(ctx, w.clock.Now().UTC(), w.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch due messages: %w", err)
	}

	blocked := make(map[string]bool)
	handled := 0
	for _, msg := range due {
		if ctx.Err() != nil {
			break
		}

		key := msg.InstanceID + "|" + msg.Channel
		if blocked[key] {
			continue
		}

		if err := w.deliver(ctx, msg); err != nil {
			blocked[key] = true
			w.logger.Error("Failed to record delivery outcome",
				zap.Int64("outbox_id", msg.ID),
				zap.Error(err))
			continue
		}
		if msg.Status != entity.NotificationStatusSent {
			blocked[key] = true
		}
		handled++
	}

	w.refreshDepth(ctx)
	return handled, nil
}

// deliver sends one message and records the outcome on it
func (w *OutboxWorker) deliver(ctx context.Context, msg *entity.OutboxMessage) error {
	attempts := msg.Attempts + 1

	notifier, ok := w.notifiers.Get(msg.Channel)
	if !ok {
		return w.fail(ctx, msg, attempts, fmt.Sprintf("no notifier configured for channel %q", msg.Channel))
	}

	evt, err := dispatcher.DecodeEvent(msg.Payload)
	if err != nil {
		return w.fail(ctx, msg, attempts, err.Error())
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.DeliveryTimeout)
	sendErr := notifier.Notify(sendCtx, evt)
	cancel()

	if sendErr == nil {
		if err := w.outbox.MarkSent(ctx, msg.ID, w.clock.Now().UTC()); err != nil {
			return err
		}
		msg.Status = entity.NotificationStatusSent
		w.record(msg.Channel, metrics.DeliverySent)
		w.logger.Debug("Notification delivered",
			zap.Int64("outbox_id", msg.ID),
			zap.String("channel", msg.Channel),
			zap.String("event_type", msg.EventType))
		return nil
	}

	if attempts >= w.config.MaxAttempts {
		return w.fail(ctx, msg, attempts, sendErr.Error())
	}

	next := w.clock.Now().UTC().Add(w.RetryDelay(attempts))
	if err := w.outbox.MarkRetry(ctx, msg.ID, attempts, next, sendErr.Error()); err != nil {
		return err
	}
	msg.Attempts = attempts
	msg.NextAttemptAt = next
	w.record(msg.Channel, metrics.DeliveryRetry)
	w.logger.Warn("Notification delivery failed, will retry",
		zap.Int64("outbox_id", msg.ID),
		zap.String("channel", msg.Channel),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(sendErr))
	return nil
}

func (w *OutboxWorker) fail(ctx context.Context, msg *entity.OutboxMessage, attempts int, reason string) error {
	if err := w.outbox.MarkFailed(ctx, msg.ID, attempts, reason); err != nil {
		return err
	}
	msg.Status = entity.NotificationStatusFailed
	msg.Attempts = attempts
	w.record(msg.Channel, metrics.DeliveryFailed)
	w.logger.Error("Notification delivery abandoned",
		zap.Int64("outbox_id", msg.ID),
		zap.String("channel", msg.Channel),
		zap.String("event_id", msg.EventID),
		zap.Int("attempts", attempts),
		zap.String("reason", reason))
	return nil
}

// RetryDelay returns the wait after the given number of failed attempts
func (w *OutboxWorker) RetryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     w.config.InitialInterval,
		RandomizationFactor: w.config.RandomizationFactor,
		Multiplier:          w.config.Multiplier,
		MaxInterval:         w.config.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               w.clock,
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (w *OutboxWorker) record(channel, result string) {
	w.metrics.ObserveDelivery(channel, result)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch result {
	case metrics.DeliverySent:
		w.stats.Delivered++
	case metrics.DeliveryRetry:
		w.stats.Retried++
	case metrics.DeliveryFailed:
		w.stats.Failed++
	}
}

func (w *OutboxWorker) refreshDepth(ctx context.Context) {
	counts, err := w.outbox.CountByStatus(ctx)
	if err != nil {
		w.logger.Warn("Failed to count outbox messages", zap.Error(err))
		return
	}
	w.metrics.SetOutboxDepth(counts)
}
