package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/domain/event"
	"github.com/garyjia/campus-approvals/internal/metrics"
)

// LogHandler writes one structured line per event
func LogHandler(logger Logger) Handler {
	return func(ctx context.Context, evt *event.Event) error {
		logger.Info("Workflow event",
			"event_type", evt.Type,
			"event_id", evt.ID,
			"instance_id", evt.InstanceID,
			"subject_ref", evt.SubjectRef,
			"definition", evt.Definition,
			"stage", evt.GetPayloadString(event.KeyStageName),
			"status", evt.GetPayloadString(event.KeyStatus),
			"actor_id", evt.GetPayloadString(event.KeyActorID),
		)
		return nil
	}
}

// MetricsHandler counts events by type
func MetricsHandler(m *metrics.Metrics) Handler {
	return func(ctx context.Context, evt *event.Event) error {
		m.ObserveEvent(evt.Type.String())
		return nil
	}
}

// OutboxHandler queues the event once per delivery channel.
// When tx is non-nil all rows of one event are written in a single transaction.
func OutboxHandler(repo port.OutboxRepository, tx port.TransactionManager, channels []string, clk clock.Clock) Handler {
	if clk == nil {
		clk = clock.New()
	}

	return func(ctx context.Context, evt *event.Event) error {
		if len(channels) == 0 {
			return nil
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", evt.ID, err)
		}

		now := clk.Now().UTC()
		enqueue := func(ctx context.Context) error {
			for _, channel := range channels {
				msg := &entity.OutboxMessage{
					EventID:       evt.ID,
					EventType:     evt.Type.String(),
					InstanceID:    evt.InstanceID,
					Payload:       string(payload),
					Channel:       channel,
					Status:        entity.NotificationStatusPending,
					NextAttemptAt: now,
					CreatedAt:     now,
					UpdatedAt:     now,
				}
				if err := repo.Enqueue(ctx, msg); err != nil {
					return fmt.Errorf("failed to enqueue %s for %s: %w", evt.ID, channel, err)
				}
			}
			return nil
		}

		if tx == nil {
			return enqueue(ctx)
		}
		return tx.WithTransaction(ctx, enqueue)
	}
}

// DecodeEvent restores an event from an outbox payload
func DecodeEvent(payload string) (*event.Event, error) {
	var evt event.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return nil, fmt.Errorf("failed to decode outbox payload: %w", err)
	}
	return &evt, nil
}

// RegisterDefaults wires the standard handler chain: log, metrics, then outbox
func RegisterDefaults(d Dispatcher, logger Logger, m *metrics.Metrics, outbox Handler) {
	if logger != nil {
		d.SubscribeAll("log", LogHandler(logger))
	}
	d.SubscribeAll("metrics", MetricsHandler(m))
	if outbox != nil {
		d.SubscribeAll("outbox", outbox)
	}
}

var _ port.NotificationSink = (Dispatcher)(nil)
