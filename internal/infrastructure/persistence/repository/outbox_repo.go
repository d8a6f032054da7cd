package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/infrastructure/persistence/sqlite"
)

// OutboxRepository implements port.OutboxRepository on SQLite
type OutboxRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewOutboxRepository creates a new outbox repository
func NewOutboxRepository(db *sqlite.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{
		db:     db,
		logger: logger,
	}
}

// Enqueue stores a pending message. Re-enqueueing the same event for the same channel is a no-op.
func (r *OutboxRepository) Enqueue(ctx context.Context, msg *entity.OutboxMessage) error {
	query := `
		INSERT INTO notification_outbox (
			event_id, event_type, instance_id, payload, channel,
			status, attempts, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (event_id, channel) DO NOTHING
	`

	now := time.Now().UTC()
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = now
	}
	if msg.Status == "" {
		msg.Status = entity.NotificationStatusPending
	}

	result, err := r.db.Executor(ctx).ExecContext(ctx, query,
		msg.EventID,
		msg.EventType,
		msg.InstanceID,
		msg.Payload,
		msg.Channel,
		msg.Status,
		msg.NextAttemptAt.UnixMilli(),
		now,
		now,
	)
	if err != nil {
		r.logger.Error("Failed to enqueue notification",
			zap.String("event_id", msg.EventID), zap.String("channel", msg.Channel), zap.Error(err))
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil
	}
	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return nil
}

// FetchDue returns pending messages whose next attempt is at or before now
func (r *OutboxRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]*entity.OutboxMessage, error) {
	query := `
		SELECT id, event_id, event_type, instance_id, payload, channel, status,
			attempts, next_attempt_at, last_error, created_at, updated_at
		FROM notification_outbox
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := r.db.Executor(ctx).QueryContext(ctx, query,
		entity.NotificationStatusPending, now.UnixMilli(), limitOrAll(limit))
	if err != nil {
		r.logger.Error("Failed to fetch due notifications", zap.Error(err))
		return nil, fmt.Errorf("failed to fetch due notifications: %w", err)
	}
	defer rows.Close()

	var messages []*entity.OutboxMessage
	for rows.Next() {
		var (
			msg    entity.OutboxMessage
			nextMs int64
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.EventID,
			&msg.EventType,
			&msg.InstanceID,
			&msg.Payload,
			&msg.Channel,
			&msg.Status,
			&msg.Attempts,
			&nextMs,
			&msg.LastError,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		msg.NextAttemptAt = time.UnixMilli(nextMs).UTC()
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// MarkSent records a successful delivery
func (r *OutboxRepository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE notification_outbox
		SET status = ?, attempts = attempts + 1, last_error = '', updated_at = ?
		WHERE id = ?
	`
	return r.exec(ctx, "mark notification sent", query, entity.NotificationStatusSent, at.UTC(), id)
}

// MarkRetry schedules another attempt
func (r *OutboxRepository) MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	query := `
		UPDATE notification_outbox
		SET attempts = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	return r.exec(ctx, "schedule notification retry", query, attempts, next.UnixMilli(), lastErr, time.Now().UTC(), id)
}

// MarkFailed gives up on a message
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error {
	query := `
		UPDATE notification_outbox
		SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	return r.exec(ctx, "mark notification failed", query, entity.NotificationStatusFailed, attempts, lastErr, time.Now().UTC(), id)
}

// CountByStatus reports queue depth per status
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Executor(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM notification_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan notification count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *OutboxRepository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	if _, err := r.db.Executor(ctx).ExecContext(ctx, query, args...); err != nil {
		r.logger.Error("Outbox update failed", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// Verify interface compliance
var _ port.OutboxRepository = (*OutboxRepository)(nil)
