package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/entity"
)

// OutboxRepository is an in-process port.OutboxRepository
type OutboxRepository struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]*entity.OutboxMessage
	keys     map[string]int64
}

// NewOutboxRepository creates an empty outbox
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		messages: make(map[int64]*entity.OutboxMessage),
		keys:     make(map[string]int64),
	}
}

// Enqueue stores a pending message; duplicates of (event, channel) are ignored
func (r *OutboxRepository) Enqueue(ctx context.Context, msg *entity.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := msg.EventID + "|" + msg.Channel
	if _, exists := r.keys[key]; exists {
		return nil
	}

	now := time.Now().UTC()
	r.nextID++
	msg.ID = r.nextID
	if msg.Status == "" {
		msg.Status = entity.NotificationStatusPending
	}
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = now
	}
	msg.CreatedAt = now
	msg.UpdatedAt = now

	stored := *msg
	r.messages[msg.ID] = &stored
	r.keys[key] = msg.ID
	return nil
}

// FetchDue returns pending messages due at or before now in queue order
func (r *OutboxRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]*entity.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*entity.OutboxMessage
	for _, msg := range r.messages {
		if msg.IsPending() && !msg.NextAttemptAt.After(now) {
			c := *msg
			due = append(due, &c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkSent records a successful delivery
func (r *OutboxRepository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return r.update(id, func(msg *entity.OutboxMessage) {
		msg.Status = entity.NotificationStatusSent
		msg.Attempts++
		msg.LastError = ""
		msg.UpdatedAt = at
	})
}

// MarkRetry schedules another attempt
func (r *OutboxRepository) MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	return r.update(id, func(msg *entity.OutboxMessage) {
		msg.Attempts = attempts
		msg.NextAttemptAt = next
		msg.LastError = lastErr
		msg.UpdatedAt = time.Now().UTC()
	})
}

// MarkFailed gives up on a message
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error {
	return r.update(id, func(msg *entity.OutboxMessage) {
		msg.Status = entity.NotificationStatusFailed
		msg.Attempts = attempts
		msg.LastError = lastErr
		msg.UpdatedAt = time.Now().UTC()
	})
}

// CountByStatus reports queue depth per status
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int)
	for _, msg := range r.messages {
		counts[msg.Status]++
	}
	return counts, nil
}

func (r *OutboxRepository) update(id int64, fn func(*entity.OutboxMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return fmt.Errorf("outbox message %d not found", id)
	}
	fn(msg)
	return nil
}

// Verify interface compliance
var _ port.OutboxRepository = (*OutboxRepository)(nil)
