package port

import (
	"context"
	"time"

	"github.com/garyjia/campus-approvals/internal/domain/entity"
	"github.com/garyjia/campus-approvals/internal/domain/workflow"
)

// InstanceFilter narrows List results. Zero fields match everything.
type InstanceFilter struct {
	Definition string
	Status     workflow.Status
	SubjectRef string
	Limit      int
	Offset     int
}

// InstanceStore persists workflow instances and their append-only history.
//
// Implementations must honor:
//   - Create fails with workflow.ErrDuplicateSubmission when an active instance exists
//     for the same (SubjectRef, Definition.Name).
//   - Save writes only when the stored version equals expectedVersion, appends history
//     entries not yet stored, and bumps inst.Version. Otherwise it returns workflow.ErrStaleState.
//   - Load and HistoryPage return workflow.ErrNotFound for unknown IDs.
//   - Other failures are wrapped in workflow.ErrStorage.
type InstanceStore interface {
	Create(ctx context.Context, inst *workflow.Instance) error
	Load(ctx context.Context, id string) (*workflow.Instance, error)
	Save(ctx context.Context, inst *workflow.Instance, expectedVersion int64) error
	// FindActive returns nil, nil when no active instance exists
	FindActive(ctx context.Context, subjectRef, definition string) (*workflow.Instance, error)
	List(ctx context.Context, filter InstanceFilter) ([]*workflow.Instance, error)
	// HistoryPage returns up to limit entries with Seq > afterSeq, ordered by Seq
	HistoryPage(ctx context.Context, id string, afterSeq, limit int) ([]workflow.HistoryEntry, error)
}

// OutboxRepository defines persistence operations for queued notifications
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg *entity.OutboxMessage) error
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*entity.OutboxMessage, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr string) error
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
