package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/garyjia/campus-approvals/internal/application/port"
	"github.com/garyjia/campus-approvals/internal/domain/identity"
	"github.com/garyjia/campus-approvals/internal/domain/workflow"
	"github.com/garyjia/campus-approvals/internal/infrastructure/persistence/sqlite"
)

const instanceColumns = `id, subject_ref, subject_faculty, subject_school, subject_department,
	definition_name, definition_version, originator, stage, status, version, created_at, updated_at`

const historyColumns = `seq, stage, stage_name, actor, decision, comment, result_status, created_at`

// InstanceRepository implements port.InstanceStore on SQLite
type InstanceRepository struct {
	db     *sqlite.DB
	logger *zap.Logger
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *sqlite.DB, logger *zap.Logger) *InstanceRepository {
	return &InstanceRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new instance together with its initial history
func (r *InstanceRepository) Create(ctx context.Context, inst *workflow.Instance) error {
	originator, err := json.Marshal(inst.Originator)
	if err != nil {
		return storageErr("marshal originator", err)
	}

	query := `
		INSERT INTO workflow_instances (` + instanceColumns + `, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	err = r.db.WithTransaction(ctx, func(ctx context.Context) error {
		_, err := r.db.Executor(ctx).ExecContext(ctx, query,
			inst.ID,
			inst.SubjectRef,
			inst.SubjectScope.Faculty,
			inst.SubjectScope.School,
			inst.SubjectScope.Department,
			inst.Definition.Name,
			inst.Definition.Version,
			string(originator),
			inst.Stage,
			string(inst.Status),
			1,
			inst.CreatedAt.UTC(),
			inst.UpdatedAt.UTC(),
			activeFlag(inst),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s already has an active %s instance",
					workflow.ErrDuplicateSubmission, inst.SubjectRef, inst.Definition.Name)
			}
			r.logger.Error("Failed to create instance", zap.String("id", inst.ID), zap.Error(err))
			return storageErr("create instance", err)
		}

		return r.appendHistory(ctx, inst.ID, inst.History)
	})
	if err != nil {
		return err
	}

	inst.Version = 1
	return nil
}

// Save writes the instance state if the stored version still equals expectedVersion
func (r *InstanceRepository) Save(ctx context.Context, inst *workflow.Instance, expectedVersion int64) error {
	query := `
		UPDATE workflow_instances
		SET stage = ?, status = ?, active = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	err := r.db.WithTransaction(ctx, func(ctx context.Context) error {
		exec := r.db.Executor(ctx)

		result, err := exec.ExecContext(ctx, query,
			inst.Stage,
			string(inst.Status),
			activeFlag(inst),
			inst.UpdatedAt.UTC(),
			inst.ID,
			expectedVersion,
		)
		if err != nil {
			r.logger.Error("Failed to save instance", zap.String("id", inst.ID), zap.Error(err))
			return storageErr("save instance", err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return storageErr("save instance", err)
		}
		if affected == 0 {
			if _, err := r.loadRow(ctx, inst.ID); err != nil {
				return err
			}
			return fmt.Errorf("%w: instance %s is no longer at version %d",
				workflow.ErrStaleState, inst.ID, expectedVersion)
		}

		var stored int
		if err := exec.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM workflow_history WHERE instance_id = ?`, inst.ID,
		).Scan(&stored); err != nil {
			return storageErr("read history length", err)
		}

		var pending []workflow.HistoryEntry
		for _, entry := range inst.History {
			if entry.Seq > stored {
				pending = append(pending, entry)
			}
		}
		return r.appendHistory(ctx, inst.ID, pending)
	})
	if err != nil {
		return err
	}

	inst.Version = expectedVersion + 1
	return nil
}

// Load retrieves an instance with its full history
func (r *InstanceRepository) Load(ctx context.Context, id string) (*workflow.Instance, error) {
	inst, err := r.loadRow(ctx, id)
	if err != nil {
		return nil, err
	}

	history, err := r.queryHistory(ctx, id, 0, -1)
	if err != nil {
		return nil, err
	}
	inst.History = history

	return inst, nil
}

// FindActive returns the non-terminal instance for a subject, or nil if there is none
func (r *InstanceRepository) FindActive(ctx context.Context, subjectRef, definition string) (*workflow.Instance, error) {
	var id string
	err := r.db.Executor(ctx).QueryRowContext(ctx,
		`SELECT id FROM workflow_instances WHERE subject_ref = ? AND definition_name = ? AND active = 1`,
		subjectRef, definition,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find active instance", err)
	}

	return r.Load(ctx, id)
}

// List returns instances matching filter, newest first
func (r *InstanceRepository) List(ctx context.Context, filter port.InstanceFilter) ([]*workflow.Instance, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Definition != "" {
		where = append(where, "definition_name = ?")
		args = append(args, filter.Definition)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SubjectRef != "" {
		where = append(where, "subject_ref = ?")
		args = append(args, filter.SubjectRef)
	}

	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ? OFFSET ?"
	args = append(args, limitOrAll(filter.Limit), filter.Offset)

	rows, err := r.db.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list instances", zap.Error(err))
		return nil, storageErr("list instances", err)
	}

	var instances []*workflow.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("list instances", err)
	}
	rows.Close()

	for _, inst := range instances {
		history, err := r.queryHistory(ctx, inst.ID, 0, -1)
		if err != nil {
			return nil, err
		}
		inst.History = history
	}

	return instances, nil
}

// HistoryPage returns up to limit entries after afterSeq
func (r *InstanceRepository) HistoryPage(ctx context.Context, id string, afterSeq, limit int) ([]workflow.HistoryEntry, error) {
	if _, err := r.loadRow(ctx, id); err != nil {
		return nil, err
	}
	return r.queryHistory(ctx, id, afterSeq, limitOrAll(limit))
}

func (r *InstanceRepository) loadRow(ctx context.Context, id string) (*workflow.Instance, error) {
	row := r.db.Executor(ctx).QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)

	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: instance %s", workflow.ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("Failed to get instance", zap.String("id", id), zap.Error(err))
		return nil, err
	}
	return inst, nil
}

func (r *InstanceRepository) queryHistory(ctx context.Context, id string, afterSeq, limit int) ([]workflow.HistoryEntry, error) {
	rows, err := r.db.Executor(ctx).QueryContext(ctx,
		`SELECT `+historyColumns+` FROM workflow_history
		WHERE instance_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		id, afterSeq, limit,
	)
	if err != nil {
		return nil, storageErr("query history", err)
	}
	defer rows.Close()

	history := []workflow.HistoryEntry{}
	for rows.Next() {
		var (
			entry    workflow.HistoryEntry
			actor    string
			decision string
			result   string
		)
		if err := rows.Scan(&entry.Seq, &entry.Stage, &entry.StageName, &actor,
			&decision, &entry.Comment, &result, &entry.At); err != nil {
			return nil, storageErr("scan history", err)
		}
		if err := json.Unmarshal([]byte(actor), &entry.Actor); err != nil {
			return nil, storageErr("decode history actor", err)
		}
		entry.Decision = workflow.Decision(decision)
		entry.ResultStatus = workflow.Status(result)
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query history", err)
	}

	return history, nil
}

func (r *InstanceRepository) appendHistory(ctx context.Context, id string, entries []workflow.HistoryEntry) error {
	query := `
		INSERT INTO workflow_history (instance_id, ` + historyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, entry := range entries {
		actor, err := json.Marshal(entry.Actor)
		if err != nil {
			return storageErr("marshal history actor", err)
		}

		if _, err := r.db.Executor(ctx).ExecContext(ctx, query,
			id,
			entry.Seq,
			entry.Stage,
			entry.StageName,
			string(actor),
			string(entry.Decision),
			entry.Comment,
			string(entry.ResultStatus),
			entry.At.UTC(),
		); err != nil {
			r.logger.Error("Failed to append history",
				zap.String("id", id), zap.Int("seq", entry.Seq), zap.Error(err))
			return storageErr("append history", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstance(row rowScanner) (*workflow.Instance, error) {
	var (
		inst       workflow.Instance
		originator string
		status     string
		createdAt  time.Time
		updatedAt  time.Time
	)
	err := row.Scan(
		&inst.ID,
		&inst.SubjectRef,
		&inst.SubjectScope.Faculty,
		&inst.SubjectScope.School,
		&inst.SubjectScope.Department,
		&inst.Definition.Name,
		&inst.Definition.Version,
		&originator,
		&inst.Stage,
		&status,
		&inst.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("scan instance", err)
	}

	var actor identity.Actor
	if err := json.Unmarshal([]byte(originator), &actor); err != nil {
		return nil, storageErr("decode originator", err)
	}
	inst.Originator = actor
	inst.Status = workflow.Status(status)
	inst.CreatedAt = createdAt
	inst.UpdatedAt = updatedAt

	return &inst, nil
}

func activeFlag(inst *workflow.Instance) int {
	if inst.IsActive() {
		return 1
	}
	return 0
}

// limitOrAll maps a non-positive limit to SQLite's "no limit"
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", workflow.ErrStorage, op, err)
}

// Verify interface compliance
var _ port.InstanceStore = (*InstanceRepository)(nil)
