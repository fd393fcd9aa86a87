// Package store persists tasks and execution records.
//
// All cross-instance coordination happens here: task mutations are
// compare-and-swap on the version column. Scheduled claims insert only when the
// occurrence has no record at all; manual reruns rely on a unique index over
// live (task_id, scheduled_for) pairs.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cronflow/internal/domain"
)

// ErrSlugTaken reports that another task, possibly deleted, already owns the
// artifact key prefix. It also matches domain.ErrNameTaken.
var ErrSlugTaken = fmt.Errorf("store: slug taken: %w", domain.ErrNameTaken)

// TaskFilter narrows a scan. The zero value matches every task.
type TaskFilter struct {
	Status domain.TaskStatus
}

// TaskPatch lists the fields an update changes. Nil fields are left alone;
// the version is always incremented.
type TaskPatch struct {
	Name           *string
	CronExpression *string
	Action         *string
	NextRunAt      *time.Time
	Status         *domain.TaskStatus
	UpdatedAt      time.Time
}

type TaskStore interface {
	// GetTask returns domain.ErrNotFound when no task has the id.
	GetTask(ctx context.Context, id uuid.UUID) (domain.Task, error)
	// PutTask inserts t. It never overwrites: an existing id yields
	// domain.ErrDuplicateID, a live task with the same name domain.ErrNameTaken
	// and any task with the same slug ErrSlugTaken.
	PutTask(ctx context.Context, t domain.Task) error
	// ScanTasks returns up to limit tasks with id greater than after,
	// ordered by id.
	ScanTasks(ctx context.Context, f TaskFilter, after uuid.UUID, limit int) ([]domain.Task, error)
	// DueTasks returns active tasks whose next_run_at is at or before now and
	// whose current occurrence has no execution record yet.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	// SettledTasks returns active tasks whose current occurrence already has a
	// terminal record and nothing in progress, i.e. tasks waiting to be advanced.
	SettledTasks(ctx context.Context, limit int) ([]domain.Task, error)
	// UpdateTask applies p if the stored version equals expectedVersion.
	UpdateTask(ctx context.Context, id uuid.UUID, expectedVersion int64, p TaskPatch) (domain.Task, error)
}

type ExecutionStore interface {
	// InsertExecution fails with domain.ErrClaimConflict when the occurrence
	// already has any record, failed ones included.
	InsertExecution(ctx context.Context, rec domain.ExecutionRecord) error
	// InsertRerun fails with domain.ErrClaimConflict only when the occurrence
	// has an in-progress or successful record.
	InsertRerun(ctx context.Context, rec domain.ExecutionRecord) error
	// FinishExecution moves an IN_PROGRESS record to outcome, failing with
	// domain.ErrUnknownAttempt when there is no such record.
	FinishExecution(ctx context.Context, attemptID uuid.UUID, outcome domain.Outcome, artifactRef, reason string, finishedAt time.Time) error
	GetExecution(ctx context.Context, attemptID uuid.UUID) (domain.ExecutionRecord, error)
	HasSucceeded(ctx context.Context, taskID uuid.UUID, scheduledFor time.Time) (bool, error)
	// ListExecutions returns the newest records of a task first.
	ListExecutions(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.ExecutionRecord, error)
	// AbandonStale fails every IN_PROGRESS record started before the cutoff
	// and returns the records it changed.
	AbandonStale(ctx context.Context, startedBefore time.Time, reason string, finishedAt time.Time) ([]domain.ExecutionRecord, error)
}
