package domain

import (
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time. Every component that needs "now" takes one
// so tests can pin it.
type Clock func() time.Time

// SystemClock reports wall-clock time in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

type TaskStatus string

const (
	TaskActive  TaskStatus = "ACTIVE"
	TaskPaused  TaskStatus = "PAUSED"
	TaskDeleted TaskStatus = "DELETED"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskActive, TaskPaused, TaskDeleted:
		return true
	}
	return false
}

type Task struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	// Slug prefixes the task's artifact keys. It is set once at creation and
	// survives renames.
	Slug           string     `json:"slug"`
	CronExpression string     `json:"cron_expression"`
	Action         string     `json:"action"`
	NextRunAt      time.Time  `json:"next_run_at"`
	Status         TaskStatus `json:"status"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Outcome string

const (
	OutcomeInProgress Outcome = "IN_PROGRESS"
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeFailure    Outcome = "FAILURE"
)

// Terminal reports whether o ends an execution attempt.
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccess || o == OutcomeFailure
}

// ExecutionRecord is one attempt at running one occurrence of a task.
// (TaskID, ScheduledFor) is the idempotency key.
type ExecutionRecord struct {
	AttemptID    uuid.UUID  `json:"attempt_id"`
	TaskID       uuid.UUID  `json:"task_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Outcome      Outcome    `json:"outcome"`
	ArtifactRef  string     `json:"artifact_ref,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
