package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"cronflow/internal/domain"
)

const taskCols = `id,name,slug,cron_expression,action,next_run_at,status,version,created_at,updated_at`

const execCols = `attempt_id,task_id,scheduled_for,outcome,artifact_ref,reason,started_at,finished_at`

// SQLite implements TaskStore and ExecutionStore on one database. Instants are
// stored as UTC unix milliseconds.
type SQLite struct{ db *sql.DB }

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

var (
	_ TaskStore      = (*SQLite)(nil)
	_ ExecutionStore = (*SQLite)(nil)
)

type rowScanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func constraintCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                      domain.Task
		id, status             string
		next, created, updated int64
	)
	if err := row.Scan(&id, &t.Name, &t.Slug, &t.CronExpression, &t.Action, &next, &status, &t.Version, &created, &updated); err != nil {
		return domain.Task{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("task id %q: %w", id, err)
	}
	t.ID = parsed
	t.Status = domain.TaskStatus(status)
	t.NextRunAt = fromMillis(next)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func scanExecution(row rowScanner) (domain.ExecutionRecord, error) {
	var (
		r                  domain.ExecutionRecord
		attemptID, taskID  string
		outcome            string
		ref, reason        sql.NullString
		scheduled, started int64
		finished           sql.NullInt64
	)
	if err := row.Scan(&attemptID, &taskID, &scheduled, &outcome, &ref, &reason, &started, &finished); err != nil {
		return domain.ExecutionRecord{}, err
	}
	var err error
	if r.AttemptID, err = uuid.Parse(attemptID); err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("attempt id %q: %w", attemptID, err)
	}
	if r.TaskID, err = uuid.Parse(taskID); err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("task id %q: %w", taskID, err)
	}
	r.ScheduledFor = fromMillis(scheduled)
	r.Outcome = domain.Outcome(outcome)
	r.ArtifactRef = ref.String
	r.Reason = reason.String
	r.StartedAt = fromMillis(started)
	if finished.Valid {
		f := fromMillis(finished.Int64)
		r.FinishedAt = &f
	}
	return r, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func collectExecutions(rows *sql.Rows) ([]domain.ExecutionRecord, error) {
	defer rows.Close()
	var recs []domain.ExecutionRecord
	for rows.Next() {
		r, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLite) GetTask(ctx context.Context, id uuid.UUID) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id.String())
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func (s *SQLite) PutTask(ctx context.Context, t domain.Task) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?)
`, t.ID.String(), t.Name, t.Slug, t.CronExpression, t.Action, millis(t.NextRunAt), string(t.Status), t.Version, millis(t.CreatedAt), millis(t.UpdatedAt))
	switch constraintCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrDuplicateID)
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		if strings.Contains(err.Error(), "tasks.slug") {
			return fmt.Errorf("task slug %q: %w", t.Slug, ErrSlugTaken)
		}
		return fmt.Errorf("task name %q: %w", t.Name, domain.ErrNameTaken)
	}
	return err
}

func (s *SQLite) ScanTasks(ctx context.Context, f TaskFilter, after uuid.UUID, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE (?1 = '' OR status = ?1) AND id > ?2
ORDER BY id
LIMIT ?3`, string(f.Status), after.String(), limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *SQLite) DueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+prefixed("t", taskCols)+` FROM tasks t
WHERE t.status = 'ACTIVE' AND t.next_run_at <= ?
  AND NOT EXISTS (SELECT 1 FROM executions e WHERE e.task_id = t.id AND e.scheduled_for = t.next_run_at)
ORDER BY t.next_run_at, t.id
LIMIT ?`, millis(now), limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *SQLite) SettledTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+prefixed("t", taskCols)+` FROM tasks t
WHERE t.status = 'ACTIVE'
  AND EXISTS (SELECT 1 FROM executions e WHERE e.task_id = t.id AND e.scheduled_for = t.next_run_at AND e.outcome <> 'IN_PROGRESS')
  AND NOT EXISTS (SELECT 1 FROM executions e WHERE e.task_id = t.id AND e.scheduled_for = t.next_run_at AND e.outcome = 'IN_PROGRESS')
ORDER BY t.next_run_at, t.id
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *SQLite) UpdateTask(ctx context.Context, id uuid.UUID, expectedVersion int64, p TaskPatch) (domain.Task, error) {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{millis(p.UpdatedAt)}
	if p.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *p.Name)
	}
	if p.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *p.CronExpression)
	}
	if p.Action != nil {
		sets = append(sets, "action = ?")
		args = append(args, *p.Action)
	}
	if p.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, millis(*p.NextRunAt))
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	args = append(args, id.String(), expectedVersion)

	row := s.db.QueryRowContext(ctx, `
UPDATE tasks SET `+strings.Join(sets, ", ")+`
WHERE id = ? AND version = ?
RETURNING `+taskCols, args...)
	t, err := scanTask(row)
	if constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNameTaken)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return t, err
	}
	// Nothing matched: tell a missing task apart from a stale version.
	if _, err := s.GetTask(ctx, id); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{}, fmt.Errorf("task %s at version %d: %w", id, expectedVersion, domain.ErrVersionConflict)
}

func (s *SQLite) InsertExecution(ctx context.Context, r domain.ExecutionRecord) error {
	var finished sql.NullInt64
	if r.FinishedAt != nil {
		finished = sql.NullInt64{Int64: millis(*r.FinishedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO executions (`+execCols+`)
SELECT ?,?,?,?,?,?,?,?
WHERE NOT EXISTS (SELECT 1 FROM executions WHERE task_id = ? AND scheduled_for = ?)
`, r.AttemptID.String(), r.TaskID.String(), millis(r.ScheduledFor), string(r.Outcome),
		nullStr(r.ArtifactRef), nullStr(r.Reason), millis(r.StartedAt), finished,
		r.TaskID.String(), millis(r.ScheduledFor))
	if err != nil {
		return claimErr(r, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return claimErr(r, nil)
	}
	return nil
}

func (s *SQLite) InsertRerun(ctx context.Context, r domain.ExecutionRecord) error {
	var finished sql.NullInt64
	if r.FinishedAt != nil {
		finished = sql.NullInt64{Int64: millis(*r.FinishedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (`+execCols+`)
VALUES (?,?,?,?,?,?,?,?)
`, r.AttemptID.String(), r.TaskID.String(), millis(r.ScheduledFor), string(r.Outcome),
		nullStr(r.ArtifactRef), nullStr(r.Reason), millis(r.StartedAt), finished)
	if err != nil {
		return claimErr(r, err)
	}
	return nil
}

// claimErr maps a failed insert to domain.ErrClaimConflict. A nil err means
// the insert matched no row because the occurrence already has a record.
func claimErr(r domain.ExecutionRecord, err error) error {
	if err == nil || constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("task %s at %s: %w", r.TaskID, r.ScheduledFor.Format(time.RFC3339), domain.ErrClaimConflict)
	}
	return err
}

func (s *SQLite) FinishExecution(ctx context.Context, attemptID uuid.UUID, outcome domain.Outcome, artifactRef, reason string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE executions SET outcome = ?, artifact_ref = ?, reason = ?, finished_at = ?
WHERE attempt_id = ? AND outcome = 'IN_PROGRESS'`,
		string(outcome), nullStr(artifactRef), nullStr(reason), millis(finishedAt), attemptID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("attempt %s: %w", attemptID, domain.ErrUnknownAttempt)
	}
	return nil
}

func (s *SQLite) GetExecution(ctx context.Context, attemptID uuid.UUID) (domain.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+execCols+` FROM executions WHERE attempt_id = ?`, attemptID.String())
	r, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionRecord{}, fmt.Errorf("attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	return r, err
}

func (s *SQLite) HasSucceeded(ctx context.Context, taskID uuid.UUID, scheduledFor time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM executions
WHERE task_id = ? AND scheduled_for = ? AND outcome = 'SUCCESS'`, taskID.String(), millis(scheduledFor)).Scan(&n)
	return n > 0, err
}

func (s *SQLite) ListExecutions(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+execCols+` FROM executions
WHERE task_id = ?
ORDER BY scheduled_for DESC, started_at DESC
LIMIT ?`, taskID.String(), limit)
	if err != nil {
		return nil, err
	}
	return collectExecutions(rows)
}

func (s *SQLite) AbandonStale(ctx context.Context, startedBefore time.Time, reason string, finishedAt time.Time) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE executions SET outcome = 'FAILURE', reason = ?, finished_at = ?
WHERE outcome = 'IN_PROGRESS' AND started_at < ?
RETURNING `+execCols, reason, millis(finishedAt), millis(startedBefore))
	if err != nil {
		return nil, err
	}
	return collectExecutions(rows)
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ",")
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
