// Package registry owns the task lifecycle. It is the only writer of a task's
// next_run_at and status.
package registry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cronflow/internal/artifact"
	"cronflow/internal/cronexpr"
	"cronflow/internal/domain"
	"cronflow/internal/store"
)

// DefaultAction runs when a task does not name one.
const DefaultAction = "blob"

const (
	createAttempts  = 3
	advanceAttempts = 8
	listPageSize    = 100
)

type Registry struct {
	store   store.TaskStore
	clock   domain.Clock
	newID   func() uuid.UUID
	catchUp bool
	known   func(action string) bool
	log     zerolog.Logger
}

type Option func(*Registry)

// WithIDGenerator replaces uuid.New.
func WithIDGenerator(f func() uuid.UUID) Option {
	return func(r *Registry) { r.newID = f }
}

// WithCatchUp makes AdvanceNextRun walk through every missed occurrence
// instead of skipping ahead to the first one after now.
func WithCatchUp(on bool) Option {
	return func(r *Registry) { r.catchUp = on }
}

// WithActions restricts task actions to names for which known reports true.
func WithActions(known func(action string) bool) Option {
	return func(r *Registry) { r.known = known }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(s store.TaskStore, clock domain.Clock, opts ...Option) *Registry {
	r := &Registry{store: s, clock: clock, newID: uuid.New, log: log.Logger}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) now() time.Time {
	return r.clock().UTC().Truncate(time.Millisecond)
}

type CreateParams struct {
	Name           string
	CronExpression string
	Action         string
}

// Create validates and persists a new ACTIVE task due at the first occurrence
// after now. Nothing is stored when validation fails.
func (r *Registry) Create(ctx context.Context, p CreateParams) (domain.Task, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return domain.Task{}, fmt.Errorf("%w: name is required", domain.ErrInvalidTask)
	}
	expr := strings.TrimSpace(p.CronExpression)
	now := r.now()
	next, err := cronexpr.NextOccurrence(expr, now)
	if err != nil {
		return domain.Task{}, err
	}
	action, err := r.action(p.Action)
	if err != nil {
		return domain.Task{}, err
	}

	t := domain.Task{
		Name:           name,
		CronExpression: expr,
		Action:         action,
		NextRunAt:      next,
		Status:         domain.TaskActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	slug := artifact.Slug(name)
	for attempt := 1; ; attempt++ {
		t.ID = r.newID()
		t.Slug = slug
		err = r.store.PutTask(ctx, t)
		if errors.Is(err, store.ErrSlugTaken) {
			// Another task, live or deleted, already writes under this prefix.
			t.Slug = slug + "-" + t.ID.String()
			err = r.store.PutTask(ctx, t)
		}
		if err == nil {
			r.log.Info().Str("task_id", t.ID.String()).Str("name", t.Name).Time("next_run_at", t.NextRunAt).Msg("task created")
			return t, nil
		}
		if !errors.Is(err, domain.ErrDuplicateID) || attempt == createAttempts {
			return domain.Task{}, err
		}
		r.log.Warn().Err(err).Int("attempt", attempt).Msg("task id collision, regenerating")
	}
}

func (r *Registry) action(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultAction
	}
	if r.known != nil && !r.known(name) {
		return "", fmt.Errorf("%w: unknown action %q", domain.ErrInvalidTask, name)
	}
	return name, nil
}

func (r *Registry) Get(ctx context.Context, id uuid.UUID) (domain.Task, error) {
	return r.store.GetTask(ctx, id)
}

type Filter struct {
	Status domain.TaskStatus
}

// List walks every task matching f in ascending id order. The sequence pages
// through the store lazily and can be ranged over more than once; each pass
// re-reads the store.
func (r *Registry) List(ctx context.Context, f Filter) iter.Seq2[domain.Task, error] {
	return func(yield func(domain.Task, error) bool) {
		after := uuid.Nil
		for {
			page, err := r.store.ScanTasks(ctx, store.TaskFilter{Status: f.Status}, after, listPageSize)
			if err != nil {
				yield(domain.Task{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// ListDue returns at most limit ACTIVE tasks due at now whose current
// occurrence is unclaimed, earliest first with ties broken by id.
func (r *Registry) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	return r.store.DueTasks(ctx, now, limit)
}

// ListSettled returns ACTIVE tasks whose current occurrence already finished
// but whose next_run_at was never advanced.
func (r *Registry) ListSettled(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.store.SettledTasks(ctx, limit)
}

// AdvanceNextRun moves next_run_at past the completed occurrence. A version
// conflict is resolved by re-reading the task: if someone else already
// advanced it past completed the stored task is returned as is, otherwise the
// next run is recomputed against the fresh copy and the write retried.
func (r *Registry) AdvanceNextRun(ctx context.Context, id uuid.UUID, version int64, completed time.Time) (domain.Task, error) {
	current, err := r.store.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	for attempt := 1; ; attempt++ {
		if current.NextRunAt.After(completed) {
			return current, nil
		}
		next, err := r.nextAfter(current.CronExpression, completed)
		if err != nil {
			return domain.Task{}, err
		}
		now := r.now()
		updated, err := r.store.UpdateTask(ctx, id, version, store.TaskPatch{NextRunAt: &next, UpdatedAt: now})
		if err == nil {
			r.log.Debug().
				Str("task_id", id.String()).
				Time("completed", completed).
				Time("next_run_at", next).
				Int64("version", updated.Version).
				Msg("task advanced")
			return updated, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.Task{}, err
		}
		if attempt == advanceAttempts {
			return domain.Task{}, fmt.Errorf("advance task %s: gave up after %d attempts: %v", id, attempt, err)
		}
		if current, err = r.store.GetTask(ctx, id); err != nil {
			return domain.Task{}, err
		}
		version = current.Version
	}
}

func (r *Registry) nextAfter(expr string, completed time.Time) (time.Time, error) {
	next, err := cronexpr.NextOccurrence(expr, completed)
	if err != nil || r.catchUp {
		return next, err
	}
	now := r.now()
	if next.After(now) {
		return next, nil
	}
	// Skip missed occurrences but keep one that falls exactly on now.
	return cronexpr.NextOccurrence(expr, now.Add(-time.Nanosecond))
}

type UpdateParams struct {
	Name           *string
	CronExpression *string
	Action         *string
}

// Update changes the client-owned fields of a task. A new expression
// reschedules the task from now.
func (r *Registry) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (domain.Task, error) {
	var patch store.TaskPatch
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return domain.Task{}, fmt.Errorf("%w: name is required", domain.ErrInvalidTask)
		}
		patch.Name = &name
	}
	if p.Action != nil {
		action, err := r.action(*p.Action)
		if err != nil {
			return domain.Task{}, err
		}
		patch.Action = &action
	}
	var expr string
	if p.CronExpression != nil {
		expr = strings.TrimSpace(*p.CronExpression)
		if err := cronexpr.Validate(expr); err != nil {
			return domain.Task{}, err
		}
		patch.CronExpression = &expr
	}

	return r.mutate(ctx, id, "updated", func(t domain.Task, now time.Time) (store.TaskPatch, error) {
		p := patch
		if p.CronExpression != nil && t.Status == domain.TaskActive {
			next, err := cronexpr.NextOccurrence(expr, now)
			if err != nil {
				return p, err
			}
			p.NextRunAt = &next
		}
		return p, nil
	})
}

// Pause stops a task from becoming due until Resume.
func (r *Registry) Pause(ctx context.Context, id uuid.UUID) (domain.Task, error) {
	return r.mutate(ctx, id, "paused", func(t domain.Task, _ time.Time) (store.TaskPatch, error) {
		status := domain.TaskPaused
		return store.TaskPatch{Status: &status}, nil
	})
}

// Resume reactivates a paused task at its first occurrence after now.
// Occurrences that fell inside the pause are not run.
func (r *Registry) Resume(ctx context.Context, id uuid.UUID) (domain.Task, error) {
	return r.mutate(ctx, id, "resumed", func(t domain.Task, now time.Time) (store.TaskPatch, error) {
		next, err := cronexpr.NextOccurrence(t.CronExpression, now)
		if err != nil {
			return store.TaskPatch{}, err
		}
		status := domain.TaskActive
		return store.TaskPatch{Status: &status, NextRunAt: &next}, nil
	})
}

// Delete soft-deletes a task. Its execution history is kept.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.mutate(ctx, id, "deleted", func(domain.Task, time.Time) (store.TaskPatch, error) {
		status := domain.TaskDeleted
		return store.TaskPatch{Status: &status}, nil
	})
	return err
}

// mutate applies a read-modify-write to a live task, retrying on version
// conflicts. Deleted tasks read as not found.
func (r *Registry) mutate(ctx context.Context, id uuid.UUID, verb string, build func(domain.Task, time.Time) (store.TaskPatch, error)) (domain.Task, error) {
	for attempt := 1; ; attempt++ {
		t, err := r.store.GetTask(ctx, id)
		if err != nil {
			return domain.Task{}, err
		}
		if t.Status == domain.TaskDeleted {
			return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		now := r.now()
		patch, err := build(t, now)
		if err != nil {
			return domain.Task{}, err
		}
		patch.UpdatedAt = now
		updated, err := r.store.UpdateTask(ctx, id, t.Version, patch)
		if err == nil {
			r.log.Info().Str("task_id", id.String()).Int64("version", updated.Version).Msgf("task %s", verb)
			return updated, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt == advanceAttempts {
			return domain.Task{}, err
		}
	}
}
