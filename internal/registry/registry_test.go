package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronflow/internal/domain"
	"cronflow/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func setup(t *testing.T, start time.Time, opts ...Option) (*Registry, *store.SQLite, *fakeClock) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := store.NewSQLite(db)
	clock := &fakeClock{t: start}
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return New(s, clock.Now, opts...), s, clock
}

func TestCreateBackupScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _ := setup(t, time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC))

	task, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, task.ID)
	assert.Equal(t, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), task.NextRunAt)
	assert.Equal(t, domain.TaskActive, task.Status)
	assert.Equal(t, int64(0), task.Version)
	assert.Equal(t, DefaultAction, task.Action)

	stored, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task, stored)
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _ := setup(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "not a cron"})
	require.ErrorIs(t, err, domain.ErrInvalidExpression)

	_, err = r.Create(ctx, CreateParams{Name: "feb30", CronExpression: "0 0 30 2 *"})
	require.ErrorIs(t, err, domain.ErrUnreachableSchedule)

	_, err = r.Create(ctx, CreateParams{Name: "  ", CronExpression: "* * * * *"})
	require.ErrorIs(t, err, domain.ErrInvalidTask)

	n := 0
	for _, err := range r.List(ctx, Filter{}) {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n, "nothing may be persisted on validation failure")
}

func TestUnknownActionRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	known := func(a string) bool { return a == "blob" || a == "webhook" }
	r, _, _ := setup(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), WithActions(known))

	_, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *", Action: "shell"})
	require.ErrorIs(t, err, domain.ErrInvalidTask)
	assert.True(t, domain.IsValidation(err))

	task, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *", Action: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, "webhook", task.Action)

	bad := "shell"
	_, err = r.Update(ctx, task.ID, UpdateParams{Action: &bad})
	require.ErrorIs(t, err, domain.ErrInvalidTask)
}

func TestCreateRetriesDuplicateID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	taken, fresh := uuid.New(), uuid.New()
	ids := []uuid.UUID{taken, fresh}
	var mu sync.Mutex
	gen := func() uuid.UUID {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
	r, s, _ := setup(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), WithIDGenerator(gen))

	require.NoError(t, s.PutTask(ctx, domain.Task{
		ID: taken, Name: "existing", Slug: "existing", CronExpression: "* * * * *", Action: "blob",
		Status: domain.TaskActive, NextRunAt: time.Now(), CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	task, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, fresh, task.ID)

	existing, err := r.Get(ctx, taken)
	require.NoError(t, err)
	assert.Equal(t, "existing", existing.Name, "collision must not overwrite")
}

func TestCreateDuplicateName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _ := setup(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	first, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	_, err = r.Create(ctx, CreateParams{Name: "backup", CronExpression: "5 * * * *"})
	require.ErrorIs(t, err, domain.ErrNameTaken)
	assert.True(t, domain.IsValidation(err))

	require.NoError(t, r.Delete(ctx, first.ID))
	_, err = r.Create(ctx, CreateParams{Name: "backup", CronExpression: "5 * * * *"})
	require.NoError(t, err)
}

func TestListDueAndAdvanceScenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, clock := setup(t, time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC))

	task, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)

	due, err := r.ListDue(ctx, time.Date(2024, 1, 1, 0, 59, 59, 0, time.UTC), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	now := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	clock.Set(now)
	due, err = r.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, task.ID, due[0].ID)

	advanced, err := r.AdvanceNextRun(ctx, task.ID, task.Version, task.NextRunAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), advanced.NextRunAt)
	assert.Equal(t, int64(1), advanced.Version)

	due, err = r.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestAdvanceStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r, _, clock := setup(t, start)

	task, err := r.Create(ctx, CreateParams{Name: "tick", CronExpression: "*/15 * * * *"})
	require.NoError(t, err)

	prev := task.NextRunAt
	for i := 0; i < 20; i++ {
		clock.Set(task.NextRunAt)
		task, err = r.AdvanceNextRun(ctx, task.ID, task.Version, task.NextRunAt)
		require.NoError(t, err)
		require.True(t, task.NextRunAt.After(prev), "iteration %d: %s !> %s", i, task.NextRunAt, prev)
		assert.Equal(t, int64(i+1), task.Version)
		prev = task.NextRunAt
	}
}

func TestAdvanceAbsorbsVersionConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, clock := setup(t, time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC))

	task, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	clock.Set(task.NextRunAt)

	// Two scheduler instances finishing the same occurrence with the same
	// snapshot: the second sees the first's write and returns it.
	first, err := r.AdvanceNextRun(ctx, task.ID, task.Version, task.NextRunAt)
	require.NoError(t, err)
	second, err := r.AdvanceNextRun(ctx, task.ID, task.Version, task.NextRunAt)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A stale version for a task that still needs advancing is re-read and retried.
	_, err = r.Pause(ctx, task.ID) // bumps version without moving next_run_at
	require.NoError(t, err)
	clock.Set(first.NextRunAt)
	third, err := r.AdvanceNextRun(ctx, task.ID, first.Version, first.NextRunAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), third.NextRunAt)
	assert.Equal(t, first.Version+2, third.Version)
}

func TestAdvanceConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, clock := setup(t, time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC))

	task, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	clock.Set(task.NextRunAt)

	var wg sync.WaitGroup
	results := make([]domain.Task, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.AdvanceNextRun(ctx, task.ID, task.Version, task.NextRunAt)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	final, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), final.NextRunAt)
	assert.Equal(t, int64(1), final.Version, "exactly one writer advances the occurrence")
}

func TestAdvanceSkipsMissedUnlessCatchUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	created := time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC)
	late := time.Date(2024, 1, 1, 5, 30, 0, 0, time.UTC)

	skip, _, skipClock := setup(t, created)
	task, err := skip.Create(ctx, CreateParams{Name: "hourly", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	skipClock.Set(late)
	task, err = skip.AdvanceNextRun(ctx, task.ID, task.Version, task.NextRunAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC), task.NextRunAt)

	catchUp, _, cuClock := setup(t, created, WithCatchUp(true))
	task, err = catchUp.Create(ctx, CreateParams{Name: "hourly", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	cuClock.Set(late)
	task, err = catchUp.AdvanceNextRun(ctx, task.ID, task.Version, task.NextRunAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), task.NextRunAt)
}

func TestListIsRestartableAndStable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _ := setup(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	const n = listPageSize + 7
	for i := 0; i < n; i++ {
		_, err := r.Create(ctx, CreateParams{Name: uuid.NewString(), CronExpression: "0 * * * *"})
		require.NoError(t, err)
	}

	seq := r.List(ctx, Filter{})
	collect := func() []uuid.UUID {
		var ids []uuid.UUID
		for task, err := range seq {
			require.NoError(t, err)
			ids = append(ids, task.ID)
		}
		return ids
	}
	first := collect()
	require.Len(t, first, n)
	for i := 1; i < len(first); i++ {
		require.Less(t, first[i-1].String(), first[i].String())
	}
	assert.Equal(t, first, collect())

	// Stopping early is fine.
	count := 0
	for range seq {
		count++
		if count == 3 {
			break
		}
	}
	assert.Equal(t, 3, count)
}

func TestPauseResumeUpdateDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, clock := setup(t, time.Date(2024, 1, 1, 0, 5, 0, 0, time.UTC))

	task, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)

	paused, err := r.Pause(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaused, paused.Status)

	due, err := r.ListDue(ctx, time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "paused tasks are never due")

	var pausedOnly []domain.Task
	for t2, err := range r.List(ctx, Filter{Status: domain.TaskPaused}) {
		require.NoError(t, err)
		pausedOnly = append(pausedOnly, t2)
	}
	assert.Len(t, pausedOnly, 1)

	clock.Set(time.Date(2024, 1, 1, 3, 10, 0, 0, time.UTC))
	resumed, err := r.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskActive, resumed.Status)
	assert.Equal(t, time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC), resumed.NextRunAt)

	expr := "30 * * * *"
	name := "nightly-backup"
	updated, err := r.Update(ctx, task.ID, UpdateParams{Name: &name, CronExpression: &expr})
	require.NoError(t, err)
	assert.Equal(t, "nightly-backup", updated.Name)
	assert.Equal(t, time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC), updated.NextRunAt)

	bad := "nope"
	_, err = r.Update(ctx, task.ID, UpdateParams{CronExpression: &bad})
	require.ErrorIs(t, err, domain.ErrInvalidExpression)

	require.NoError(t, r.Delete(ctx, task.ID))
	deleted, err := r.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDeleted, deleted.Status)

	require.ErrorIs(t, r.Delete(ctx, task.ID), domain.ErrNotFound)
	_, err = r.Pause(ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.Pause(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSlugIsUniqueAndStable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _, _ := setup(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	spaced, err := r.Create(ctx, CreateParams{Name: "nightly report", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, "nightly_report", spaced.Slug)

	underscored, err := r.Create(ctx, CreateParams{Name: "nightly_report", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	assert.Equal(t, "nightly_report-"+underscored.ID.String(), underscored.Slug)

	// A deleted task keeps its prefix, so a new task with the same name
	// cannot overwrite its artifacts.
	old, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	require.NoError(t, r.Delete(ctx, old.ID))
	reused, err := r.Create(ctx, CreateParams{Name: "backup", CronExpression: "0 * * * *"})
	require.NoError(t, err)
	assert.NotEqual(t, old.Slug, reused.Slug)

	// Renaming does not move a task's artifacts.
	name := "weekly report"
	renamed, err := r.Update(ctx, spaced.ID, UpdateParams{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "nightly_report", renamed.Slug)
}
