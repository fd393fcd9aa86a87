// Package executor runs the action bound to a task occurrence and stores its
// output as an artifact keyed by the occurrence.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cronflow/internal/artifact"
	"cronflow/internal/domain"
)

// Invocation describes the occurrence an action is run for.
type Invocation struct {
	TaskID       uuid.UUID
	TaskName     string
	AttemptID    uuid.UUID
	ScheduledFor time.Time
}

// Output is what an action produced. Data becomes the artifact body.
type Output struct {
	Data        []byte
	ContentType string
}

// Action does the work of one occurrence. It should return once ctx is done;
// the executor stops waiting at that point either way, and whatever the
// action returns afterwards is discarded.
type Action interface {
	Run(ctx context.Context, inv Invocation) (Output, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, inv Invocation) (Output, error)

func (f ActionFunc) Run(ctx context.Context, inv Invocation) (Output, error) { return f(ctx, inv) }

// Registry maps action names to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register binds name to a, replacing any previous binding.
func (r *Registry) Register(name string, a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = a
}

func (r *Registry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Failure is returned by Run for every unsuccessful execution. Reason is what
// gets written to the ledger.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string { return "execution failed: " + f.Reason }

func (f *Failure) Unwrap() error { return f.Err }

func fail(err error, format string, args ...any) *Failure {
	return &Failure{Reason: fmt.Sprintf(format, args...), Err: err}
}

type Executor struct {
	actions   *Registry
	artifacts artifact.Store
	log       zerolog.Logger
}

type Option func(*Executor)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

func New(actions *Registry, artifacts artifact.Store, opts ...Option) *Executor {
	e := &Executor{actions: actions, artifacts: artifacts, log: log.Logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes the task's action for rec's occurrence and writes the output
// to the occurrence's artifact key. Running the same occurrence twice
// overwrites the same key. Every error is a *Failure.
func (e *Executor) Run(ctx context.Context, task domain.Task, rec domain.ExecutionRecord) (artifact.Artifact, error) {
	logger := e.log.With().
		Str("task_id", task.ID.String()).
		Str("attempt_id", rec.AttemptID.String()).
		Time("scheduled_for", rec.ScheduledFor).
		Str("action", task.Action).
		Logger()

	act, ok := e.actions.Lookup(task.Action)
	if !ok {
		return artifact.Artifact{}, fail(nil, "unknown action %q", task.Action)
	}

	start := time.Now()
	out, err := invoke(ctx, act, Invocation{
		TaskID:       task.ID,
		TaskName:     task.Name,
		AttemptID:    rec.AttemptID,
		ScheduledFor: rec.ScheduledFor.UTC(),
	})
	if err != nil {
		var f *Failure
		if errors.As(err, &f) {
			return artifact.Artifact{}, f
		}
		return artifact.Artifact{}, fail(err, "action %s: %v", task.Action, err)
	}

	key := artifact.OccurrenceKey(task.Slug, rec.ScheduledFor)
	art, err := e.artifacts.Put(ctx, key, out.Data, out.ContentType)
	if err != nil {
		return artifact.Artifact{}, fail(err, "store artifact %s: %v", key, err)
	}

	logger.Debug().Str("artifact", art.Key).Int64("size", art.Size).Dur("took", time.Since(start)).Msg("action completed")
	return art, nil
}

type result struct {
	out Output
	err error
}

// invoke runs act and returns when it finishes or ctx is done, whichever
// comes first.
func invoke(ctx context.Context, act Action, inv Invocation) (Output, error) {
	done := make(chan result, 1)
	go func() {
		out, err := act.Run(ctx, inv)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return Output{}, ctx.Err()
	}
}
