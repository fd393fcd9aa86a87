// Package ledger records execution attempts. A claim inserts an IN_PROGRESS
// record keyed by (task, occurrence); the store's uniqueness constraint makes
// sure only one claim per occurrence can be live.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"cronflow/internal/domain"
	"cronflow/internal/store"
)

// AbandonedReason marks attempts failed by the stale-claim sweep.
const AbandonedReason = "abandoned: no outcome reported before deadline"

type Ledger struct {
	store store.ExecutionStore
	clock domain.Clock
	log   zerolog.Logger
}

func New(s store.ExecutionStore, clock domain.Clock) *Ledger {
	return &Ledger{store: s, clock: clock, log: log.Logger}
}

// WithLogger returns a copy of l that logs to lg.
func (l *Ledger) WithLogger(lg zerolog.Logger) *Ledger {
	c := *l
	c.log = lg
	return &c
}

// Claim reserves the occurrence for its scheduled attempt. It returns
// domain.ErrClaimConflict when the occurrence has any record, so a failed
// occurrence is never picked up again by a tick.
func (l *Ledger) Claim(ctx context.Context, taskID uuid.UUID, scheduledFor time.Time) (domain.ExecutionRecord, error) {
	rec := l.attempt(taskID, scheduledFor)
	if err := l.store.InsertExecution(ctx, rec); err != nil {
		return domain.ExecutionRecord{}, err
	}
	return rec, nil
}

// Reclaim reserves the occurrence for a manual re-run. Earlier failed
// attempts do not block it; a live or successful one does.
func (l *Ledger) Reclaim(ctx context.Context, taskID uuid.UUID, scheduledFor time.Time) (domain.ExecutionRecord, error) {
	rec := l.attempt(taskID, scheduledFor)
	if err := l.store.InsertRerun(ctx, rec); err != nil {
		return domain.ExecutionRecord{}, err
	}
	return rec, nil
}

func (l *Ledger) attempt(taskID uuid.UUID, scheduledFor time.Time) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		AttemptID:    uuid.New(),
		TaskID:       taskID,
		ScheduledFor: scheduledFor.UTC(),
		Outcome:      domain.OutcomeInProgress,
		StartedAt:    l.clock().UTC().Truncate(time.Millisecond),
	}
}

// Result is the terminal report for an attempt.
type Result struct {
	Outcome     domain.Outcome
	ArtifactRef string
	Reason      string
}

// Record moves an IN_PROGRESS attempt to its terminal outcome. Reporting twice,
// or for an attempt that was never claimed, fails with domain.ErrUnknownAttempt.
func (l *Ledger) Record(ctx context.Context, attemptID uuid.UUID, res Result) error {
	if !res.Outcome.Terminal() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidOutcome, res.Outcome)
	}
	err := l.store.FinishExecution(ctx, attemptID, res.Outcome, res.ArtifactRef, res.Reason, l.clock().UTC())
	if err != nil {
		l.log.Error().Err(err).Str("attempt_id", attemptID.String()).Str("outcome", string(res.Outcome)).Msg("recording outcome failed")
		return err
	}
	return nil
}

// HasSucceeded reports whether the occurrence already has a successful attempt.
func (l *Ledger) HasSucceeded(ctx context.Context, taskID uuid.UUID, scheduledFor time.Time) (bool, error) {
	return l.store.HasSucceeded(ctx, taskID, scheduledFor)
}

func (l *Ledger) Get(ctx context.Context, attemptID uuid.UUID) (domain.ExecutionRecord, error) {
	return l.store.GetExecution(ctx, attemptID)
}

// History returns up to limit attempts of a task, newest occurrence first.
func (l *Ledger) History(ctx context.Context, taskID uuid.UUID, limit int) ([]domain.ExecutionRecord, error) {
	return l.store.ListExecutions(ctx, taskID, limit)
}

// AbandonStale fails attempts that have been in progress since before
// startedBefore. Their occurrences are not re-claimed automatically.
func (l *Ledger) AbandonStale(ctx context.Context, startedBefore time.Time) ([]domain.ExecutionRecord, error) {
	recs, err := l.store.AbandonStale(ctx, startedBefore, AbandonedReason, l.clock().UTC())
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		l.log.Warn().
			Str("attempt_id", r.AttemptID.String()).
			Str("task_id", r.TaskID.String()).
			Time("scheduled_for", r.ScheduledFor).
			Time("started_at", r.StartedAt).
			Msg("abandoned stale attempt")
	}
	return recs, nil
}
