// Package scheduler turns due task occurrences into executions. Every tick it
// reaps abandoned work, asks the registry for due tasks, claims each
// occurrence in the ledger and hands it to the worker pool. Instances share
// nothing but the store, so any number of them may run against one database.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"cronflow/internal/artifact"
	"cronflow/internal/backoff"
	"cronflow/internal/cronexpr"
	"cronflow/internal/domain"
	"cronflow/internal/executor"
	"cronflow/internal/ledger"
	"cronflow/internal/registry"
	"cronflow/internal/worker"
)

// Runner executes one claimed occurrence.
type Runner interface {
	Run(ctx context.Context, task domain.Task, rec domain.ExecutionRecord) (artifact.Artifact, error)
}

type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	Workers          int
	ExecutionTimeout time.Duration
	// StaleAfter is how long an attempt may stay IN_PROGRESS before the
	// reaper fails it. Zero disables the sweep.
	StaleAfter    time.Duration
	ClaimAttempts int
	ClaimBackoff  time.Duration
	// DispatchRate caps dispatches per second. Zero means unlimited.
	DispatchRate float64
}

func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Second,
		BatchSize:        50,
		Workers:          4,
		ExecutionTimeout: 5 * time.Minute,
		StaleAfter:       15 * time.Minute,
		ClaimAttempts:    3,
		ClaimBackoff:     100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.ClaimAttempts <= 0 {
		c.ClaimAttempts = d.ClaimAttempts
	}
	if c.ClaimBackoff <= 0 {
		c.ClaimBackoff = d.ClaimBackoff
	}
}

// recordTimeout bounds the ledger write and advance after an execution, which
// run even when the execution itself timed out.
const recordTimeout = 30 * time.Second

type State int32

const (
	StateIdle State = iota
	StatePolling
	StateClaiming
	StateDispatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePolling:
		return "POLLING"
	case StateClaiming:
		return "CLAIMING"
	case StateDispatching:
		return "DISPATCHING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	ledger   *ledger.Ledger
	runner   Runner
	pool     *worker.Pool
	limiter  *rate.Limiter
	claimPol backoff.Policy
	clock    domain.Clock
	log      zerolog.Logger

	state  atomic.Int32
	tickMu sync.Mutex

	mu       sync.Mutex
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Scheduler)

func WithClock(c domain.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func New(cfg Config, reg *registry.Registry, led *ledger.Ledger, runner Runner, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:      cfg,
		registry: reg,
		ledger:   led,
		runner:   runner,
		pool:     worker.NewPool(cfg.Workers),
		claimPol: backoff.NewExponentialPolicy(cfg.ClaimBackoff, cfg.ClaimAttempts-1),
		clock:    domain.SystemClock,
		log:      log.Logger,
		stop:     make(chan struct{}),
	}
	if cfg.DispatchRate > 0 {
		burst := int(math.Max(1, math.Ceil(cfg.DispatchRate)))
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) { s.state.Store(int32(st)) }

// Start ticks every PollInterval until ctx is done or Stop is called, then
// waits for in-flight executions.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return errors.New("scheduler: already started")
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info().
		Dur("interval", s.cfg.PollInterval).
		Int("workers", s.cfg.Workers).
		Int("batch_size", s.cfg.BatchSize).
		Msg("scheduler started")

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("tick failed")
		}
		select {
		case <-ctx.Done():
			s.pool.Wait()
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-s.stop:
			s.pool.Wait()
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends the tick loop and blocks until running executions finish. It
// does not cancel them; each is bounded by ExecutionTimeout.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.pool.Wait()
}

// Wait blocks until every dispatched execution has been recorded.
func (s *Scheduler) Wait() { s.pool.Wait() }

// RunOnce performs a single tick and returns how many executions it
// dispatched. Ticks never overlap.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	defer s.setState(StateIdle)

	s.setState(StatePolling)
	s.reap(ctx)

	now := s.clock().UTC()
	var due []domain.Task
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		due, err = s.registry.ListDue(ctx, now, s.cfg.BatchSize)
		return err
	}, s.claimPol, retriable)
	if err != nil {
		return 0, fmt.Errorf("list due tasks: %w", err)
	}

	dispatched := 0
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		s.setState(StateClaiming)
		if !s.pool.TryAcquire() {
			s.log.Debug().Int("pending", len(due)-dispatched).Msg("worker pool saturated, deferring to next tick")
			break
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.pool.Release()
			s.log.Debug().Msg("dispatch rate exceeded, deferring to next tick")
			break
		}

		rec, ok := s.claim(ctx, t)
		if !ok {
			s.pool.Release()
			continue
		}

		s.setState(StateDispatching)
		s.dispatch(ctx, t, rec)
		dispatched++
	}
	return dispatched, nil
}

// claim reserves t's current occurrence. It reports false when the
// occurrence was already handled elsewhere or the ledger is unavailable.
func (s *Scheduler) claim(ctx context.Context, t domain.Task) (domain.ExecutionRecord, bool) {
	logger := s.log.With().Str("task_id", t.ID.String()).Time("scheduled_for", t.NextRunAt).Logger()

	succeeded, err := s.ledger.HasSucceeded(ctx, t.ID, t.NextRunAt)
	if err != nil {
		logger.Error().Err(err).Msg("checking ledger failed")
		return domain.ExecutionRecord{}, false
	}
	if succeeded {
		if _, err := s.registry.AdvanceNextRun(ctx, t.ID, t.Version, t.NextRunAt); err != nil {
			logger.Error().Err(err).Msg("advancing already succeeded occurrence failed")
		}
		return domain.ExecutionRecord{}, false
	}

	var rec domain.ExecutionRecord
	err = backoff.Retry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.ledger.Claim(ctx, t.ID, t.NextRunAt)
		return err
	}, s.claimPol, retriable)
	switch {
	case err == nil:
		return rec, true
	case errors.Is(err, domain.ErrClaimConflict):
		logger.Debug().Msg("occurrence claimed elsewhere")
	default:
		logger.Error().Err(err).Int("attempts", s.cfg.ClaimAttempts).Msg("claim failed, retrying next tick")
	}
	return domain.ExecutionRecord{}, false
}

func retriable(err error) bool {
	return !errors.Is(err, domain.ErrClaimConflict) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// dispatch runs rec on a slot already reserved from the pool. The execution
// is detached from ctx's cancellation so shutdown lets it finish.
func (s *Scheduler) dispatch(ctx context.Context, t domain.Task, rec domain.ExecutionRecord) {
	base := context.WithoutCancel(ctx)
	s.pool.Go(func() { s.execute(base, t, rec) })
}

func (s *Scheduler) execute(base context.Context, t domain.Task, rec domain.ExecutionRecord) {
	logger := s.log.With().
		Str("task_id", t.ID.String()).
		Str("attempt_id", rec.AttemptID.String()).
		Time("scheduled_for", rec.ScheduledFor).
		Logger()

	runCtx, cancel := context.WithTimeout(base, s.cfg.ExecutionTimeout)
	art, err := s.runner.Run(runCtx, t, rec)
	cancel()

	res := ledger.Result{Outcome: domain.OutcomeSuccess, ArtifactRef: art.Key}
	if err != nil {
		res = ledger.Result{Outcome: domain.OutcomeFailure, Reason: failureReason(err, s.cfg.ExecutionTimeout)}
		logger.Warn().Str("reason", res.Reason).Msg("execution failed")
	} else {
		logger.Info().Str("artifact", art.Key).Msg("execution succeeded")
	}

	ctx, cancel := context.WithTimeout(base, recordTimeout)
	defer cancel()
	if err := s.ledger.Record(ctx, rec.AttemptID, res); err != nil {
		if errors.Is(err, domain.ErrUnknownAttempt) {
			logger.Warn().Msg("attempt was abandoned before it reported")
		}
	}
	if _, err := s.registry.AdvanceNextRun(ctx, t.ID, t.Version, rec.ScheduledFor); err != nil {
		logger.Error().Err(err).Msg("advancing next run failed, reaper will retry")
	}
}

func failureReason(err error, timeout time.Duration) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timed out after %s", timeout)
	}
	var f *executor.Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return err.Error()
}

// reap fails attempts stuck IN_PROGRESS past StaleAfter and advances tasks
// whose current occurrence finished without the advance being written.
func (s *Scheduler) reap(ctx context.Context) {
	if s.cfg.StaleAfter > 0 {
		cutoff := s.clock().UTC().Add(-s.cfg.StaleAfter)
		if _, err := s.ledger.AbandonStale(ctx, cutoff); err != nil {
			s.log.Error().Err(err).Msg("abandoning stale attempts failed")
		}
	}

	settled, err := s.registry.ListSettled(ctx, s.cfg.BatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("listing settled tasks failed")
		return
	}
	for _, t := range settled {
		if _, err := s.registry.AdvanceNextRun(ctx, t.ID, t.Version, t.NextRunAt); err != nil {
			s.log.Error().Err(err).Str("task_id", t.ID.String()).Msg("advancing settled task failed")
		}
	}
}

// Rerun explicitly runs one occurrence of a task again. The occurrence must
// not be in progress or already succeeded; a failed one may be rerun any
// number of times. It blocks until a worker slot is free.
func (s *Scheduler) Rerun(ctx context.Context, taskID uuid.UUID, scheduledFor time.Time) (domain.ExecutionRecord, error) {
	t, err := s.registry.Get(ctx, taskID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if t.Status == domain.TaskDeleted {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}

	scheduledFor = scheduledFor.UTC()
	occ, err := cronexpr.NextOccurrence(t.CronExpression, scheduledFor.Add(-time.Nanosecond))
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if !occ.Equal(scheduledFor) {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: %s is not an occurrence of %q", domain.ErrInvalidTask, scheduledFor.Format(time.RFC3339), t.CronExpression)
	}
	if scheduledFor.After(s.clock()) {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: occurrence %s is in the future", domain.ErrInvalidTask, scheduledFor.Format(time.RFC3339))
	}

	succeeded, err := s.ledger.HasSucceeded(ctx, taskID, scheduledFor)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if succeeded {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: occurrence already succeeded", domain.ErrClaimConflict)
	}

	if err := s.pool.Acquire(ctx); err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec, err := s.ledger.Reclaim(ctx, taskID, scheduledFor)
	if err != nil {
		s.pool.Release()
		return domain.ExecutionRecord{}, err
	}

	s.log.Info().Str("task_id", taskID.String()).Time("scheduled_for", scheduledFor).Str("attempt_id", rec.AttemptID.String()).Msg("manual rerun dispatched")
	s.dispatch(ctx, t, rec)
	return rec, nil
}
