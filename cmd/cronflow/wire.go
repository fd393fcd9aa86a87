package main

import (
	"context"
	"database/sql"
	"fmt"

	"cronflow/internal/actions/blob"
	"cronflow/internal/actions/webhook"
	"cronflow/internal/artifact"
	"cronflow/internal/config"
	"cronflow/internal/domain"
	"cronflow/internal/executor"
	"cronflow/internal/ledger"
	"cronflow/internal/registry"
	"cronflow/internal/scheduler"
	"cronflow/internal/store"
)

// engine is the assembled set of components behind every command.
type engine struct {
	db        *sql.DB
	registry  *registry.Registry
	ledger    *ledger.Ledger
	artifacts artifact.Store
	scheduler *scheduler.Scheduler
}

func (a *app) engine(ctx context.Context) (*engine, error) {
	db, err := store.Open(ctx, a.cfg.DB, a.log)
	if err != nil {
		return nil, err
	}

	artifacts, err := a.artifactStore()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	actions, err := a.actions()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := store.NewSQLite(db)
	clock := domain.SystemClock
	reg := registry.New(s, clock,
		registry.WithCatchUp(a.cfg.Scheduler.CatchUp),
		registry.WithActions(actions.Has),
		registry.WithLogger(a.log.With().Str("component", "registry").Logger()),
	)
	led := ledger.New(s, clock).WithLogger(a.log.With().Str("component", "ledger").Logger())
	ex := executor.New(actions, artifacts, executor.WithLogger(a.log.With().Str("component", "executor").Logger()))

	sc := a.cfg.Scheduler
	sched := scheduler.New(scheduler.Config{
		PollInterval:     sc.PollInterval,
		BatchSize:        sc.BatchSize,
		Workers:          sc.Workers,
		ExecutionTimeout: sc.ExecutionTimeout,
		StaleAfter:       sc.StaleAfter,
		ClaimAttempts:    sc.ClaimAttempts,
		ClaimBackoff:     sc.ClaimBackoff,
		DispatchRate:     sc.DispatchRate,
	}, reg, led, ex,
		scheduler.WithClock(clock),
		scheduler.WithLogger(a.log.With().Str("component", "scheduler").Logger()),
	)

	return &engine{db: db, registry: reg, ledger: led, artifacts: artifacts, scheduler: sched}, nil
}

func (e *engine) Close() error { return e.db.Close() }

func (a *app) artifactStore() (artifact.Store, error) {
	switch c := a.cfg.Artifacts; c.Backend {
	case config.BackendFS:
		return artifact.NewFS(c.Dir)
	case config.BackendS3:
		return artifact.NewS3(artifact.S3Config{
			Bucket:    c.S3.Bucket,
			Region:    c.S3.Region,
			Endpoint:  c.S3.Endpoint,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			PathStyle: c.S3.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", c.Backend)
	}
}

// actions registers blob always and webhook when a URL is configured.
func (a *app) actions() (*executor.Registry, error) {
	reg := executor.NewRegistry()
	reg.Register(blob.Name, blob.Action)
	if wc := a.cfg.Actions.Webhook; wc.URL != "" {
		wh, err := webhook.New(webhook.Config{URL: wc.URL, Timeout: wc.Timeout})
		if err != nil {
			return nil, err
		}
		reg.Register(webhook.Name, wh)
	}
	return reg, nil
}
