package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cronflow/internal/api"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP bind address")
	f.Int("workers", 0, "concurrent executions")
	f.Bool("debug", false, "mount pprof handlers")
	_ = a.v.BindPFlag("addr", f.Lookup("addr"))
	_ = a.v.BindPFlag("scheduler.workers", f.Lookup("workers"))
	_ = a.v.BindPFlag("debug", f.Lookup("debug"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	e, err := a.engine(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	srv := &http.Server{
		Addr: a.cfg.Addr,
		Handler: api.NewServer(api.Deps{
			Registry:  e.registry,
			Ledger:    e.ledger,
			Runs:      e.scheduler,
			Artifacts: e.artifacts,
			Logger:    a.log.With().Str("component", "api").Logger(),
			Debug:     a.cfg.Debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info().Str("addr", a.cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return e.scheduler.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
