package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"cronflow/internal/domain"
	"cronflow/internal/registry"
)

func createCmd(a *app) *cobra.Command {
	var p registry.CreateParams
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.registry.Create(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tnext run %s\n", t.ID, t.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&p.Name, "name", "", "task name")
	f.StringVar(&p.CronExpression, "cron", "", "cron expression, 5 fields or 6 with leading seconds")
	f.StringVar(&p.Action, "action", registry.DefaultAction, "action to run")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

func listCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := registry.Filter{Status: domain.TaskStatus(status)}
			if status != "" && !f.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCRON\tACTION\tSTATUS\tNEXT RUN")
			for t, err := range e.registry.List(cmd.Context(), f) {
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					t.ID, t.Name, t.CronExpression, t.Action, t.Status, t.NextRunAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (ACTIVE, PAUSED, DELETED)")
	return cmd
}

func runsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show the execution history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("task id: %w", err)
			}
			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			recs, err := e.ledger.History(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ATTEMPT\tSCHEDULED FOR\tOUTCOME\tARTIFACT\tREASON")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.AttemptID, r.ScheduledFor.Format(time.RFC3339), r.Outcome, r.ArtifactRef, r.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum attempts to show")
	return cmd
}

func rerunCmd(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "rerun <task-id>",
		Short: "Run one occurrence of a task again and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("task id: %w", err)
			}
			scheduledFor, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			rec, err := e.scheduler.Rerun(cmd.Context(), id, scheduledFor)
			if err != nil {
				return err
			}
			e.scheduler.Wait()

			final, err := e.ledger.Get(cmd.Context(), rec.AttemptID)
			if err != nil {
				return err
			}
			if final.Outcome != domain.OutcomeSuccess {
				return fmt.Errorf("occurrence %s failed: %s", scheduledFor.Format(time.RFC3339), final.Reason)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", final.AttemptID, final.Outcome, final.ArtifactRef)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "occurrence to rerun (RFC3339)")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}
