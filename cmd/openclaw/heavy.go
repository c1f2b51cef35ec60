package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/openclaw/pkg/heavy"
)

func heavyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heavy",
		Short: "Manage the heavy job queue",
	}
	cmd.AddCommand(heavyEnqueueCmd())
	cmd.AddCommand(heavyTailCmd())
	cmd.AddCommand(heavyStatusCmd())
	return cmd
}

func heavyEnqueueCmd() *cobra.Command {
	var command, toolID string
	var requiresGPU bool
	var priority, ttlMinutes int

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Append a shell job to the queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := newApp(flags).queue.Enqueue(heavy.EnqueueRequest{
				Kind:        heavy.KindShell,
				Cmd:         command,
				Priority:    priority,
				TTL:         time.Duration(ttlMinutes) * time.Minute,
				RequiresGPU: requiresGPU,
				ToolID:      toolID,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}

	cmd.Flags().StringVar(&command, "cmd", "", "shell command to run")
	cmd.Flags().BoolVar(&requiresGPU, "requires-gpu", false, "claim the GPU lock before running")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 0, "expire the job if not started within this many minutes (0 = never)")
	cmd.Flags().StringVar(&toolID, "tool-id", "", "tool the ensure hook prepares (GPU jobs)")
	_ = cmd.MarkFlagRequired("cmd")
	return cmd
}

func heavyTailCmd() *cobra.Command {
	var n int

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the last lines of the job log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := newApp(flags).queue.Tail(n)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), string(line))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of lines")
	return cmd
}

func heavyStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the projected state of every job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := newApp(flags).queue
			jobs, err := q.Project()
			if err != nil {
				return err
			}
			depth, err := q.Depth(time.Now())
			if err != nil {
				return err
			}
			if asJSON {
				if jobs == nil {
					jobs = []heavy.Job{}
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"depth": depth, "jobs": jobs})
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tSTATE\tPRIORITY\tGPU\tRC")
			for _, j := range jobs {
				rc := "-"
				if j.RC != nil {
					rc = fmt.Sprint(*j.RC)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\n", j.ID, j.Kind, j.State, j.Priority, j.RequiresGPU, rc)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nqueued: %d\n", depth)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the heavy queue worker",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run at most one queued job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newApp(flags)
			w, err := a.worker(a.router())
			if err != nil {
				return err
			}
			act, err := w.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), act); err != nil {
				return err
			}
			if code := workerExitCode(act); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	})
	return cmd
}

func workerExitCode(act heavy.Action) int {
	switch act.Action {
	case heavy.ActionEnsureFailed:
		return 2
	case heavy.ActionGPULockHeld:
		return 3
	case heavy.ActionFailed:
		return 1
	}
	return 0
}
