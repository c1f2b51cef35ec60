package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/openclaw/pkg/gpu"
)

func gpuCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gpu",
		Short: "Inspect, claim and release the GPU lock",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the lock state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newApp(flags).gpu.Status()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	})
	cmd.AddCommand(gpuClaimCmd())
	cmd.AddCommand(gpuReleaseCmd())
	return cmd
}

func gpuClaimCmd() *cobra.Command {
	var holder, reason string
	var ttlMinutes int

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Take the GPU lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ttl := time.Duration(ttlMinutes) * time.Minute
			if ttlMinutes == 0 {
				ttl = flags.GPU.LockTTL()
			}
			res, err := newApp(flags).gpu.Claim(holder, reason, ttl)
			if errors.Is(err, gpu.ErrHeld) {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return exitCode(2)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&holder, "holder", "", "lock holder id")
	cmd.Flags().StringVar(&reason, "reason", "", "why the GPU is needed")
	cmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 0, "lock lifetime in minutes (0 = configured default)")
	_ = cmd.MarkFlagRequired("holder")
	return cmd
}

func gpuReleaseCmd() *cobra.Command {
	var holder string

	cmd := &cobra.Command{
		Use:   "release",
		Short: "Drop the GPU lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newApp(flags).gpu.Release(holder)
			if errors.Is(err, gpu.ErrNotHolder) {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
				return exitCode(3)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&holder, "holder", "", "lock holder id")
	_ = cmd.MarkFlagRequired("holder")
	return cmd
}
