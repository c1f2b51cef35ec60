package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/zen-systems/openclaw/pkg/contract"
)

func contractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Inspect and steer the CODE/SERVICE/IDLE contract",
	}
	cmd.AddCommand(contractGetCmd())
	cmd.AddCommand(contractSetModeCmd())
	cmd.AddCommand(contractTickCmd())
	return cmd
}

func contractGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Print the current contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newApp(flags).contract.Load()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
}

func contractSetModeCmd() *cobra.Command {
	var ttl time.Duration
	var reason string

	cmd := &cobra.Command{
		Use:   "set-mode MODE",
		Short: "Pin the contract to MODE until the override expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newApp(flags).contract.SetMode(args[0], ttl, reason)
			if err != nil {
				if errors.Is(err, contract.ErrInvalidMode) {
					return &exitError{code: 2, err: err}
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "override lifetime")
	cmd.Flags().StringVar(&reason, "reason", "manual", "reason recorded with the override")
	return cmd
}

func contractTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Evaluate service load and advance the contract",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newApp(flags).contract.Tick()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
