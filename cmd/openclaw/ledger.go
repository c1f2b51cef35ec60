package main

import (
	"github.com/spf13/cobra"

	"github.com/zen-systems/openclaw/pkg/ledger"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the witness ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res := ledger.VerifyChain(flags.LedgerPath)
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK {
				return exitCode(1)
			}
			return nil
		},
	})

	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the last ledger entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := ledger.Tail(flags.LedgerPath, n)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []ledger.Entry{}
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 10, "number of entries")
	cmd.AddCommand(tail)
	return cmd
}
