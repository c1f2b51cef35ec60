package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zen-systems/openclaw/pkg/config"
	"github.com/zen-systems/openclaw/pkg/sanitize"
	"github.com/zen-systems/openclaw/pkg/telemetry"
)

var (
	configFile string

	flags         *config.RuntimeFlags
	shutdownTrace = func(context.Context) error { return nil }
)

// exitError carries a specific process exit code. A nil err means the command
// already printed its result.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(code int) error {
	return &exitError{code: code}
}

func main() {
	rootCmd := newRootCmd()
	err := rootCmd.Execute()
	if terr := shutdownTrace(context.Background()); terr != nil {
		log.Warn().Err(terr).Msg("tracer shutdown failed")
	}
	if err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", sanitize.Default().Error(ee.err))
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", sanitize.Default().Error(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "openclaw",
		Short: "Policy-driven LLM routing with a CODE/SERVICE/IDLE workload contract",
		Long: `OpenClaw routes requests across LLM providers under a declarative policy,
	enforcing budgets, circuit breakers and a hash-chained witness ledger, and
	schedules GPU-bound work under a mode contract.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if err := telemetry.SetupLogging(f.Log.Level, f.Log.Format); err != nil {
				return err
			}
			shutdown, err := telemetry.InitTracing(cmd.Context(), f.OTLPEndpoint)
			if err != nil {
				return err
			}
			flags = f
			shutdownTrace = shutdown
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to openclaw.yaml")

	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(heavyCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(gpuCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(routerCmd())
	rootCmd.AddCommand(serveCmd())
	return rootCmd
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
