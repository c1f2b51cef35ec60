package main

import (
	"github.com/spf13/cobra"

	"github.com/zen-systems/openclaw/pkg/router"
)

func routerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "router",
		Short: "Plan and execute routed requests",
	}
	cmd.AddCommand(routerExplainCmd())
	cmd.AddCommand(routerRunCmd())
	return cmd
}

func routerExplainCmd() *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "explain INTENT",
		Short: "Print the candidate order without calling any provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			if prompt != "" {
				payload["prompt"] = prompt
			}
			exp, err := newApp(flags).router().Explain(args[0], payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exp)
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt used for capability and gating rules")
	return cmd
}

func routerRunCmd() *cobra.Command {
	var prompt, system string
	var requiresGPU bool
	var meta map[string]string

	cmd := &cobra.Command{
		Use:   "run INTENT",
		Short: "Execute a request through the configured handlers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"prompt": prompt}
			if system != "" {
				payload["system"] = system
			}
			ctxMeta := make(map[string]any, len(meta)+1)
			for k, v := range meta {
				ctxMeta[k] = v
			}
			if requiresGPU {
				ctxMeta["requires_gpu"] = true
			}

			res, err := newApp(flags).router().ExecuteWithEscalation(cmd.Context(), args[0], payload, ctxMeta)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.OK && res.ReasonCode != router.ReasonHeavyDeferred {
				return exitCode(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().BoolVar(&requiresGPU, "requires-gpu", false, "mark the request as heavy; deferred outside CODE mode")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "context metadata key=value pairs")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}
