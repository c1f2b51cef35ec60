package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zen-systems/openclaw/pkg/heavy"
	"github.com/zen-systems/openclaw/pkg/server"
)

func serveCmd() *cobra.Command {
	var addr string
	var tickEvery, workEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = flags.HTTPAddr
			}
			a := newApp(flags)
			rt := a.router()
			w, err := a.worker(rt)
			if err != nil {
				return err
			}

			handler := server.NewHandler(server.Deps{
				Router:     rt,
				Contract:   a.contract,
				GPU:        a.gpu,
				Queue:      a.queue,
				LedgerPath: flags.LedgerPath,
			})
			httpServer := &http.Server{
				Addr:         addr,
				Handler:      handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 120 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if tickEvery > 0 {
				go every(ctx, tickEvery, func() {
					if _, err := a.contract.Tick(); err != nil {
						log.Warn().Err(err).Msg("contract tick failed")
					}
				})
			}
			if workEvery > 0 {
				go every(ctx, workEvery, func() {
					act, err := w.RunOnce(ctx)
					if err != nil {
						log.Warn().Err(err).Msg("worker iteration failed")
						return
					}
					if act.Action != heavy.ActionNoop {
						log.Info().Str("action", act.Action).Str("job_id", act.JobID).Msg("worker iteration")
					}
				})
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", addr).Msg("openclaw API listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}
			log.Info().Msg("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().DurationVar(&tickEvery, "tick-every", 0, "run contract tick at this interval (0 = off)")
	cmd.Flags().DurationVar(&workEvery, "work-every", 0, "run one worker iteration at this interval (0 = off)")
	return cmd
}

func every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}
