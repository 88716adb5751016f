package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrex/lab-analysis/pkg/logger"
)

// NewServeCommand starts the HTTP API and the progress scheduler
func NewServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the lab analysis HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			log := logger.New(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("start lab analysis service: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := app.close(shutdownCtx); err != nil {
					log.WithError(err).Warn("Shutdown finished with errors")
				}
			}()

			if cfg.Scheduler.Enabled {
				app.scheduler.Start(ctx)
			}

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			errCh := make(chan error, 1)
			go func() {
				errCh <- app.service.Start(addr)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("Shutting down lab analysis service...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := app.service.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("graceful shutdown: %w", err)
			}
			<-errCh

			log.Info("Lab analysis service stopped")
			return nil
		},
	}
}
