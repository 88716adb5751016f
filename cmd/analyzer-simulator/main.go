package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medrex/lab-analysis/internal/analyzer"
	"github.com/medrex/lab-analysis/pkg/logger"
	"github.com/medrex/lab-analysis/pkg/repository"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		addr        string
		anomalyRate float64
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:          "analyzer-simulator",
		Short:        "Serve a fake analyzer endpoint for local development",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.New(logLevel)

			var names []string
			for _, a := range repository.DefaultAnalyzers() {
				if !a.Virtual {
					names = append(names, a.Name)
				}
			}

			catalogue := repository.DefaultServices()
			sim := analyzer.NewSimulator(catalogue, log,
				analyzer.WithAnalyzers(names...),
				analyzer.WithResultGenerator(analyzer.CatalogueGenerator(
					catalogue, rand.New(rand.NewSource(time.Now().UnixNano())), anomalyRate)),
			)

			server := &http.Server{
				Addr:              addr,
				Handler:           sim.Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()

			log.WithFields(map[string]interface{}{
				"addr":      addr,
				"analyzers": names,
			}).Info("Starting analyzer simulator")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info("Analyzer simulator stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":5000", "Listen address")
	cmd.Flags().Float64Var(&anomalyRate, "anomaly-rate", 0.1, "Share of results generated outside the normal range")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}
