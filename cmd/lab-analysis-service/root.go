package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/medrex/lab-analysis/pkg/config"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

// NewRootCommand builds the lab-analysis-service CLI
func NewRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "lab-analysis-service",
		Short:        "Laboratory analyzer workflow service",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (optional)")

	load := func() (*config.Config, error) {
		path := configPath
		if path == "" {
			path = os.Getenv("LAB_CONFIG_FILE")
		}
		cfg, err := config.LoadWithOptions(config.Options{Path: path, EnvPrefix: "LAB"})
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(NewServeCommand(load), NewMigrateCommand(load))
	return root
}

type configLoader func() (*config.Config, error)
