package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibetrade/agentgateway/internal/config"
	"github.com/vibetrade/agentgateway/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "vibetrade",
	Short:         "Agent chat gateway with per-session rate limiting and streaming",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vibetrade: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and installs the default logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("config: %w", err)
	}
	log := logging.New(cfg.Verbosity, cfg.LogFormat, os.Stderr)
	slog.SetDefault(log)
	return cfg, log, nil
}
