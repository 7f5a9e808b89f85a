package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"nvdharvest/internal/app"
	"nvdharvest/internal/config"
	"nvdharvest/internal/logger"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "nvdharvest [flags] <data-source>",
		Short: "Harvest CVE records from the National Vulnerability Database into SQLite",
		Long: `A resumable harvester for the NVD CVE API 2.0. Records are stored verbatim in a
local SQLite database and progress is checkpointed after every page, so an
interrupted run continues where it stopped.

Data sources:
  cve_init     run (or resume) the initial CVE backfill
  cve_update   incremental update (not implemented yet)
  cve_status   print the backfill status`,
		Args:          cobra.MaximumNArgs(1),
		ValidArgs:     app.Actions(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Please provide a data source to update (example: nvdharvest cve_init).")
				fmt.Fprintf(cmd.OutOrStdout(), "Choose from: %s\n\n", strings.Join(app.Actions(), ", "))
				return cmd.Usage()
			}
			return runHarvest(cmd, configFile, args[0])
		},
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML)")

	cmd.Flags().String("database", "", "SQLite database file (default is $XDG_DATA_HOME/nvdharvest/cve_database.db)")
	cmd.Flags().String("api-key", "", "NVD API key (or set NVD_API_KEY)")
	cmd.Flags().String("base-url", "", "NVD CVE API endpoint")
	cmd.Flags().Int("page-size", 2000, "Records requested per page (max 2000)")
	cmd.Flags().Int("max-retries", 3, "Retries of a throttled or unavailable page before stopping")
	cmd.Flags().String("backoff", "constant", "Retry backoff strategy (constant/exponential)")
	cmd.Flags().Int("retry-delay-ms", 10000, "Delay between retries in milliseconds")
	cmd.Flags().Int("page-delay-ms", 5000, "Pause between pages in milliseconds")
	cmd.Flags().Bool("show-progress", true, "Show progress display when attached to a terminal")
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")

	return cmd
}

func runHarvest(cmd *cobra.Command, configFile, action string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck // stderr sync errors are not actionable

	harvester, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create harvester: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	return harvester.Run(ctx, action)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
