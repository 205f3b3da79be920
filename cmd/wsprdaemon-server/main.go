// Command wsprdaemon-server runs the WSPRDAEMON Server, spec.md §4.5: watch
// incoming spool directories for uploaded archives, extract and insert them
// into ClickHouse, and route failures to retry/quarantine.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/n5wspr/wsprcore/internal/config"
	"github.com/n5wspr/wsprcore/internal/dbclient"
	"github.com/n5wspr/wsprcore/internal/ingester"
	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/metrics"
)

var (
	configPath        string
	verbosityOverride int
	dryRun            bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wsprdaemon-server",
	Short: "Ingest wsprdaemon upload archives into ClickHouse",
	RunE:  run,
}

var flags *pflag.FlagSet

func init() {
	flags = rootCmd.Flags()
	flags.StringVar(&configPath, "config", "config.yaml", "path to the configuration file")
	flags.CountVarP(&verbosityOverride, "verbose", "v", "increase log verbosity (repeatable); overrides the config file's verbosity")
	flags.BoolVar(&dryRun, "dry-run", false, "log what would be inserted without writing to the database")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if verbosityOverride > 0 {
		cfg.Verbosity = verbosityOverride
	}

	logging.Init(logging.Config{Verbosity: cfg.Verbosity, LogFile: cfg.LogFile, LogMaxMB: cfg.LogMaxMB})
	logger := logging.WithComponent("main")
	logger.Info().Strs("incoming_dirs", cfg.IncomingDirs).Bool("dry_run", dryRun).Msg("wsprdaemon-server starting")

	db, err := sql.Open("clickhouse", cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer db.Close()
	client := dbclient.New(db, dbclient.WithBatchSize(cfg.BatchSize), dbclient.WithDryRun(dryRun))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := client.EnsureSchema(ctx); err != nil {
		return err
	}

	ing := ingester.New(client, cfg.IncomingDirs, cfg.ExtractionDir, cfg.Workers, cfg.RetryMax, cfg.LoopInterval)

	metricsErr := make(chan error, 1)
	go func() { metricsErr <- metrics.Serve(ctx, cfg.MetricsAddr, logger) }()

	ingestErr := make(chan error, 1)
	go func() { ingestErr <- ing.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, waiting for in-flight batch to finish")
		<-ingestErr
		return nil
	case err := <-ingestErr:
		return err
	case err := <-metricsErr:
		return err
	}
}
