// Command wsprnet-scraper runs the WSPRNET Scraper service, spec.md §4.2-§4.4:
// poll the upstream aggregator for recently reported spots, insert them into
// ClickHouse, and fall back to an on-disk replay cache on transient failure.
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

	"github.com/n5wspr/wsprcore/internal/cache"
	"github.com/n5wspr/wsprcore/internal/config"
	"github.com/n5wspr/wsprcore/internal/dbclient"
	"github.com/n5wspr/wsprcore/internal/logging"
	"github.com/n5wspr/wsprcore/internal/metrics"
	"github.com/n5wspr/wsprcore/internal/scraper"
	"github.com/n5wspr/wsprcore/internal/session"
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
	Use:   "wsprnet-scraper",
	Short: "Poll WSPRNET for recent spots and insert them into ClickHouse",
	RunE:  run,
}

// flags is rootCmd's underlying pflag.FlagSet, named explicitly so
// verbosityOverride can use pflag's CountVarP (no cobra convenience
// wrapper exists for a repeatable -v counter).
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
	logger.Info().Bool("dry_run", dryRun).Msg("wsprnet-scraper starting")

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

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return err
	}

	sess, err := session.New(session.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		Username:    cfg.Upstream.Username,
		Password:    cfg.Upstream.Password,
		SessionFile: cfg.SessionFile,
		TTL:         cfg.SessionTTL,
	})
	if err != nil {
		return err
	}
	if !sess.Restore() {
		logger.Info().Msg("no valid persisted session, will log in on first iteration")
	}

	fetcher := scraper.NewFetcher(sess, cfg.Upstream.DownloadURL)
	loop := scraper.New(fetcher, sess, client, c, cfg.FetchInterval, cfg.ReplayEveryCycles, 0)

	metricsErr := make(chan error, 1)
	go func() { metricsErr <- metrics.Serve(ctx, cfg.MetricsAddr, logger) }()

	loopErr := make(chan error, 1)
	go func() { loopErr <- loop.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, waiting for in-flight iteration to finish")
		<-loopErr
		return nil
	case err := <-loopErr:
		return err
	case err := <-metricsErr:
		return err
	}
}
